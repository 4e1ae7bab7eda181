package errorclassifier

import (
	"errors"
	"testing"

	"github.com/onpremsync/mxfagent/model"
)

func TestClassifyIntegrityMismatch(t *testing.T) {
	v := Classify(&IntegrityError{SourceSize: 10, DestSize: 8}, true, model.StorageOK)
	if v.Status != model.StatusFailed || v.Reason != "integrity check failed" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestClassifyNetworkIndicative(t *testing.T) {
	v := Classify(errors.New("write: network is unreachable"), true, model.StorageOK)
	if v.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %v", v.Status)
	}
	if v.Reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestClassifySourceMissingAndGone(t *testing.T) {
	v := Classify(errors.New("open /src/a.mxf: no such file or directory"), false, model.StorageOK)
	if v.Status != model.StatusRemoved {
		t.Fatalf("expected REMOVED, got %v", v.Status)
	}
}

func TestClassifySourceMissingSubstringButStillExists(t *testing.T) {
	v := Classify(errors.New("open /src/a.mxf: no such file or directory"), true, model.StorageOK)
	if v.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %v", v.Status)
	}
}

func TestClassifyDestinationUnavailableOverride(t *testing.T) {
	v := Classify(errors.New("some generic write error"), true, model.StorageCritical)
	if v.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %v", v.Status)
	}
}

func TestClassifyUnknown(t *testing.T) {
	v := Classify(errors.New("something bizarre"), true, model.StorageOK)
	if v.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %v", v.Status)
	}
}
