// Package errorclassifier maps a raw copy-path error to the state the
// record should move to and a human-readable reason, per spec.md §4.7.
//
// Grounded on agent/tasks/common.IsRetryableError's ordered-switch style of
// turning a raw error into a category, generalized from that function's
// binary retryable/non-retryable verdict into the richer (status, reason)
// pair this lifecycle needs.
package errorclassifier

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/onpremsync/mxfagent/model"
)

// Verdict is the classifier's output for one failure.
type Verdict struct {
	Status model.Status
	Reason string
}

// DestinationStatusFunc reports the Storage Monitor's cached destination
// classification, consulted per spec.md §4.7's final rule.
type DestinationStatusFunc func() model.StorageStatus

var networkIndicators = []string{
	"input/output error",
	"network is unreachable",
	"smb error",
	"the network name cannot be found",
	"connection refused",
	"connection reset",
	"broken pipe",
	"host is unreachable",
	"not connected",
	"no route to host",
}

var sourceMissingIndicators = []string{
	"no such file or directory",
	"the system cannot find the file specified",
	"cannot find the path",
}

// Classify returns the terminal status and reason for err, given whether the
// source path currently exists and the destination's last known storage
// status.
func Classify(err error, sourceExists bool, destStatus model.StorageStatus) Verdict {
	if err == nil {
		return Verdict{Status: model.StatusFailed, Reason: "unknown error: nil"}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Verdict{Status: model.StatusFailed, Reason: "operation timed out"}
	}

	var integrityErr *IntegrityError
	if errors.As(err, &integrityErr) {
		return Verdict{Status: model.StatusFailed, Reason: "integrity check failed"}
	}

	msg := strings.ToLower(err.Error())

	if destStatus == model.StorageError || destStatus == model.StorageCritical {
		return Verdict{Status: model.StatusFailed, Reason: "destination unavailable: " + err.Error()}
	}

	if containsAny(msg, networkIndicators) {
		return Verdict{Status: model.StatusFailed, Reason: "network failure: " + err.Error()}
	}

	isMissing := os.IsNotExist(err) || containsAny(msg, sourceMissingIndicators)
	if isMissing {
		if !sourceExists {
			return Verdict{Status: model.StatusRemoved, Reason: "source file no longer exists"}
		}
		return Verdict{Status: model.StatusFailed, Reason: "source error: " + err.Error()}
	}

	return Verdict{Status: model.StatusFailed, Reason: "unknown error: " + err.Error()}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// IntegrityError is returned by the Copy Engine when post-copy verification
// fails: either the mandatory size comparison, or the supplementary CRC32C
// check (spec.md §4.5 step 6). Detail is empty for a size mismatch and
// describes the CRC mismatch otherwise.
type IntegrityError struct {
	SourceSize, DestSize int64
	Detail               string
}

func (e *IntegrityError) Error() string {
	if e.Detail != "" {
		return "integrity mismatch: " + e.Detail
	}
	return "integrity mismatch"
}
