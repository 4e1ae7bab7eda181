// Package spacearbiter decides whether a candidate copy has enough
// destination space, and drives the retry-then-SPACE_ERROR policy of
// spec.md §4.6 when it doesn't.
//
// Grounded on agent/tasks/copy/backoff.go's capped-linear BackOff for the
// retry delay shape, consumed here via retry.NewFixedDelay.
package spacearbiter

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/onpremsync/mxfagent/config"
	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/retry"
	"github.com/onpremsync/mxfagent/statemachine"
)

// DestinationInfoFunc returns the Storage Monitor's cached destination
// StorageInfo, or false if none has been collected yet.
type DestinationInfoFunc func() (model.StorageInfo, bool)

// Requeuer re-admits a record to the job queue after a successful retry
// wait (IN_QUEUE), implemented by the Job Queue producer.
type Requeuer interface {
	Requeue(fileID uuid.UUID, filePath string, fileSize int64, isGrowing bool)
}

// Arbiter evaluates space checks and owns the WAITING_FOR_SPACE retry loop.
type Arbiter struct {
	requeuer Requeuer
	destFn   DestinationInfoFunc
	sm       *statemachine.StateMachine
	cfg      func() config.Config
}

// New builds an Arbiter.
func New(sm *statemachine.StateMachine, destFn DestinationInfoFunc, requeuer Requeuer, cfg func() config.Config) *Arbiter {
	return &Arbiter{sm: sm, destFn: destFn, requeuer: requeuer, cfg: cfg}
}

// Check evaluates whether fileSize bytes can be safely written to the
// destination, per spec.md §4.6.
func (a *Arbiter) Check(fileSize int64) model.SpaceCheckResult {
	cfg := a.cfg()
	safetyMargin := cfg.CopySafetyMarginBytes()
	minFreeAfter := cfg.MinimumFreeSpaceAfterCopyBytes()
	required := fileSize + safetyMargin + minFreeAfter

	info, ok := a.destFn()
	if !ok {
		return model.SpaceCheckResult{
			HasSpace:         false,
			RequiredBytes:    required,
			FileSizeBytes:    fileSize,
			SafetyMarginByte: safetyMargin,
			Reason:           "storage information unavailable",
		}
	}
	if !info.IsAccessible {
		return model.SpaceCheckResult{
			HasSpace:         false,
			RequiredBytes:    required,
			FileSizeBytes:    fileSize,
			SafetyMarginByte: safetyMargin,
			Reason:           "destination not accessible: " + info.ErrorMessage,
		}
	}

	freeBytes := int64(info.FreeSpaceGB * 1024 * 1024 * 1024)
	return model.SpaceCheckResult{
		HasSpace:         freeBytes >= required,
		AvailableBytes:   freeBytes,
		RequiredBytes:    required,
		FileSizeBytes:    fileSize,
		SafetyMarginByte: safetyMargin,
	}
}

// HandleInsufficientSpace transitions record to WAITING_FOR_SPACE, then
// retries the check on a fixed delay up to max_space_retries, re-admitting
// to IN_QUEUE on success or landing on SPACE_ERROR when attempts are
// exhausted. It runs on the calling worker's goroutine and returns once the
// record has left WAITING_FOR_SPACE (or ctx is cancelled).
func (a *Arbiter) HandleInsufficientSpace(ctx context.Context, fileID uuid.UUID, filePath string, fileSize int64, isGrowing bool, reason string) {
	cfg := a.cfg()
	errMsg := reason
	if _, err := a.sm.Transition(fileID, model.StatusWaitingForSpace, statemachine.Patch{ErrorMessage: &errMsg}); err != nil {
		glog.Warningf("spacearbiter: transitioning %s to WAITING_FOR_SPACE: %v", filePath, err)
		return
	}

	backoff := retry.NewFixedDelay(cfg.SpaceRetryDelay(), cfg.MaxSpaceRetries)

	for {
		delay, ok := backoff.Next()
		if !ok {
			if _, err := a.sm.Transition(fileID, model.StatusSpaceError, statemachine.Patch{}); err != nil {
				glog.Warningf("spacearbiter: transitioning %s to SPACE_ERROR: %v", filePath, err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		result := a.Check(fileSize)
		if result.HasSpace {
			if _, err := a.sm.Transition(fileID, model.StatusInQueue, statemachine.Patch{}); err != nil {
				glog.Warningf("spacearbiter: re-admitting %s: %v", filePath, err)
				return
			}
			if a.requeuer != nil {
				a.requeuer.Requeue(fileID, filePath, fileSize, isGrowing)
			}
			return
		}
	}
}
