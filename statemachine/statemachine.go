// Package statemachine validates and applies status transitions for tracked
// files. It is the only component permitted to mutate a model.TrackedFile's
// status; every other component asks it to transition a record and reacts to
// the resulting event.
//
// Grounded on dcp/task.go's canChangeTaskStatus, generalized from that
// file's totally-ordered int64 comparison into an explicit adjacency list,
// since this lifecycle's legal moves do not form a total order (e.g.
// WAITING_FOR_SPACE can go back to IN_QUEUE).
package statemachine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onpremsync/mxfagent/clock"
	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
)

// legalTransitions is the edge list from spec.md §4.2. A status absent from
// this map (COMPLETED, FAILED, REMOVED) has no outgoing edges: it is
// terminal.
var legalTransitions = map[model.Status][]model.Status{
	model.StatusDiscovered: {
		model.StatusGrowing, model.StatusReadyToStartGrowing, model.StatusReady, model.StatusRemoved,
	},
	model.StatusGrowing: {
		model.StatusReadyToStartGrowing, model.StatusReady, model.StatusRemoved, model.StatusFailed,
	},
	model.StatusReadyToStartGrowing: {
		model.StatusInQueue, model.StatusRemoved, model.StatusFailed,
	},
	model.StatusReady: {
		model.StatusInQueue, model.StatusRemoved, model.StatusFailed,
	},
	model.StatusInQueue: {
		model.StatusCopying, model.StatusGrowingCopy, model.StatusWaitingForSpace,
		model.StatusWaitingForNetwork, model.StatusFailed, model.StatusRemoved,
	},
	model.StatusCopying: {
		model.StatusCompleted, model.StatusFailed, model.StatusRemoved, model.StatusWaitingForNetwork,
	},
	model.StatusGrowingCopy: {
		model.StatusCompleted, model.StatusFailed, model.StatusRemoved, model.StatusWaitingForNetwork,
	},
	model.StatusWaitingForSpace: {
		model.StatusInQueue, model.StatusSpaceError, model.StatusRemoved, model.StatusFailed,
	},
	model.StatusWaitingForNetwork: {
		model.StatusInQueue, model.StatusFailed, model.StatusRemoved,
	},
	model.StatusSpaceError: {
		model.StatusInQueue, model.StatusRemoved,
	},
}

// TransitionError reports an illegal edge; the record is left unmutated (I3).
type TransitionError struct {
	From, To model.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("statemachine: illegal transition %s -> %s", e.From, e.To)
}

// Repository is the subset of repository.Repository the state machine needs.
// Declared here (consumer side) so this package has no import of repository.
type Repository interface {
	GetByID(id uuid.UUID) (*model.TrackedFile, bool)
	Update(record *model.TrackedFile) error
}

// Patch carries the field updates to apply alongside a transition. Zero
// values mean "leave unchanged" except where noted.
type Patch struct {
	FileSize          *int64
	BytesCopied       *int64
	CopyProgress      *float64
	CopySpeedMbps     *float64
	ErrorMessage      *string
	RetryInfo         *model.RetryInfo
	ClearRetryInfo    bool
	PreviousFileSize  *int64
	GrowthRateMbps    *float64
	FirstSeenSize     *int64
	GrowthStableSince *time.Time
	ClearGrowthStableSince bool
	LastGrowthCheck   *time.Time
}

// StateMachine validates transitions, applies patches, and publishes
// FileStatusChangedEvent on success.
type StateMachine struct {
	mu    sync.Mutex
	repo  Repository
	bus   *eventbus.Bus
	clock clock.Clock
}

// New builds a StateMachine bound to repo and bus.
func New(repo Repository, bus *eventbus.Bus, c clock.Clock) *StateMachine {
	return &StateMachine{repo: repo, bus: bus, clock: c}
}

// Transition validates the edge record.Status -> newStatus, applies patch,
// persists the result through the repository, and publishes the event. The
// whole operation is serialized under the state machine's lock so that a
// concurrent transition request for the same record cannot race it.
func (sm *StateMachine) Transition(id uuid.UUID, newStatus model.Status, patch Patch) (*model.TrackedFile, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	record, ok := sm.repo.GetByID(id)
	if !ok {
		return nil, fmt.Errorf("statemachine: no record with id %s", id)
	}

	oldStatus := record.Status
	if !isLegalEdge(oldStatus, newStatus) {
		return nil, &TransitionError{From: oldStatus, To: newStatus}
	}

	now := sm.clock.Now()
	updated := record.Clone()
	updated.Status = newStatus
	applyPatch(updated, patch)
	applyImplicitFields(updated, oldStatus, newStatus, now)

	if err := sm.repo.Update(updated); err != nil {
		return nil, fmt.Errorf("statemachine: persist failed: %w", err)
	}

	sm.bus.Publish(model.FileStatusChangedEvent{
		FileID:    updated.ID,
		FilePath:  updated.FilePath,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Timestamp: now,
	})

	return updated, nil
}

// ApplyScannerUpdate updates size/growth fields on record without changing
// its status — used by the Scanner when a record's size changes but the
// growth classifier recommends no transition (spec.md §4.3 step 4).
func (sm *StateMachine) ApplyScannerUpdate(id uuid.UUID, patch Patch) (*model.TrackedFile, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	record, ok := sm.repo.GetByID(id)
	if !ok {
		return nil, fmt.Errorf("statemachine: no record with id %s", id)
	}
	updated := record.Clone()
	applyPatch(updated, patch)
	if err := sm.repo.Update(updated); err != nil {
		return nil, fmt.Errorf("statemachine: persist failed: %w", err)
	}
	return updated, nil
}

func isLegalEdge(from, to model.Status) bool {
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func applyPatch(record *model.TrackedFile, p Patch) {
	if p.FileSize != nil {
		record.FileSize = *p.FileSize
	}
	if p.BytesCopied != nil {
		record.BytesCopied = *p.BytesCopied
	}
	if p.CopyProgress != nil {
		record.CopyProgress = *p.CopyProgress
	}
	if p.CopySpeedMbps != nil {
		record.CopySpeedMbps = *p.CopySpeedMbps
	}
	if p.ErrorMessage != nil {
		record.ErrorMessage = *p.ErrorMessage
	}
	if p.ClearRetryInfo {
		record.RetryInfo = nil
	} else if p.RetryInfo != nil {
		record.RetryInfo = p.RetryInfo
	}
	if p.PreviousFileSize != nil {
		record.PreviousFileSize = *p.PreviousFileSize
	}
	if p.GrowthRateMbps != nil {
		record.GrowthRateMbps = *p.GrowthRateMbps
	}
	if p.FirstSeenSize != nil {
		record.FirstSeenSize = *p.FirstSeenSize
	}
	if p.ClearGrowthStableSince {
		record.GrowthStableSince = nil
	} else if p.GrowthStableSince != nil {
		record.GrowthStableSince = p.GrowthStableSince
	}
	if p.LastGrowthCheck != nil {
		record.LastGrowthCheck = p.LastGrowthCheck
	}
}

// applyImplicitFields enforces I4: completed_at set iff COMPLETED,
// space_error_at set iff the most recent space failure landed on this record.
func applyImplicitFields(record *model.TrackedFile, oldStatus, newStatus model.Status, now time.Time) {
	switch newStatus {
	case model.StatusCompleted:
		record.CompletedAt = &now
	case model.StatusCopying, model.StatusGrowingCopy:
		if oldStatus == model.StatusInQueue {
			record.StartedCopyingAt = &now
		}
	case model.StatusSpaceError:
		record.SpaceErrorAt = &now
	case model.StatusInQueue:
		if oldStatus == model.StatusSpaceError || oldStatus == model.StatusWaitingForSpace || oldStatus == model.StatusWaitingForNetwork {
			record.RetryInfo = nil
		}
	}
}
