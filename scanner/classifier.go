package scanner

import (
	"os"
	"time"

	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/statemachine"
)

// classifyGrowth is the growth classifier of spec.md §4.3.1, a pure function
// from the current record and the freshly-stat'd size to a recommended
// status and the field patch to apply alongside it. A nil recommendation
// means "leave the status untouched" (used for the "size unchanged, not yet
// stable" and "state not owned by the classifier" cases).
func classifyGrowth(record *model.TrackedFile, statSize int64, statErr error, now time.Time, growingMinSizeBytes int64, stabilityTimeout time.Duration) (*model.Status, statemachine.Patch) {
	switch record.Status {
	case model.StatusWaitingForNetwork, model.StatusInQueue, model.StatusCopying,
		model.StatusGrowingCopy, model.StatusWaitingForSpace, model.StatusCompleted, model.StatusFailed,
		model.StatusRemoved, model.StatusSpaceError, model.StatusReadyToStartGrowing,
		model.StatusReady:
		return nil, statemachine.Patch{}
	}

	if statErr != nil {
		if os.IsNotExist(statErr) {
			removed := model.StatusRemoved
			return &removed, statemachine.Patch{}
		}
		failed := model.StatusFailed
		msg := statErr.Error()
		return &failed, statemachine.Patch{ErrorMessage: &msg}
	}

	if record.LastGrowthCheck == nil {
		discovered := model.StatusDiscovered
		return &discovered, statemachine.Patch{
			PreviousFileSize:  &statSize,
			GrowthStableSince: &now,
			LastGrowthCheck:   &now,
			FileSize:          &statSize,
		}
	}

	if statSize > record.FileSize {
		patch := statemachine.Patch{
			FileSize:              &statSize,
			PreviousFileSize:      &record.FileSize,
			LastGrowthCheck:       &now,
			ClearGrowthStableSince: true,
		}
		if statSize >= growingMinSizeBytes {
			next := model.StatusReadyToStartGrowing
			return &next, patch
		}
		next := model.StatusGrowing
		return &next, patch
	}

	// Size unchanged.
	patch := statemachine.Patch{LastGrowthCheck: &now}
	stableSince := record.GrowthStableSince
	if stableSince == nil {
		patch.GrowthStableSince = &now
		stableSince = &now
	}
	if now.Sub(*stableSince) >= stabilityTimeout {
		next := model.StatusReady
		return &next, patch
	}
	return nil, patch
}
