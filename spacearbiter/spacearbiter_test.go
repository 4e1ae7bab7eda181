package spacearbiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onpremsync/mxfagent/clock"
	"github.com/onpremsync/mxfagent/config"
	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/repository"
	"github.com/onpremsync/mxfagent/statemachine"
)

type fakeRequeuer struct {
	mu       sync.Mutex
	requeued []uuid.UUID
}

func (r *fakeRequeuer) Requeue(fileID uuid.UUID, filePath string, fileSize int64, isGrowing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requeued = append(r.requeued, fileID)
}

func TestCheckReportsSpaceShortfall(t *testing.T) {
	cfg := config.Default()
	cfg.CopySafetyMarginGB = 1
	cfg.MinimumFreeSpaceAfterCopyGB = 1
	cfgFn := func() config.Config { return cfg }

	destFn := func() (model.StorageInfo, bool) {
		return model.StorageInfo{IsAccessible: true, FreeSpaceGB: 1}, true
	}

	a := New(nil, destFn, nil, cfgFn)
	result := a.Check(1 << 30) // 1 GiB file, needs 1+1+1 = 3 GiB free, only 1 available
	assert.False(t, result.HasSpace)
	assert.Equal(t, int64(1<<30), result.FileSizeBytes)
}

func TestCheckReportsSpaceAvailable(t *testing.T) {
	cfg := config.Default()
	cfg.CopySafetyMarginGB = 0
	cfg.MinimumFreeSpaceAfterCopyGB = 0
	cfgFn := func() config.Config { return cfg }

	destFn := func() (model.StorageInfo, bool) {
		return model.StorageInfo{IsAccessible: true, FreeSpaceGB: 100}, true
	}

	a := New(nil, destFn, nil, cfgFn)
	result := a.Check(1 << 20)
	assert.True(t, result.HasSpace)
}

func TestCheckUnavailableDestination(t *testing.T) {
	cfg := config.Default()
	cfgFn := func() config.Config { return cfg }
	destFn := func() (model.StorageInfo, bool) { return model.StorageInfo{}, false }

	a := New(nil, destFn, nil, cfgFn)
	result := a.Check(1024)
	assert.False(t, result.HasSpace)
	assert.Contains(t, result.Reason, "unavailable")
}

func TestHandleInsufficientSpaceRecoversAndRequeues(t *testing.T) {
	repo := repository.New()
	bus := eventbus.New()
	sm := statemachine.New(repo, bus, clock.New())

	cfg := config.Default()
	cfg.SpaceRetryDelaySeconds = 0
	cfg.MaxSpaceRetries = 3
	cfg.CopySafetyMarginGB = 0
	cfg.MinimumFreeSpaceAfterCopyGB = 0
	cfgFn := func() config.Config { return cfg }

	var attempt int
	destFn := func() (model.StorageInfo, bool) {
		attempt++
		if attempt < 2 {
			return model.StorageInfo{IsAccessible: true, FreeSpaceGB: 0}, true
		}
		return model.StorageInfo{IsAccessible: true, FreeSpaceGB: 100}, true
	}

	req := &fakeRequeuer{}
	a := New(sm, destFn, req, cfgFn)

	record := model.NewDiscovered("/src/a.mxf", 1024, time.Now())
	record.Status = model.StatusInQueue
	require.NoError(t, repo.Add(record))

	a.HandleInsufficientSpace(context.Background(), record.ID, record.FilePath, record.FileSize, false, "no space")

	final, ok := repo.GetByID(record.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusInQueue, final.Status)
	assert.Contains(t, req.requeued, record.ID)
}

func TestHandleInsufficientSpaceExhaustsToSpaceError(t *testing.T) {
	repo := repository.New()
	bus := eventbus.New()
	sm := statemachine.New(repo, bus, clock.New())

	cfg := config.Default()
	cfg.SpaceRetryDelaySeconds = 0
	cfg.MaxSpaceRetries = 2
	cfgFn := func() config.Config { return cfg }

	destFn := func() (model.StorageInfo, bool) {
		return model.StorageInfo{IsAccessible: true, FreeSpaceGB: 0}, true
	}

	a := New(sm, destFn, nil, cfgFn)

	record := model.NewDiscovered("/src/a.mxf", 1024, time.Now())
	record.Status = model.StatusInQueue
	require.NoError(t, repo.Add(record))

	a.HandleInsufficientSpace(context.Background(), record.ID, record.FilePath, record.FileSize, false, "no space")

	final, ok := repo.GetByID(record.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusSpaceError, final.Status)
}
