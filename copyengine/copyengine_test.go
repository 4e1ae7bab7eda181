package copyengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onpremsync/mxfagent/clock"
	"github.com/onpremsync/mxfagent/config"
	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/queue"
	"github.com/onpremsync/mxfagent/repository"
	"github.com/onpremsync/mxfagent/spacearbiter"
	"github.com/onpremsync/mxfagent/statemachine"
)

func newTestEngine(t *testing.T, cfg config.Config) (*Engine, *repository.Repository, *statemachine.StateMachine) {
	t.Helper()
	repo := repository.New()
	bus := eventbus.New()
	sm := statemachine.New(repo, bus, clock.New())
	cfgFn := func() config.Config { return cfg }

	destFn := func() (model.StorageInfo, bool) {
		return model.StorageInfo{IsAccessible: true, FreeSpaceGB: 1000}, true
	}
	arbiter := spacearbiter.New(sm, destFn, nil, cfgFn)

	engine := New(sm, bus, clock.New(), arbiter, cfgFn, nil, nil, nil, 0, 0)
	return engine, repo, sm
}

func TestCopyNormalEndToEnd(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "a.mxf")
	content := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	cfg := config.Default()
	cfg.SourceDirectory = srcDir
	cfg.DestinationDirectory = dstDir
	cfg.NormalCopyChunkSizeKB = 1

	engine, repo, _ := newTestEngine(t, cfg)

	record := model.NewDiscovered(srcPath, int64(len(content)), time.Now())
	record.Status = model.StatusInQueue
	require.NoError(t, repo.Add(record))

	job := queue.Job{FileID: record.ID, FilePath: srcPath, FileSize: int64(len(content)), IsGrowing: false}
	engine.Handle(context.Background(), job)

	final, ok := repo.GetByID(record.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, final.Status)

	destData, err := os.ReadFile(filepath.Join(dstDir, "a.mxf"))
	require.NoError(t, err)
	assert.Equal(t, content, destData)

	_, statErr := os.Stat(srcPath)
	assert.True(t, os.IsNotExist(statErr), "source should be deleted after a successful copy")
}

func TestSpaceCheckFailureExhaustsRetriesToSpaceError(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "big.mxf")
	require.NoError(t, os.WriteFile(srcPath, []byte("data"), 0o644))

	cfg := config.Default()
	cfg.SourceDirectory = srcDir
	cfg.DestinationDirectory = dstDir
	cfg.EnablePreCopySpaceCheck = true
	cfg.MaxSpaceRetries = 1
	cfg.SpaceRetryDelaySeconds = 0

	repo := repository.New()
	bus := eventbus.New()
	sm := statemachine.New(repo, bus, clock.New())
	cfgFn := func() config.Config { return cfg }
	destFn := func() (model.StorageInfo, bool) {
		return model.StorageInfo{IsAccessible: true, FreeSpaceGB: 0}, true
	}
	arbiter := spacearbiter.New(sm, destFn, nil, cfgFn)
	engine := New(sm, bus, clock.New(), arbiter, cfgFn, nil, nil, nil, 0, 0)

	record := model.NewDiscovered(srcPath, 4, time.Now())
	record.Status = model.StatusInQueue
	require.NoError(t, repo.Add(record))

	job := queue.Job{FileID: record.ID, FilePath: srcPath, FileSize: 4}
	engine.Handle(context.Background(), job)

	final, _ := repo.GetByID(record.ID)
	assert.Equal(t, model.StatusSpaceError, final.Status)
}

func TestCopyGrowingEndToEnd(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "g.mxf")
	content := []byte("growing file content, appended before the agent noticed")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	cfg := config.Default()
	cfg.SourceDirectory = srcDir
	cfg.DestinationDirectory = dstDir
	cfg.GrowingFileGrowthTimeoutSeconds = 0
	cfg.GrowingFileSafetyMarginMB = 0
	cfg.GrowingFilePollIntervalSeconds = 1

	engine, repo, _ := newTestEngine(t, cfg)

	record := model.NewDiscovered(srcPath, int64(len(content)), time.Now())
	record.Status = model.StatusInQueue
	require.NoError(t, repo.Add(record))

	job := queue.Job{FileID: record.ID, FilePath: srcPath, FileSize: int64(len(content)), IsGrowing: true}
	engine.Handle(context.Background(), job)

	final, ok := repo.GetByID(record.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, final.Status)

	destData, err := os.ReadFile(filepath.Join(dstDir, "g.mxf"))
	require.NoError(t, err)
	assert.Equal(t, content, destData)
}

// TestFinishFailsOnCRCMismatch verifies the supplementary CRC32C check: a
// same-size destination file with corrupted content passes the mandatory
// size comparison but must still be caught and routed to FAILED.
func TestFinishFailsOnCRCMismatch(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "a.mxf")
	content := []byte("hello world, this is a test payload of known bytes")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	cfg := config.Default()
	cfg.SourceDirectory = srcDir
	cfg.DestinationDirectory = dstDir

	engine, repo, _ := newTestEngine(t, cfg)

	record := model.NewDiscovered(srcPath, int64(len(content)), time.Now())
	record.Status = model.StatusCopying
	require.NoError(t, repo.Add(record))

	destPath := engine.destinationPath(cfg, srcPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(destPath), 0o755))

	corrupted := make([]byte, len(content))
	copy(corrupted, content)
	corrupted[0] ^= 0xFF
	require.NoError(t, os.WriteFile(destPath+tempFileSuffix, corrupted, 0o644))

	wantCRC, err := crc32FileSum(srcPath)
	require.NoError(t, err)

	job := queue.Job{FileID: record.ID, FilePath: srcPath, FileSize: int64(len(content))}
	engine.finish(context.Background(), job, destPath, wantCRC)

	final, ok := repo.GetByID(record.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, final.Status)

	_, statErr := os.Stat(destPath + tempFileSuffix)
	assert.True(t, os.IsNotExist(statErr), "corrupted temp file should be removed")
}
