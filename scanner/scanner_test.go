package scanner

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
	"github.com/onpremsync/mxfagent/repository"
	"github.com/onpremsync/mxfagent/statemachine"
)

func newTestScanner(t *testing.T, srcDir string) (*Scanner, *repository.Repository) {
	t.Helper()
	repo := repository.New()
	bus := eventbus.New()
	sm := statemachine.New(repo, bus, clock.New())
	cfg := config.Default()
	cfg.SourceDirectory = srcDir
	cfg.DestinationDirectory = t.TempDir()
	s := New(repo, sm, bus, clock.New(), func() config.Config { return cfg })
	return s, repo
}

func TestRunOnceDiscoversNewFile(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.mxf"), []byte("hello"), 0o644))

	s, repo := newTestScanner(t, srcDir)
	require.NoError(t, s.runOnce(context.Background()))

	all := repo.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusDiscovered, all[0].Status)
	assert.Equal(t, int64(5), all[0].FileSize)
}

func TestRunOnceSkipsNonMatchingAndHiddenFiles(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, ".hidden.mxf"), []byte("x"), 0o644))

	s, repo := newTestScanner(t, srcDir)
	require.NoError(t, s.runOnce(context.Background()))

	assert.Empty(t, repo.GetAll())
}

func TestGrowthClassifierTransitionsToReadyAfterStability(t *testing.T) {
	fakeClock := newFakeClockAt(time.Now())
	srcDir := t.TempDir()
	path := filepath.Join(srcDir, "b.mxf")
	require.NoError(t, os.WriteFile(path, []byte("01234567890123456789"), 0o644))

	repo := repository.New()
	bus := eventbus.New()
	sm := statemachine.New(repo, bus, fakeClock)
	cfg := config.Default()
	cfg.SourceDirectory = srcDir
	cfg.FileStableTimeSeconds = 10
	s := New(repo, sm, bus, fakeClock, func() config.Config { return cfg })

	require.NoError(t, s.runOnce(context.Background()))
	all := repo.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusDiscovered, all[0].Status)

	fakeClock.advance(20 * time.Second)
	require.NoError(t, s.runOnce(context.Background()))

	all = repo.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusReady, all[0].Status)
}

func TestShouldSkipProcessingDuringCooldown(t *testing.T) {
	srcDir := t.TempDir()
	path := filepath.Join(srcDir, "c.mxf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	s, repo := newTestScanner(t, srcDir)
	record := model.NewDiscovered(path, 1, time.Now())
	record.Status = model.StatusSpaceError
	now := time.Now()
	record.SpaceErrorAt = &now
	require.NoError(t, repo.Add(record))

	cfg := config.Default()
	cfg.SpaceErrorCooldownMinutes = 30
	assert.True(t, s.shouldSkipProcessing(path, cfg))
}

type fakeClock struct {
	t time.Time
}

func newFakeClockAt(t time.Time) *fakeClock { return &fakeClock{t: t} }
func (f *fakeClock) Now() time.Time         { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }
