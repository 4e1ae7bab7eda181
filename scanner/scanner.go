// Package scanner implements the cooperative directory-polling loop of
// spec.md §4.3: it walks the source tree, creates DISCOVERED records for new
// files, and drives the growth classifier.
//
// The directory walk itself is grounded on agent/depthfirstlist.go's
// processDirectory (sorted directory entries, explicit path join, skip
// hidden/prefixed names) generalized to a single-tree local-filesystem walk
// rather than that file's GCS-listing-plus-resumable-list-file machinery,
// which this spec has no use for.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/onpremsync/mxfagent/clock"
	"github.com/onpremsync/mxfagent/config"
	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/statemachine"
)

// Repository is the subset of repository.Repository the scanner needs.
type Repository interface {
	Add(record *model.TrackedFile) error
	GetActiveFileByPath(path string) (*model.TrackedFile, bool)
}

// Scanner walks the configured source tree on a timer and drives file
// discovery and growth classification.
type Scanner struct {
	repo   Repository
	sm     *statemachine.StateMachine
	bus    *eventbus.Bus
	clock  clock.Clock
	cfg    func() config.Config

	paused int32 // atomic bool
}

// New builds a Scanner. cfg is called on every iteration so config reloads
// take effect without restarting the scanner.
func New(repo Repository, sm *statemachine.StateMachine, bus *eventbus.Bus, c clock.Clock, cfg func() config.Config) *Scanner {
	return &Scanner{repo: repo, sm: sm, bus: bus, clock: c, cfg: cfg}
}

// shouldSkipProcessing implements spec.md §4.3 step 2: true iff an active
// record for path exists in SPACE_ERROR and is still within its cooldown.
func (s *Scanner) shouldSkipProcessing(path string, cfg config.Config) bool {
	record, exists := s.repo.GetActiveFileByPath(path)
	if !exists || record.Status != model.StatusSpaceError || record.SpaceErrorAt == nil {
		return false
	}
	return s.clock.Now().Sub(*record.SpaceErrorAt) < cfg.SpaceErrorCooldown()
}

// Pause stops I/O on the next loop boundary and publishes
// ScannerStatusChangedEvent.
func (s *Scanner) Pause() {
	atomic.StoreInt32(&s.paused, 1)
	s.bus.Publish(model.ScannerStatusChangedEvent{Paused: true, Timestamp: s.clock.Now()})
}

// Resume re-enables scanning and publishes ScannerStatusChangedEvent.
func (s *Scanner) Resume() {
	atomic.StoreInt32(&s.paused, 0)
	s.bus.Publish(model.ScannerStatusChangedEvent{Paused: false, Timestamp: s.clock.Now()})
}

// Paused reports whether the scanner is currently paused.
func (s *Scanner) Paused() bool {
	return atomic.LoadInt32(&s.paused) == 1
}

// Run loops until ctx is cancelled, sleeping cfg().PollingInterval() between
// iterations.
func (s *Scanner) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.Paused() {
			if err := s.runOnce(ctx); err != nil {
				glog.Errorf("scanner: iteration failed: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg().PollingInterval()):
		}
	}
}

func (s *Scanner) runOnce(ctx context.Context) error {
	cfg := s.cfg()
	paths, err := s.walk(cfg)
	if err != nil {
		return err
	}

	for _, path := range paths {
		if ctx.Err() != nil {
			return nil
		}
		if s.shouldSkipProcessing(path, cfg) {
			continue
		}
		s.processPath(path, cfg)
	}
	return nil
}

func (s *Scanner) processPath(path string, cfg config.Config) {
	now := s.clock.Now()
	info, statErr := os.Stat(path)

	record, exists := s.repo.GetActiveFileByPath(path)
	if !exists {
		if statErr != nil {
			return
		}
		if info.Size() == 0 {
			return
		}
		fresh := model.NewDiscovered(path, info.Size(), now)
		if err := s.repo.Add(fresh); err != nil {
			glog.Warningf("scanner: adding %s: %v", path, err)
			return
		}
		record = fresh
	}

	var statSize int64
	if statErr == nil {
		statSize = info.Size()
	}

	growingMinBytes := int64(cfg.GrowingFileMinSizeMB) * 1024 * 1024
	newStatus, patch := classifyGrowth(record, statSize, statErr, now, growingMinBytes, cfg.StabilityTimeout())

	if newStatus == nil || *newStatus == record.Status {
		if len(nonEmptyPatch(patch)) == 0 {
			return
		}
		if _, err := s.sm.ApplyScannerUpdate(record.ID, patch); err != nil {
			glog.Warningf("scanner: updating %s: %v", path, err)
		}
		return
	}

	if _, err := s.sm.Transition(record.ID, *newStatus, patch); err != nil {
		glog.Warningf("scanner: transitioning %s to %s: %v", path, newStatus, err)
	}
}

func nonEmptyPatch(p statemachine.Patch) []struct{} {
	if p.LastGrowthCheck != nil || p.GrowthStableSince != nil || p.ClearGrowthStableSince || p.FileSize != nil {
		return []struct{}{{}}
	}
	return nil
}

func (s *Scanner) walk(cfg config.Config) ([]string, error) {
	var paths []string
	dirs := []string{cfg.SourceDirectory}

	for len(dirs) > 0 {
		dir := dirs[0]
		dirs = dirs[1:]

		f, err := os.Open(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		entries, err := f.Readdir(-1)
		f.Close()
		if err != nil {
			return nil, err
		}

		var files []string
		var subdirs []string
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			path := filepath.Join(dir, name)
			if entry.IsDir() {
				subdirs = append(subdirs, path)
				continue
			}
			if !strings.EqualFold(filepath.Ext(name), cfg.FileExtension) {
				continue
			}
			if cfg.TestFilePrefix != "" && strings.Contains(name, cfg.TestFilePrefix) {
				continue
			}
			files = append(files, path)
		}

		sort.Strings(files)
		sort.Strings(subdirs)
		paths = append(paths, files...)
		dirs = append(dirs, subdirs...)
	}

	return paths, nil
}
