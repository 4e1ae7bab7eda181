// Package storagemonitor implements the Storage Monitor of spec.md §4.8: a
// polling loop that classifies the health of the source and destination
// directories, invokes the Network Mount Adapter on destination failure, and
// signals recovery so WAITING_FOR_NETWORK records can be re-admitted.
//
// Grounded on the Ticker idiom shared by agent/pulse.go and
// agent/stats/stats.go (a GetChannel()-exposing ticker driving a select
// loop), via the clock package's Ticker abstraction.
package storagemonitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/onpremsync/mxfagent/clock"
	"github.com/onpremsync/mxfagent/config"
	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/mount"
	"github.com/onpremsync/mxfagent/statemachine"
)

// Repository is the subset of repository.Repository the monitor needs to
// re-admit WAITING_FOR_NETWORK records on recovery.
type Repository interface {
	GetAll() []*model.TrackedFile
}

// Requeuer pushes a record directly back onto the Job Queue's FIFO, used on
// destination recovery.
type Requeuer interface {
	Requeue(fileID uuid.UUID, filePath string, fileSize int64, isGrowing bool)
}

// AdmissionControl pauses/resumes the Job Queue based on destination health.
type AdmissionControl interface {
	SetDestinationPaused(paused bool)
}

// Monitor polls source and destination directory health on a configurable
// interval.
type Monitor struct {
	bus     *eventbus.Bus
	clock   clock.Clock
	cfg     func() config.Config
	mounter mount.Adapter
	repo    Repository
	sm      *statemachine.StateMachine
	queue   interface {
		Requeuer
		AdmissionControl
	}

	mu      sync.RWMutex
	src     model.StorageInfo
	dst     model.StorageInfo
	newTicker func(time.Duration) clock.Ticker
}

// New builds a Monitor.
func New(bus *eventbus.Bus, c clock.Clock, cfg func() config.Config, mounter mount.Adapter, repo Repository, sm *statemachine.StateMachine, q interface {
	Requeuer
	AdmissionControl
}) *Monitor {
	return &Monitor{
		bus: bus, clock: c, cfg: cfg, mounter: mounter, repo: repo, sm: sm, queue: q,
		src:       model.StorageInfo{Status: model.StorageUnknown},
		dst:       model.StorageInfo{Status: model.StorageUnknown},
		newTicker: clock.NewTicker,
	}
}

// Run loops on cfg().StorageCheckInterval() until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.newTicker(m.cfg().StorageCheckInterval())
	defer ticker.Stop()

	m.checkOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.GetChannel():
			m.checkOnce(ctx)
		}
	}
}

// SetTickerFactory overrides how Run builds its ticker; used by tests to
// substitute clock.NewFakeTicker.
func (m *Monitor) SetTickerFactory(f func(time.Duration) clock.Ticker) {
	m.newTicker = f
}

// TriggerImmediateCheck runs a check synchronously, outside the poll cadence.
func (m *Monitor) TriggerImmediateCheck(ctx context.Context) {
	m.checkOnce(ctx)
}

func (m *Monitor) checkOnce(ctx context.Context) {
	cfg := m.cfg()

	newSrc := m.check(ctx, cfg.SourceDirectory, cfg,
		cfg.SourceWarningThresholdGB, cfg.SourceCriticalThresholdGB)
	m.publishIfChanged(model.StorageKindSource, newSrc)

	newDst := m.check(ctx, cfg.DestinationDirectory, cfg,
		cfg.DestWarningThresholdGB, cfg.DestCriticalThresholdGB)

	if newDst.Status == model.StorageError {
		newDst = m.attemptMountAndRecheck(ctx, cfg, newDst)
	}

	prevDstStatus := m.DestinationInfo().Status
	m.publishIfChanged(model.StorageKindDestination, newDst)

	if m.queue != nil {
		m.queue.SetDestinationPaused(newDst.Status == model.StorageError || newDst.Status == model.StorageCritical)
	}

	if (prevDstStatus == model.StorageError || prevDstStatus == model.StorageCritical || prevDstStatus == model.StorageUnknown) &&
		(newDst.Status == model.StorageOK || newDst.Status == model.StorageWarning) {
		m.readmitWaitingForNetwork()
	}
}

func (m *Monitor) attemptMountAndRecheck(ctx context.Context, cfg config.Config, failed model.StorageInfo) model.StorageInfo {
	if cfg.NetworkShareURL == "" {
		m.bus.Publish(model.MountStatusChangedEvent{
			Phase: model.MountNotConfigured, Platform: m.mounter.PlatformName(), Timestamp: m.clock.Now(),
		})
		return failed
	}

	m.bus.Publish(model.MountStatusChangedEvent{
		Phase: model.MountAttempting, Platform: m.mounter.PlatformName(), Timestamp: m.clock.Now(),
	})

	if m.mounter.AttemptMount(ctx, cfg.NetworkShareURL) {
		m.bus.Publish(model.MountStatusChangedEvent{
			Phase: model.MountSucceeded, Platform: m.mounter.PlatformName(), Timestamp: m.clock.Now(),
		})
		return m.check(ctx, cfg.DestinationDirectory, cfg, cfg.DestWarningThresholdGB, cfg.DestCriticalThresholdGB)
	}

	m.bus.Publish(model.MountStatusChangedEvent{
		Phase: model.MountFailed, Platform: m.mounter.PlatformName(), Timestamp: m.clock.Now(),
	})
	return failed
}

func (m *Monitor) check(ctx context.Context, path string, cfg config.Config, warningGB, criticalGB float64) model.StorageInfo {
	now := m.clock.Now()
	info := model.StorageInfo{
		Path: path, LastChecked: now,
		WarningThreshold: warningGB, CriticalThreshold: criticalGB,
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	var statErr error
	go func() {
		if err := os.MkdirAll(path, 0o755); err != nil {
			statErr = err
		}
		done <- nil
	}()
	select {
	case <-done:
	case <-checkCtx.Done():
		info.Status = model.StorageError
		info.ErrorMessage = "timed out ensuring directory exists"
		return info
	}
	if statErr != nil {
		info.Status = model.StorageError
		info.ErrorMessage = statErr.Error()
		return info
	}

	info.IsAccessible = true

	free, total, err := diskUsage(path)
	if err != nil {
		info.Status = model.StorageError
		info.ErrorMessage = err.Error()
		return info
	}
	info.FreeSpaceGB = bytesToGB(free)
	info.TotalSpaceGB = bytesToGB(total)
	info.UsedSpaceGB = info.TotalSpaceGB - info.FreeSpaceGB

	testFile := filepath.Join(path, fmt.Sprintf("%s%d", cfg.StorageTestFilePrefix, now.UnixNano()))
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		info.Status = model.StorageError
		info.HasWriteAccess = false
		info.ErrorMessage = "write test failed: " + err.Error()
		return info
	}
	os.Remove(testFile)
	info.HasWriteAccess = true

	switch {
	case info.FreeSpaceGB < criticalGB:
		info.Status = model.StorageCritical
	case info.FreeSpaceGB < warningGB:
		info.Status = model.StorageWarning
	default:
		info.Status = model.StorageOK
	}

	return info
}

func (m *Monitor) publishIfChanged(kind model.StorageKind, info model.StorageInfo) {
	m.mu.Lock()
	var old model.StorageInfo
	if kind == model.StorageKindSource {
		old = m.src
		m.src = info
	} else {
		old = m.dst
		m.dst = info
	}
	m.mu.Unlock()

	if old.Status != info.Status {
		m.bus.Publish(model.StorageStatusChangedEvent{
			Kind: kind, OldStatus: old.Status, NewStatus: info.Status, Info: info, Timestamp: m.clock.Now(),
		})
	}
}

func (m *Monitor) readmitWaitingForNetwork() {
	if m.repo == nil || m.sm == nil {
		return
	}
	for _, record := range m.repo.GetAll() {
		if record.Status != model.StatusWaitingForNetwork {
			continue
		}
		updated, err := m.sm.Transition(record.ID, model.StatusInQueue, statemachine.Patch{})
		if err != nil {
			glog.Warningf("storagemonitor: re-admitting %s: %v", record.FilePath, err)
			continue
		}
		if m.queue != nil {
			m.queue.Requeue(updated.ID, updated.FilePath, updated.FileSize, false)
		}
	}
}

// SourceInfo returns the last cached source StorageInfo.
func (m *Monitor) SourceInfo() model.StorageInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.src
}

// DestinationInfo returns the last cached destination StorageInfo.
func (m *Monitor) DestinationInfo() model.StorageInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dst
}

func bytesToGB(b uint64) float64 {
	return float64(b) / (1024 * 1024 * 1024)
}

func diskUsage(path string) (free, total uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	free = stat.Bavail * uint64(stat.Bsize)
	total = stat.Blocks * uint64(stat.Bsize)
	return free, total, nil
}
