// Package presentation implements the Presentation Adapter of spec.md §6: it
// subscribes to the event bus and maintains a denormalized, JSON-marshalable
// Snapshot of file/storage/scanner state, the structure an external
// /api/initial-state handler and WebSocket broadcaster would read and
// re-broadcast. This package owns no transport of its own.
package presentation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onpremsync/mxfagent/clock"
	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/stats"
)

// FileView is the denormalized, wire-facing view of a single TrackedFile.
type FileView struct {
	ID            uuid.UUID `json:"id"`
	FilePath      string    `json:"file_path"`
	Status        string    `json:"status"`
	FileSize      int64     `json:"file_size"`
	BytesCopied   int64     `json:"bytes_copied"`
	CopyProgress  float64   `json:"copy_progress"`
	CopySpeedMbps float64   `json:"copy_speed_mbps"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot is the full denormalized view served on initial connect.
type Snapshot struct {
	Files          map[uuid.UUID]FileView      `json:"files"`
	Stats          stats.Snapshot              `json:"stats"`
	SourceStorage  model.StorageInfo           `json:"source_storage"`
	DestStorage    model.StorageInfo           `json:"destination_storage"`
	MountPhase     model.MountAttemptPhase     `json:"mount_phase"`
	ScannerPaused  bool                        `json:"scanner_paused"`
	GeneratedAt    time.Time                   `json:"generated_at"`
}

// StatsSource supplies the stats portion of the snapshot.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// Adapter subscribes to the bus and incrementally maintains a Snapshot.
type Adapter struct {
	clock clock.Clock
	stats StatsSource

	mu            sync.RWMutex
	files         map[uuid.UUID]FileView
	source        model.StorageInfo
	dest          model.StorageInfo
	mountPhase    model.MountAttemptPhase
	scannerPaused bool

	unsubscribe func()
}

// New builds an Adapter and subscribes it to bus. Call Close to unsubscribe.
func New(bus *eventbus.Bus, c clock.Clock, statsSource StatsSource) *Adapter {
	a := &Adapter{
		clock: c,
		stats: statsSource,
		files: make(map[uuid.UUID]FileView),
	}
	a.unsubscribe = bus.Subscribe(context.Background(), a.handle)
	return a
}

// Close unsubscribes the Adapter from the bus.
func (a *Adapter) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
}

func (a *Adapter) handle(ev model.Event) {
	switch e := ev.(type) {
	case model.FileStatusChangedEvent:
		a.mu.Lock()
		fv := a.files[e.FileID]
		fv.ID = e.FileID
		fv.FilePath = e.FilePath
		fv.Status = e.NewStatus.String()
		fv.UpdatedAt = e.Timestamp
		if e.NewStatus != model.StatusFailed && e.NewStatus != model.StatusSpaceError {
			fv.ErrorMessage = ""
		}
		a.files[e.FileID] = fv
		if e.NewStatus == model.StatusRemoved {
			delete(a.files, e.FileID)
		}
		a.mu.Unlock()

	case model.FileCopyProgressEvent:
		a.mu.Lock()
		fv := a.files[e.FileID]
		fv.ID = e.FileID
		fv.BytesCopied = e.BytesCopied
		if e.TotalBytes > 0 {
			fv.CopyProgress = float64(e.BytesCopied) / float64(e.TotalBytes) * 100
		}
		fv.CopySpeedMbps = e.CopySpeedMbps
		fv.UpdatedAt = e.Timestamp
		a.files[e.FileID] = fv
		a.mu.Unlock()

	case model.StorageStatusChangedEvent:
		a.mu.Lock()
		if e.Kind == model.StorageKindSource {
			a.source = e.Info
		} else {
			a.dest = e.Info
		}
		a.mu.Unlock()

	case model.MountStatusChangedEvent:
		a.mu.Lock()
		a.mountPhase = e.Phase
		a.mu.Unlock()

	case model.ScannerStatusChangedEvent:
		a.mu.Lock()
		a.scannerPaused = e.Paused
		a.mu.Unlock()
	}
}

// Snapshot returns the current denormalized view for serving
// /api/initial-state or seeding a new WebSocket subscriber.
func (a *Adapter) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	files := make(map[uuid.UUID]FileView, len(a.files))
	for id, fv := range a.files {
		files[id] = fv
	}

	var statsSnap stats.Snapshot
	if a.stats != nil {
		statsSnap = a.stats.Snapshot()
	}

	return Snapshot{
		Files:         files,
		Stats:         statsSnap,
		SourceStorage: a.source,
		DestStorage:   a.dest,
		MountPhase:    a.mountPhase,
		ScannerPaused: a.scannerPaused,
		GeneratedAt:   a.clock.Now(),
	}
}
