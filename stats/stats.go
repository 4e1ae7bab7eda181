// Package stats accumulates throughput and completion counters for the
// agent, exposing them to the Presentation Adapter and periodically logging
// a summary to INFO. Grounded on the channel-based accumulator idiom of
// agent/stats/stats.go: callers never touch shared state directly, they send
// onto small buffered channels that a single goroutine drains.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/onpremsync/mxfagent/clock"
	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
)

const (
	logFreq         = 3 * time.Minute
	bytesChanBuffer = 256
	eventChanBuffer = 64
)

// Snapshot is a point-in-time view of the Tracker's cumulative counters.
type Snapshot struct {
	FilesCompleted   int64   `json:"files_completed"`
	FilesFailed      int64   `json:"files_failed"`
	BytesCopiedTotal int64   `json:"bytes_copied_total"`
	BytesCopiedSincePeriod int64 `json:"bytes_copied_since_period"`
	CurrentThroughputMbps float64 `json:"current_throughput_mbps"`
}

type bytesSample struct {
	n  int64
	at time.Time
}

// Tracker accumulates copy throughput and completion counters.
type Tracker struct {
	clock clock.Clock

	bytesChan    chan bytesSample
	completeChan chan struct{}
	failChan     chan struct{}

	mu             sync.Mutex
	bytesTotal     int64
	bytesPeriod    int64
	filesCompleted int64
	filesFailed    int64

	windowStart time.Time
	windowBytes int64
	throughput  float64

	newTicker func(time.Duration) clock.Ticker

	lastMu       sync.Mutex
	lastByFileID map[uuid.UUID]int64

	unsubscribe func()
}

// New builds a Tracker and subscribes it to bus, so it hears
// FileCopyProgressEvent and FileStatusChangedEvent without the Copy Engine
// or Job Queue needing to call its Record* methods directly. Run must still
// be called to drain the channels those handlers feed and to drive the
// periodic log. Call Close to unsubscribe.
func New(c clock.Clock, bus *eventbus.Bus) *Tracker {
	t := &Tracker{
		clock:        c,
		bytesChan:    make(chan bytesSample, bytesChanBuffer),
		completeChan: make(chan struct{}, eventChanBuffer),
		failChan:     make(chan struct{}, eventChanBuffer),
		windowStart:  c.Now(),
		newTicker:    clock.NewTicker,
		lastByFileID: make(map[uuid.UUID]int64),
	}
	t.unsubscribe = bus.Subscribe(context.Background(), t.handleEvent)
	return t
}

// Close unsubscribes the Tracker from the bus.
func (t *Tracker) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

// handleEvent turns FileCopyProgressEvent/FileStatusChangedEvent into
// Record* calls. FileCopyProgressEvent.BytesCopied is cumulative per file,
// so the Tracker keeps the last-seen total per file and records only the
// delta.
func (t *Tracker) handleEvent(ev model.Event) {
	switch e := ev.(type) {
	case model.FileCopyProgressEvent:
		t.lastMu.Lock()
		delta := e.BytesCopied - t.lastByFileID[e.FileID]
		if delta > 0 {
			t.lastByFileID[e.FileID] = e.BytesCopied
		}
		t.lastMu.Unlock()
		if delta > 0 {
			t.RecordBytesCopied(delta)
		}
	case model.FileStatusChangedEvent:
		switch e.NewStatus {
		case model.StatusCompleted:
			t.lastMu.Lock()
			delete(t.lastByFileID, e.FileID)
			t.lastMu.Unlock()
			t.RecordFileCompleted()
		case model.StatusFailed:
			t.lastMu.Lock()
			delete(t.lastByFileID, e.FileID)
			t.lastMu.Unlock()
			t.RecordFileFailed()
		}
	}
}

// SetTickerFactory overrides how Run builds its periodic-log ticker.
func (t *Tracker) SetTickerFactory(f func(time.Duration) clock.Ticker) {
	t.newTicker = f
}

// RecordBytesCopied records n additional bytes copied, for throughput
// tracking. Never blocks: a full channel drops the sample rather than
// stalling the Copy Engine.
func (t *Tracker) RecordBytesCopied(n int64) {
	select {
	case t.bytesChan <- bytesSample{n: n, at: t.clock.Now()}:
	default:
		glog.Warningf("stats: bytes-copied channel full, dropping sample")
	}
}

// RecordFileCompleted records a successful copy.
func (t *Tracker) RecordFileCompleted() {
	select {
	case t.completeChan <- struct{}{}:
	default:
	}
}

// RecordFileFailed records a terminal copy failure.
func (t *Tracker) RecordFileFailed() {
	select {
	case t.failChan <- struct{}{}:
	default:
	}
}

// Run drains the Tracker's channels and periodically logs a summary until
// ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.newTicker(logFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-t.bytesChan:
			t.onBytes(s)
		case <-t.completeChan:
			t.mu.Lock()
			t.filesCompleted++
			t.mu.Unlock()
		case <-t.failChan:
			t.mu.Lock()
			t.filesFailed++
			t.mu.Unlock()
		case <-ticker.GetChannel():
			t.logPeriodic()
		}
	}
}

func (t *Tracker) onBytes(s bytesSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesTotal += s.n
	t.bytesPeriod += s.n
	t.windowBytes += s.n

	elapsed := s.at.Sub(t.windowStart).Seconds()
	if elapsed >= 1 {
		t.throughput = float64(t.windowBytes) * 8 / 1e6 / elapsed
		t.windowBytes = 0
		t.windowStart = s.at
	}
}

func (t *Tracker) logPeriodic() {
	t.mu.Lock()
	snap := Snapshot{
		FilesCompleted:         t.filesCompleted,
		FilesFailed:            t.filesFailed,
		BytesCopiedTotal:       t.bytesTotal,
		BytesCopiedSincePeriod: t.bytesPeriod,
		CurrentThroughputMbps:  t.throughput,
	}
	t.bytesPeriod = 0
	t.mu.Unlock()

	glog.Infof("stats: completed=%d failed=%d bytes_total=%d bytes_this_period=%d throughput_mbps=%.2f",
		snap.FilesCompleted, snap.FilesFailed, snap.BytesCopiedTotal, snap.BytesCopiedSincePeriod, snap.CurrentThroughputMbps)
}

// Snapshot returns the current cumulative counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		FilesCompleted:         t.filesCompleted,
		FilesFailed:            t.filesFailed,
		BytesCopiedTotal:       t.bytesTotal,
		BytesCopiedSincePeriod: t.bytesPeriod,
		CurrentThroughputMbps:  t.throughput,
	}
}
