// Package queue implements the bounded FIFO job queue and worker pool of
// spec.md §4.4.
//
// Grounded on agent/rate.go's RWMutex-guarded shared state for the
// admission-control pause flag, and on agent/workprocessor.go's
// pull-job/run/loop worker shape, generalized from that file's Pub/Sub-pull
// consumer into an in-process channel consumer since there is no
// cross-process broker in this design.
package queue

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/statemachine"
)

// Job is one unit of copy work admitted to the queue.
type Job struct {
	FileID    uuid.UUID
	FilePath  string
	FileSize  int64
	IsGrowing bool
}

// Handler performs the copy for one job (the Copy Engine, wired in by the
// composition root). It must not panic; any error handling/classification
// happens inside the handler itself per spec.md §4.5's failure-handling step.
type Handler func(ctx context.Context, job Job)

// Queue is a bounded FIFO with a fixed worker pool, admission control, and a
// bounded failed-jobs view.
type Queue struct {
	sm  *statemachine.StateMachine
	bus *eventbus.Bus

	jobs chan Job

	mu         sync.RWMutex
	destPaused bool
	softCap    int
	buffered   []Job

	failedMu    sync.Mutex
	failed      []Job
	failedCap   int

	unsubscribe func()
}

// New builds a Queue. workerCount workers are started immediately, running
// until ctx is cancelled. softCap bounds the buffer used while admission is
// paused; failedCap bounds the retained failed-job list.
func New(ctx context.Context, sm *statemachine.StateMachine, bus *eventbus.Bus, handler Handler, workerCount, queueCapacity, softCap, failedCap int) *Queue {
	q := &Queue{
		sm:        sm,
		bus:       bus,
		jobs:      make(chan Job, queueCapacity),
		softCap:   softCap,
		failedCap: failedCap,
	}

	q.unsubscribe = bus.Subscribe(ctx, func(ev model.Event) {
		fe, ok := ev.(model.FileStatusChangedEvent)
		if !ok {
			return
		}
		if fe.NewStatus != model.StatusReady && fe.NewStatus != model.StatusReadyToStartGrowing {
			return
		}
		q.admit(fe)
	})

	for i := 0; i < workerCount; i++ {
		go q.workerLoop(ctx, handler)
	}

	return q
}

func (q *Queue) admit(fe model.FileStatusChangedEvent) {
	isGrowing := fe.NewStatus == model.StatusReadyToStartGrowing

	record, err := q.sm.Transition(fe.FileID, model.StatusInQueue, statemachine.Patch{})
	if err != nil {
		glog.Warningf("queue: admitting %s: %v", fe.FilePath, err)
		return
	}

	job := Job{FileID: fe.FileID, FilePath: fe.FilePath, FileSize: record.FileSize, IsGrowing: isGrowing}
	q.enqueue(job)
}

func (q *Queue) enqueue(job Job) {
	q.mu.Lock()
	paused := q.destPaused
	if paused {
		if len(q.buffered) < q.softCap {
			q.buffered = append(q.buffered, job)
		} else {
			glog.Warningf("queue: soft cap reached, dropping buffered admission for %s", job.FilePath)
		}
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
	default:
		glog.Warningf("queue: full, dropping job for %s", job.FilePath)
	}
}

// Requeue implements spacearbiter.Requeuer: it pushes job directly onto the
// FIFO without going through the READY-triggered admission path, since the
// caller has already performed the IN_QUEUE transition itself.
func (q *Queue) Requeue(fileID uuid.UUID, filePath string, fileSize int64, isGrowing bool) {
	q.enqueue(Job{FileID: fileID, FilePath: filePath, FileSize: fileSize, IsGrowing: isGrowing})
}

// SetDestinationPaused implements the admission-control rule of spec.md
// §4.4: while paused, new admissions buffer up to the soft cap instead of
// reaching the worker-visible FIFO; workers keep draining what they already
// have.
func (q *Queue) SetDestinationPaused(paused bool) {
	q.mu.Lock()
	wasPaused := q.destPaused
	q.destPaused = paused
	var drain []Job
	if wasPaused && !paused {
		drain = q.buffered
		q.buffered = nil
	}
	q.mu.Unlock()

	for _, job := range drain {
		q.enqueue(job)
	}
}

func (q *Queue) workerLoop(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			handler(ctx, job)
		}
	}
}

// RecordFailed appends job to the bounded failed-jobs view, evicting the
// oldest entry if at capacity.
func (q *Queue) RecordFailed(job Job) {
	q.failedMu.Lock()
	defer q.failedMu.Unlock()
	if len(q.failed) >= q.failedCap && q.failedCap > 0 {
		q.failed = q.failed[1:]
	}
	q.failed = append(q.failed, job)
}

// FailedJobs returns a snapshot of the failed-jobs view.
func (q *Queue) FailedJobs() []Job {
	q.failedMu.Lock()
	defer q.failedMu.Unlock()
	out := make([]Job, len(q.failed))
	copy(out, q.failed)
	return out
}

// ClearFailedJobs empties the failed-jobs view without affecting the
// repository.
func (q *Queue) ClearFailedJobs() {
	q.failedMu.Lock()
	defer q.failedMu.Unlock()
	q.failed = nil
}

// Status reports queue running/size/empty for the external API surface.
type Status struct {
	Paused bool `json:"paused"`
	Size   int  `json:"size"`
	Empty  bool `json:"empty"`
}

func (q *Queue) Status() Status {
	q.mu.RLock()
	defer q.mu.RUnlock()
	size := len(q.jobs) + len(q.buffered)
	return Status{Paused: q.destPaused, Size: size, Empty: size == 0}
}

// Close unsubscribes the producer from the bus.
func (q *Queue) Close() {
	if q.unsubscribe != nil {
		q.unsubscribe()
	}
}
