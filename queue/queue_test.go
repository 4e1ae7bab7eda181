package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onpremsync/mxfagent/clock"
	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/repository"
	"github.com/onpremsync/mxfagent/statemachine"
)

func TestProducerEnqueuesOnReadyAndTransitionsToInQueue(t *testing.T) {
	repo := repository.New()
	bus := eventbus.New()
	sm := statemachine.New(repo, bus, clock.New())

	record := model.NewDiscovered("/src/a.mxf", 100, time.Now())
	record.Status = model.StatusDiscovered
	require.NoError(t, repo.Add(record))

	var mu sync.Mutex
	var handled []Job
	handlerDone := make(chan struct{}, 10)
	handler := func(ctx context.Context, job Job) {
		mu.Lock()
		handled = append(handled, job)
		mu.Unlock()
		handlerDone <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(ctx, sm, bus, handler, 1, 10, 5, 5)
	defer q.Close()

	_, err := sm.Transition(record.ID, model.StatusReady, statemachine.Patch{})
	require.NoError(t, err)

	select {
	case <-handlerDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job to be handled")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handled, 1)
	assert.Equal(t, record.ID, handled[0].FileID)

	final, _ := repo.GetByID(record.ID)
	assert.Equal(t, model.StatusInQueue, final.Status)
}

func TestAdmissionControlBuffersWhilePaused(t *testing.T) {
	repo := repository.New()
	bus := eventbus.New()
	sm := statemachine.New(repo, bus, clock.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(ctx, sm, bus, func(ctx context.Context, job Job) {}, 0, 10, 5, 5)
	defer q.Close()

	q.SetDestinationPaused(true)
	q.Requeue(uuid.New(), "/src/x.mxf", 10, false)

	status := q.Status()
	assert.True(t, status.Paused)
	assert.Equal(t, 1, status.Size)
}

func TestFailedJobsBoundedAndClearable(t *testing.T) {
	repo := repository.New()
	bus := eventbus.New()
	sm := statemachine.New(repo, bus, clock.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(ctx, sm, bus, func(ctx context.Context, job Job) {}, 0, 10, 5, 2)
	defer q.Close()

	q.RecordFailed(Job{FilePath: "/a"})
	q.RecordFailed(Job{FilePath: "/b"})
	q.RecordFailed(Job{FilePath: "/c"})

	failed := q.FailedJobs()
	require.Len(t, failed, 2)
	assert.Equal(t, "/b", failed[0].FilePath)

	q.ClearFailedJobs()
	assert.Empty(t, q.FailedJobs())
}
