package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onpremsync/mxfagent/clock"
	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/repository"
)

func setup(t *testing.T) (*StateMachine, *repository.Repository, *eventbus.Bus) {
	t.Helper()
	repo := repository.New()
	bus := eventbus.New()
	sm := New(repo, bus, clock.New())
	return sm, repo, bus
}

func TestTransitionAppliesPatchAndPublishes(t *testing.T) {
	sm, repo, bus := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan model.FileStatusChangedEvent, 4)
	bus.Subscribe(ctx, func(ev model.Event) {
		if fe, ok := ev.(model.FileStatusChangedEvent); ok {
			events <- fe
		}
	})

	record := model.NewDiscovered("/src/a.mxf", 1000, time.Now())
	require.NoError(t, repo.Add(record))

	newSize := int64(1200)
	updated, err := sm.Transition(record.ID, model.StatusGrowing, Patch{FileSize: &newSize})
	require.NoError(t, err)
	assert.Equal(t, model.StatusGrowing, updated.Status)
	assert.Equal(t, newSize, updated.FileSize)

	select {
	case ev := <-events:
		assert.Equal(t, model.StatusDiscovered, ev.OldStatus)
		assert.Equal(t, model.StatusGrowing, ev.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("expected FileStatusChangedEvent")
	}
}

func TestTransitionRejectsIllegalEdgeWithoutMutation(t *testing.T) {
	sm, repo, _ := setup(t)
	record := model.NewDiscovered("/src/a.mxf", 1000, time.Now())
	require.NoError(t, repo.Add(record))

	_, err := sm.Transition(record.ID, model.StatusCompleted, Patch{})
	require.Error(t, err)

	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)

	unchanged, _ := repo.GetByID(record.ID)
	assert.Equal(t, model.StatusDiscovered, unchanged.Status, "illegal transition must not mutate the record")
}

func TestCompletedAtSetOnlyOnCompletion(t *testing.T) {
	sm, repo, _ := setup(t)
	record := model.NewDiscovered("/src/a.mxf", 1000, time.Now())
	record.Status = model.StatusInQueue
	require.NoError(t, repo.Add(record))

	copying, err := sm.Transition(record.ID, model.StatusCopying, Patch{})
	require.NoError(t, err)
	assert.NotNil(t, copying.StartedCopyingAt)
	assert.Nil(t, copying.CompletedAt)

	completed, err := sm.Transition(record.ID, model.StatusCompleted, Patch{})
	require.NoError(t, err)
	assert.NotNil(t, completed.CompletedAt)
}

func TestSpaceErrorCooldownFieldsAndReentry(t *testing.T) {
	sm, repo, _ := setup(t)
	record := model.NewDiscovered("/src/a.mxf", 1000, time.Now())
	record.Status = model.StatusWaitingForSpace
	require.NoError(t, repo.Add(record))

	spaceErr, err := sm.Transition(record.ID, model.StatusSpaceError, Patch{})
	require.NoError(t, err)
	assert.NotNil(t, spaceErr.SpaceErrorAt)

	_, err = sm.Transition(record.ID, model.StatusInQueue, Patch{})
	require.NoError(t, err)
}

func TestAllLegalEdgesFromSpecAreAccepted(t *testing.T) {
	cases := []struct {
		from, to model.Status
	}{
		{model.StatusDiscovered, model.StatusGrowing},
		{model.StatusDiscovered, model.StatusReadyToStartGrowing},
		{model.StatusDiscovered, model.StatusReady},
		{model.StatusDiscovered, model.StatusRemoved},
		{model.StatusGrowing, model.StatusReadyToStartGrowing},
		{model.StatusGrowing, model.StatusReady},
		{model.StatusReadyToStartGrowing, model.StatusInQueue},
		{model.StatusReady, model.StatusInQueue},
		{model.StatusInQueue, model.StatusCopying},
		{model.StatusInQueue, model.StatusGrowingCopy},
		{model.StatusCopying, model.StatusCompleted},
		{model.StatusGrowingCopy, model.StatusWaitingForNetwork},
		{model.StatusWaitingForSpace, model.StatusSpaceError},
		{model.StatusWaitingForNetwork, model.StatusInQueue},
		{model.StatusSpaceError, model.StatusInQueue},
	}

	for _, tc := range cases {
		sm, repo, _ := setup(t)
		record := model.NewDiscovered("/src/a.mxf", 1000, time.Now())
		record.Status = tc.from
		require.NoError(t, repo.Add(record))

		_, err := sm.Transition(record.ID, tc.to, Patch{})
		assert.NoError(t, err, "expected %s -> %s to be legal", tc.from, tc.to)
	}
}
