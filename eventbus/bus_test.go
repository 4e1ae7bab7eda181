package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onpremsync/mxfagent/model"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan model.Event, 1)
	unsub := bus.Subscribe(ctx, func(ev model.Event) {
		received <- ev
	})
	defer unsub()

	ev := model.ScannerStatusChangedEvent{Paused: true}
	bus.Publish(ev)

	select {
	case got := <-received:
		if got.(model.ScannerStatusChangedEvent).Paused != true {
			t.Fatalf("expected Paused=true, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(ctx, func(ev model.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()

	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", bus.SubscriberCount())
	}

	bus.Publish(model.ScannerStatusChangedEvent{Paused: false})
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no events delivered after unsubscribe, got %d", count)
	}
}

func TestPublishDoesNotBlockWhenSubscriberFull(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	var handled sync.WaitGroup
	var firstHandled sync.Once
	handled.Add(1)
	bus.Subscribe(ctx, func(ev model.Event) {
		firstHandled.Do(handled.Done)
		<-block
	})

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(model.ScannerStatusChangedEvent{Paused: i%2 == 0})
	}

	close(block)
	handled.Wait()
}
