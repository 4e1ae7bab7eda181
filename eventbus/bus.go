// Package eventbus implements the single-process publish/subscribe fan-out
// described in spec.md §9: synchronous in-process publish, but a subscriber
// that falls behind must never block the State Machine. Each subscriber gets
// its own bounded channel and goroutine; a full channel drops the oldest
// queued event rather than blocking the publisher, mirroring the teacher's
// stats.Tracker (agent/stats/stats.go), which uses large buffered channels
// fed by a dedicated accumulator goroutine for exactly this reason.
package eventbus

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/onpremsync/mxfagent/model"
)

const subscriberBuffer = 256

// Bus fans domain events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	ch chan model.Event
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers handler to be invoked (on its own goroutine, in
// publish order for this subscriber) for every event published after this
// call returns. The returned func unsubscribes and stops the goroutine.
func (b *Bus) Subscribe(ctx context.Context, handler func(model.Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{ch: make(chan model.Event, subscriberBuffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

// Publish delivers ev to every current subscriber. It never blocks: a
// subscriber whose buffer is full has its oldest pending event dropped to
// make room, and the drop is logged at WARNING so a stuck consumer is
// visible in the agent's own logs.
func (b *Bus) Publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
				glog.Warningf("eventbus: subscriber buffer full, dropped oldest pending event to deliver %T", ev)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				glog.Warningf("eventbus: subscriber channel still full after drop, discarding event %T", ev)
			}
		}
	}
}

// SubscriberCount reports the number of live subscriptions, for tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
