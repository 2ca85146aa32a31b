// Package eventbus fans dispatch events out to in-process listeners such as
// the progress stream.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the dispatch layer.
const (
	TypeDispatchStarted  = "dispatch.started"
	TypeDispatchProgress = "dispatch.progress"
	TypeDispatchFinished = "dispatch.finished"
)

// Event is a small JSON-friendly notification. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 16

func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

// MemBus is an in-memory Bus with no background goroutines.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	next    uint64
	dropped uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var missed uint64
	// Sends happen under the read lock; unsubscribe closes under the write
	// lock, so no send can hit a closed channel.
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			missed++
		}
	}
	b.mu.RUnlock()

	if missed > 0 {
		b.mu.Lock()
		b.dropped += missed
		b.mu.Unlock()
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *MemBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *MemBus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
