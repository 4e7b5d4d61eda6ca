// Package bus is the in-process notification path from store mutations to
// the TUI. Events carry only the entity kind and id — the consumer re-reads
// the store for authoritative state, so dropping events is always safe.
package bus

import (
	"context"
	"sync"
)

// Event kinds. Resync is synthesized on overflow and tells the consumer to
// do a full refresh instead of an incremental one.
const (
	KindSession  = "session"
	KindHook     = "hook"
	KindMsg      = "msg"
	KindQuestion = "question"
	KindChain    = "chain"
	KindArtifact = "artifact"
	KindResync   = "resync"
)

const defaultCapacity = 256

// Event is one state-change notification.
type Event struct {
	Kind string
	ID   string
}

// Bus is a bounded multi-producer, single-consumer queue. When the queue
// is full the oldest event is dropped and a single resync token is queued
// in its place; while the token is queued, further overflows drop the
// incoming event without evicting, so the token survives until read and
// the queue stays at capacity.
type Bus struct {
	mu     sync.Mutex
	queue  []Event
	cap    int
	resync bool
	wake   chan struct{}
}

// New creates a Bus. capacity <= 0 selects the default of 256.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		cap:  capacity,
		wake: make(chan struct{}, 1),
	}
}

// Publish enqueues an event. Never blocks.
func (b *Bus) Publish(kind, id string) {
	b.mu.Lock()
	if len(b.queue) >= b.cap {
		// Drop the incoming event. The first overflow also evicts the
		// oldest queued event and puts the resync token in its place;
		// once the token is queued, overflows drop without evicting so
		// the token cannot itself be pushed out before being read.
		if !b.resync {
			b.queue = append(b.queue[1:], Event{Kind: KindResync})
			b.resync = true
		}
	} else {
		b.queue = append(b.queue, Event{Kind: kind, ID: id})
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or ctx is cancelled. Only one
// consumer may call Next at a time.
func (b *Bus) Next(ctx context.Context) (Event, error) {
	for {
		if e, ok := b.pop(); ok {
			return e, nil
		}
		select {
		case <-b.wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// TryNext pops an event without blocking.
func (b *Bus) TryNext() (Event, bool) {
	return b.pop()
}

func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Event{}, false
	}
	e := b.queue[0]
	b.queue = b.queue[1:]
	if e.Kind == KindResync {
		b.resync = false
	}
	return e, true
}

// Len reports the number of queued events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
