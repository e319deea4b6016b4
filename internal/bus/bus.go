// Package bus fans todo changes out from the store to every live surface
// (WebSocket clients, the terminal chat, Telegram chats).
package bus

import (
	"slices"
	"sync"
	"sync/atomic"
)

const queueDepth = 64

// Op is the kind of change a store write made.
type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

// Change describes one store write.
type Change struct {
	Op      Op
	IDs     []int64 // affected task ids
	TraceID string  // request that caused the change, "-" when unknown
	Channel string  // surface the request came from, "unknown" when unset
}

// Subscription receives the changes it asked for on C.
type Subscription struct {
	ops []Op // empty means every op
	c   chan Change
}

// C returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Change {
	return s.c
}

func (s *Subscription) wants(op Op) bool {
	return len(s.ops) == 0 || slices.Contains(s.ops, op)
}

// Bus delivers every published Change to matching subscribers without ever
// blocking the publisher: a subscriber whose queue is full misses the change.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{subs: map[*Subscription]struct{}{}}
}

// Subscribe returns a subscription for ops, or for all changes when none
// are given.
func (b *Bus) Subscribe(ops ...Op) *Subscription {
	sub := &Subscription{ops: ops, c: make(chan Change, queueDepth)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Repeat calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.c)
	}
}

// Publish hands c to every interested subscriber.
func (b *Bus) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(c.Op) {
			continue
		}
		select {
		case sub.c <- c:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// queue was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
