package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is the in-memory signal components exchange: campaign lifecycle
// changes, cycle outcomes and directory sweeps all ride the bus. Payload
// structs live next to their publishers.
//
// Publish never blocks, so subscribers hand over buffered channels and a
// slow one loses events instead of stalling the sender. Data should stay
// small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribeTypes is Subscribe restricted to the given event types.
	SubscribeTypes(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &fanout{sinks: map[uint64]*sink{}}
}

type sink struct {
	ch   chan Event
	only map[string]struct{} // nil means every type
}

func (s *sink) accepts(t string) bool {
	if s.only == nil {
		return true
	}
	_, ok := s.only[t]
	return ok
}

type fanout struct {
	mu    sync.RWMutex
	sinks map[uint64]*sink
	seq   atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot under the read lock; sends happen outside it.
	b.mu.RLock()
	targets := make([]*sink, 0, len(b.sinks))
	for _, s := range b.sinks {
		if s.accepts(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		trySend(s.ch, e)
	}
}

// trySend delivers without blocking. The recover covers a subscriber
// closing its channel concurrently.
func trySend(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	return b.add(buffer, nil)
}

func (b *fanout) SubscribeTypes(buffer int, types ...string) (<-chan Event, func()) {
	if len(types) == 0 {
		return b.add(buffer, nil)
	}
	only := make(map[string]struct{}, len(types))
	for _, t := range types {
		only[t] = struct{}{}
	}
	return b.add(buffer, only)
}

func (b *fanout) add(buffer int, only map[string]struct{}) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sink{ch: make(chan Event, buffer), only: only}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.sinks[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.sinks, id)
			b.mu.Unlock()
			// Publish tolerates the close via its recover.
			close(s.ch)
		})
	}
	return s.ch, unsub
}
