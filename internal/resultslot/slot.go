// Package resultslot implements the single current-value slot through which
// the inference engine publishes its latest outcome.
//
// Semantics:
//   - Zero or one value, last write wins (no history, no queue)
//   - Publish never blocks (readers cannot apply backpressure)
//   - Readers poll with Current or receive pushes through Subscribe
//
// Subscribe hands out single-slot mailboxes with the same overwrite policy:
// a slow subscriber only ever sees the newest outcome.
package resultslot

import (
	"sync"

	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// Slot is a last-write-wins holder for types.Outcome.
//
// Thread-safety: all methods are safe for concurrent use. Publish is called
// by the classification goroutine, Current by any number of presentation
// readers.
type Slot struct {
	mu      sync.RWMutex
	value   types.Outcome
	has     bool
	version uint64 // incremented on every Publish

	subs   map[uint64]chan types.Outcome
	nextID uint64
}

// New creates an empty slot.
func New() *Slot {
	return &Slot{subs: make(map[uint64]chan types.Outcome)}
}

// Publish replaces the current value and notifies subscribers.
//
// Subscriber delivery (per mailbox, under the write lock):
//  1. Drain the unconsumed previous value, if any
//  2. Send the new value (never blocks: capacity 1 and just drained)
func (s *Slot) Publish(o types.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.value = o
	s.has = true
	s.version++

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- o
	}
}

// Current returns the latest outcome and whether one was ever published
// since the last Clear.
func (s *Slot) Current() (types.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.has
}

// Version returns the number of Publish calls so far. Readers use it to
// detect a new value without comparing outcomes.
func (s *Slot) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Clear empties the slot. Version keeps counting.
func (s *Slot) Clear() {
	s.mu.Lock()
	s.value = types.Outcome{}
	s.has = false
	s.mu.Unlock()
}

// Subscribe returns a mailbox receiving every subsequent outcome, with
// overwrite semantics, and a cancel function that closes it.
//
// Contract:
//   - Subscriber MUST call cancel when done (defer pattern recommended)
//   - cancel is idempotent
func (s *Slot) Subscribe() (<-chan types.Outcome, func()) {
	ch := make(chan types.Outcome, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of active subscriptions.
func (s *Slot) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
