// Package queue holds the per-queue message store collaborator the sync
// protocol runs against: the envelope model, the Store interface, an
// in-memory implementation, and snapshot persistence.
package queue

import (
	"sync"
	"time"
)

// Store is the per-queue message store. The protocol only ever drives a store
// from its owning role's loop; implementations still guard their state so a
// harness can inspect a store from outside.
type Store interface {
	// Fold visits every message in store order. A non-nil error from the
	// visitor stops the iteration and is returned as is.
	Fold(visit func(Envelope) error) error
	// Publish appends a message. force bypasses any admission control the
	// store applies to ordinary publishes.
	Publish(env Envelope, force bool) error
	// Purge drops all content and reports how many messages were removed.
	Purge() (int, error)
	// SetRAMDurationTarget tunes how long the store aims to keep messages
	// in memory before paging out.
	SetRAMDurationTarget(target time.Duration) error
	// Len reports the current number of messages.
	Len() int
}

// MemStore is the in-memory Store used by nodes and tests.
type MemStore struct {
	mu        sync.Mutex
	msgs      []Envelope
	ramTarget time.Duration
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Fold(visit func(Envelope) error) error {
	s.mu.Lock()
	snapshot := make([]Envelope, len(s.msgs))
	copy(snapshot, s.msgs)
	s.mu.Unlock()

	for _, env := range snapshot {
		if err := visit(env); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) Publish(env Envelope, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, env)
	return nil
}

func (s *MemStore) Purge() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.msgs)
	s.msgs = nil
	return n, nil
}

func (s *MemStore) SetRAMDurationTarget(target time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ramTarget = target
	return nil
}

// RAMDurationTarget reports the last tuned target.
func (s *MemStore) RAMDurationTarget() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ramTarget
}

func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Messages returns a copy of the current content in store order.
func (s *MemStore) Messages() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.msgs))
	copy(out, s.msgs)
	return out
}
