package tasks

import "sync"

// slots is the only shared mutable scheduler state: the global running count
// and the per-scope exclusivity set. All checks and mutations happen under one
// lock so concurrent submits see a consistent view; the raw map is never
// exposed.
type slots struct {
	mu      sync.Mutex
	max     int
	scopes  map[string]string // scope key → task id
	running int
}

func newSlots(max int) *slots {
	return &slots{
		max:    max,
		scopes: make(map[string]string),
	}
}

// TryAcquire atomically performs the two-key admission check. Exactly one of
// two concurrent acquisitions for the same scope succeeds.
func (s *slots) TryAcquire(scopeKey, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.scopes[scopeKey]; busy {
		return ErrScopeBusy
	}
	if s.running >= s.max {
		return ErrCapacityExceeded
	}

	s.scopes[scopeKey] = taskID
	s.running++
	return nil
}

// Release frees a scope's slot. Releasing a scope held by a different task is
// a no-op, which makes release idempotent across finalize/stop races.
func (s *slots) Release(scopeKey, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.scopes[scopeKey]
	if !ok || held != taskID {
		return
	}
	delete(s.scopes, scopeKey)
	s.running--
}

// Running returns the current global running count.
func (s *slots) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Holder returns the task currently holding a scope, if any.
func (s *slots) Holder(scopeKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.scopes[scopeKey]
	return id, ok
}
