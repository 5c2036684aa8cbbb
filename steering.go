package edgeagent

import "sync"

// SteeringCoordinator is a single-slot interrupt mailbox with total order:
// the most recent submit(mode) supersedes any unread prior submission (spec
// §4.2). It is deliberately lighter than the teacher's suspend.go snapshot
// mailbox — steering never captures a resumable continuation, only a mode
// and an optional redirect prompt, so no TTL or closure machinery is needed.
type SteeringCoordinator struct {
	mu      sync.Mutex
	pending *SteeringRequest
}

// NewSteeringCoordinator constructs an empty mailbox.
func NewSteeringCoordinator() *SteeringCoordinator {
	return &SteeringCoordinator{}
}

// Submit replaces the slot. If the slot was empty, a fresh request id is
// assigned; otherwise the unread request's id is kept. There is no waiter to wake here — the Orchestrator polls Consume
// at iteration boundaries rather than blocking on it (spec §4.6 step 1).
func (s *SteeringCoordinator) Submit(mode SteeringMode) SteeringRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := NewID()
	if s.pending != nil {
		id = s.pending.ID
	}
	req := SteeringRequest{ID: id, Mode: mode}
	s.pending = &req
	return req
}

// Consume atomically takes and clears the current slot.
func (s *SteeringCoordinator) Consume() (SteeringRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return SteeringRequest{}, false
	}
	req := *s.pending
	s.pending = nil
	return req, true
}

// ShouldSkipRemainingTools reports whether the current slot holds a
// HardStop or SoftInterrupt, without consuming it.
func (s *SteeringCoordinator) ShouldSkipRemainingTools() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return false
	}
	switch s.pending.Mode.Kind {
	case SteeringHardStop, SteeringSoftInterupt:
		return true
	default:
		return false
	}
}

// PeekKind reports the kind of the current slot, if any, without consuming
// it. Used where a caller needs to react to a HardStop the moment it lands
// (mid-stream) but must not steal the slot from the iteration-boundary
// Consume that still has to run afterward.
func (s *SteeringCoordinator) PeekKind() (SteeringKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return "", false
	}
	return s.pending.Mode.Kind, true
}

// Clear empties the slot without returning its contents.
func (s *SteeringCoordinator) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}
