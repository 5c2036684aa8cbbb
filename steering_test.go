package edgeagent

import "testing"

func TestSteeringCoordinator_ConsumeEmpty(t *testing.T) {
	s := NewSteeringCoordinator()
	_, ok := s.Consume()
	if ok {
		t.Error("expected no pending request on an empty mailbox")
	}
}

func TestSteeringCoordinator_SubmitThenConsume(t *testing.T) {
	s := NewSteeringCoordinator()
	req := s.Submit(SteeringMode{Kind: SteeringHardStop})
	if req.ID == "" {
		t.Error("expected a non-empty request id")
	}

	got, ok := s.Consume()
	if !ok {
		t.Fatal("expected a pending request")
	}
	if got.Mode.Kind != SteeringHardStop {
		t.Errorf("got %q, want hard_stop", got.Mode.Kind)
	}

	// Consume is destructive.
	_, ok = s.Consume()
	if ok {
		t.Error("expected mailbox to be empty after Consume")
	}
}

func TestSteeringCoordinator_MostRecentSubmitSupersedes(t *testing.T) {
	s := NewSteeringCoordinator()
	s.Submit(SteeringMode{Kind: SteeringSoftInterupt})
	second := s.Submit(SteeringMode{Kind: SteeringRedirect, NewPrompt: "try again"})

	got, ok := s.Consume()
	if !ok {
		t.Fatal("expected a pending request")
	}
	if got.ID != second.ID || got.Mode.Kind != SteeringRedirect || got.Mode.NewPrompt != "try again" {
		t.Errorf("got %+v, want the most recent submission to win", got)
	}
}

func TestSteeringCoordinator_ShouldSkipRemainingTools(t *testing.T) {
	s := NewSteeringCoordinator()
	if s.ShouldSkipRemainingTools() {
		t.Error("expected false on an empty mailbox")
	}

	s.Submit(SteeringMode{Kind: SteeringRedirect, NewPrompt: "continue differently"})
	if s.ShouldSkipRemainingTools() {
		t.Error("a redirect should not skip remaining tools")
	}

	s.Submit(SteeringMode{Kind: SteeringHardStop})
	if !s.ShouldSkipRemainingTools() {
		t.Error("a hard stop should skip remaining tools")
	}

	// Non-consuming: the request is still there afterward.
	_, ok := s.Consume()
	if !ok {
		t.Error("expected ShouldSkipRemainingTools to not consume the pending request")
	}
}

func TestSteeringCoordinator_PeekKind(t *testing.T) {
	s := NewSteeringCoordinator()
	if _, ok := s.PeekKind(); ok {
		t.Error("expected no kind on an empty mailbox")
	}

	s.Submit(SteeringMode{Kind: SteeringHardStop})
	kind, ok := s.PeekKind()
	if !ok || kind != SteeringHardStop {
		t.Errorf("got (%q, %v), want (hard_stop, true)", kind, ok)
	}

	// Non-consuming: the request is still there afterward.
	_, consumed := s.Consume()
	if !consumed {
		t.Error("expected PeekKind to not consume the pending request")
	}
}

func TestSteeringCoordinator_Clear(t *testing.T) {
	s := NewSteeringCoordinator()
	s.Submit(SteeringMode{Kind: SteeringHardStop})
	s.Clear()

	_, ok := s.Consume()
	if ok {
		t.Error("expected Clear to empty the mailbox")
	}
}
