package supervisor

import "testing"

func TestAddRefStartsFromInactive(t *testing.T) {
	s := New("front", nil)
	if s.State() != StateInactive {
		t.Fatalf("expected initial state Inactive, got %s", s.State())
	}
	if err := s.AddRef("api"); err != nil {
		t.Fatalf("AddRef: %v", err)
	}
	if s.State() != StateStarting {
		t.Fatalf("expected Starting after first ref, got %s", s.State())
	}
}

func TestRemoveLastRefTransitionsToStopping(t *testing.T) {
	s := New("front", nil)
	_ = s.AddRef("api")
	_ = s.Transition(StateActive)

	if err := s.RemoveRef("api"); err != nil {
		t.Fatalf("RemoveRef: %v", err)
	}
	if s.State() != StateStopping {
		t.Fatalf("expected Stopping once last ref removed, got %s", s.State())
	}
}

func TestRefCountAcrossMultipleConsumers(t *testing.T) {
	s := New("front", nil)
	_ = s.AddRef("api")
	_ = s.AddRef("motion")
	if got := s.RefCount(); got != 2 {
		t.Fatalf("expected ref count 2, got %d", got)
	}

	_ = s.RemoveRef("api")
	if s.State() == StateStopping {
		t.Fatalf("expected to remain active with one consumer still attached")
	}
	_ = s.RemoveRef("motion")
	if s.State() != StateStopping {
		t.Fatalf("expected Stopping once both consumers detach, got %s", s.State())
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	s := New("front", nil)
	err := s.Transition(StateActive)
	if err == nil {
		t.Fatal("expected error transitioning Inactive -> Active directly")
	}
	if _, ok := err.(*ErrInvalidTransition); !ok {
		t.Fatalf("expected ErrInvalidTransition, got %T", err)
	}
}

func TestCallbacksEnabledOnlyWhileActiveOrReconnecting(t *testing.T) {
	s := New("front", nil)
	_ = s.AddRef("api")
	if s.CallbacksEnabled() {
		t.Fatal("expected callbacks disabled while Starting")
	}
	_ = s.Transition(StateActive)
	if !s.CallbacksEnabled() {
		t.Fatal("expected callbacks enabled while Active")
	}
	_ = s.Transition(StateStopping)
	if s.CallbacksEnabled() {
		t.Fatal("expected callbacks disabled while Stopping")
	}
}

func TestErrorReachableFromAnyState(t *testing.T) {
	s := New("front", nil)
	if err := s.ReportError(errTest{}); err != nil {
		t.Fatalf("ReportError from Inactive: %v", err)
	}
	if s.State() != StateError {
		t.Fatalf("expected Error state, got %s", s.State())
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }
