package supervisor

import (
	"context"
	"log/slog"
	"sync"
)

// Supervisor owns one stream's lifecycle: state transitions, a
// reference count across consumer tags, and a gate on whether
// lifecycle callbacks currently fire. Exclusively owns the demuxer,
// ring buffer, and recorders for its stream (§3 Ownership).
type Supervisor struct {
	streamName string
	logger     *slog.Logger

	mu               sync.Mutex
	state            State
	refCounts        map[string]struct{}
	callbacksEnabled bool

	onStateChange func(old, new State)
}

// New constructs a Supervisor for streamName, Inactive with zero refs.
func New(streamName string, onStateChange func(old, new State)) *Supervisor {
	return &Supervisor{
		streamName:    streamName,
		logger:        slog.Default().With("component", "supervisor", "stream", streamName),
		state:         StateInactive,
		refCounts:     make(map[string]struct{}),
		onStateChange: onStateChange,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CallbacksEnabled reports whether lifecycle callbacks should fire
// right now: true only while Active or Reconnecting.
func (s *Supervisor) CallbacksEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacksEnabled
}

// Transition attempts to move to newState, returning
// ErrInvalidTransition if the move isn't legal from the current state.
func (s *Supervisor) Transition(newState State) error {
	s.mu.Lock()
	old := s.state
	if !canTransition(old, newState) {
		s.mu.Unlock()
		return &ErrInvalidTransition{From: old, To: newState}
	}
	s.state = newState
	s.callbacksEnabled = newState == StateActive || newState == StateReconnecting
	s.mu.Unlock()

	s.logger.Info("state transition", "from", old, "to", newState)
	if s.onStateChange != nil {
		s.onStateChange(old, newState)
	}
	return nil
}

// AddRef registers consumer as holding a reference to this stream. The
// first ref transitions Inactive -> Starting.
func (s *Supervisor) AddRef(consumer string) error {
	s.mu.Lock()
	_, existed := s.refCounts[consumer]
	s.refCounts[consumer] = struct{}{}
	shouldStart := !existed && len(s.refCounts) == 1 && s.state == StateInactive
	s.mu.Unlock()

	if shouldStart {
		return s.Transition(StateStarting)
	}
	return nil
}

// RemoveRef drops consumer's reference. When the last reference is
// removed, the stream transitions to Stopping.
func (s *Supervisor) RemoveRef(consumer string) error {
	s.mu.Lock()
	delete(s.refCounts, consumer)
	empty := len(s.refCounts) == 0
	state := s.state
	s.mu.Unlock()

	if empty && state != StateInactive && state != StateStopping {
		return s.Transition(StateStopping)
	}
	return nil
}

// RefCount returns the number of distinct consumers currently holding
// a reference.
func (s *Supervisor) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refCounts)
}

// Removable reports whether the stream may be deleted outright: zero
// references and not mid-transition out of Active/Reconnecting.
func (s *Supervisor) Removable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refCounts) == 0 && (s.state == StateInactive || s.state == StateStopping)
}

// Stop requests an orderly shutdown regardless of ref count, used by
// the shutdown coordinator during process exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	if err := s.Transition(StateStopping); err != nil {
		if _, ok := err.(*ErrInvalidTransition); ok {
			return nil // already stopping/inactive
		}
		return err
	}
	return s.Transition(StateInactive)
}

// ReportError transitions to Error from any reachable state; callers
// are expected to follow up with a Transition back to Stopping or
// Reconnecting once recovery is decided.
func (s *Supervisor) ReportError(cause error) error {
	s.mu.Lock()
	old := s.state
	s.mu.Unlock()
	s.logger.Error("stream error", "error", cause, "state", old)
	return s.Transition(StateError)
}
