// Package shutdown implements the shutdown coordinator (§5): drains
// registered components in reverse-dependency order, each bounded by
// its own timeout, moving on past any component that overruns.
// Grounded on the teacher's cmd/nvr/main.go signal-handling shutdown
// sequence (ordered Stop calls under a single context.WithTimeout).
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Component is anything the coordinator can stop. Stop must be safe to
// call once; implementations should make repeat calls a no-op.
type Component interface {
	Name() string
	Stop(ctx context.Context) error
}

// Coordinator holds an ordered list of components, registered in
// dependency order (earliest-registered depended-upon-by later ones),
// and shuts them down in reverse: last-registered stops first.
type Coordinator struct {
	mu         sync.Mutex
	components []Component
	timeout    time.Duration
	logger     *slog.Logger
}

// New constructs a Coordinator. perComponentTimeout bounds how long
// each component's Stop is allowed to run before being treated as
// force-failed (the coordinator moves on regardless; it cannot truly
// kill a goroutine that ignores ctx).
func New(perComponentTimeout time.Duration) *Coordinator {
	if perComponentTimeout <= 0 {
		perComponentTimeout = 10 * time.Second
	}
	return &Coordinator{
		timeout: perComponentTimeout,
		logger:  slog.Default().With("component", "shutdown"),
	}
}

// Register adds a component to the drain list. Registration order
// matters: Shutdown stops components in reverse registration order.
func (c *Coordinator) Register(comp Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, comp)
}

// Result captures the outcome of stopping one component.
type Result struct {
	Name    string
	Err     error
	TimedOut bool
}

// Shutdown stops every registered component in reverse registration
// order, each under its own perComponentTimeout, continuing past
// failures so one stuck component never blocks the rest of the drain.
func (c *Coordinator) Shutdown(ctx context.Context) []Result {
	c.mu.Lock()
	ordered := make([]Component, len(c.components))
	copy(ordered, c.components)
	c.mu.Unlock()

	results := make([]Result, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		comp := ordered[i]
		results = append(results, c.stopOne(ctx, comp))
	}
	return results
}

func (c *Coordinator) stopOne(ctx context.Context, comp Component) Result {
	stopCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- comp.Stop(stopCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Error("component stop failed", "component", comp.Name(), "error", err)
		} else {
			c.logger.Info("component stopped", "component", comp.Name())
		}
		return Result{Name: comp.Name(), Err: err}
	case <-stopCtx.Done():
		c.logger.Error("component stop timed out, forcing past it", "component", comp.Name(), "timeout", c.timeout)
		return Result{Name: comp.Name(), Err: fmt.Errorf("shutdown: %s: %w", comp.Name(), stopCtx.Err()), TimedOut: true}
	}
}
