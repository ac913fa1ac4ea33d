package shutdown

import (
	"context"
	"testing"
	"time"
)

type fakeComponent struct {
	name  string
	delay time.Duration
	err   error
}

func (f *fakeComponent) Name() string { return f.name }
func (f *fakeComponent) Stop(ctx context.Context) error {
	select {
	case <-time.After(f.delay):
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestShutdownReverseOrder(t *testing.T) {
	var order []string
	c := New(time.Second)

	record := func(name string) *fakeComponent {
		return &fakeComponent{name: name}
	}
	first := record("demuxer")
	second := record("recorder")
	third := record("store")
	c.Register(first)
	c.Register(second)
	c.Register(third)

	results := c.Shutdown(context.Background())
	for _, r := range results {
		order = append(order, r.Name)
	}

	want := []string{"store", "recorder", "demuxer"}
	if len(order) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(order))
	}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected stop order %v, got %v", want, order)
		}
	}
}

func TestShutdownContinuesPastTimeout(t *testing.T) {
	c := New(50 * time.Millisecond)
	slow := &fakeComponent{name: "slow", delay: time.Second}
	fast := &fakeComponent{name: "fast"}
	c.Register(slow)
	c.Register(fast)

	results := c.Shutdown(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results despite the slow component timing out, got %d", len(results))
	}
	// fast is registered second, so it stops first in reverse order.
	if results[0].Name != "fast" || results[0].TimedOut {
		t.Fatalf("expected fast to stop first without timing out: %+v", results[0])
	}
	if results[1].Name != "slow" || !results[1].TimedOut {
		t.Fatalf("expected slow to time out: %+v", results[1])
	}
}
