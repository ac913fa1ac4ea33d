package clockid

import (
	"testing"
	"time"
)

func TestFakeAdvanceMovesBothClocks(t *testing.T) {
	start := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	f.Advance(5 * time.Second)

	if !f.Now().Equal(start.Add(5 * time.Second)) {
		t.Errorf("expected wall clock advanced by 5s, got %s", f.Now())
	}
	if f.Monotonic() != 5*time.Second {
		t.Errorf("expected monotonic advanced by 5s, got %s", f.Monotonic())
	}
}

func TestNewIDReturnsDistinctValues(t *testing.T) {
	a := NewID()
	b := NewID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty correlation IDs")
	}
	if a == b {
		t.Error("expected distinct correlation IDs across calls")
	}
}
