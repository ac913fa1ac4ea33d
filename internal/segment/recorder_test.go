package segment

import (
	"testing"
	"time"
)

func TestNewAppliesDefaults(t *testing.T) {
	r := New(Config{StreamName: "front"}, &DefaultHandler{}, Callbacks{}, nil)
	if r.cfg.TeardownEvery != 10 {
		t.Fatalf("expected default teardown interval 10, got %d", r.cfg.TeardownEvery)
	}
	if r.cfg.Trigger != "scheduled" {
		t.Fatalf("expected default trigger 'scheduled', got %q", r.cfg.Trigger)
	}
}

func TestBackoffSequenceMatchesSpecScenario(t *testing.T) {
	// Scenario 5: ≈1,2,4,8,16,30,30 seconds across 7 consecutive failures.
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		got := backoffDuration(i + 1)
		if got != w {
			t.Fatalf("retry %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestCreatePathLayout(t *testing.T) {
	h := NewDefaultHandler(t.TempDir(), "")
	start := time.Date(2026, 7, 30, 14, 5, 0, 0, time.UTC)
	path := h.CreatePath("front-door", "motion", start)

	want := "front-door_20260730_140500_motion.mp4"
	if got := path[len(path)-len(want):]; got != want {
		t.Fatalf("expected filename suffix %q, got %q (full path %q)", want, got, path)
	}
}
