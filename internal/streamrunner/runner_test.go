package streamrunner

import (
	"testing"
	"time"
)

func TestConfigAppliesDefaults(t *testing.T) {
	cfg := Config{StreamName: "front"}
	cfg.applyDefaults()

	if cfg.RingCapacity != 4096 {
		t.Errorf("expected default ring capacity 4096, got %d", cfg.RingCapacity)
	}
	if cfg.RingWindow != 10*time.Second {
		t.Errorf("expected default ring window 10s, got %s", cfg.RingWindow)
	}
	if cfg.FrameInterval != time.Second {
		t.Errorf("expected default frame interval 1s, got %s", cfg.FrameInterval)
	}
}

func TestBackoffSequenceMatchesSpecScenario(t *testing.T) {
	// Same ≈1,2,4,8,16,30,30 second progression as internal/segment's
	// recorder, since this runner owns a logically distinct connection.
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
