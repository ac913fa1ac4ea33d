package packet

import (
	"testing"
	"time"
)

type collectSink struct {
	pushed []Packet
}

func (c *collectSink) Push(p Packet) error {
	c.pushed = append(c.pushed, p)
	return nil
}

func TestRingBufferFlushTruncatesToKeyframe(t *testing.T) {
	pool := NewBytePool(1 << 20)
	rb := NewRingBuffer("cam-1", pool, 16, 3*time.Second)

	// Arrivals at t=7,8,9,10 (ns as seconds*1e9 for readability); only
	// the packet at t=8 is a keyframe.
	mk := func(sec int64, key bool) Packet {
		return Packet{Bytes: []byte{1, 2, 3}, IsKeyframe: key, ArrivalNano: sec * int64(time.Second)}
	}

	for _, p := range []Packet{mk(7, false), mk(8, true), mk(9, false), mk(10, false)} {
		if err := rb.Push(p); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	sink := &collectSink{}
	// now = 10s, window = 3s -> cutoff = 7s, so all four are in window,
	// but flush must start at the first keyframe (t=8).
	if err := rb.Flush(10*time.Second, sink); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(sink.pushed) != 3 {
		t.Fatalf("expected 3 packets flushed starting at keyframe, got %d", len(sink.pushed))
	}
	if !sink.pushed[0].IsKeyframe {
		t.Fatalf("first flushed packet must be a keyframe")
	}
	if sink.pushed[0].ArrivalNano != 8*int64(time.Second) {
		t.Fatalf("expected flush to start at t=8s, got %d", sink.pushed[0].ArrivalNano/int64(time.Second))
	}
}

func TestRingBufferEvictsOnByteCapBeforeAge(t *testing.T) {
	pool := NewBytePool(10) // tiny pool: only ~3 packets of 3 bytes fit
	rb := NewRingBuffer("cam-2", pool, 64, time.Hour)

	for i := int64(0); i < 5; i++ {
		p := Packet{Bytes: []byte{1, 2, 3}, ArrivalNano: i}
		if err := rb.Push(p); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	used, cap := pool.Stats()
	if used > cap {
		t.Fatalf("pool over budget: used=%d cap=%d", used, cap)
	}

	stats := rb.Stats()
	if stats.Count >= 5 {
		t.Fatalf("expected eviction to have reduced count below 5, got %d", stats.Count)
	}
}

func TestRingBufferCloseReleasesPool(t *testing.T) {
	pool := NewBytePool(1024)
	rb := NewRingBuffer("cam-3", pool, 8, time.Second)

	for i := 0; i < 4; i++ {
		_ = rb.Push(Packet{Bytes: make([]byte, 10), ArrivalNano: int64(i)})
	}

	if used := pool.UsedBy("cam-3"); used == 0 {
		t.Fatalf("expected bytes charged before close")
	}

	if err := rb.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if used := pool.UsedBy("cam-3"); used != 0 {
		t.Fatalf("expected pool release on close, used=%d", used)
	}

	if err := rb.Push(Packet{Bytes: []byte{1}}); err != ErrClosed {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
