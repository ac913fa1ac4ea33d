package packet

import (
	"sync"
	"time"
)

// Stats summarizes the current contents of a RingBuffer.
type Stats struct {
	Count    int
	Bytes    int64
	Duration time.Duration
}

// RingBuffer is a per-stream bounded FIFO of packets, sized by a
// logical seconds-capacity and accounted against a shared process-wide
// BytePool. It generalizes the teacher's MemoryRingBuffer (circular
// []FrameData with head/tail/count) from raw byte frames to typed
// Packets, adding keyframe-aware flush truncation.
//
// Overflow policy: when the shared byte pool is over budget, the
// oldest entries are evicted regardless of age — the bytes cap takes
// priority over the seconds cap (see DESIGN.md Open Question 3).
type RingBuffer struct {
	mu       sync.Mutex
	stream   string
	pool     *BytePool
	window   time.Duration // logical seconds-capacity
	entries  []Packet
	head     int
	tail     int
	count    int
	capacity int
	closed   bool
}

// NewRingBuffer creates a ring buffer for one stream. capacity bounds
// the number of entries held regardless of bytes or age; window bounds
// the logical pre-buffer duration used by Flush.
func NewRingBuffer(stream string, pool *BytePool, capacity int, window time.Duration) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		stream:   stream,
		pool:     pool,
		window:   window,
		entries:  make([]Packet, capacity),
		capacity: capacity,
	}
}

// ErrClosed is returned by Push after Close.
type ringError string

func (e ringError) Error() string { return string(e) }

const ErrClosed = ringError("ring buffer is closed")

// Push appends a packet, evicting the oldest entry if the slot ring is
// full or if the shared byte pool is over budget. The packet is cloned
// so the ring buffer never shares mutable bytes with other sinks.
func (b *RingBuffer) Push(p Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	cp := p.Clone()

	if b.count == b.capacity {
		b.evictOldestLocked()
	}

	if b.pool != nil {
		n := int64(len(cp.Bytes))
		reserved := b.pool.TryReserve(b.stream, n)
		for !reserved && b.count > 0 {
			b.evictOldestLocked()
			reserved = b.pool.TryReserve(b.stream, n)
		}
	}

	b.entries[b.head] = cp
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	} else {
		b.tail = (b.tail + 1) % b.capacity
	}
	return nil
}

// evictOldestLocked drops the tail entry and releases its bytes from
// the pool. Caller must hold mu.
func (b *RingBuffer) evictOldestLocked() {
	if b.count == 0 {
		return
	}
	evicted := b.entries[b.tail]
	if b.pool != nil {
		b.pool.Release(b.stream, int64(len(evicted.Bytes)))
	}
	b.entries[b.tail] = Packet{}
	b.tail = (b.tail + 1) % b.capacity
	b.count--
}

// Flush drains all packets from the oldest entry whose arrival is
// within window of now, forward, truncated to start at the first
// contained keyframe — satisfying the invariant that every flushed
// recording begins on a keyframe (§4.5). Flushed packets are fed to
// sink in order and removed from the buffer.
func (b *RingBuffer) Flush(now time.Duration, sink Sink) error {
	b.mu.Lock()

	cutoff := now - b.window
	var collected []Packet
	for b.count > 0 {
		p := b.entries[b.tail]
		if p.Arrival() >= cutoff {
			collected = append(collected, p)
		}
		b.evictOldestLocked()
	}

	// Truncate forward to the first keyframe in the window.
	start := 0
	for start < len(collected) && !collected[start].IsKeyframe {
		start++
	}
	collected = collected[start:]

	b.mu.Unlock()

	for _, p := range collected {
		if err := sink.Push(p); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops all entries without flushing, releasing their bytes.
func (b *RingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.count > 0 {
		b.evictOldestLocked()
	}
}

// Close marks the buffer closed and releases all held bytes.
func (b *RingBuffer) Close() error {
	b.Clear()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Stats reports current occupancy.
func (b *RingBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return Stats{}
	}

	var bytes int64
	idx := b.tail
	for i := 0; i < b.count; i++ {
		bytes += int64(len(b.entries[idx].Bytes))
		idx = (idx + 1) % b.capacity
	}

	oldest := b.entries[b.tail]
	newestIdx := (b.head - 1 + b.capacity) % b.capacity
	newest := b.entries[newestIdx]

	return Stats{
		Count:    b.count,
		Bytes:    bytes,
		Duration: newest.Arrival() - oldest.Arrival(),
	}
}
