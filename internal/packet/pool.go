package packet

import (
	"sync"
)

// DefaultPoolBytes is the process-wide ring-buffer memory cap (§4.7).
const DefaultPoolBytes int64 = 50 * 1024 * 1024

// BytePool tracks how many bytes each stream's ring buffer currently
// holds against a shared process-wide budget. It is the byte-budget
// analogue of the teacher's port reservation manager: a single
// process-wide accountant, keyed by owner name, with explicit
// reserve/release calls instead of a scan over registry slots.
type BytePool struct {
	mu       sync.Mutex
	capacity int64
	used     map[string]int64
	total    int64
}

// NewBytePool creates a pool with the given total byte budget.
func NewBytePool(capacity int64) *BytePool {
	if capacity <= 0 {
		capacity = DefaultPoolBytes
	}
	return &BytePool{
		capacity: capacity,
		used:     make(map[string]int64),
	}
}

// TryReserve attempts to charge n bytes to stream. It succeeds if the
// pool's total plus n stays within capacity; otherwise it charges
// nothing and fails, so the caller can evict from its own stream's
// buffer rather than from another stream's.
func (p *BytePool) TryReserve(stream string, n int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.total+n > p.capacity {
		return false
	}
	p.used[stream] += n
	p.total += n
	return true
}

// Release returns n bytes to the pool for stream.
func (p *BytePool) Release(stream string, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.used[stream] -= n
	p.total -= n
	if p.used[stream] <= 0 {
		delete(p.used, stream)
	}
	if p.total < 0 {
		p.total = 0
	}
}

// Stats returns total bytes in use and the configured capacity.
func (p *BytePool) Stats() (used, capacity int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, p.capacity
}

// UsedBy returns the bytes currently charged to a single stream.
func (p *BytePool) UsedBy(stream string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used[stream]
}
