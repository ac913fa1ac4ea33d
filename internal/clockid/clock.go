// Package clockid provides the time source and correlation-ID generator
// shared across the ingest pipeline.
package clockid

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock and monotonic time so components can be
// tested with a fake without reaching for global state.
type Clock interface {
	// Now returns wall-clock time, used for policy decisions (rotation
	// boundaries, event timestamps, retention cutoffs).
	Now() time.Time
	// Monotonic returns a duration since the clock's epoch, used to
	// compare packet arrival times when the ring buffer is flushed.
	Monotonic() time.Duration
}

// System is the real Clock backed by the runtime.
type System struct{}

// NewSystem returns the production Clock.
func NewSystem() Clock { return System{} }

func (System) Now() time.Time { return time.Now() }

// Monotonic returns the wall-clock time as nanoseconds since the Unix
// epoch, the same scale the demuxer stamps on packet arrival times. It
// is not protected against steps of the wall clock.
func (System) Monotonic() time.Duration {
	return time.Duration(time.Now().UnixNano())
}

// Fake is a controllable Clock for tests.
type Fake struct {
	now  time.Time
	mono time.Duration
}

// NewFake returns a Fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time { return f.now }

func (f *Fake) Monotonic() time.Duration { return f.mono }

// Advance moves both the wall clock and the monotonic clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
	f.mono += d
}

// NewID returns a correlation ID suitable for tying together a motion
// event, its ring-buffer flush, and the resulting recording row before
// the recording has a durable integer primary key.
func NewID() string {
	return uuid.New().String()
}
