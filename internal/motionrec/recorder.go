// Package motionrec implements the motion event recorder state
// machine (§4.5): a continuously-fed pre-buffer ring that, on a
// motion-begin signal, flushes a keyframe-truncated prefix into a new
// recording file, extends across overlapping motion, and finalizes
// after a silence window plus a post-roll buffer.
package motionrec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nvrcore/nvr/internal/clockid"
	"github.com/nvrcore/nvr/internal/packet"
	"github.com/nvrcore/nvr/internal/segment"
)

// State is one of the motion event recorder's four states.
type State int

const (
	StateIdle State = iota
	StateBuffering
	StateRecording
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Config configures one stream's motion event recorder.
type Config struct {
	StreamName        string
	PreBufferSeconds  time.Duration
	PostBufferSeconds time.Duration
	SilenceTimeout    time.Duration // gap of no motion signals before Finalizing begins; default 2s
	MaxDuration       time.Duration // rotate without a state change if exceeded; 0 disables
}

func (c *Config) applyDefaults() {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 2 * time.Second
	}
}

// RingSource supplies the continuously-fed pre-buffer to flush when
// motion begins. now is the monotonic elapsed duration used to compare
// against packet arrival times, matching packet.RingBuffer.Flush.
type RingSource interface {
	Flush(now time.Duration, sink packet.Sink) error
}

// Recorder drives the Idle -> Buffering -> Recording -> Finalizing ->
// (Idle|Buffering) state machine. It is fed packets continuously (so
// the pre-buffer stays warm) and motion begin/end signals out of band.
type Recorder struct {
	cfg     Config
	ring    RingSource
	handler segment.Handler
	cb      segment.Callbacks
	clock   clockid.Clock
	logger  *slog.Logger

	mu          sync.Mutex
	state       State
	current     *activeRecording
	lastMotion  time.Time
	segStart    time.Time
}

type activeRecording struct {
	path     string
	sink     *fileSink
	startedAt time.Time
}

// New constructs a Recorder.
func New(cfg Config, ring RingSource, handler segment.Handler, cb segment.Callbacks, clock clockid.Clock) *Recorder {
	cfg.applyDefaults()
	return &Recorder{
		cfg:     cfg,
		ring:    ring,
		handler: handler,
		cb:      cb,
		clock:   clock,
		logger:  slog.Default().With("component", "motionrec", "stream", cfg.StreamName),
		state:   StateIdle,
	}
}

// State returns the recorder's current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnMotionBegin transitions Idle/Buffering -> Recording. If already
// Recording or Finalizing, it extends the active recording (overlapping
// motion). Per the invariant in §4.5, every motion recording must begin
// on a keyframe: the pre-buffer ring is truncated forward to its first
// keyframe entry by RingSource.Flush before any bytes are written.
func (r *Recorder) OnMotionBegin(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastMotion = now

	switch r.state {
	case StateRecording, StateFinalizing:
		r.state = StateRecording
		return nil
	case StateIdle, StateBuffering:
		rec, err := r.startRecordingLocked(now)
		if err != nil {
			return err
		}
		r.current = rec
		r.segStart = now
		r.state = StateRecording
		if r.cb.OnSegmentStarted != nil {
			r.cb.OnSegmentStarted(rec.path)
		}
		return nil
	}
	return nil
}

func (r *Recorder) startRecordingLocked(now time.Time) (*activeRecording, error) {
	path := r.handler.CreatePath(r.cfg.StreamName, "motion", now)
	sink := newFileSink(path, r.handler, r.logger)

	if r.ring != nil {
		if err := r.ring.Flush(r.clock.Monotonic(), sink); err != nil {
			r.logger.Warn("pre-buffer flush failed", "error", err)
		}
	}

	return &activeRecording{path: path, sink: sink, startedAt: now}, nil
}

// OnMotionEnd marks the latest observed motion timestamp as having
// ended; transition to Finalizing happens via Tick once the silence
// timeout elapses.
func (r *Recorder) OnMotionEnd(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastMotion = now
}

// Push feeds a live packet into the currently open recording, if any.
// Called continuously regardless of state so Recording/Finalizing
// segments receive uninterrupted frames.
func (r *Recorder) Push(p packet.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}

	if r.cfg.MaxDuration > 0 && p.Stream == packet.StreamVideo && p.IsKeyframe {
		if time.Unix(0, p.ArrivalNano).Sub(r.current.startedAt) >= r.cfg.MaxDuration {
			if err := r.rotateWithoutStateChangeLocked(p); err != nil {
				return err
			}
			return nil
		}
	}

	return r.current.sink.Push(p)
}

func (r *Recorder) rotateWithoutStateChangeLocked(firstPacket packet.Packet) error {
	r.finalizeCurrentLocked(time.Now())
	now := time.Unix(0, firstPacket.ArrivalNano)
	rec, err := r.startRecordingLocked(now)
	if err != nil {
		return err
	}
	r.current = rec
	if r.cb.OnSegmentStarted != nil {
		r.cb.OnSegmentStarted(rec.path)
	}
	return nil
}

// Tick advances the state machine based on elapsed time since the
// last motion signal; it must be called periodically (e.g. once per
// second) by the owning supervisor.
func (r *Recorder) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateRecording:
		if now.Sub(r.lastMotion) >= r.cfg.SilenceTimeout {
			r.state = StateFinalizing
			r.segStart = now
		}
	case StateFinalizing:
		if !r.lastMotion.IsZero() && now.Sub(r.lastMotion) < r.cfg.SilenceTimeout {
			// Motion resumed during the post-roll window: back to Recording.
			r.state = StateRecording
			return
		}
		if now.Sub(r.segStart) >= r.cfg.PostBufferSeconds {
			r.finalizeCurrentLocked(now)
			if r.cfg.PreBufferSeconds > 0 {
				r.state = StateBuffering
			} else {
				r.state = StateIdle
			}
		}
	}
}

func (r *Recorder) finalizeCurrentLocked(now time.Time) {
	if r.current == nil {
		return
	}
	path, meta, checksum := r.current.sink.close()
	if r.cb.OnSegmentFinalized != nil {
		r.cb.OnSegmentFinalized(path, meta, checksum, now)
	}
	r.current = nil
}

// Close finalizes any in-flight recording immediately.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalizeCurrentLocked(time.Now())
	r.state = StateIdle
	return nil
}

// fileSink pipes a video elementary stream into a per-recording ffmpeg
// remux process, mirroring internal/segment's activeSegment. The
// remux subprocess is started lazily on the first video packet so a
// motion recording that never receives any video (an empty pre-buffer
// followed by an immediate silence timeout) never spawns ffmpeg or
// leaves behind an empty file.
type fileSink struct {
	path    string
	handler segment.Handler
	logger  *slog.Logger

	cmd      *exec.Cmd
	stdin    *os.File
	wroteAny bool
}

func newFileSink(path string, handler segment.Handler, logger *slog.Logger) *fileSink {
	return &fileSink{path: path, handler: handler, logger: logger}
}

func (f *fileSink) Push(p packet.Packet) error {
	if p.Stream != packet.StreamVideo {
		return nil
	}
	if f.cmd == nil {
		if err := f.start(); err != nil {
			return err
		}
	}
	if _, err := f.stdin.Write(p.Bytes); err != nil {
		return fmt.Errorf("motionrec: write to remux stdin: %w", err)
	}
	f.wroteAny = true
	return nil
}

func (f *fileSink) start() error {
	args := []string{"-f", "h264", "-i", "pipe:0", "-c", "copy", "-movflags", "+faststart", "-y", f.path}
	cmd := exec.Command("ffmpeg", args...)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("motionrec: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("motionrec: start remux: %w", err)
	}

	stdinFile, _ := stdinPipe.(*os.File)
	f.cmd, f.stdin = cmd, stdinFile
	return nil
}

// close closes the remux pipe, waits for ffmpeg to flush the MP4
// trailer (if a process was ever started), and extracts metadata and
// a checksum for the finalized file exactly as internal/segment does.
func (f *fileSink) close() (string, segment.Metadata, string) {
	if f.stdin != nil {
		_ = f.stdin.Close()
	}
	if f.cmd != nil {
		_ = f.cmd.Wait()
	}

	if !f.wroteAny {
		return f.path, segment.Metadata{}, ""
	}

	meta, err := f.handler.ExtractMetadata(f.path)
	if err != nil {
		f.logger.Warn("metadata extraction failed", "path", f.path, "error", err)
	}
	checksum, err := f.handler.CalculateChecksum(f.path)
	if err != nil {
		f.logger.Warn("checksum failed", "path", f.path, "error", err)
	}
	return f.path, meta, checksum
}
