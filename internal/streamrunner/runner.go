// Package streamrunner owns the single live demuxer connection each
// stream keeps open for streaming and detection, fanning its packets
// out to the pre-buffer ring, the HLS segmenter, and the motion event
// recorder. Scheduled recording runs independently via
// internal/segment.Recorder, which keeps its own connection, matching
// the teacher's one-subsystem-one-subprocess style rather than forcing
// every consumer through a single shared reader.
package streamrunner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nvrcore/nvr/internal/clockid"
	"github.com/nvrcore/nvr/internal/demux"
	"github.com/nvrcore/nvr/internal/hls"
	"github.com/nvrcore/nvr/internal/motion"
	"github.com/nvrcore/nvr/internal/motionrec"
	"github.com/nvrcore/nvr/internal/packet"
	"github.com/nvrcore/nvr/internal/supervisor"
	"github.com/nvrcore/nvr/internal/tstracker"
)

// Config configures one stream's live runner.
type Config struct {
	StreamName       string
	SourceURL        string
	Transport        demux.Transport
	StreamingEnabled bool
	DetectionEnabled bool

	RingCapacity int           // packet count cap; default 4096
	RingWindow   time.Duration // pre-buffer duration; default 10s
	FrameInterval time.Duration // motion frame-grab poll interval; default 1s
}

func (c *Config) applyDefaults() {
	if c.RingCapacity <= 0 {
		c.RingCapacity = 4096
	}
	if c.RingWindow <= 0 {
		c.RingWindow = 10 * time.Second
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = time.Second
	}
}

// Callbacks notify the composition root of stream-level events.
type Callbacks struct {
	OnMotionBegin func()
	OnMotionEnd   func()
}

// Runner drives one stream's shared demuxer connection.
type Runner struct {
	cfg        Config
	supervisor *supervisor.Supervisor
	ring       *packet.RingBuffer
	hlsSeg     *hls.Segmenter
	motionRec  *motionrec.Recorder
	detector   *motion.Detector
	frameSrc   motion.FrameSource
	clock      clockid.Clock
	cb         Callbacks
	logger     *slog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	lastMotionEnd time.Time
	motionActive  bool
}

// New constructs a Runner. hlsSeg and motionRec may be nil if streaming
// or detection is disabled respectively; detector/frameSrc may be nil
// if detection is disabled.
func New(cfg Config, sup *supervisor.Supervisor, ring *packet.RingBuffer, hlsSeg *hls.Segmenter,
	motionRec *motionrec.Recorder, detector *motion.Detector, frameSrc motion.FrameSource,
	clock clockid.Clock, cb Callbacks) *Runner {
	cfg.applyDefaults()
	return &Runner{
		cfg:        cfg,
		supervisor: sup,
		ring:       ring,
		hlsSeg:     hlsSeg,
		motionRec:  motionRec,
		detector:   detector,
		frameSrc:   frameSrc,
		clock:      clock,
		cb:         cb,
		logger:     slog.Default().With("component", "streamrunner", "stream", cfg.StreamName),
		stopCh:     make(chan struct{}),
	}
}

// Run drives the demuxer reconnect loop until ctx is cancelled or Stop
// is called.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if r.cfg.DetectionEnabled && r.detector != nil && r.frameSrc != nil {
		go r.runMotionDetection(ctx)
	}
	go r.runMotionTicker(ctx)

	opts := demux.DefaultOptions(r.cfg.Transport)
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		default:
		}

		d, err := demux.New(r.cfg.SourceURL, opts)
		if err != nil {
			return fmt.Errorf("streamrunner: build demuxer: %w", err)
		}

		if err := r.supervisor.Transition(supervisor.StateStarting); err != nil && consecutiveFailures == 0 {
			r.logger.Debug("transition to starting skipped", "error", err)
		}

		if err := d.Open(ctx); err != nil {
			r.logger.Error("demuxer open failed", "error", err)
			_ = r.supervisor.ReportError(err)
			if !r.sleepBackoff(ctx, &consecutiveFailures) {
				return nil
			}
			continue
		}
		consecutiveFailures = 0
		_ = r.supervisor.Transition(supervisor.StateActive)

		err = r.readUntilFailure(ctx, d)
		_ = d.Close()

		if err == nil {
			return nil
		}

		r.logger.Warn("stream session ended, reconnecting", "error", err)
		_ = r.supervisor.Transition(supervisor.StateReconnecting)
		if !r.sleepBackoff(ctx, &consecutiveFailures) {
			return nil
		}
	}
}

func backoffDuration(consecutiveFailures int) time.Duration {
	backoffSeconds := math.Pow(2, float64(consecutiveFailures-1))
	return time.Duration(math.Min(30, backoffSeconds)) * time.Second
}

func (r *Runner) sleepBackoff(ctx context.Context, consecutiveFailures *int) bool {
	*consecutiveFailures++
	wait := backoffDuration(*consecutiveFailures)
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	case <-r.stopCh:
		return false
	}
}

func (r *Runner) readUntilFailure(ctx context.Context, d demux.Demuxer) error {
	tracker := tstracker.New(r.cfg.StreamName, r.cfg.Transport == demux.TransportUDP, 0)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case pkt, ok := <-d.Packets():
			if !ok {
				if err := d.Err(); err != nil {
					return err
				}
				return fmt.Errorf("streamrunner: demuxer channel closed")
			}

			pts, dts := tracker.Repair(pkt.PTS, pkt.DTS, pkt.HasPTS, pkt.HasDTS)
			pkt.PTS, pkt.DTS = pts, dts

			if r.ring != nil {
				if err := r.ring.Push(pkt.Clone()); err != nil {
					r.logger.Warn("ring buffer push failed", "error", err)
				}
			}
			if r.cfg.StreamingEnabled && r.hlsSeg != nil {
				if err := r.hlsSeg.Push(pkt); err != nil {
					r.logger.Warn("hls push failed", "error", err)
				}
			}
			if r.motionRec != nil {
				if err := r.motionRec.Push(pkt); err != nil {
					r.logger.Warn("motion recorder push failed", "error", err)
				}
			}
		}
	}
}

func (r *Runner) runMotionDetection(ctx context.Context) {
	frames := motion.StreamFrames(ctx, r.frameSrc, r.cfg.FrameInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case img, ok := <-frames:
			if !ok {
				return
			}
			now := r.clock.Now()
			if evt := r.detector.Observe(img, now); evt != nil {
				r.handleMotionEvent(now)
			}
		}
	}
}

func (r *Runner) handleMotionEvent(now time.Time) {
	r.mu.Lock()
	r.lastMotionEnd = now
	wasActive := r.motionActive
	r.motionActive = true
	r.mu.Unlock()

	if r.motionRec != nil {
		_ = r.motionRec.OnMotionBegin(now)
	}
	if !wasActive && r.cb.OnMotionBegin != nil {
		r.cb.OnMotionBegin()
	}
}

// runMotionTicker advances the motion recorder's silence-timeout state
// machine once per second and fires OnMotionEnd once no fresh event
// has arrived for 2 seconds.
func (r *Runner) runMotionTicker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			now := r.clock.Now()
			if r.motionRec != nil {
				r.motionRec.Tick(now)
			}

			r.mu.Lock()
			active := r.motionActive
			quiet := !r.lastMotionEnd.IsZero() && now.Sub(r.lastMotionEnd) >= 2*time.Second
			if active && quiet {
				r.motionActive = false
			}
			r.mu.Unlock()

			if active && quiet {
				if r.motionRec != nil {
					r.motionRec.OnMotionEnd(now)
				}
				if r.cb.OnMotionEnd != nil {
					r.cb.OnMotionEnd()
				}
			}
		}
	}
}

// Stop requests the runner to exit at the next opportunity.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		close(r.stopCh)
	}
}
