// Package tstracker repairs PTS/DTS continuity on a per-stream packet
// sequence, particularly for UDP sources where timestamps can be
// missing or discontinuous.
package tstracker

import (
	"log/slog"
	"sync"
)

// defaultFrameDuration is used when the frame rate is unknown, at
// timebase 1/90000 (§4.9): 90000 / 30fps = 3000.
const defaultFrameDuration = 3000

const defaultTimebaseDen = 90000

// Tracker holds per-stream continuity state. One Tracker instance
// belongs to exactly one stream's supervisor; there is no global
// mutex, matching §9's "per-stream struct, no global lock" guidance.
type Tracker struct {
	mu sync.Mutex

	lastPTS            int64
	lastDTS            int64
	expectedNextPTS    int64
	havePTS            bool
	discontinuityCount int64
	isUDP              bool
	frameDuration      int64
	fps                float64

	logger *slog.Logger
}

// New creates a Tracker for a stream. fps is the nominal frame rate
// used to derive frame duration at timebase 1/90000; pass 0 to use the
// default (30fps, 3000 ticks).
func New(streamName string, isUDP bool, fps float64) *Tracker {
	fd := int64(defaultFrameDuration)
	if fps > 0 {
		fd = int64(float64(defaultTimebaseDen) / fps)
	}
	return &Tracker{
		isUDP:         isUDP,
		fps:           fps,
		frameDuration: fd,
		logger:        slog.Default().With("component", "tstracker", "stream", streamName),
	}
}

// Repair applies the continuity rules of §4.9 to a single packet's
// (pts, dts), returning the corrected pair. hasPTS/hasDTS indicate
// whether the source supplied each timestamp.
func (t *Tracker) Repair(pts, dts int64, hasPTS, hasDTS bool) (int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case !hasPTS && hasDTS:
		pts = dts
	case hasPTS && !hasDTS:
		dts = pts
	case !hasPTS && !hasDTS:
		if t.havePTS {
			pts = t.lastPTS + t.frameDuration
		} else {
			pts = 1
		}
		dts = pts
	}

	if t.havePTS {
		delta := pts - t.expectedNextPTS
		if delta < 0 {
			delta = -delta
		}
		if delta > 10*t.frameDuration {
			t.discontinuityCount++
			if t.discontinuityCount%10 == 0 {
				t.logger.Debug("timestamp discontinuity",
					"count", t.discontinuityCount, "pts", pts, "expected", t.expectedNextPTS)
			}
			if t.isUDP && delta > 100*t.frameDuration {
				pts = t.expectedNextPTS
				dts = pts
			}
		}
	}

	t.lastPTS = pts
	t.lastDTS = dts
	t.expectedNextPTS = pts + t.frameDuration
	t.havePTS = true

	return pts, dts
}

// DiscontinuityCount returns the running discontinuity counter.
func (t *Tracker) DiscontinuityCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discontinuityCount
}

// MonotoneDelta returns prev+frameDuration, the replacement PTS for a
// packet whose PTS falls behind its predecessor. The segment recorder
// does not call it: it pipes raw packet bytes to ffmpeg, and a negative
// PTS delta is neither detected nor restamped there.
func (t *Tracker) MonotoneDelta(prev int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return prev + t.frameDuration
}
