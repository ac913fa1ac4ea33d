package hls

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nvrcore/nvr/internal/clockid"
	"github.com/nvrcore/nvr/internal/packet"
)

// Config configures one stream's HLS output.
type Config struct {
	StreamName      string
	OutputDir       string
	SegmentDuration time.Duration // default 2s
	WindowSize      int           // number of live segments kept; default 6
}

func (c *Config) applyDefaults() {
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = 2 * time.Second
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 6
	}
}

// Segmenter implements a packet.Sink that produces a rolling HLS
// window. It is independent of internal/segment's MP4 recorder: a
// stream may have either, both, or neither enabled.
type Segmenter struct {
	cfg    Config
	clock  clockid.Clock
	logger *slog.Logger

	mu            sync.Mutex
	entries       []segmentEntry
	mediaSequence int
	segmentIndex  int

	current    *liveSegment
	segStart   time.Time
}

// New constructs a Segmenter. clock supplies time for rotation timing.
func New(cfg Config, clock clockid.Clock) *Segmenter {
	cfg.applyDefaults()
	return &Segmenter{
		cfg:    cfg,
		clock:  clock,
		logger: slog.Default().With("component", "hls", "stream", cfg.StreamName),
	}
}

// Push implements packet.Sink. Only video packets drive segmentation;
// non-video packets are ignored by the HLS sink in this pass.
func (s *Segmenter) Push(p packet.Packet) error {
	if p.Stream != packet.StreamVideo {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		if err := s.openSegmentLocked(); err != nil {
			return err
		}
	}

	elapsed := s.clock.Now().Sub(s.segStart)
	if elapsed >= s.cfg.SegmentDuration && p.IsKeyframe {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	return s.current.write(p)
}

func (s *Segmenter) openSegmentLocked() error {
	if err := os.MkdirAll(s.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("hls: create output dir: %w", err)
	}
	filename := fmt.Sprintf("seg%08d.ts", s.segmentIndex)
	path := filepath.Join(s.cfg.OutputDir, filename)

	seg, err := newLiveSegment(path)
	if err != nil {
		return err
	}
	s.current = seg
	s.segStart = s.clock.Now()
	s.segmentIndex++
	return nil
}

func (s *Segmenter) rotateLocked() error {
	duration := s.clock.Now().Sub(s.segStart).Seconds()
	filename := s.current.close()
	s.entries = append(s.entries, segmentEntry{filename: filename, duration: duration})

	for len(s.entries) > s.cfg.WindowSize {
		stale := s.entries[0]
		s.entries = s.entries[1:]
		s.mediaSequence++
		_ = os.Remove(filepath.Join(s.cfg.OutputDir, stale.filename))
	}

	target := int(s.cfg.SegmentDuration.Seconds())
	if target < 1 {
		target = 1
	}
	playlistPath := filepath.Join(s.cfg.OutputDir, "index.m3u8")
	if err := writePlaylist(playlistPath, s.entries, s.mediaSequence, target); err != nil {
		s.logger.Error("playlist write failed", "error", err)
	}

	return s.openSegmentLocked()
}

// Close finalizes any in-flight segment and leaves the playlist
// pointing at the last segment written.
func (s *Segmenter) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.close()
		s.current = nil
	}
	return nil
}

// liveSegment pipes a stream's video elementary-stream bytes into a
// long-lived ffmpeg process that writes them out as an MPEG-TS file.
type liveSegment struct {
	path  string
	cmd   *exec.Cmd
	stdin *os.File
}

func newLiveSegment(path string) (*liveSegment, error) {
	cmd := exec.Command("ffmpeg", "-f", "h264", "-i", "pipe:0", "-c", "copy", "-f", "mpegts", "-y", path)
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("hls: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("hls: start segment writer: %w", err)
	}
	stdinFile, _ := stdinPipe.(*os.File)
	return &liveSegment{path: path, cmd: cmd, stdin: stdinFile}, nil
}

func (s *liveSegment) write(p packet.Packet) error {
	if s.stdin == nil {
		return fmt.Errorf("hls: stdin unavailable")
	}
	if _, err := s.stdin.Write(p.Bytes); err != nil {
		return fmt.Errorf("hls: write segment: %w", err)
	}
	return nil
}

func (s *liveSegment) close() string {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil {
		_ = s.cmd.Wait()
	}
	return filepath.Base(s.path)
}
