// Package motion implements the grid-based frame-differencing motion
// detector (§4.4): grayscale downsampling, per-cell diff against an
// adaptive background model, and per-stream cooldown.
package motion

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os/exec"
	"time"
)

// FrameSource supplies successive still frames for a stream. Grounded
// on the teacher's Go2RTCFrameGrabber: a ticker-driven poll against an
// HTTP/process frame endpoint rather than raw codec decoding, since no
// pure-Go H.264 frame decoder exists in the example corpus.
type FrameSource interface {
	GrabFrame(ctx context.Context) (image.Image, error)
}

// FFmpegSnapshotSource grabs single JPEG frames from a live source URL
// via a one-shot ffmpeg invocation per frame.
type FFmpegSnapshotSource struct {
	SourceURL string
	logger    *slog.Logger
}

// NewFFmpegSnapshotSource constructs a FrameSource for sourceURL.
func NewFFmpegSnapshotSource(sourceURL string) *FFmpegSnapshotSource {
	return &FFmpegSnapshotSource{
		SourceURL: sourceURL,
		logger:    slog.Default().With("component", "motion_frame_source"),
	}
}

func (f *FFmpegSnapshotSource) GrabFrame(ctx context.Context) (image.Image, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y", "-i", f.SourceURL,
		"-frames:v", "1", "-f", "image2pipe", "-vcodec", "mjpeg", "pipe:1")

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("motion: grab frame: %w", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("motion: decode frame: %w", err)
	}
	return img, nil
}

// StreamFrames polls source at interval until ctx is cancelled,
// delivering frames on the returned channel (buffered to 2, dropping
// the oldest on backpressure so detection never blocks capture).
func StreamFrames(ctx context.Context, source FrameSource, interval time.Duration) <-chan image.Image {
	out := make(chan image.Image, 2)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				img, err := source.GrabFrame(ctx)
				if err != nil {
					continue
				}
				select {
				case out <- img:
				default:
					select {
					case <-out:
					default:
					}
					out <- img
				}
			}
		}
	}()

	return out
}
