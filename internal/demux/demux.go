package demux

import (
	"context"
	"fmt"
	"net/url"

	"github.com/nvrcore/nvr/internal/packet"
)

// Demuxer is the Go-native abstraction over a live media source. It
// replaces FFmpeg's C callback API with an interface so the rest of
// the pipeline (timestamp tracker, segment recorder, HLS segmenter,
// motion detector, ring buffer) never touches a subprocess directly.
type Demuxer interface {
	// Open connects to the source and starts producing packets.
	Open(ctx context.Context) error
	// Packets returns the channel packets arrive on, closed when the
	// demuxer stops (on Close or an unrecoverable read error).
	Packets() <-chan packet.Packet
	// Err returns the error that caused the packet channel to close,
	// if any.
	Err() error
	// Close releases the demuxer's resources (subprocess, sockets).
	Close() error
}

// ErrProtocolNotAllowed is returned by New when sourceURL's scheme is
// not in opts.AllowedSchemes.
type ErrProtocolNotAllowed struct{ Scheme string }

func (e *ErrProtocolNotAllowed) Error() string {
	return fmt.Sprintf("demux: protocol %q not in allowlist", e.Scheme)
}

// New validates sourceURL against the protocol allowlist and returns
// an FFmpeg-backed Demuxer configured with opts.
func New(sourceURL string, opts Options) (Demuxer, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("demux: parse source url: %w", err)
	}

	allowed := false
	for _, scheme := range opts.AllowedSchemes {
		if u.Scheme == scheme {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &ErrProtocolNotAllowed{Scheme: u.Scheme}
	}

	return newFFmpegDemuxer(sourceURL, opts), nil
}
