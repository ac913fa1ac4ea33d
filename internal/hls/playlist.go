// Package hls implements the rolling HLS segmenter (§4.3): a sliding
// window of short MPEG-TS segments plus an atomically rewritten media
// playlist, running independently of the MP4 segment recorder.
package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// segmentEntry describes one live segment in the sliding window.
type segmentEntry struct {
	filename string
	duration float64
}

// writePlaylist renders an EXT-X-VERSION:3 media playlist covering
// entries and atomically replaces the playlist file at path by writing
// to a temporary file in the same directory and renaming over it, so
// readers never observe a partially written playlist.
func writePlaylist(path string, entries []segmentEntry, mediaSequence int, targetDuration int) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)
	for _, e := range entries {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", e.duration, e.filename)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".playlist-*.tmp")
	if err != nil {
		return fmt.Errorf("hls: create temp playlist: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hls: write temp playlist: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hls: sync temp playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hls: close temp playlist: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hls: rename playlist into place: %w", err)
	}
	return nil
}
