package hls

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigAppliesDefaults(t *testing.T) {
	cfg := Config{StreamName: "front"}
	cfg.applyDefaults()
	if cfg.SegmentDuration.Seconds() != 2 {
		t.Fatalf("expected default 2s segment duration, got %s", cfg.SegmentDuration)
	}
	if cfg.WindowSize != 6 {
		t.Fatalf("expected default window size 6, got %d", cfg.WindowSize)
	}
}

func TestWritePlaylistAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.m3u8")

	entries := []segmentEntry{
		{filename: "seg00000000.ts", duration: 2.0},
		{filename: "seg00000001.ts", duration: 2.0},
	}
	if err := writePlaylist(path, entries, 0, 2); err != nil {
		t.Fatalf("writePlaylist: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read playlist: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, "#EXTM3U") {
		t.Fatalf("missing EXTM3U header: %s", body)
	}
	if !strings.Contains(body, "seg00000001.ts") {
		t.Fatalf("missing second segment entry: %s", body)
	}

	// Confirm no leftover temp files after a successful rename.
	matches, _ := filepath.Glob(filepath.Join(dir, ".playlist-*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("expected no leftover temp files, found %v", matches)
	}
}

func TestWritePlaylistSlidingWindowSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.m3u8")

	entries := []segmentEntry{{filename: "seg00000005.ts", duration: 2.0}}
	if err := writePlaylist(path, entries, 5, 2); err != nil {
		t.Fatalf("writePlaylist: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "#EXT-X-MEDIA-SEQUENCE:5") {
		t.Fatalf("expected media sequence 5 in playlist: %s", string(data))
	}
}
