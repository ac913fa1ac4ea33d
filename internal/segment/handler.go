// Package segment implements the segment recorder (§4.2): fixed
// duration MP4 files rotated on a time boundary aligned to the next
// keyframe, with metadata extraction and checksum/thumbnail
// generation delegated to ffprobe/ffmpeg subprocesses.
package segment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Metadata holds extracted properties of a finalized segment file.
type Metadata struct {
	Duration   float64
	Codec      string
	Width      int
	Height     int
	FPS        float64
	Bitrate    int
	FileSize   int64
}

// Handler performs filesystem-adjacent operations on segment files:
// path naming, metadata probing, thumbnails, checksums, and deletion.
// Grounded on the teacher's SegmentHandler/DefaultSegmentHandler.
type Handler interface {
	CreatePath(streamName string, trigger string, startTime time.Time) string
	ExtractMetadata(filePath string) (Metadata, error)
	GenerateThumbnail(segmentPath, thumbnailPath string, offsetSeconds float64) error
	CalculateChecksum(filePath string) (string, error)
	Delete(filePath, thumbnailPath string) error
}

// DefaultHandler shells out to ffprobe/ffmpeg exactly as the teacher's
// DefaultSegmentHandler does.
type DefaultHandler struct {
	StorageRoot   string
	ThumbnailRoot string
}

// NewDefaultHandler creates a Handler rooted at storageRoot (matching
// the on-disk layout in §6).
func NewDefaultHandler(storageRoot, thumbnailRoot string) *DefaultHandler {
	return &DefaultHandler{StorageRoot: storageRoot, ThumbnailRoot: thumbnailRoot}
}

// CreatePath builds
// <storage>/<stream>/<YYYY>/<MM>/<DD>/<stream>_<YYYYMMDD_HHMMSS>_<trigger>.mp4
// per §6, creating parent directories lazily with mode 0755.
func (h *DefaultHandler) CreatePath(streamName, trigger string, startTime time.Time) string {
	dir := filepath.Join(h.StorageRoot, streamName,
		startTime.Format("2006"), startTime.Format("01"), startTime.Format("02"))
	_ = os.MkdirAll(dir, 0755)

	filename := fmt.Sprintf("%s_%s_%s.mp4", streamName, startTime.Format("20060102_150405"), trigger)
	return filepath.Join(dir, filename)
}

func (h *DefaultHandler) ExtractMetadata(filePath string) (Metadata, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return Metadata{}, fmt.Errorf("stat segment: %w", err)
	}

	cmd := exec.Command("ffprobe",
		"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", filePath)
	output, err := cmd.Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe: %w", err)
	}

	var probe struct {
		Format struct {
			Duration string `json:"duration"`
			BitRate  string `json:"bit_rate"`
		} `json:"format"`
		Streams []struct {
			CodecType  string `json:"codec_type"`
			CodecName  string `json:"codec_name"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			RFrameRate string `json:"r_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return Metadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	m := Metadata{FileSize: info.Size()}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		m.Duration = d
	}
	if br, err := strconv.Atoi(probe.Format.BitRate); err == nil {
		m.Bitrate = br
	}
	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		m.Codec = s.CodecName
		m.Width = s.Width
		m.Height = s.Height
		if parts := strings.Split(s.RFrameRate, "/"); len(parts) == 2 {
			num, _ := strconv.ParseFloat(parts[0], 64)
			den, _ := strconv.ParseFloat(parts[1], 64)
			if den > 0 {
				m.FPS = num / den
			}
		}
		break
	}
	return m, nil
}

func (h *DefaultHandler) GenerateThumbnail(segmentPath, thumbnailPath string, offsetSeconds float64) error {
	if err := os.MkdirAll(filepath.Dir(thumbnailPath), 0755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	cmd := exec.Command("ffmpeg",
		"-ss", fmt.Sprintf("%.2f", offsetSeconds),
		"-i", segmentPath,
		"-vframes", "1", "-q:v", "2", "-y", thumbnailPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail: %s: %w", string(out), err)
	}
	return nil
}

func (h *DefaultHandler) CalculateChecksum(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func (h *DefaultHandler) Delete(filePath, thumbnailPath string) error {
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete segment file: %w", err)
	}
	if thumbnailPath != "" {
		_ = os.Remove(thumbnailPath)
	}
	return nil
}
