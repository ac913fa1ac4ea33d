package motion

import (
	"image"
	"image/color"
	"log/slog"
	"sync"
	"time"
)

// Config configures per-stream motion detection sensitivity.
type Config struct {
	StreamName    string
	GridCols      int
	GridRows      int
	MinMotionArea float64       // fraction of cells that must trigger, §4.4 step 4
	Sensitivity   float64       // per-pixel normalized diff floor, §4.4 step 3 ("sensitivity·255")
	Cooldown      time.Duration // minimum gap between motion events for this stream
}

func (c *Config) applyDefaults() {
	if c.GridCols <= 0 {
		c.GridCols = 16
	}
	if c.GridRows <= 0 {
		c.GridRows = 12
	}
	if c.MinMotionArea <= 0 {
		c.MinMotionArea = 0.02
	}
	if c.Sensitivity <= 0 {
		c.Sensitivity = 0.02
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Second
	}
}

const (
	// cellTriggerScore is the per-cell average-diff threshold a cell
	// must exceed to count as "changed" (§4.4 step 3/4: "score > 0.01").
	cellTriggerScore = 0.01
	// noiseThreshold is the fixed per-pixel diff floor below which
	// variation is treated as sensor noise rather than motion (§4.4
	// step 3's "noise_threshold"), independent of the per-stream
	// Sensitivity setting — a pixel must clear both.
	noiseThreshold = 0.02
	// bgAlphaIdle/bgAlphaActive are the background EMA blend factors;
	// per §4.4 step 5 the background adapts faster while idle (0.05)
	// and slower while motion is ongoing (0.01), so a moving subject
	// doesn't get absorbed into the background mid-event.
	bgAlphaIdle   = 0.05
	bgAlphaActive = 0.01
	// pixelsPerCellSide sets the per-axis sub-pixel resolution sampled
	// within each grid cell for the per-pixel diff pass.
	pixelsPerCellSide = 4
)

// Event is emitted when a frame crosses the motion threshold.
type Event struct {
	StreamName string
	Timestamp  time.Time
	MotionArea float64
}

// Detector holds one stream's grid background model, previous frame,
// and cooldown state. Grounded on the teacher's detection/framegrabber.go
// polling shape, generalized from AI-model inference to grid
// differencing against both the previous frame and a slower-moving
// background model (§4.4).
type Detector struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	prevFrame  []float64 // previous frame's grayscale+blurred analysis buffer
	background []float64 // EMA background model, same resolution as prevFrame
	lastEvent  time.Time
	active     bool
}

// New constructs a Detector for cfg.
func New(cfg Config) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:    cfg,
		logger: slog.Default().With("component", "motion", "stream", cfg.StreamName),
	}
}

// Observe processes one frame and returns a non-nil Event if it
// triggers motion outside the stream's cooldown window. now is passed
// explicitly so callers can drive the detector deterministically in
// tests.
func (d *Detector) Observe(img image.Image, now time.Time) *Event {
	cols, rows := d.cfg.GridCols, d.cfg.GridRows
	analysisW, analysisH := cols*pixelsPerCellSide, rows*pixelsPerCellSide
	curr := grayscaleBoxBlur(img, analysisW, analysisH)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.prevFrame == nil {
		d.prevFrame = curr
		d.background = append([]float64(nil), curr...)
		return nil
	}

	alpha := bgAlphaIdle
	if d.active {
		alpha = bgAlphaActive
	}

	// A pixel only contributes to its cell's score once its diff
	// against both the previous frame and the background clears the
	// fixed noise floor and the stream's configured sensitivity.
	pixelThreshold := noiseThreshold
	if d.cfg.Sensitivity > pixelThreshold {
		pixelThreshold = d.cfg.Sensitivity
	}

	cellSum := make([]float64, cols*rows)
	cellCount := make([]int, cols*rows)

	for y := 0; y < analysisH; y++ {
		cellRow := y * rows / analysisH
		for x := 0; x < analysisW; x++ {
			cellCol := x * cols / analysisW
			idx := y*analysisW + x

			diffPrev := absFloat(curr[idx] - d.prevFrame[idx])
			diffBg := absFloat(curr[idx] - d.background[idx])
			diff := diffPrev
			if diffBg > diff {
				diff = diffBg
			}

			cellIdx := cellRow*cols + cellCol
			cellCount[cellIdx]++
			if diff > pixelThreshold {
				cellSum[cellIdx] += diff
			}

			d.background[idx] = d.background[idx]*(1-alpha) + curr[idx]*alpha
		}
	}
	d.prevFrame = curr

	changedCells := 0
	maxScore := 0.0
	for i, sum := range cellSum {
		n := cellCount[i]
		if n == 0 {
			continue
		}
		score := sum / float64(n)
		if score > maxScore {
			maxScore = score
		}
		if score > cellTriggerScore {
			changedCells++
		}
	}

	motionArea := float64(changedCells) / float64(len(cellSum))

	// Per §4.4 step 4: requires both a minimum fraction of changed
	// cells AND at least one cell whose score exceeds the trigger
	// threshold.
	triggered := motionArea >= d.cfg.MinMotionArea && maxScore > cellTriggerScore

	if !triggered {
		d.active = false
		return nil
	}

	d.active = true
	if !d.lastEvent.IsZero() && now.Sub(d.lastEvent) < d.cfg.Cooldown {
		return nil
	}
	d.lastEvent = now

	return &Event{StreamName: d.cfg.StreamName, Timestamp: now, MotionArea: motionArea}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// grayscaleBoxBlur converts img to grayscale and downsamples it to a
// w*h analysis buffer with values in [0,1]. Area-averaging each output
// pixel over its source region is both the grayscale-intensity
// reduction and the box blur §4.4 steps 1-2 call for, combined into a
// single pass since a box filter applied while decimating is
// equivalent to blurring then downsampling at these ratios.
func grayscaleBoxBlur(img image.Image, w, h int) []float64 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	cells := make([]float64, w*h)
	counts := make([]int, w*h)

	if width == 0 || height == 0 {
		return cells
	}

	for y := 0; y < height; y++ {
		outRow := y * h / height
		for x := 0; x < width; x++ {
			outCol := x * w / width
			c := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			idx := outRow*w + outCol
			cells[idx] += float64(c.Y) / 255.0
			counts[idx]++
		}
	}

	for i, n := range counts {
		if n > 0 {
			cells[i] /= float64(n)
		}
	}
	return cells
}
