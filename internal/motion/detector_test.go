package motion

import (
	"image"
	"image/color"
	"testing"
	"time"
)

func solidFrame(w, h int, gray uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: gray})
		}
	}
	return img
}

func halfBrightFrame(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(20)
			if x > w/2 {
				v = 220
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func TestDetectorFirstFrameSeedsBackgroundNoEvent(t *testing.T) {
	d := New(Config{StreamName: "front"})
	frame := solidFrame(64, 48, 50)
	if ev := d.Observe(frame, time.Now()); ev != nil {
		t.Fatalf("expected no event on first (seeding) frame, got %+v", ev)
	}
}

func TestDetectorStaticSceneNoEvent(t *testing.T) {
	d := New(Config{StreamName: "front"})
	frame := solidFrame(64, 48, 50)
	now := time.Now()
	d.Observe(frame, now)
	if ev := d.Observe(frame, now.Add(time.Second)); ev != nil {
		t.Fatalf("expected no event for an unchanged scene, got %+v", ev)
	}
}

func TestDetectorLargeChangeTriggersEvent(t *testing.T) {
	d := New(Config{StreamName: "front", MinMotionArea: 0.1, Cooldown: 0})
	base := solidFrame(64, 48, 20)
	now := time.Now()
	d.Observe(base, now)

	changed := halfBrightFrame(64, 48)
	ev := d.Observe(changed, now.Add(time.Second))
	if ev == nil {
		t.Fatal("expected motion event for a large half-frame brightness change")
	}
	if ev.MotionArea <= 0 {
		t.Fatalf("expected positive motion area, got %f", ev.MotionArea)
	}
}

func TestDetectorCooldownSuppressesRepeatEvents(t *testing.T) {
	d := New(Config{StreamName: "front", MinMotionArea: 0.1, Cooldown: 10 * time.Second})
	base := solidFrame(64, 48, 20)
	now := time.Now()
	d.Observe(base, now)

	changed := halfBrightFrame(64, 48)
	first := d.Observe(changed, now.Add(time.Second))
	if first == nil {
		t.Fatal("expected first motion event to fire")
	}

	second := d.Observe(changed, now.Add(2*time.Second))
	if second != nil {
		t.Fatal("expected cooldown to suppress the second event")
	}
}
