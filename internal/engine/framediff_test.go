package engine

import (
	"context"
	"image"
	"image/color"
	"testing"

	"trackd/internal/track"
)

func solidFrame(idx, w, h int, c color.Color) *track.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return &track.Frame{Index: idx, Image: img, Width: w, Height: h}
}

func frameWithSquare(idx, w, h, sx, sy, side int) *track.Frame {
	f := solidFrame(idx, w, h, color.Black)
	img := f.Image.(*image.RGBA)
	for y := sy; y < sy+side && y < h; y++ {
		for x := sx; x < sx+side && x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	return f
}

func TestFrameDiffFirstFrameHasNoReference(t *testing.T) {
	eng, err := NewFrameDiff(&track.EngineConfig{EngineID: "framediff"})
	if err != nil {
		t.Fatalf("NewFrameDiff: %v", err)
	}
	defer eng.Close()

	dets, err := eng.Detect(context.Background(), solidFrame(0, 128, 128, color.Black), Options{})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 0 {
		t.Fatalf("first frame produced %d detections, want 0", len(dets))
	}
}

func TestFrameDiffDetectsMotion(t *testing.T) {
	eng, err := NewFrameDiff(&track.EngineConfig{EngineID: "framediff"})
	if err != nil {
		t.Fatalf("NewFrameDiff: %v", err)
	}
	defer eng.Close()

	ctx := context.Background()
	if _, err := eng.Detect(ctx, solidFrame(0, 128, 128, color.Black), Options{}); err != nil {
		t.Fatalf("Detect: %v", err)
	}

	dets, err := eng.Detect(ctx, frameWithSquare(1, 128, 128, 30, 30, 40), Options{})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}

	d := dets[0]
	if d.Label != "motion" || d.Source != "framediff" {
		t.Errorf("label/source %s/%s", d.Label, d.Source)
	}
	if d.BBox.XMin < 28 || d.BBox.XMin > 32 || d.BBox.YMin < 28 || d.BBox.YMin > 32 {
		t.Errorf("region origin (%v,%v) misses the square at (30,30)", d.BBox.XMin, d.BBox.YMin)
	}
	if d.BBox.Width < 34 || d.BBox.Width > 42 {
		t.Errorf("region width %v, want about 40", d.BBox.Width)
	}
	if d.Confidence <= 0 || d.Confidence > 1 {
		t.Errorf("confidence %v out of range", d.Confidence)
	}
}

func TestFrameDiffIgnoresStaticScene(t *testing.T) {
	eng, _ := NewFrameDiff(&track.EngineConfig{EngineID: "framediff"})
	defer eng.Close()

	ctx := context.Background()
	eng.Detect(ctx, frameWithSquare(0, 128, 128, 30, 30, 40), Options{})
	dets, err := eng.Detect(ctx, frameWithSquare(1, 128, 128, 30, 30, 40), Options{})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 0 {
		t.Fatalf("static scene produced %d detections", len(dets))
	}
}
