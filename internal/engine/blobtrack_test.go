package engine

import (
	"context"
	"image/color"
	"testing"

	"trackd/internal/track"
)

func TestBlobTrackDetectsBrightRegion(t *testing.T) {
	eng, err := NewBlobTrack(&track.EngineConfig{EngineID: "blobtrack"})
	if err != nil {
		t.Fatalf("NewBlobTrack: %v", err)
	}
	defer eng.Close()

	f := frameWithSquare(0, 160, 160, 40, 40, 32)
	dets, err := eng.Detect(context.Background(), f, Options{})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}

	d := dets[0]
	if d.Label != "blob" || d.Source != "blobtrack" {
		t.Errorf("label/source %s/%s", d.Label, d.Source)
	}
	if d.TrackID == nil {
		t.Fatal("blob detection has no track id")
	}
	if d.BBox.XMin != 40 || d.BBox.YMin != 40 {
		t.Errorf("blob origin (%v,%v), want (40,40)", d.BBox.XMin, d.BBox.YMin)
	}
	if d.BBox.Width != 32 || d.BBox.Height != 32 {
		t.Errorf("blob size %vx%v, want 32x32", d.BBox.Width, d.BBox.Height)
	}
}

func TestBlobTrackKeepsTrackIDAcrossFrames(t *testing.T) {
	eng, _ := NewBlobTrack(&track.EngineConfig{EngineID: "blobtrack"})
	defer eng.Close()
	ctx := context.Background()

	first, err := eng.Detect(ctx, frameWithSquare(0, 160, 160, 40, 40, 32), Options{})
	if err != nil || len(first) != 1 {
		t.Fatalf("frame 0: dets=%v err=%v", first, err)
	}
	// Same blob shifted one cell to the right
	second, err := eng.Detect(ctx, frameWithSquare(1, 160, 160, 48, 40, 32), Options{})
	if err != nil || len(second) != 1 {
		t.Fatalf("frame 1: dets=%v err=%v", second, err)
	}

	if *first[0].TrackID != *second[0].TrackID {
		t.Fatalf("track id changed between frames: %d -> %d", *first[0].TrackID, *second[0].TrackID)
	}
}

func TestBlobTrackIgnoresUniformFrame(t *testing.T) {
	eng, _ := NewBlobTrack(&track.EngineConfig{EngineID: "blobtrack"})
	defer eng.Close()

	dets, err := eng.Detect(context.Background(), solidFrame(0, 160, 160, color.Gray{Y: 128}), Options{})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 0 {
		t.Fatalf("uniform frame produced %d detections", len(dets))
	}
}
