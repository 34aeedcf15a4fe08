package engine

import (
	"context"
	"fmt"

	"trackd/internal/track"
)

// Capabilities are the static flags of an engine variant, queried once at
// startup by the scheduler.
type Capabilities struct {
	SupportsGPU             bool
	SupportsLandmarks       bool
	PreferredDownscaleWidth int
}

// Options carries per-call detection knobs. Blendshapes gates the expensive
// shape-coefficient computation; the worker throttles it and reuses the most
// recent values on skipped frames.
type Options struct {
	Blendshapes bool
}

// Detection is one raw result from an engine, in the coordinate space of the
// frame it was given (the worker rescales to original resolution afterwards).
type Detection struct {
	Label       string
	Source      string // sub-detector within the engine that produced it
	BBox        track.BBox
	Centroid    track.Point
	Confidence  float64
	TrackID     *int // engine-assigned entity id, if the engine tracks
	Landmarks   []track.Point
	Blendshapes map[string]float64
}

// Engine is the uniform interface over heterogeneous detectors
type Engine interface {
	// ID returns the engine identifier (e.g. "framediff", "facemesh")
	ID() string

	// Capabilities returns the engine's static capability flags
	Capabilities() Capabilities

	// Detect runs detection on a frame. A zero-length result is valid.
	Detect(ctx context.Context, frame *track.Frame, opts Options) ([]Detection, error)

	// Close releases engine resources
	Close() error
}

// ModelInitError signals that an engine could not initialize its model
// assets (missing files, corrupted cache). Fatal for the engine instance but
// not for the job: the caller may fall back to an alternate engine.
type ModelInitError struct {
	EngineID string
	Err      error
}

func (e *ModelInitError) Error() string {
	return fmt.Sprintf("engine %s: model initialization failed: %v", e.EngineID, e.Err)
}

func (e *ModelInitError) Unwrap() error {
	return e.Err
}
