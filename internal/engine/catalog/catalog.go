// Package catalog wires the known engine variants into a registry and holds
// their default configurations. It is the only package that knows every
// engine implementation; everything else works through the registry.
package catalog

import (
	"trackd/internal/engine"
	"trackd/internal/engine/remote"
	"trackd/internal/track"
)

// Registry returns a registry with every built-in engine registered.
func Registry() *engine.Registry {
	reg := engine.NewRegistry()
	reg.Register("framediff", engine.NewFrameDiff)
	reg.Register("blobtrack", engine.NewBlobTrack)
	reg.Register("cascade", engine.NewCascade)
	reg.Register("facemesh", remote.NewFaceMesh)
	reg.Register("yolotrack", remote.NewYoloTrack)
	return reg
}

// defaults maps engine ids to their baseline configuration. Endpoints and
// model directories are environment-specific and filled in by the caller.
var defaults = map[string]track.EngineConfig{
	"framediff": {
		EngineID:       "framediff",
		DownscaleWidth: 640,
	},
	"blobtrack": {
		EngineID:       "blobtrack",
		DownscaleWidth: 640,
	},
	"cascade": {
		EngineID:       "cascade",
		DownscaleWidth: 640,
		IsolateProcess: true, // native-style asset loader, keep crashes out of the parent
		FallbackEngine: "framediff",
		Confidence:     0.5,
	},
	"facemesh": {
		EngineID:          "facemesh",
		SupportsGPU:       true,
		SupportsLandmarks: true,
		DownscaleWidth:    480,
		ThrottleInterval:  5,
		FallbackEngine:    "blobtrack",
		Confidence:        0.5,
	},
	"yolotrack": {
		EngineID:       "yolotrack",
		SupportsGPU:    true,
		DownscaleWidth: 640,
		FallbackEngine: "blobtrack",
		Confidence:     0.4,
	},
}

// DefaultConfig returns the baseline configuration for an engine id.
func DefaultConfig(id string) (track.EngineConfig, bool) {
	cfg, ok := defaults[id]
	return cfg, ok
}
