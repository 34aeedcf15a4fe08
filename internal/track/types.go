package track

import (
	"image"
	"time"
)

// ExecutionMode defines the worker topology chosen for a job
type ExecutionMode string

const (
	// ModeCPUFanout - up to N parallel workers, each owning a disjoint chunk
	ModeCPUFanout ExecutionMode = "cpu_fanout"
	// ModeGPUExclusive - exactly one worker processes the video sequentially,
	// serialized system-wide behind the global GPU gate
	ModeGPUExclusive ExecutionMode = "gpu_exclusive"
)

// JobStatus is the job-level outcome reported to the caller
type JobStatus string

const (
	StatusCompleted         JobStatus = "completed"
	StatusCompletedWithGaps JobStatus = "completed_with_gaps"
	StatusFailed            JobStatus = "failed"
	StatusCancelled         JobStatus = "cancelled"
)

// ChunkStatus is the per-chunk outcome reported by a worker
type ChunkStatus string

const (
	ChunkSuccess ChunkStatus = "success"
	ChunkPartial ChunkStatus = "partial"
	ChunkFailed  ChunkStatus = "failed"
)

// TrackingJob describes one video to process. Created once per video,
// immutable after creation; owned by the scheduler for its lifetime.
type TrackingJob struct {
	ID          string
	VideoID     string
	VideoPath   string
	TotalFrames int
	FPS         float64
	Width       int
	Height      int
	EngineID    string
	Policy      ResourcePolicy
}

// ResourcePolicy captures the resource-related knobs of a job request
type ResourcePolicy struct {
	GPUEnabled   bool          // global GPU-enable flag for this job
	CPUWorkers   int           // requested worker count, bounded by core count
	ChunkTimeout time.Duration // soft timeout per chunk; 0 means no timeout
}

// EngineConfig is the read-only configuration of one engine variant.
// Shared by reference across workers; never mutated after load.
type EngineConfig struct {
	EngineID          string  `json:"engine_id"`
	SupportsGPU       bool    `json:"supports_gpu"`
	SupportsLandmarks bool    `json:"supports_landmarks"`
	DownscaleWidth    int     `json:"downscale_width"`     // 0 disables downscaling
	ThrottleInterval  int     `json:"throttle_interval_n"` // blendshape recompute interval, <=1 means every frame
	IsolateProcess    bool    `json:"isolate_process"`     // instantiate only inside a dedicated child process
	Endpoint          string  `json:"endpoint,omitempty"`  // remote engines
	ModelDir          string  `json:"model_dir,omitempty"` // asset-backed engines
	FallbackEngine    string  `json:"fallback_engine,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
}

// FrameChunk is a contiguous sub-range of frames assigned to one worker.
// End is exclusive. Consumed exactly once, re-dispatched only on explicit retry.
type FrameChunk struct {
	Index int
	Start int
	End   int
	JobID string
}

// Frames returns the number of frames covered by the chunk
func (c FrameChunk) Frames() int {
	return c.End - c.Start
}

// BBox is an axis-aligned bounding box in original-frame pixel coordinates
type BBox struct {
	XMin   float64 `json:"xmin"`
	YMin   float64 `json:"ymin"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a 2D coordinate in original-frame pixel space
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DetectionRecord is one detected entity on one frame. Immutable once
// emitted; ownership transfers to the merger.
type DetectionRecord struct {
	EntityID    int                `json:"entity_id"`
	Label       string             `json:"label"`
	Source      string             `json:"source"` // which sub-detector produced it
	BBox        BBox               `json:"bbox"`
	Centroid    Point              `json:"centroid"`
	Confidence  float64            `json:"confidence"`
	Landmarks   []Point            `json:"landmarks,omitempty"`
	Blendshapes map[string]float64 `json:"blendshapes,omitempty"`
}

// FrameRecord groups the detections of a single frame. A frame with no
// detections still appears with an empty (non-nil) entity list. Placeholder
// distinguishes frames that could not be read or detected from frames that
// were genuinely empty.
type FrameRecord struct {
	FrameIndex  int               `json:"frame_index"` // 1-based in the export
	Entities    []DetectionRecord `json:"entities"`
	Placeholder bool              `json:"placeholder,omitempty"`
}

// PlaceholderFrame returns an empty FrameRecord for a frame that could not
// be read or detected. A degraded frame is always preferable to a missing one.
func PlaceholderFrame(frameIndex int) FrameRecord {
	return FrameRecord{FrameIndex: frameIndex, Entities: []DetectionRecord{}, Placeholder: true}
}

// ChunkError describes one chunk-level failure, attached to the job report
type ChunkError struct {
	ChunkIndex int    `json:"chunk_index"`
	StartFrame int    `json:"start_frame"`
	EndFrame   int    `json:"end_frame"`
	Attempts   int    `json:"attempts"`
	Detail     string `json:"detail"`
}

// WorkerResult is what a worker hands back for one chunk. Frames are ordered
// by frame index and cover [Chunk.Start, Chunk.End) with placeholders where
// reads failed; a failed result may cover less.
type WorkerResult struct {
	Chunk       FrameChunk
	Frames      []FrameRecord
	Status      ChunkStatus
	ErrorDetail string
	Attempts    int
}

// Frame is one decoded video frame as handed to an engine. Index is 0-based
// within the video. JPEG holds the encoded bytes; Image the decoded pixels.
// When the worker downscales, both views describe the downscaled copy and
// the worker rescales result coordinates back afterwards.
type Frame struct {
	Index  int
	JPEG   []byte
	Image  image.Image
	Width  int
	Height int
}
