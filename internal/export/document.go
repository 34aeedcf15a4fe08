package export

import (
	"encoding/json"
	"fmt"
	"os"

	"trackd/internal/track"
)

// Stats summarizes a finished job for quick inspection without walking the
// frame list.
type Stats struct {
	TotalDetections      int     `json:"total_detections"`
	UniqueEntities       int     `json:"unique_entities"`
	FramesWithDetections int     `json:"frames_with_detections"`
	PlaceholderFrames    int     `json:"placeholder_frames"`
	MeanConfidence       float64 `json:"mean_confidence"`
}

// Document is the export format of one tracking job. Frames are ordered by
// frame_index and cover 1..total_frames exactly once.
type Document struct {
	JobID       string              `json:"job_id"`
	VideoID     string              `json:"video_id"`
	VideoPath   string              `json:"video_path"`
	EngineID    string              `json:"engine_id"`
	Mode        track.ExecutionMode `json:"execution_mode"`
	Status      track.JobStatus     `json:"status"`
	Verbosity   string              `json:"verbosity"`
	TotalFrames int                 `json:"total_frames"`
	FPS         float64             `json:"fps"`
	Frames      []track.FrameRecord `json:"frames"`
	Stats       Stats               `json:"stats"`
	ChunkErrors []track.ChunkError  `json:"chunk_errors,omitempty"`
}

// WriteFile serializes the document as indented JSON via an atomic
// rename so a crash never leaves a half-written export behind.
func (d *Document) WriteFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode export: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize export file: %w", err)
	}
	return nil
}
