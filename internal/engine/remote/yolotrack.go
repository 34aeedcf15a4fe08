package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"trackd/internal/engine"
	"trackd/internal/track"
)

// yoloResponse is the wire shape of the yolotrack inference service
type yoloResponse struct {
	Detections []struct {
		Class      string    `json:"class"`
		Confidence float64   `json:"confidence"`
		BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
		TrackID    *int      `json:"track_id"`
	} `json:"detections"`
	InferenceMs float64 `json:"inference_ms"`
	Device      string  `json:"device"`
}

// YoloTrack is a GPU-capable object detection engine backed by a remote
// YOLO inference service with server-side tracking.
type YoloTrack struct {
	client     *client
	confidence float64
}

// NewYoloTrack creates a yolotrack remote engine
func NewYoloTrack(cfg *track.EngineConfig) (engine.Engine, error) {
	if cfg.Endpoint == "" {
		return nil, &engine.ModelInitError{EngineID: "yolotrack", Err: fmt.Errorf("endpoint not configured")}
	}
	conf := cfg.Confidence
	if conf <= 0 {
		conf = 0.5
	}
	return &YoloTrack{
		client:     newClient(cfg.Endpoint),
		confidence: conf,
	}, nil
}

func (y *YoloTrack) ID() string {
	return "yolotrack"
}

func (y *YoloTrack) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		SupportsGPU:             true,
		SupportsLandmarks:       false,
		PreferredDownscaleWidth: 640,
	}
}

func (y *YoloTrack) Detect(ctx context.Context, frame *track.Frame, opts engine.Options) ([]engine.Detection, error) {
	if !y.client.isHealthy() {
		return nil, fmt.Errorf("yolotrack service unavailable at %s", y.client.endpoint)
	}

	body, err := y.client.postFrame(ctx, "/detect", frame.JPEG, map[string]string{
		"conf_threshold":  fmt.Sprintf("%.2f", y.confidence),
		"enable_tracking": "1",
	})
	if err != nil {
		return nil, err
	}

	var resp yoloResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("yolotrack response malformed: %w", err)
	}

	dets := make([]engine.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		if len(d.BBox) < 4 {
			continue
		}

		w := d.BBox[2] - d.BBox[0]
		h := d.BBox[3] - d.BBox[1]
		dets = append(dets, engine.Detection{
			Label:  d.Class,
			Source: "yolotrack",
			BBox: track.BBox{
				XMin:   d.BBox[0],
				YMin:   d.BBox[1],
				Width:  w,
				Height: h,
			},
			Centroid: track.Point{
				X: d.BBox[0] + w/2,
				Y: d.BBox[1] + h/2,
			},
			Confidence: d.Confidence,
			TrackID:    d.TrackID,
		})
	}
	return dets, nil
}

func (y *YoloTrack) Close() error {
	return nil
}

var _ engine.Engine = (*YoloTrack)(nil)
