package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"trackd/internal/engine"
	"trackd/internal/track"
)

func inferenceServer(t *testing.T, detectJSON string, gotFields *map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "no frame upload", http.StatusBadRequest)
			return
		}
		file.Close()
		if gotFields != nil {
			fields := make(map[string]string)
			for k, v := range r.MultipartForm.Value {
				if len(v) > 0 {
					fields[k] = v[0]
				}
			}
			*gotFields = fields
		}
		fmt.Fprint(w, detectJSON)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFaceMeshRequiresEndpoint(t *testing.T) {
	var initErr *engine.ModelInitError
	if _, err := NewFaceMesh(&track.EngineConfig{EngineID: "facemesh"}); !errors.As(err, &initErr) {
		t.Fatalf("got %v, want ModelInitError", err)
	}
	if _, err := NewYoloTrack(&track.EngineConfig{EngineID: "yolotrack"}); !errors.As(err, &initErr) {
		t.Fatalf("got %v, want ModelInitError", err)
	}
}

func TestFaceMeshParsesDetections(t *testing.T) {
	var fields map[string]string
	srv := inferenceServer(t, `{
		"faces": [{
			"bbox": [100, 120, 60, 80],
			"confidence": 0.93,
			"track_id": 4,
			"landmarks": [[110, 130], [150, 130]],
			"blendshapes": {"jawOpen": 0.31}
		}],
		"inference_ms": 7.5
	}`, &fields)

	eng, err := NewFaceMesh(&track.EngineConfig{EngineID: "facemesh", Endpoint: srv.URL, Confidence: 0.6})
	if err != nil {
		t.Fatalf("NewFaceMesh: %v", err)
	}
	defer eng.Close()

	frame := &track.Frame{Index: 3, JPEG: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Width: 480, Height: 360}
	dets, err := eng.Detect(context.Background(), frame, engine.Options{Blendshapes: true})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}

	d := dets[0]
	if d.Label != "face" || d.Source != "facemesh" {
		t.Errorf("label/source %s/%s", d.Label, d.Source)
	}
	if d.BBox.XMin != 100 || d.BBox.Width != 60 {
		t.Errorf("bbox %+v", d.BBox)
	}
	if d.Centroid.X != 130 || d.Centroid.Y != 160 {
		t.Errorf("centroid %+v", d.Centroid)
	}
	if d.TrackID == nil || *d.TrackID != 4 {
		t.Errorf("track id %v", d.TrackID)
	}
	if len(d.Landmarks) != 2 || d.Landmarks[0].X != 110 {
		t.Errorf("landmarks %+v", d.Landmarks)
	}
	if d.Blendshapes["jawOpen"] != 0.31 {
		t.Errorf("blendshapes %+v", d.Blendshapes)
	}

	if fields["conf_threshold"] != "0.60" {
		t.Errorf("conf_threshold field %q", fields["conf_threshold"])
	}
	if fields["blendshapes"] != "1" {
		t.Errorf("blendshapes field %q, want 1", fields["blendshapes"])
	}
}

func TestFaceMeshSkipsBlendshapesWhenThrottled(t *testing.T) {
	var fields map[string]string
	srv := inferenceServer(t, `{"faces": []}`, &fields)

	eng, err := NewFaceMesh(&track.EngineConfig{EngineID: "facemesh", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewFaceMesh: %v", err)
	}
	defer eng.Close()

	if _, err := eng.Detect(context.Background(), &track.Frame{JPEG: []byte{1}}, engine.Options{}); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if fields["blendshapes"] != "0" {
		t.Errorf("blendshapes field %q, want 0", fields["blendshapes"])
	}
}

func TestYoloTrackParsesCornerBoxes(t *testing.T) {
	srv := inferenceServer(t, `{
		"detections": [{
			"class": "person",
			"confidence": 0.88,
			"bbox": [50, 60, 150, 260],
			"track_id": 12
		}],
		"inference_ms": 4.1,
		"device": "cuda:0"
	}`, nil)

	eng, err := NewYoloTrack(&track.EngineConfig{EngineID: "yolotrack", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewYoloTrack: %v", err)
	}
	defer eng.Close()

	dets, err := eng.Detect(context.Background(), &track.Frame{JPEG: []byte{1}}, engine.Options{})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}

	d := dets[0]
	if d.Label != "person" || d.Source != "yolotrack" {
		t.Errorf("label/source %s/%s", d.Label, d.Source)
	}
	if d.BBox.XMin != 50 || d.BBox.YMin != 60 || d.BBox.Width != 100 || d.BBox.Height != 200 {
		t.Errorf("corner box not converted: %+v", d.BBox)
	}
	if d.Centroid.X != 100 || d.Centroid.Y != 160 {
		t.Errorf("centroid %+v", d.Centroid)
	}
	if d.TrackID == nil || *d.TrackID != 12 {
		t.Errorf("track id %v", d.TrackID)
	}
}

func TestDetectFailsWhenServiceUnhealthy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	eng, err := NewFaceMesh(&track.EngineConfig{EngineID: "facemesh", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewFaceMesh: %v", err)
	}
	defer eng.Close()

	if _, err := eng.Detect(context.Background(), &track.Frame{JPEG: []byte{1}}, engine.Options{}); err == nil {
		t.Fatal("expected error when the service is unhealthy")
	}
}
