// Package sidecar runs an engine inside a dedicated child process so that
// variants loading conflicting native runtimes never share an address space
// with the long-lived scheduler or with each other. Parent and child speak a
// length-prefixed binary protocol: requests arrive on the child's stdin,
// responses leave on file descriptor 3, and stderr is captured by the parent
// for crash forensics.
package sidecar

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"trackd/internal/engine"
	"trackd/internal/track"
)

// Operations understood by the engine host
const (
	opInit   = "init"
	opDetect = "detect"
	opClose  = "close"
)

// maxFrameBytes bounds a single message payload (a JPEG frame)
const maxFrameBytes = 64 << 20

// requestHeader precedes every request. The engine configuration travels in
// the init message rather than through inherited environment variables, so
// the child needs nothing from the parent's environment.
type requestHeader struct {
	Op           string              `json:"op"`
	EngineConfig *track.EngineConfig `json:"engine_config,omitempty"`
	FrameIndex   int                 `json:"frame_index,omitempty"`
	Width        int                 `json:"width,omitempty"`
	Height       int                 `json:"height,omitempty"`
	Blendshapes  bool                `json:"blendshapes,omitempty"`
}

// response is the single reply shape for all operations
type response struct {
	Status       string           `json:"status"` // "ok" or "error"
	Error        string           `json:"error,omitempty"`
	Capabilities *capabilities    `json:"capabilities,omitempty"`
	ModelInit    bool             `json:"model_init,omitempty"` // error was a ModelInitError
	Detections   []wireDetection  `json:"detections,omitempty"`
}

type capabilities struct {
	SupportsGPU             bool `json:"supports_gpu"`
	SupportsLandmarks       bool `json:"supports_landmarks"`
	PreferredDownscaleWidth int  `json:"preferred_downscale_width"`
}

// wireDetection is engine.Detection with JSON tags for the pipe
type wireDetection struct {
	Label       string             `json:"label"`
	Source      string             `json:"source"`
	BBox        track.BBox         `json:"bbox"`
	Centroid    track.Point        `json:"centroid"`
	Confidence  float64            `json:"confidence"`
	TrackID     *int               `json:"track_id,omitempty"`
	Landmarks   []track.Point      `json:"landmarks,omitempty"`
	Blendshapes map[string]float64 `json:"blendshapes,omitempty"`
}

func toWire(dets []engine.Detection) []wireDetection {
	out := make([]wireDetection, len(dets))
	for i, d := range dets {
		out[i] = wireDetection(d)
	}
	return out
}

func fromWire(dets []wireDetection) []engine.Detection {
	out := make([]engine.Detection, len(dets))
	for i, d := range dets {
		out[i] = engine.Detection(d)
	}
	return out
}

// writeRequest frames a request as [hdrLen][hdr JSON][payloadLen][payload]
func writeRequest(w io.Writer, hdr requestHeader, payload []byte) error {
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(hdrBytes))); err != nil {
		return err
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// readRequest reads one framed request
func readRequest(r io.Reader) (requestHeader, []byte, error) {
	var hdr requestHeader

	hdrBytes, err := readBlock(r)
	if err != nil {
		return hdr, nil, err
	}
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("malformed request header: %w", err)
	}

	payload, err := readBlock(r)
	if err != nil {
		return hdr, nil, err
	}
	return hdr, payload, nil
}

// writeResponse frames a response as [len][JSON]
func writeResponse(w io.Writer, resp response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(body))); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readResponse reads one framed response
func readResponse(r io.Reader) (response, error) {
	var resp response
	body, err := readBlock(r)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("malformed response: %w", err)
	}
	return resp, nil
}

func readBlock(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > maxFrameBytes {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	if n == 0 {
		return nil, nil
	}
	block := make([]byte, n)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, err
	}
	return block, nil
}
