package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"trackd/internal/track"
)

const (
	// Per-pixel brightness delta (16-bit channel space) above which a pixel
	// counts as changed.
	diffPixelThreshold = 6000

	// Fraction of sampled pixels that must change before a region is reported
	diffChangeRatio = 0.01

	// Regions smaller than this many pixels are noise
	diffMinArea = 64
)

// FrameDiff detects moving regions by differencing consecutive frames.
// CPU-only; stateful per instance (keeps the previous frame), so each worker
// owns its own instance and chunks are processed sequentially within it.
type FrameDiff struct {
	prev image.Image
}

// NewFrameDiff creates a frame-difference engine
func NewFrameDiff(cfg *track.EngineConfig) (Engine, error) {
	return &FrameDiff{}, nil
}

func (d *FrameDiff) ID() string {
	return "framediff"
}

func (d *FrameDiff) Capabilities() Capabilities {
	return Capabilities{
		SupportsGPU:             false,
		SupportsLandmarks:       false,
		PreferredDownscaleWidth: 640,
	}
}

func (d *FrameDiff) Detect(ctx context.Context, frame *track.Frame, opts Options) ([]Detection, error) {
	img, err := frameImage(frame)
	if err != nil {
		return nil, err
	}

	prev := d.prev
	d.prev = img

	if prev == nil {
		// No reference frame yet; the first frame of a chunk has no diff.
		return []Detection{}, nil
	}
	if prev.Bounds() != img.Bounds() {
		return []Detection{}, nil
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	var changed, sampled int
	minX, minY := width, height
	maxX, maxY := 0, 0

	// Sample every 2nd pixel; full resolution does not improve the region box
	for y := bounds.Min.Y; y < bounds.Max.Y; y += 2 {
		for x := bounds.Min.X; x < bounds.Max.X; x += 2 {
			pr, pg, pb, _ := prev.At(x, y).RGBA()
			cr, cg, cb, _ := img.At(x, y).RGBA()

			pBright := (pr + pg + pb) / 3
			cBright := (cr + cg + cb) / 3

			diff := int(pBright) - int(cBright)
			if diff < 0 {
				diff = -diff
			}
			if diff > diffPixelThreshold {
				changed++
				rx, ry := x-bounds.Min.X, y-bounds.Min.Y
				if rx < minX {
					minX = rx
				}
				if rx > maxX {
					maxX = rx
				}
				if ry < minY {
					minY = ry
				}
				if ry > maxY {
					maxY = ry
				}
			}
			sampled++
		}
	}

	if sampled == 0 || changed == 0 {
		return []Detection{}, nil
	}

	ratio := float64(changed) / float64(sampled)
	if ratio < diffChangeRatio {
		return []Detection{}, nil
	}

	w := maxX - minX
	h := maxY - minY
	if w*h < diffMinArea {
		return []Detection{}, nil
	}

	confidence := ratio * 3
	if confidence > 1.0 {
		confidence = 1.0
	}

	det := Detection{
		Label:  "motion",
		Source: "framediff",
		BBox: track.BBox{
			XMin:   float64(minX),
			YMin:   float64(minY),
			Width:  float64(w),
			Height: float64(h),
		},
		Centroid: track.Point{
			X: float64(minX) + float64(w)/2,
			Y: float64(minY) + float64(h)/2,
		},
		Confidence: confidence,
	}
	return []Detection{det}, nil
}

func (d *FrameDiff) Close() error {
	d.prev = nil
	return nil
}

// frameImage returns the decoded pixels of a frame, decoding the JPEG bytes
// when the caller did not decode already.
func frameImage(frame *track.Frame) (image.Image, error) {
	if frame.Image != nil {
		return frame.Image, nil
	}
	if len(frame.JPEG) == 0 {
		return nil, fmt.Errorf("frame %d has no image data", frame.Index)
	}
	img, err := jpeg.Decode(bytes.NewReader(frame.JPEG))
	if err != nil {
		return nil, fmt.Errorf("frame %d: jpeg decode failed: %w", frame.Index, err)
	}
	return img, nil
}

var _ Engine = (*FrameDiff)(nil)
