package worker

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"trackd/internal/engine"
	"trackd/internal/track"
)

// downscaled holds a reduced copy of a frame plus the exact per-axis factors
// that map its coordinates back to the original resolution.
type downscaled struct {
	frame  *track.Frame
	scaleX float64
	scaleY float64
}

// downscale produces a copy of the frame at targetWidth, preserving aspect
// ratio. Both the decoded image and re-encoded JPEG views are populated so
// local and remote engines see consistent pixels.
func downscale(f *track.Frame, targetWidth int) (*downscaled, error) {
	src, err := decodeFrame(f)
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= targetWidth {
		f.Image = src
		return &downscaled{frame: f, scaleX: 1, scaleY: 1}, nil
	}

	th := h * targetWidth / w
	if th < 1 {
		th = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, targetWidth, th))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("re-encode downscaled frame %d: %w", f.Index, err)
	}

	return &downscaled{
		frame: &track.Frame{
			Index:  f.Index,
			JPEG:   buf.Bytes(),
			Image:  dst,
			Width:  targetWidth,
			Height: th,
		},
		scaleX: float64(w) / float64(targetWidth),
		scaleY: float64(h) / float64(th),
	}, nil
}

// rescale maps a detection from downscaled coordinates back to the original
// frame, applying the same factor pair used for the forward transform.
func (d *downscaled) rescale(det *engine.Detection) {
	if d.scaleX == 1 && d.scaleY == 1 {
		return
	}
	det.BBox.XMin *= d.scaleX
	det.BBox.YMin *= d.scaleY
	det.BBox.Width *= d.scaleX
	det.BBox.Height *= d.scaleY
	det.Centroid.X *= d.scaleX
	det.Centroid.Y *= d.scaleY
	for i := range det.Landmarks {
		det.Landmarks[i].X *= d.scaleX
		det.Landmarks[i].Y *= d.scaleY
	}
}

func decodeFrame(f *track.Frame) (image.Image, error) {
	if f.Image != nil {
		return f.Image, nil
	}
	img, err := jpeg.Decode(bytes.NewReader(f.JPEG))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", f.Index, err)
	}
	return img, nil
}
