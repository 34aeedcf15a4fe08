package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"trackd/internal/track"
)

// cascadeModel is the on-disk stage model. Each stage constrains the mean
// brightness (0..255) of a sub-rectangle of the sliding window, expressed as
// fractions of the window size.
type cascadeModel struct {
	Label  string         `json:"label"`
	Window int            `json:"window"`
	Stride int            `json:"stride"`
	Stages []cascadeStage `json:"stages"`
}

type cascadeStage struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	W       float64 `json:"w"`
	H       float64 `json:"h"`
	MinMean float64 `json:"min_mean"`
	MaxMean float64 `json:"max_mean"`
}

// Cascade is a stage-classifier engine backed by a model directory. The
// model file is loaded lazily on the first Detect call so that unused
// engines in a multi-engine process pay no initialization cost.
type Cascade struct {
	modelPath string
	loadOnce  sync.Once
	loadErr   error
	model     *cascadeModel
}

// NewCascade creates a cascade engine. The model directory must exist; the
// model file itself is validated on first use.
func NewCascade(cfg *track.EngineConfig) (Engine, error) {
	if cfg.ModelDir == "" {
		return nil, &ModelInitError{EngineID: "cascade", Err: fmt.Errorf("model_dir not configured")}
	}
	info, err := os.Stat(cfg.ModelDir)
	if err != nil {
		return nil, &ModelInitError{EngineID: "cascade", Err: err}
	}
	if !info.IsDir() {
		return nil, &ModelInitError{EngineID: "cascade", Err: fmt.Errorf("%s is not a directory", cfg.ModelDir)}
	}
	return &Cascade{
		modelPath: filepath.Join(cfg.ModelDir, "cascade.json"),
	}, nil
}

func (c *Cascade) ID() string {
	return "cascade"
}

func (c *Cascade) Capabilities() Capabilities {
	return Capabilities{
		SupportsGPU:             false,
		SupportsLandmarks:       false,
		PreferredDownscaleWidth: 320,
	}
}

// load parses and validates the model file. Failures are sticky: a corrupted
// model cache makes every Detect on this instance fail with ModelInitError
// until the operator repairs the directory and the job is retried.
func (c *Cascade) load() error {
	c.loadOnce.Do(func() {
		data, err := os.ReadFile(c.modelPath)
		if err != nil {
			c.loadErr = &ModelInitError{EngineID: "cascade", Err: err}
			return
		}

		var model cascadeModel
		if err := json.Unmarshal(data, &model); err != nil {
			c.loadErr = &ModelInitError{EngineID: "cascade", Err: fmt.Errorf("corrupt model file %s: %w", c.modelPath, err)}
			return
		}
		if model.Window <= 0 || len(model.Stages) == 0 {
			c.loadErr = &ModelInitError{EngineID: "cascade", Err: fmt.Errorf("invalid model file %s", c.modelPath)}
			return
		}
		// Stage rectangles index the integral image; a rect escaping the
		// window is a corrupted model, not a tolerable detection miss.
		for i, s := range model.Stages {
			if s.X < 0 || s.Y < 0 || s.W <= 0 || s.H <= 0 || s.X+s.W > 1 || s.Y+s.H > 1 {
				c.loadErr = &ModelInitError{EngineID: "cascade", Err: fmt.Errorf("invalid model file %s: stage %d outside window bounds", c.modelPath, i)}
				return
			}
		}
		if model.Stride <= 0 {
			model.Stride = model.Window / 2
		}
		if model.Label == "" {
			model.Label = "object"
		}
		c.model = &model
	})
	return c.loadErr
}

func (c *Cascade) Detect(ctx context.Context, frame *track.Frame, opts Options) ([]Detection, error) {
	if err := c.load(); err != nil {
		return nil, err
	}

	img, err := frameImage(frame)
	if err != nil {
		return nil, err
	}

	integral, w, h := integralImage(img)
	win := c.model.Window
	if win > w || win > h {
		return []Detection{}, nil
	}

	var dets []Detection
	for y := 0; y+win <= h; y += c.model.Stride {
		for x := 0; x+win <= w; x += c.model.Stride {
			if !c.windowPasses(integral, w, x, y, win) {
				continue
			}
			dets = append(dets, Detection{
				Label:  c.model.Label,
				Source: "cascade",
				BBox: track.BBox{
					XMin:   float64(x),
					YMin:   float64(y),
					Width:  float64(win),
					Height: float64(win),
				},
				Centroid: track.Point{
					X: float64(x) + float64(win)/2,
					Y: float64(y) + float64(win)/2,
				},
				Confidence: 0.5 + 0.5/float64(len(c.model.Stages)),
			})
		}
	}
	if dets == nil {
		dets = []Detection{}
	}
	return dets, nil
}

func (c *Cascade) windowPasses(integral []uint64, w, x, y, win int) bool {
	for _, s := range c.model.Stages {
		sx := x + int(s.X*float64(win))
		sy := y + int(s.Y*float64(win))
		sw := int(s.W * float64(win))
		sh := int(s.H * float64(win))
		if sw < 1 {
			sw = 1
		}
		if sh < 1 {
			sh = 1
		}
		mean := regionMean(integral, w, sx, sy, sw, sh)
		if mean < s.MinMean || mean > s.MaxMean {
			return false
		}
	}
	return true
}

func (c *Cascade) Close() error {
	return nil
}

// integralImage builds a summed-area table of 8-bit brightness values
func integralImage(img image.Image) (integral []uint64, w, h int) {
	bounds := img.Bounds()
	w, h = bounds.Dx(), bounds.Dy()
	integral = make([]uint64, (w+1)*(h+1))

	for y := 0; y < h; y++ {
		var rowSum uint64
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rowSum += uint64((r + g + b) / 3 >> 8)
			integral[(y+1)*(w+1)+(x+1)] = integral[y*(w+1)+(x+1)] + rowSum
		}
	}
	return integral, w, h
}

// regionMean returns the mean 8-bit brightness of a rectangle
func regionMean(integral []uint64, w, x, y, rw, rh int) float64 {
	stride := w + 1
	sum := integral[(y+rh)*stride+(x+rw)] -
		integral[y*stride+(x+rw)] -
		integral[(y+rh)*stride+x] +
		integral[y*stride+x]
	return float64(sum) / float64(rw*rh)
}

var _ Engine = (*Cascade)(nil)
