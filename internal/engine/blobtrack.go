package engine

import (
	"context"
	"image"
	"math"

	"trackd/internal/track"
)

const (
	// Grid cell size in pixels; components are found on the cell grid
	blobCellSize = 8

	// A cell is "lit" when its mean brightness exceeds the frame mean by
	// this factor.
	blobBrightnessFactor = 1.6

	// Components smaller than this many cells are noise
	blobMinCells = 4

	// Maximum centroid distance (pixels) for matching a blob to an
	// existing track between consecutive frames.
	blobMatchRadius = 96.0
)

// BlobTrack finds bright connected regions and tracks them across frames by
// greedy nearest-centroid matching. CPU-only; stateful per instance.
type BlobTrack struct {
	nextID int
	tracks []blobState
}

type blobState struct {
	id       int
	centroid track.Point
	lastSeen int // frame index
}

// NewBlobTrack creates a blob tracking engine
func NewBlobTrack(cfg *track.EngineConfig) (Engine, error) {
	return &BlobTrack{nextID: 1}, nil
}

func (b *BlobTrack) ID() string {
	return "blobtrack"
}

func (b *BlobTrack) Capabilities() Capabilities {
	return Capabilities{
		SupportsGPU:             false,
		SupportsLandmarks:       false,
		PreferredDownscaleWidth: 640,
	}
}

func (b *BlobTrack) Detect(ctx context.Context, frame *track.Frame, opts Options) ([]Detection, error) {
	img, err := frameImage(frame)
	if err != nil {
		return nil, err
	}

	cells, cols, rows := brightnessGrid(img)
	lit := litCells(cells)

	components := connectedComponents(lit, cols, rows)

	dets := make([]Detection, 0, len(components))
	for _, comp := range components {
		if len(comp) < blobMinCells {
			continue
		}

		minX, minY := cols, rows
		maxX, maxY := 0, 0
		for _, c := range comp {
			cx, cy := c%cols, c/cols
			if cx < minX {
				minX = cx
			}
			if cx > maxX {
				maxX = cx
			}
			if cy < minY {
				minY = cy
			}
			if cy > maxY {
				maxY = cy
			}
		}

		bbox := track.BBox{
			XMin:   float64(minX * blobCellSize),
			YMin:   float64(minY * blobCellSize),
			Width:  float64((maxX - minX + 1) * blobCellSize),
			Height: float64((maxY - minY + 1) * blobCellSize),
		}
		centroid := track.Point{
			X: bbox.XMin + bbox.Width/2,
			Y: bbox.YMin + bbox.Height/2,
		}

		id := b.matchTrack(centroid, frame.Index)
		dets = append(dets, Detection{
			Label:      "blob",
			Source:     "blobtrack",
			BBox:       bbox,
			Centroid:   centroid,
			Confidence: math.Min(1.0, float64(len(comp))/64.0),
			TrackID:    &id,
		})
	}
	return dets, nil
}

func (b *BlobTrack) Close() error {
	b.tracks = nil
	return nil
}

// matchTrack assigns the nearest existing track within the match radius, or
// opens a new one. Tracks unseen for 30 frames are dropped.
func (b *BlobTrack) matchTrack(centroid track.Point, frameIndex int) int {
	best := -1
	bestDist := blobMatchRadius

	for i, t := range b.tracks {
		d := math.Hypot(centroid.X-t.centroid.X, centroid.Y-t.centroid.Y)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}

	if best >= 0 {
		b.tracks[best].centroid = centroid
		b.tracks[best].lastSeen = frameIndex
		return b.tracks[best].id
	}

	id := b.nextID
	b.nextID++
	alive := b.tracks[:0]
	for _, t := range b.tracks {
		if frameIndex-t.lastSeen <= 30 {
			alive = append(alive, t)
		}
	}
	b.tracks = append(alive, blobState{id: id, centroid: centroid, lastSeen: frameIndex})
	return id
}

// brightnessGrid reduces the image to a grid of mean cell brightnesses
// (16-bit channel space).
func brightnessGrid(img image.Image) (cells []uint32, cols, rows int) {
	bounds := img.Bounds()
	cols = (bounds.Dx() + blobCellSize - 1) / blobCellSize
	rows = (bounds.Dy() + blobCellSize - 1) / blobCellSize
	if cols == 0 || rows == 0 {
		return nil, 0, 0
	}

	sums := make([]uint64, cols*rows)
	counts := make([]uint32, cols*rows)

	for y := bounds.Min.Y; y < bounds.Max.Y; y += 2 {
		for x := bounds.Min.X; x < bounds.Max.X; x += 2 {
			r, g, bl, _ := img.At(x, y).RGBA()
			cell := ((y-bounds.Min.Y)/blobCellSize)*cols + (x-bounds.Min.X)/blobCellSize
			sums[cell] += uint64((r + g + bl) / 3)
			counts[cell]++
		}
	}

	cells = make([]uint32, cols*rows)
	for i := range cells {
		if counts[i] > 0 {
			cells[i] = uint32(sums[i] / uint64(counts[i]))
		}
	}
	return cells, cols, rows
}

// litCells marks cells brighter than blobBrightnessFactor times the mean
func litCells(cells []uint32) []bool {
	lit := make([]bool, len(cells))
	if len(cells) == 0 {
		return lit
	}

	var total uint64
	for _, c := range cells {
		total += uint64(c)
	}
	mean := total / uint64(len(cells))
	threshold := uint32(float64(mean) * blobBrightnessFactor)
	if threshold == 0 {
		threshold = 1
	}

	for i, c := range cells {
		lit[i] = c > threshold
	}
	return lit
}

// connectedComponents groups 4-connected lit cells via flood fill
func connectedComponents(lit []bool, cols, rows int) [][]int {
	visited := make([]bool, len(lit))
	var components [][]int

	for start := range lit {
		if !lit[start] || visited[start] {
			continue
		}

		var comp []int
		queue := []int{start}
		visited[start] = true

		for len(queue) > 0 {
			c := queue[0]
			queue = queue[1:]
			comp = append(comp, c)

			cx, cy := c%cols, c/cols
			neighbors := [][2]int{{cx - 1, cy}, {cx + 1, cy}, {cx, cy - 1}, {cx, cy + 1}}
			for _, n := range neighbors {
				if n[0] < 0 || n[0] >= cols || n[1] < 0 || n[1] >= rows {
					continue
				}
				idx := n[1]*cols + n[0]
				if lit[idx] && !visited[idx] {
					visited[idx] = true
					queue = append(queue, idx)
				}
			}
		}
		components = append(components, comp)
	}
	return components
}

var _ Engine = (*BlobTrack)(nil)
