package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"trackd/internal/engine"
	"trackd/internal/track"
	"trackd/internal/video"
)

// readRetries is how many times a transient frame read is retried before
// the frame is written off as a placeholder.
const readRetries = 3

// Options tunes per-frame processing for one worker.
type Options struct {
	// DownscaleWidth shrinks frames to this width before detection;
	// 0 disables downscaling.
	DownscaleWidth int
	// ThrottleInterval recomputes blendshapes only every N frames, reusing
	// the previous values per entity in between. <=1 computes every frame.
	ThrottleInterval int
	// Blendshapes enables shape coefficients at all.
	Blendshapes bool
}

// Worker drives one engine over assigned chunks, owning a private frame
// source. Not safe for concurrent use; the scheduler gives each goroutine
// its own.
type Worker struct {
	eng engine.Engine
	src video.Source
	opt Options
}

func New(eng engine.Engine, src video.Source, opt Options) *Worker {
	return &Worker{eng: eng, src: src, opt: opt}
}

// Swap adopts another worker's engine and source, closing the current ones.
// Used after a retry on fresh resources so the pool worker continues on the
// known-good pair.
func (w *Worker) Swap(o *Worker) {
	w.eng.Close()
	w.src.Close()
	w.eng, w.src = o.eng, o.src
}

func (w *Worker) Close() error {
	err := w.eng.Close()
	if serr := w.src.Close(); err == nil {
		err = serr
	}
	return err
}

// ProcessChunk runs the chunk to completion: seek to the start, then read
// and detect frame by frame. Unreadable frames become placeholders rather
// than gaps; a stream that ends early is padded with placeholders to the
// chunk boundary. The result's frame list always covers the chunk unless the
// initial seek fails outright.
func (w *Worker) ProcessChunk(ctx context.Context, chunk track.FrameChunk) track.WorkerResult {
	res := track.WorkerResult{Chunk: chunk, Attempts: 1}

	if err := w.src.Seek(chunk.Start); err != nil {
		res.Status = track.ChunkFailed
		res.ErrorDetail = fmt.Sprintf("seek to frame %d: %v", chunk.Start, err)
		return res
	}

	var (
		frames    = make([]track.FrameRecord, 0, chunk.Frames())
		matcher   = newEntityMatcher()
		shapes    = make(map[int]map[string]float64) // entity id -> last blendshapes
		degraded  = false
		processed = 0
	)

	for n := chunk.Start; n < chunk.End; n++ {
		if ctx.Err() != nil {
			res.Frames = frames
			res.Status = track.ChunkPartial
			res.ErrorDetail = fmt.Sprintf("aborted at frame %d: %v", n, ctx.Err())
			return res
		}

		f, err := w.readFrame()
		if errors.Is(err, io.EOF) {
			log.Printf("[Worker] chunk %d: stream ended at frame %d, padding %d placeholder(s)", chunk.Index, n, chunk.End-n)
			for m := n; m < chunk.End; m++ {
				frames = append(frames, track.PlaceholderFrame(m+1))
			}
			res.Frames = frames
			res.Status = track.ChunkPartial
			res.ErrorDetail = fmt.Sprintf("stream ended at frame %d before chunk end %d", n, chunk.End)
			return res
		}
		if err != nil {
			log.Printf("[Worker] chunk %d: frame %d unreadable after %d attempts (%v), emitting placeholder", chunk.Index, n, readRetries, err)
			frames = append(frames, track.PlaceholderFrame(n + 1))
			degraded = true
			if n+1 < chunk.End {
				if serr := w.src.Seek(n + 1); serr != nil {
					log.Printf("[Worker] chunk %d: reseek to frame %d failed (%v), padding remainder", chunk.Index, n+1, serr)
					for m := n + 1; m < chunk.End; m++ {
						frames = append(frames, track.PlaceholderFrame(m + 1))
					}
					res.Frames = frames
					res.Status = track.ChunkPartial
					res.ErrorDetail = fmt.Sprintf("lost position at frame %d: %v", n+1, serr)
					return res
				}
			}
			continue
		}
		f.Index = n

		rec, ok := w.detectFrame(ctx, f, chunk, matcher, shapes, processed)
		if !ok {
			degraded = true
		}
		frames = append(frames, rec)
		processed++
	}

	res.Frames = frames
	if degraded {
		res.Status = track.ChunkPartial
		res.ErrorDetail = "one or more frames degraded to placeholders"
	} else {
		res.Status = track.ChunkSuccess
	}
	return res
}

// readFrame retries transient read errors. EOF is never retried.
func (w *Worker) readFrame() (*track.Frame, error) {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		f, err := w.src.Read()
		if err == nil {
			return f, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		lastErr = err
	}
	return nil, lastErr
}

// detectFrame runs detection on one frame, handling downscale, coordinate
// rescale, entity assignment and the blendshape throttle. A detection error
// degrades the frame to a placeholder; decode state stays valid so the loop
// continues.
func (w *Worker) detectFrame(ctx context.Context, f *track.Frame, chunk track.FrameChunk, matcher *entityMatcher, shapes map[int]map[string]float64, processed int) (track.FrameRecord, bool) {
	view := &downscaled{frame: f, scaleX: 1, scaleY: 1}
	if w.opt.DownscaleWidth > 0 && f.Width > w.opt.DownscaleWidth {
		d, err := downscale(f, w.opt.DownscaleWidth)
		if err != nil {
			log.Printf("[Worker] chunk %d: downscale of frame %d failed: %v", chunk.Index, f.Index, err)
			return track.PlaceholderFrame(f.Index + 1), false
		}
		view = d
	}

	wantShapes := w.opt.Blendshapes &&
		(w.opt.ThrottleInterval <= 1 || processed%w.opt.ThrottleInterval == 0)

	dets, err := w.eng.Detect(ctx, view.frame, engine.Options{Blendshapes: wantShapes})
	if err != nil {
		log.Printf("[Worker] chunk %d: detect on frame %d failed: %v", chunk.Index, f.Index, err)
		return track.PlaceholderFrame(f.Index + 1), false
	}

	entities := make([]track.DetectionRecord, 0, len(dets))
	for i := range dets {
		d := &dets[i]
		view.rescale(d)
		id := matcher.assign(f.Index, d)

		rec := track.DetectionRecord{
			EntityID:    id,
			Label:       d.Label,
			Source:      d.Source,
			BBox:        d.BBox,
			Centroid:    d.Centroid,
			Confidence:  d.Confidence,
			Landmarks:   d.Landmarks,
			Blendshapes: d.Blendshapes,
		}
		if wantShapes {
			if len(d.Blendshapes) > 0 {
				shapes[id] = d.Blendshapes
			}
		} else if w.opt.Blendshapes {
			rec.Blendshapes = shapes[id]
		}
		entities = append(entities, rec)
	}
	return track.FrameRecord{FrameIndex: f.Index + 1, Entities: entities}, true
}
