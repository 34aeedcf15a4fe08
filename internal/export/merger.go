package export

import (
	"fmt"
	"log"
	"sort"

	"trackd/internal/track"
)

// MergeReport describes what the merger had to repair.
type MergeReport struct {
	PlaceholderFrames int
	FailedChunks      int
	Backfilled        int // frames synthesized for uncovered ranges
}

// Merge assembles per-chunk worker results into a single export document.
// It enforces the density invariant: the output contains every frame index
// from 1 to total_frames exactly once, in order. Frames a failed chunk never
// produced are backfilled as placeholders; a duplicated frame index is a
// bug upstream and aborts the merge.
func Merge(job *track.TrackingJob, mode track.ExecutionMode, results []track.WorkerResult, profile track.VerbosityProfile) (*Document, *MergeReport, error) {
	byIndex := make(map[int]track.FrameRecord, job.TotalFrames)
	report := &MergeReport{}
	var chunkErrors []track.ChunkError

	// Entity ids are worker-local. Offset each chunk's ids by a running
	// base so they stay distinct in the merged document.
	entityBase := 0
	ordered := append([]track.WorkerResult(nil), results...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Chunk.Start < ordered[j].Chunk.Start })

	for _, r := range ordered {
		if r.Status != track.ChunkSuccess {
			chunkErrors = append(chunkErrors, track.ChunkError{
				ChunkIndex: r.Chunk.Index,
				StartFrame: r.Chunk.Start + 1,
				EndFrame:   r.Chunk.End,
				Attempts:   r.Attempts,
				Detail:     r.ErrorDetail,
			})
			if r.Status == track.ChunkFailed {
				report.FailedChunks++
			}
		}

		maxID := -1
		for _, fr := range r.Frames {
			if _, dup := byIndex[fr.FrameIndex]; dup {
				return nil, nil, fmt.Errorf("job %s: frame %d produced by more than one chunk", job.ID, fr.FrameIndex)
			}
			for i := range fr.Entities {
				fr.Entities[i].EntityID += entityBase
				if fr.Entities[i].EntityID > maxID {
					maxID = fr.Entities[i].EntityID
				}
			}
			byIndex[fr.FrameIndex] = fr
		}
		if maxID >= entityBase {
			entityBase = maxID + 1
		}
	}

	// Backfill anything no chunk covered (failed chunks, planner gaps).
	frames := make([]track.FrameRecord, 0, job.TotalFrames)
	for i := 1; i <= job.TotalFrames; i++ {
		fr, ok := byIndex[i]
		if !ok {
			fr = track.PlaceholderFrame(i)
			report.Backfilled++
		}
		if fr.Placeholder {
			report.PlaceholderFrames++
		}
		for i := range fr.Entities {
			fr.Entities[i] = profile.Apply(fr.Entities[i])
		}
		frames = append(frames, fr)
	}
	if len(byIndex) > job.TotalFrames {
		return nil, nil, fmt.Errorf("job %s: %d merged frames exceed total %d", job.ID, len(byIndex), job.TotalFrames)
	}
	if report.Backfilled > 0 {
		log.Printf("[Merger] job %s: backfilled %d uncovered frame(s)", job.ID, report.Backfilled)
	}

	status := track.StatusCompleted
	if report.Backfilled > 0 || report.FailedChunks > 0 || anyDegraded(ordered) {
		status = track.StatusCompletedWithGaps
	}

	doc := &Document{
		JobID:       job.ID,
		VideoID:     job.VideoID,
		VideoPath:   job.VideoPath,
		EngineID:    job.EngineID,
		Mode:        mode,
		Status:      status,
		Verbosity:   profile.Name,
		TotalFrames: job.TotalFrames,
		FPS:         job.FPS,
		Frames:      frames,
		Stats:       computeStats(frames),
		ChunkErrors: chunkErrors,
	}
	return doc, report, nil
}

func anyDegraded(results []track.WorkerResult) bool {
	for _, r := range results {
		if r.Status == track.ChunkPartial {
			return true
		}
	}
	return false
}

func computeStats(frames []track.FrameRecord) Stats {
	var s Stats
	entities := make(map[int]struct{})
	var confSum float64

	for _, fr := range frames {
		if fr.Placeholder {
			s.PlaceholderFrames++
			continue
		}
		if len(fr.Entities) == 0 {
			continue
		}
		s.FramesWithDetections++
		for _, e := range fr.Entities {
			s.TotalDetections++
			confSum += e.Confidence
			entities[e.EntityID] = struct{}{}
		}
	}
	s.UniqueEntities = len(entities)
	if s.TotalDetections > 0 {
		s.MeanConfidence = confSum / float64(s.TotalDetections)
	}
	return s
}
