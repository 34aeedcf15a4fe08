package sched

import (
	"fmt"

	"trackd/internal/track"
)

// ChunkPolicy tunes how a video is split across workers.
type ChunkPolicy struct {
	// TargetChunksPerWorker sets how many chunks each worker should receive
	// on average. Values above 1 smooth out uneven per-chunk decode cost.
	TargetChunksPerWorker int
	// MinChunkFrames is the floor below which splitting stops paying for
	// the extra seek.
	MinChunkFrames int
}

func DefaultChunkPolicy() ChunkPolicy {
	return ChunkPolicy{
		TargetChunksPerWorker: 2,
		MinChunkFrames:        48,
	}
}

// PlanChunks divides [0, totalFrames) into contiguous, non-overlapping
// chunks covering every frame exactly once. The final chunk absorbs the
// division remainder. workers <= 1 yields a single chunk spanning the
// whole video.
func PlanChunks(jobID string, totalFrames, workers int, policy ChunkPolicy) ([]track.FrameChunk, error) {
	if totalFrames <= 0 {
		return nil, fmt.Errorf("cannot plan chunks for %d frames", totalFrames)
	}
	if workers < 1 {
		workers = 1
	}
	if policy.TargetChunksPerWorker < 1 {
		policy.TargetChunksPerWorker = 1
	}
	if policy.MinChunkFrames < 1 {
		policy.MinChunkFrames = 1
	}

	count := workers * policy.TargetChunksPerWorker
	if size := totalFrames / count; size < policy.MinChunkFrames {
		count = totalFrames / policy.MinChunkFrames
		if count < 1 {
			count = 1
		}
	}

	size := totalFrames / count
	chunks := make([]track.FrameChunk, 0, count)
	for i := 0; i < count; i++ {
		start := i * size
		end := start + size
		if i == count-1 {
			end = totalFrames
		}
		chunks = append(chunks, track.FrameChunk{
			Index: i,
			Start: start,
			End:   end,
			JobID: jobID,
		})
	}
	return chunks, nil
}
