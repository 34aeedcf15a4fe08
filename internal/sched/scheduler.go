package sched

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"trackd/internal/engine"
	"trackd/internal/engine/sidecar"
	"trackd/internal/track"
	"trackd/internal/video"
	"trackd/internal/worker"
)

// minFreeVRAMMiB is the precheck floor for claiming the GPU. Remote engines
// report model footprints well under this on every deployment we run.
const minFreeVRAMMiB = 1024

// Config wires a Scheduler. OpenSource and NewEngine are injectable so the
// dispatch logic can be exercised without ffmpeg or a live model server.
type Config struct {
	Policy     track.ResourcePolicy
	Chunks     ChunkPolicy
	Probe      GPUProbe
	OpenSource video.Factory
	Registry   *engine.Registry
	// NewEngine overrides engine construction when set; the default honors
	// IsolateProcess by spawning a sidecar host.
	NewEngine func(cfg *track.EngineConfig) (engine.Engine, error)
	// OnChunk is invoked after each chunk settles, successful or not.
	OnChunk func(res track.WorkerResult)

	MinFreeVRAM int
}

// Result carries everything the merge stage needs for one finished job.
type Result struct {
	Job     *track.TrackingJob
	Mode    track.ExecutionMode
	Chunks  []track.WorkerResult
	Workers int // workers that actually started
}

// Scheduler decides the execution mode for a job and fans its chunks out
// across workers. A single process-wide gate keeps GPU jobs exclusive.
type Scheduler struct {
	cfg  Config
	gate *GPUGate
}

// globalGate serializes GPU jobs across every Scheduler in the process.
var globalGate = NewGPUGate()

func New(cfg Config) *Scheduler {
	if cfg.Probe == nil {
		cfg.Probe = NvidiaSMIProbe{}
	}
	if cfg.OpenSource == nil {
		cfg.OpenSource = video.Open
	}
	if cfg.MinFreeVRAM <= 0 {
		cfg.MinFreeVRAM = minFreeVRAMMiB
	}
	if cfg.Chunks == (ChunkPolicy{}) {
		cfg.Chunks = DefaultChunkPolicy()
	}
	return &Scheduler{cfg: cfg, gate: globalGate}
}

// Gate exposes the GPU gate for status inspection.
func (s *Scheduler) Gate() *GPUGate { return s.gate }

// Run executes one tracking job to completion and returns the per-chunk
// results. Cancellation aborts with ctx's error and no partial results.
func (s *Scheduler) Run(ctx context.Context, job *track.TrackingJob, ecfg *track.EngineConfig) (*Result, error) {
	mode := s.decideMode(ctx, job, ecfg)
	log.Printf("[Scheduler] job %s: engine=%s mode=%s frames=%d", job.ID, ecfg.EngineID, mode, job.TotalFrames)

	var (
		res *Result
		err error
	)
	switch mode {
	case track.ModeGPUExclusive:
		if gerr := s.gate.Acquire(ctx, job.ID); gerr != nil {
			return nil, gerr
		}
		res, err = s.runExclusive(ctx, job, ecfg)
		s.gate.Release()
	default:
		res, err = s.runFanout(ctx, job, ecfg)
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	res.Mode = mode
	return res, nil
}

// decideMode picks gpu_exclusive only when the engine can use the device,
// the policy allows it, and the VRAM precheck passes. Every downgrade to
// CPU is logged with its reason.
func (s *Scheduler) decideMode(ctx context.Context, job *track.TrackingJob, ecfg *track.EngineConfig) track.ExecutionMode {
	if !ecfg.SupportsGPU {
		return track.ModeCPUFanout
	}
	if !s.cfg.Policy.GPUEnabled {
		log.Printf("[Scheduler] job %s: engine %s supports GPU but policy disables it, using CPU fan-out", job.ID, ecfg.EngineID)
		return track.ModeCPUFanout
	}
	free, err := s.cfg.Probe.FreeVRAM(ctx)
	if err != nil {
		log.Printf("[Scheduler] job %s: GPU probe failed (%v), using CPU fan-out", job.ID, err)
		return track.ModeCPUFanout
	}
	if free < s.cfg.MinFreeVRAM {
		log.Printf("[Scheduler] job %s: %d MiB free VRAM below %d MiB floor, using CPU fan-out", job.ID, free, s.cfg.MinFreeVRAM)
		return track.ModeCPUFanout
	}
	return track.ModeGPUExclusive
}

// runExclusive processes the whole video as one chunk on a single worker
// while the GPU gate is held.
func (s *Scheduler) runExclusive(ctx context.Context, job *track.TrackingJob, ecfg *track.EngineConfig) (*Result, error) {
	chunk := track.FrameChunk{Index: 0, Start: 0, End: job.TotalFrames, JobID: job.ID}

	w, err := s.startWorker(job, ecfg)
	if err != nil {
		return nil, fmt.Errorf("job %s: no worker could start: %w", job.ID, err)
	}
	defer w.Close()

	r := s.processWithRetry(ctx, w, job, ecfg, chunk)
	if s.cfg.OnChunk != nil {
		s.cfg.OnChunk(r)
	}
	return &Result{Job: job, Chunks: []track.WorkerResult{r}, Workers: 1}, nil
}

// runFanout splits the video into chunks and drains them through a pool of
// CPU workers, each owning a private engine and frame source.
func (s *Scheduler) runFanout(ctx context.Context, job *track.TrackingJob, ecfg *track.EngineConfig) (*Result, error) {
	workers := s.cfg.Policy.CPUWorkers
	if workers < 1 {
		workers = 1
	}

	chunks, err := PlanChunks(job.ID, job.TotalFrames, workers, s.cfg.Chunks)
	if err != nil {
		return nil, err
	}
	log.Printf("[Scheduler] job %s: %d chunks across %d workers", job.ID, len(chunks), workers)

	feed := make(chan track.FrameChunk, len(chunks))
	for _, c := range chunks {
		feed <- c
	}
	close(feed)

	var (
		mu      sync.Mutex
		results []track.WorkerResult
		started int
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		slot := i
		g.Go(func() error {
			w, err := s.startWorker(job, ecfg)
			if err != nil {
				log.Printf("[Scheduler] job %s: worker %d failed to start: %v", job.ID, slot, err)
				return nil
			}
			mu.Lock()
			started++
			mu.Unlock()
			defer w.Close()

			for chunk := range feed {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r := s.processWithRetry(gctx, w, job, ecfg, chunk)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
				if s.cfg.OnChunk != nil {
					s.cfg.OnChunk(r)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if started == 0 {
		return nil, fmt.Errorf("job %s: no worker could start", job.ID)
	}
	return &Result{Job: job, Chunks: results, Workers: started}, nil
}

// processWithRetry runs a chunk under the policy's soft timeout and retries
// once on freshly built resources when the chunk failed outright or hit the
// timeout. Partial chunks are already dense (placeholders filled any holes)
// and are not reprocessed. The retry replaces the worker's engine and source
// so decoder or model corruption cannot carry over.
func (s *Scheduler) processWithRetry(ctx context.Context, w *worker.Worker, job *track.TrackingJob, ecfg *track.EngineConfig, chunk track.FrameChunk) track.WorkerResult {
	r, timedOut := s.processOne(ctx, w, chunk)
	if (r.Status != track.ChunkFailed && !timedOut) || ctx.Err() != nil {
		return r
	}

	log.Printf("[Scheduler] job %s: chunk %d failed (%s), retrying on fresh worker", job.ID, chunk.Index, r.ErrorDetail)
	fresh, err := s.startWorker(job, ecfg)
	if err != nil {
		log.Printf("[Scheduler] job %s: fresh worker for chunk %d failed to start: %v", job.ID, chunk.Index, err)
		r.Attempts = 2
		return r
	}
	r2, _ := s.processOne(ctx, fresh, chunk)

	// Hand the rebuilt resources to the pool worker for subsequent chunks.
	w.Swap(fresh)

	best := betterResult(r, r2)
	best.Attempts = 2
	return best
}

// betterResult keeps whichever attempt covered more of the chunk: success
// over partial over failed, and between equals the one with more frames.
func betterResult(a, b track.WorkerResult) track.WorkerResult {
	ar, br := statusRank(a.Status), statusRank(b.Status)
	if ar != br {
		if ar > br {
			return a
		}
		return b
	}
	if len(a.Frames) > len(b.Frames) {
		return a
	}
	return b
}

func statusRank(st track.ChunkStatus) int {
	switch st {
	case track.ChunkSuccess:
		return 2
	case track.ChunkPartial:
		return 1
	default:
		return 0
	}
}

// processOne applies the per-chunk soft timeout and reports whether the
// chunk was cut short by it (as opposed to job-level cancellation).
func (s *Scheduler) processOne(ctx context.Context, w *worker.Worker, chunk track.FrameChunk) (track.WorkerResult, bool) {
	cctx := ctx
	if s.cfg.Policy.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.cfg.Policy.ChunkTimeout)
		defer cancel()
	}
	r := w.ProcessChunk(cctx, chunk)
	timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	return r, timedOut
}

// startWorker builds the engine (with fallback) and a private frame source.
func (s *Scheduler) startWorker(job *track.TrackingJob, ecfg *track.EngineConfig) (*worker.Worker, error) {
	eng, err := s.buildEngine(ecfg)
	if err != nil {
		return nil, err
	}
	meta := &video.Metadata{
		TotalFrames: job.TotalFrames,
		FPS:         job.FPS,
		Width:       job.Width,
		Height:      job.Height,
	}
	src, err := s.cfg.OpenSource(job.VideoPath, meta)
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("open source for %s: %w", job.VideoPath, err)
	}
	return worker.New(eng, src, worker.Options{
		DownscaleWidth:   ecfg.DownscaleWidth,
		ThrottleInterval: ecfg.ThrottleInterval,
		Blendshapes:      ecfg.SupportsLandmarks,
	}), nil
}

// buildEngine constructs the configured engine, falling through to the
// configured fallback once when model initialization fails.
func (s *Scheduler) buildEngine(ecfg *track.EngineConfig) (engine.Engine, error) {
	eng, err := s.construct(ecfg)
	if err == nil {
		return eng, nil
	}

	var mie *engine.ModelInitError
	if !errors.As(err, &mie) || ecfg.FallbackEngine == "" {
		return nil, err
	}

	log.Printf("[Scheduler] engine %s failed to initialize (%v), falling back to %s", ecfg.EngineID, err, ecfg.FallbackEngine)
	fb := *ecfg
	fb.EngineID = ecfg.FallbackEngine
	fb.FallbackEngine = ""
	fb.SupportsGPU = false
	fb.IsolateProcess = false
	return s.construct(&fb)
}

func (s *Scheduler) construct(ecfg *track.EngineConfig) (engine.Engine, error) {
	if s.cfg.NewEngine != nil {
		return s.cfg.NewEngine(ecfg)
	}
	if ecfg.IsolateProcess {
		return sidecar.Start(ecfg)
	}
	return s.cfg.Registry.New(ecfg)
}
