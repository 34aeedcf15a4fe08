package sched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trackd/internal/engine"
	"trackd/internal/track"
	"trackd/internal/video"
)

type fakeProbe struct {
	free int
	err  error
}

func (p fakeProbe) FreeVRAM(ctx context.Context) (int, error) {
	return p.free, p.err
}

type fakeEngine struct {
	id       string
	onDetect func()
}

func (e *fakeEngine) ID() string { return e.id }

func (e *fakeEngine) Capabilities() engine.Capabilities { return engine.Capabilities{} }

func (e *fakeEngine) Detect(ctx context.Context, f *track.Frame, opts engine.Options) ([]engine.Detection, error) {
	if e.onDetect != nil {
		e.onDetect()
	}
	return nil, nil
}

func (e *fakeEngine) Close() error { return nil }

type fakeSource struct {
	total   int
	pos     int
	seekErr error
}

func (s *fakeSource) Seek(n int) error {
	if s.seekErr != nil {
		return s.seekErr
	}
	s.pos = n
	return nil
}

func (s *fakeSource) Read() (*track.Frame, error) {
	if s.pos >= s.total {
		return nil, io.EOF
	}
	f := &track.Frame{Index: s.pos}
	s.pos++
	return f, nil
}

func (s *fakeSource) Close() error { return nil }

// erraticSource has one permanently unreadable frame; everything else reads
// normally. Seek always works, so the worker recovers with a placeholder.
type erraticSource struct {
	total     int
	pos       int
	failIndex int
}

func (s *erraticSource) Seek(n int) error {
	s.pos = n
	return nil
}

func (s *erraticSource) Read() (*track.Frame, error) {
	if s.pos >= s.total {
		return nil, io.EOF
	}
	if s.pos == s.failIndex {
		return nil, errors.New("bitstream corrupt")
	}
	f := &track.Frame{Index: s.pos}
	s.pos++
	return f, nil
}

func (s *erraticSource) Close() error { return nil }

func testJob(totalFrames, workers int) *track.TrackingJob {
	return &track.TrackingJob{
		ID:          "job-test",
		VideoID:     "vid-test",
		VideoPath:   "test.mp4",
		TotalFrames: totalFrames,
		FPS:         30,
		Width:       640,
		Height:      480,
		EngineID:    "fake",
		Policy:      track.ResourcePolicy{GPUEnabled: true, CPUWorkers: workers},
	}
}

func testConfig(workers int, probe GPUProbe) Config {
	return Config{
		Policy: track.ResourcePolicy{GPUEnabled: true, CPUWorkers: workers},
		Probe:  probe,
		OpenSource: func(path string, meta *video.Metadata) (video.Source, error) {
			return &fakeSource{total: meta.TotalFrames}, nil
		},
		NewEngine: func(cfg *track.EngineConfig) (engine.Engine, error) {
			return &fakeEngine{id: cfg.EngineID}, nil
		},
	}
}

func coveredFrames(t *testing.T, chunks []track.WorkerResult, total int) {
	t.Helper()
	seen := make(map[int]bool)
	for _, r := range chunks {
		for _, fr := range r.Frames {
			if seen[fr.FrameIndex] {
				t.Fatalf("frame %d produced twice", fr.FrameIndex)
			}
			seen[fr.FrameIndex] = true
		}
	}
	if len(seen) != total {
		t.Fatalf("got %d distinct frames, want %d", len(seen), total)
	}
}

func TestRunFanoutCoversAllFrames(t *testing.T) {
	s := New(testConfig(4, fakeProbe{err: errors.New("no gpu")}))
	job := testJob(100, 4)

	res, err := s.Run(context.Background(), job, &track.EngineConfig{EngineID: "fake"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Mode != track.ModeCPUFanout {
		t.Fatalf("mode %s, want %s", res.Mode, track.ModeCPUFanout)
	}
	for _, r := range res.Chunks {
		if r.Status != track.ChunkSuccess {
			t.Errorf("chunk %d status %s: %s", r.Chunk.Index, r.Status, r.ErrorDetail)
		}
	}
	coveredFrames(t, res.Chunks, 100)
}

func TestLowVRAMFallsBackToCPU(t *testing.T) {
	cfg := testConfig(2, fakeProbe{free: 256})
	s := New(cfg)
	job := testJob(60, 2)

	res, err := s.Run(context.Background(), job, &track.EngineConfig{EngineID: "fake", SupportsGPU: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Mode != track.ModeCPUFanout {
		t.Fatalf("mode %s, want CPU fan-out when VRAM is short", res.Mode)
	}
	coveredFrames(t, res.Chunks, 60)
}

func TestGPUExclusiveUsesSingleChunk(t *testing.T) {
	s := New(testConfig(4, fakeProbe{free: 8192}))
	job := testJob(90, 4)

	res, err := s.Run(context.Background(), job, &track.EngineConfig{EngineID: "fake", SupportsGPU: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Mode != track.ModeGPUExclusive {
		t.Fatalf("mode %s, want %s", res.Mode, track.ModeGPUExclusive)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 in exclusive mode", len(res.Chunks))
	}
	if s.Gate().Held() != 0 {
		t.Fatalf("gate still held after job finished")
	}
	coveredFrames(t, res.Chunks, 90)
}

func TestConcurrentGPUJobsSerialize(t *testing.T) {
	var inDetect, maxInDetect atomic.Int32
	cfg := testConfig(2, fakeProbe{free: 8192})
	cfg.NewEngine = func(ecfg *track.EngineConfig) (engine.Engine, error) {
		return &fakeEngine{id: ecfg.EngineID, onDetect: func() {
			cur := inDetect.Add(1)
			for {
				prev := maxInDetect.Load()
				if cur <= prev || maxInDetect.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(50 * time.Microsecond)
			inDetect.Add(-1)
		}}, nil
	}
	s := New(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job := testJob(40, 2)
			job.ID = fmt.Sprintf("job-%d", n)
			res, err := s.Run(context.Background(), job, &track.EngineConfig{EngineID: "fake", SupportsGPU: true})
			if err != nil {
				t.Errorf("Run: %v", err)
				return
			}
			if res.Mode != track.ModeGPUExclusive {
				t.Errorf("mode %s, want gpu_exclusive", res.Mode)
			}
		}(i)
	}
	wg.Wait()

	if maxInDetect.Load() > 1 {
		t.Fatalf("%d GPU jobs detected concurrently, want at most 1", maxInDetect.Load())
	}
}

func TestFallbackEngineOnModelInitError(t *testing.T) {
	var usedFallback atomic.Bool
	cfg := testConfig(1, fakeProbe{err: errors.New("no gpu")})
	cfg.NewEngine = func(ecfg *track.EngineConfig) (engine.Engine, error) {
		if ecfg.EngineID == "primary" {
			return nil, &engine.ModelInitError{EngineID: "primary", Err: errors.New("model cache corrupted")}
		}
		usedFallback.Store(true)
		return &fakeEngine{id: ecfg.EngineID}, nil
	}
	s := New(cfg)
	job := testJob(50, 1)

	res, err := s.Run(context.Background(), job, &track.EngineConfig{EngineID: "primary", FallbackEngine: "backup"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !usedFallback.Load() {
		t.Fatal("fallback engine was never constructed")
	}
	coveredFrames(t, res.Chunks, 50)
}

func TestNoStartableWorkerFailsJob(t *testing.T) {
	cfg := testConfig(2, fakeProbe{err: errors.New("no gpu")})
	cfg.NewEngine = func(ecfg *track.EngineConfig) (engine.Engine, error) {
		return nil, errors.New("engine broken")
	}
	s := New(cfg)

	if _, err := s.Run(context.Background(), testJob(50, 2), &track.EngineConfig{EngineID: "fake"}); err == nil {
		t.Fatal("expected error when no worker can start")
	}
}

func TestChunkRetriedOnFreshWorker(t *testing.T) {
	var sources atomic.Int32
	cfg := testConfig(1, fakeProbe{err: errors.New("no gpu")})
	cfg.OpenSource = func(path string, meta *video.Metadata) (video.Source, error) {
		// The first source refuses to seek; every replacement works.
		if sources.Add(1) == 1 {
			return &fakeSource{total: meta.TotalFrames, seekErr: errors.New("decoder wedged")}, nil
		}
		return &fakeSource{total: meta.TotalFrames}, nil
	}
	s := New(cfg)
	job := testJob(50, 1)

	res, err := s.Run(context.Background(), job, &track.EngineConfig{EngineID: "fake"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	retried := false
	for _, r := range res.Chunks {
		if r.Attempts > 1 && r.Status == track.ChunkSuccess {
			retried = true
		}
	}
	if !retried {
		t.Fatal("expected at least one chunk to succeed on retry")
	}
	coveredFrames(t, res.Chunks, 50)
}

func TestPartialChunkNotRetried(t *testing.T) {
	var sources atomic.Int32
	cfg := testConfig(1, fakeProbe{err: errors.New("no gpu")})
	cfg.OpenSource = func(path string, meta *video.Metadata) (video.Source, error) {
		sources.Add(1)
		return &erraticSource{total: meta.TotalFrames, failIndex: 5}, nil
	}
	s := New(cfg)

	res, err := s.Run(context.Background(), testJob(50, 1), &track.EngineConfig{EngineID: "fake"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sources.Load(); got != 1 {
		t.Fatalf("%d sources opened, want 1: a degraded chunk is already dense and must not be reprocessed", got)
	}
	partial := false
	for _, r := range res.Chunks {
		if r.Status == track.ChunkPartial {
			partial = true
			if r.Attempts != 1 {
				t.Errorf("partial chunk was retried: attempts=%d, want 1", r.Attempts)
			}
		}
	}
	if !partial {
		t.Fatal("expected a partial chunk from the unreadable frame")
	}
	coveredFrames(t, res.Chunks, 50)
}

func TestTimedOutChunkRetriedOnFreshWorker(t *testing.T) {
	var sources atomic.Int32
	cfg := testConfig(1, fakeProbe{err: errors.New("no gpu")})
	cfg.Policy.ChunkTimeout = time.Millisecond
	cfg.NewEngine = func(ecfg *track.EngineConfig) (engine.Engine, error) {
		return &fakeEngine{id: ecfg.EngineID, onDetect: func() {
			time.Sleep(20 * time.Millisecond)
		}}, nil
	}
	cfg.OpenSource = func(path string, meta *video.Metadata) (video.Source, error) {
		sources.Add(1)
		return &fakeSource{total: meta.TotalFrames}, nil
	}
	s := New(cfg)

	res, err := s.Run(context.Background(), testJob(50, 1), &track.EngineConfig{EngineID: "fake"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sources.Load() < 2 {
		t.Fatal("timed-out chunk was not retried on fresh resources")
	}
	for _, r := range res.Chunks {
		if r.Attempts != 2 {
			t.Errorf("chunk %d attempts=%d, want 2 after timeout retry", r.Chunk.Index, r.Attempts)
		}
	}
}

func TestBetterResultPrefersCoverage(t *testing.T) {
	mk := func(st track.ChunkStatus, n int) track.WorkerResult {
		return track.WorkerResult{Status: st, Frames: make([]track.FrameRecord, n)}
	}
	cases := []struct {
		name       string
		a, b       track.WorkerResult
		wantStatus track.ChunkStatus
		wantFrames int
	}{
		{"partial survives failed retry", mk(track.ChunkPartial, 8), mk(track.ChunkFailed, 0), track.ChunkPartial, 8},
		{"failed replaced by successful retry", mk(track.ChunkFailed, 0), mk(track.ChunkSuccess, 10), track.ChunkSuccess, 10},
		{"more frames wins between partials", mk(track.ChunkPartial, 9), mk(track.ChunkPartial, 4), track.ChunkPartial, 9},
		{"tie goes to the retry", mk(track.ChunkPartial, 6), mk(track.ChunkPartial, 6), track.ChunkPartial, 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := betterResult(tc.a, tc.b)
			if got.Status != tc.wantStatus || len(got.Frames) != tc.wantFrames {
				t.Fatalf("got status=%s frames=%d, want status=%s frames=%d",
					got.Status, len(got.Frames), tc.wantStatus, tc.wantFrames)
			}
		})
	}
}

func TestGPUGateSharedAcrossSchedulers(t *testing.T) {
	var inDetect, maxInDetect atomic.Int32
	mkConfig := func() Config {
		cfg := testConfig(2, fakeProbe{free: 8192})
		cfg.NewEngine = func(ecfg *track.EngineConfig) (engine.Engine, error) {
			return &fakeEngine{id: ecfg.EngineID, onDetect: func() {
				cur := inDetect.Add(1)
				for {
					prev := maxInDetect.Load()
					if cur <= prev || maxInDetect.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(50 * time.Microsecond)
				inDetect.Add(-1)
			}}, nil
		}
		return cfg
	}

	var wg sync.WaitGroup
	for i, s := range []*Scheduler{New(mkConfig()), New(mkConfig())} {
		wg.Add(1)
		go func(n int, s *Scheduler) {
			defer wg.Done()
			job := testJob(40, 2)
			job.ID = fmt.Sprintf("job-sched-%d", n)
			res, err := s.Run(context.Background(), job, &track.EngineConfig{EngineID: "fake", SupportsGPU: true})
			if err != nil {
				t.Errorf("Run: %v", err)
				return
			}
			if res.Mode != track.ModeGPUExclusive {
				t.Errorf("mode %s, want gpu_exclusive", res.Mode)
			}
		}(i, s)
	}
	wg.Wait()

	if maxInDetect.Load() > 1 {
		t.Fatalf("%d GPU jobs detected concurrently across schedulers, want at most 1", maxInDetect.Load())
	}
}

func TestCancelledJobProducesNoResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(testConfig(2, fakeProbe{err: errors.New("no gpu")}))
	if _, err := s.Run(ctx, testJob(100, 2), &track.EngineConfig{EngineID: "fake"}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
