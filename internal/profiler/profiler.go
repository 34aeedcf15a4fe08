package profiler

import (
	"log"
	"sync/atomic"
	"time"
)

// Profiler accumulates job throughput counters and logs a snapshot at a
// fixed interval. All counters are safe for concurrent use.
type Profiler struct {
	start        time.Time
	frames       atomic.Int64
	detections   atomic.Int64
	placeholders atomic.Int64
	chunks       atomic.Int64
	retries      atomic.Int64

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Elapsed      time.Duration
	Frames       int64
	Detections   int64
	Placeholders int64
	Chunks       int64
	Retries      int64
	FramesPerSec float64
}

func New(interval time.Duration) *Profiler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Profiler{
		start:    time.Now(),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *Profiler) AddFrames(n int)       { p.frames.Add(int64(n)) }
func (p *Profiler) AddDetections(n int)   { p.detections.Add(int64(n)) }
func (p *Profiler) AddPlaceholders(n int) { p.placeholders.Add(int64(n)) }
func (p *Profiler) ChunkDone()            { p.chunks.Add(1) }
func (p *Profiler) RetryObserved()        { p.retries.Add(1) }

func (p *Profiler) Snapshot() Snapshot {
	elapsed := time.Since(p.start)
	frames := p.frames.Load()
	s := Snapshot{
		Elapsed:      elapsed,
		Frames:       frames,
		Detections:   p.detections.Load(),
		Placeholders: p.placeholders.Load(),
		Chunks:       p.chunks.Load(),
		Retries:      p.retries.Load(),
	}
	if sec := elapsed.Seconds(); sec > 0 {
		s.FramesPerSec = float64(frames) / sec
	}
	return s
}

// Start begins periodic snapshot logging. Stop flushes a final snapshot.
func (p *Profiler) Start() {
	go func() {
		defer close(p.done)
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				p.logSnapshot()
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *Profiler) Stop() {
	close(p.stop)
	<-p.done
	p.logSnapshot()
}

func (p *Profiler) logSnapshot() {
	s := p.Snapshot()
	log.Printf("[Profiler] elapsed=%s frames=%d (%.1f/s) detections=%d placeholders=%d chunks=%d retries=%d",
		s.Elapsed.Round(time.Second), s.Frames, s.FramesPerSec, s.Detections, s.Placeholders, s.Chunks, s.Retries)
}
