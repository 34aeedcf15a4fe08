package sched

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// GPUProbe reports whether the machine can host a GPU engine right now.
type GPUProbe interface {
	// FreeVRAM returns free device memory in MiB. An error means no usable
	// GPU was found.
	FreeVRAM(ctx context.Context) (int, error)
}

// NvidiaSMIProbe queries nvidia-smi for free memory on device 0.
type NvidiaSMIProbe struct{}

func (NvidiaSMIProbe) FreeVRAM(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.free",
		"--format=csv,noheader,nounits",
		"--id=0").Output()
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	free, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0]))
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi output malformed: %w", err)
	}
	return free, nil
}

// GPUGate serializes GPU-exclusive jobs process-wide. Only one holder at a
// time; everyone else blocks in Acquire.
type GPUGate struct {
	sem  *semaphore.Weighted
	held atomic.Int32
}

func NewGPUGate() *GPUGate {
	return &GPUGate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is free or ctx is cancelled.
func (g *GPUGate) Acquire(ctx context.Context, jobID string) error {
	if !g.sem.TryAcquire(1) {
		log.Printf("[Scheduler] job %s waiting for GPU", jobID)
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	g.held.Add(1)
	return nil
}

func (g *GPUGate) Release() {
	g.held.Add(-1)
	g.sem.Release(1)
}

// Held reports the current holder count (0 or 1).
func (g *GPUGate) Held() int {
	return int(g.held.Load())
}
