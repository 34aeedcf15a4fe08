package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"trackd/internal/engine/catalog"
	"trackd/internal/export"
	"trackd/internal/journal"
	"trackd/internal/profiler"
	"trackd/internal/progress"
	"trackd/internal/sched"
	"trackd/internal/track"
	"trackd/internal/video"
)

// runOptions holds the flags of the run command
type runOptions struct {
	InputPath    string
	EngineID     string
	GPU          bool
	Workers      int
	Verbosity    string
	OutPath      string
	StatusAddr   string
	JournalPath  string
	ChunkTimeout time.Duration
	Endpoint     string
	ModelDir     string
	Throttle     int
	Downscale    int
	Isolate      bool
	Fallback     string
	Confidence   float64
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Track entities through a video and export the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd.Context(), runOpts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "", "Path to video")
	runCmd.Flags().StringVarP(&runOpts.EngineID, "engine", "e", "framediff", "Detection engine to use")
	runCmd.Flags().BoolVar(&runOpts.GPU, "gpu", true, "Allow GPU-exclusive execution when the engine supports it")
	runCmd.Flags().IntVarP(&runOpts.Workers, "workers", "w", 0, "CPU worker count (0 = number of cores)")
	runCmd.Flags().StringVar(&runOpts.Verbosity, "verbosity", "standard", "Export verbosity profile (full|standard|compact)")
	runCmd.Flags().StringVarP(&runOpts.OutPath, "out", "o", "", "Output path (default <input>.tracking.json)")
	runCmd.Flags().StringVar(&runOpts.StatusAddr, "status-addr", "", "Serve live job progress over WebSocket on this address")
	runCmd.Flags().StringVar(&runOpts.JournalPath, "journal", "", "SQLite journal path (empty disables journaling)")
	runCmd.Flags().DurationVar(&runOpts.ChunkTimeout, "chunk-timeout", 0, "Soft timeout per chunk (0 = none)")
	runCmd.Flags().StringVar(&runOpts.Endpoint, "endpoint", "", "Remote engine endpoint URL")
	runCmd.Flags().StringVar(&runOpts.ModelDir, "model-dir", "", "Model asset directory for asset-backed engines")
	runCmd.Flags().IntVar(&runOpts.Throttle, "throttle", -1, "Blendshape recompute interval in frames (-1 = engine default)")
	runCmd.Flags().IntVar(&runOpts.Downscale, "downscale", -1, "Downscale width before detection (-1 = engine default, 0 = off)")
	runCmd.Flags().BoolVar(&runOpts.Isolate, "isolate", false, "Force the engine into a dedicated child process")
	runCmd.Flags().StringVar(&runOpts.Fallback, "fallback", "", "Fallback engine when model initialization fails")
	runCmd.Flags().Float64Var(&runOpts.Confidence, "confidence", -1, "Detection confidence threshold (-1 = engine default)")

	runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}

func runJob(ctx context.Context, opts runOptions) error {
	if _, err := os.Stat(opts.InputPath); err != nil {
		return fmt.Errorf("input video: %w", err)
	}

	ecfg, err := buildEngineConfig(opts)
	if err != nil {
		return err
	}
	profile, err := track.VerbosityByName(opts.Verbosity)
	if err != nil {
		return err
	}

	meta, err := video.Probe(opts.InputPath)
	if err != nil {
		return err
	}

	videoID, err := track.VideoID(opts.InputPath)
	if err != nil {
		return fmt.Errorf("compute video id: %w", err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > runtime.NumCPU() {
		workers = runtime.NumCPU()
	}

	job := &track.TrackingJob{
		ID:          uuid.New().String(),
		VideoID:     videoID,
		VideoPath:   opts.InputPath,
		TotalFrames: meta.TotalFrames,
		FPS:         meta.FPS,
		Width:       meta.Width,
		Height:      meta.Height,
		EngineID:    ecfg.EngineID,
		Policy: track.ResourcePolicy{
			GPUEnabled:   opts.GPU,
			CPUWorkers:   workers,
			ChunkTimeout: opts.ChunkTimeout,
		},
	}
	log.Printf("[Run] job %s: %s (%d frames @ %.2f fps, %dx%d)",
		job.ID, job.VideoPath, job.TotalFrames, job.FPS, job.Width, job.Height)

	var jnl *journal.Journal
	if opts.JournalPath != "" {
		jnl, err = journal.Open(opts.JournalPath)
		if err != nil {
			return err
		}
		defer jnl.Close()
		if err := jnl.JobStarted(job); err != nil {
			return err
		}
	}

	hub := progress.NewHub()
	if opts.StatusAddr != "" {
		go serveStatus(opts.StatusAddr, hub)
	}

	bar := progressbar.NewOptions(job.TotalFrames,
		progressbar.OptionSetDescription("tracking"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	prof := profiler.New(10 * time.Second)
	prof.Start()
	defer prof.Stop()

	var doneFrames, doneChunks, failedChunks atomic.Int64
	scheduler := sched.New(sched.Config{
		Policy:   job.Policy,
		Chunks:   sched.DefaultChunkPolicy(),
		Registry: catalog.Registry(),
		OnChunk: func(r track.WorkerResult) {
			doneChunks.Add(1)
			if r.Status == track.ChunkFailed {
				failedChunks.Add(1)
			}
			n := doneFrames.Add(int64(len(r.Frames)))
			bar.Add(len(r.Frames))
			prof.ChunkDone()
			prof.AddFrames(len(r.Frames))
			for _, fr := range r.Frames {
				prof.AddDetections(len(fr.Entities))
				if fr.Placeholder {
					prof.AddPlaceholders(1)
				}
			}
			if r.Attempts > 1 {
				prof.RetryObserved()
			}
			hub.Broadcast(&progress.JobProgress{
				Type:            "progress",
				JobID:           job.ID,
				TotalFrames:     job.TotalFrames,
				CompletedFrames: int(n),
				CompletedChunks: int(doneChunks.Load()),
				FailedChunks:    int(failedChunks.Load()),
			})
		},
	})

	res, err := scheduler.Run(ctx, job, ecfg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("[Run] job %s cancelled, nothing exported", job.ID)
			if jnl != nil {
				jnl.JobFinished(job.ID, "", track.StatusCancelled, 0)
			}
			return err
		}
		if jnl != nil {
			jnl.JobFinished(job.ID, "", track.StatusFailed, 0)
			jnl.SaveEvent(job.ID, "error", err.Error())
		}
		return fmt.Errorf("job %s failed: %w", job.ID, err)
	}

	doc, report, err := export.Merge(job, res.Mode, res.Chunks, profile)
	if err != nil {
		if jnl != nil {
			jnl.JobFinished(job.ID, res.Mode, track.StatusFailed, 0)
		}
		return fmt.Errorf("merge job %s: %w", job.ID, err)
	}

	outPath := opts.OutPath
	if outPath == "" {
		outPath = opts.InputPath + ".tracking.json"
	}
	if err := doc.WriteFile(outPath); err != nil {
		return err
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	if jnl != nil {
		jnl.JobFinished(job.ID, res.Mode, doc.Status, report.PlaceholderFrames)
		for _, ce := range doc.ChunkErrors {
			jnl.SaveChunkFailure(job.ID, ce)
		}
	}
	hub.Broadcast(&progress.JobProgress{
		Type:            "done",
		JobID:           job.ID,
		Mode:            res.Mode,
		TotalFrames:     job.TotalFrames,
		CompletedFrames: job.TotalFrames,
		CompletedChunks: int(doneChunks.Load()),
		FailedChunks:    int(failedChunks.Load()),
		Status:          doc.Status,
	})

	log.Printf("[Run] job %s %s: %d frames, %d detections, %d placeholder(s), %d unique entities -> %s",
		job.ID, doc.Status, doc.TotalFrames, doc.Stats.TotalDetections,
		doc.Stats.PlaceholderFrames, doc.Stats.UniqueEntities, outPath)
	if doc.Status == track.StatusCompletedWithGaps {
		log.Printf("[Run] job %s degraded: %d failed chunk(s), %d backfilled frame(s)", job.ID, report.FailedChunks, report.Backfilled)
	}
	return nil
}

// buildEngineConfig layers flag and environment overrides over the engine's
// catalog defaults. Environment variables are read here and nowhere else.
func buildEngineConfig(opts runOptions) (*track.EngineConfig, error) {
	id := strings.ToLower(opts.EngineID)
	cfg, ok := catalog.DefaultConfig(id)
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (try 'trackd engines')", opts.EngineID)
	}

	if opts.Endpoint != "" {
		cfg.Endpoint = opts.Endpoint
	} else if v := os.Getenv("TRACKD_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if opts.ModelDir != "" {
		cfg.ModelDir = opts.ModelDir
	} else if v := os.Getenv("TRACKD_MODEL_DIR"); v != "" {
		cfg.ModelDir = v
	}
	if opts.Throttle >= 0 {
		cfg.ThrottleInterval = opts.Throttle
	}
	if opts.Downscale >= 0 {
		cfg.DownscaleWidth = opts.Downscale
	}
	if opts.Isolate {
		cfg.IsolateProcess = true
	}
	if opts.Fallback != "" {
		cfg.FallbackEngine = opts.Fallback
	}
	if opts.Confidence >= 0 {
		cfg.Confidence = opts.Confidence
	}
	return &cfg, nil
}

func serveStatus(addr string, hub *progress.Hub) {
	mux := http.NewServeMux()
	mux.Handle("/ws/jobs/", progress.NewHandler(hub))
	log.Printf("[Run] status endpoint listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("[Run] status endpoint failed: %v", err)
	}
}
