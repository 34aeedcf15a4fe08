package video

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"

	"trackd/internal/track"
)

// Source yields decoded frames from a video in sequential order, with
// support for repositioning to an arbitrary frame index.
type Source interface {
	// Seek positions the source so the next Read returns frame n (0-based).
	Seek(n int) error
	// Read returns the next frame, or io.EOF past the end of the stream.
	Read() (*track.Frame, error)
	Close() error
}

// Factory opens a Source for a video. Workers each open their own source
// so decode state is never shared across goroutines.
type Factory func(path string, meta *Metadata) (Source, error)

const maxFrameSize = 32 << 20 // scanner buffer cap per JPEG

// FFmpegSource reads frames from an ffmpeg child process emitting MJPEG
// over a pipe. Seeking respawns the decoder at the target position; decoder
// hiccups around keyframe boundaries are absorbed by a retry ladder rather
// than surfaced to the caller.
type FFmpegSource struct {
	mu      sync.Mutex
	path    string
	meta    *Metadata
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  bytes.Buffer
	scanner *bufio.Scanner
	pos     int          // index of the frame the next Read returns
	pending *track.Frame // frame buffered by warm-up or seek verification
	closed  bool
}

var _ Source = (*FFmpegSource)(nil)

// Open spawns a decoder at frame 0 and performs a warm-up read so the
// first caller-visible operation hits an already-flowing pipe.
func Open(path string, meta *Metadata) (Source, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	s := &FFmpegSource{path: path, meta: meta}
	if err := s.spawn(0); err != nil {
		return nil, err
	}

	// Warm-up read. The decoded frame is kept so frame 0 is not lost when
	// the caller reads sequentially from the start.
	f, err := s.readRaw()
	if err != nil {
		s.stop()
		return nil, fmt.Errorf("warm-up read of %s: %w", path, err)
	}
	f.Index = 0
	s.pending = f
	return s, nil
}

// spawn starts an ffmpeg process positioned at frame n. Positioning uses
// the frame-accurate select filter; n==0 skips the filter entirely.
func (s *FFmpegSource) spawn(n int) error {
	s.stop()

	args := []string{"-hide_banner", "-loglevel", "error"}
	if n > 0 {
		// Coarse input seek to the nearest earlier keyframe, then an exact
		// frame-index select on the decoded stream.
		ts := float64(n)/s.meta.FPS - 1.0
		if ts > 0 {
			args = append(args, "-ss", fmt.Sprintf("%.3f", ts))
		}
		args = append(args, "-i", s.path,
			"-vf", fmt.Sprintf("select='gte(n\\,%d)'", s.selectOffset(n, ts)),
			"-vsync", "0")
	} else {
		args = append(args, "-i", s.path)
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")

	cmd := exec.Command("ffmpeg", args...)
	s.stderr.Reset()
	cmd.Stderr = &s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1<<20), maxFrameSize)
	scanner.Split(SplitJPEG)

	s.cmd = cmd
	s.stdout = stdout
	s.scanner = scanner
	s.pos = n
	s.pending = nil
	return nil
}

// selectOffset translates the absolute frame index into the select filter's
// post-seek numbering when an input -ss was applied.
func (s *FFmpegSource) selectOffset(n int, ts float64) int {
	if ts <= 0 {
		return n
	}
	skipped := int(ts * s.meta.FPS)
	if skipped > n {
		return 0
	}
	return n - skipped
}

// spawnTimestamp starts ffmpeg using an accurate output-side timestamp seek.
// Slower than the select filter but tolerant of streams whose frame
// numbering confuses it.
func (s *FFmpegSource) spawnTimestamp(n int) error {
	s.stop()

	ts := float64(n) / s.meta.FPS
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", s.path,
		"-ss", fmt.Sprintf("%.4f", ts),
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")
	s.stderr.Reset()
	cmd.Stderr = &s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1<<20), maxFrameSize)
	scanner.Split(SplitJPEG)

	s.cmd = cmd
	s.stdout = stdout
	s.scanner = scanner
	s.pos = n
	s.pending = nil
	return nil
}

// Seek repositions the source to frame n. Three strategies are tried in
// order before giving up: a direct respawn at n, a respawn at n-1 with one
// discarded read, and finally a pure timestamp seek.
func (s *FFmpegSource) Seek(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("source closed")
	}
	if s.pending != nil && s.pending.Index == n {
		return nil
	}
	if s.pending == nil && s.pos == n {
		return nil
	}

	// Strategy 1: respawn positioned exactly at n
	if err := s.seekDirect(n); err == nil {
		return nil
	} else {
		log.Printf("[FrameSource] seek(%d) on %s failed, retrying from %d: %v", n, s.path, n-1, err)
	}

	// Strategy 2: respawn one frame earlier and discard the extra frame.
	// seekDirect's verification read already pulled frame n-1 off the pipe
	// and buffered it, so discarding the buffer leaves the pipe at n.
	if n > 0 {
		if err := s.seekDirect(n - 1); err == nil {
			s.pending = nil
			s.pos = n
			return nil
		}
		log.Printf("[FrameSource] seek(%d) on %s via n-1 failed, falling back to timestamp seek", n, s.path)
	}

	// Strategy 3: timestamp seek
	if err := s.spawnTimestamp(n); err != nil {
		return fmt.Errorf("seek to frame %d of %s: %w", n, s.path, err)
	}
	f, err := s.readRaw()
	if err != nil {
		return fmt.Errorf("seek to frame %d of %s: no frame after timestamp seek: %w", n, s.path, err)
	}
	f.Index = n
	s.pending = f
	return nil
}

// seekDirect respawns at n and verifies the decoder actually delivers a
// frame, buffering it for the next Read.
func (s *FFmpegSource) seekDirect(n int) error {
	if err := s.spawn(n); err != nil {
		return err
	}
	f, err := s.readRaw()
	if err != nil {
		return fmt.Errorf("no frame after seek: %w", err)
	}
	f.Index = n
	s.pending = f
	return nil
}

// Read returns the next sequential frame.
func (s *FFmpegSource) Read() (*track.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("source closed")
	}
	if s.pending != nil {
		f := s.pending
		s.pending = nil
		s.pos = f.Index + 1
		return f, nil
	}

	f, err := s.readRaw()
	if err != nil {
		return nil, err
	}
	f.Index = s.pos
	s.pos++
	return f, nil
}

// readRaw pulls one JPEG off the pipe without touching position bookkeeping.
func (s *FFmpegSource) readRaw() (*track.Frame, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("frame read: %w (ffmpeg: %s)", err, s.stderr.String())
		}
		return nil, io.EOF
	}

	data := make([]byte, len(s.scanner.Bytes()))
	copy(data, s.scanner.Bytes())
	return &track.Frame{
		JPEG:   data,
		Width:  s.meta.Width,
		Height: s.meta.Height,
	}, nil
}

func (s *FFmpegSource) stop() {
	if s.cmd == nil {
		return
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	s.cmd = nil
	s.scanner = nil
	s.stdout = nil
}

func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stop()
	return nil
}
