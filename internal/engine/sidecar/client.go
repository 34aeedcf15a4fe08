package sidecar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"trackd/internal/engine"
	"trackd/internal/track"
)

// HostArg is the hidden CLI argument that switches the trackd binary into
// engine-host mode when the parent re-executes itself.
const HostArg = "engine-host"

// Proc wraps an engine running in a dedicated child process. It satisfies
// engine.Engine so the worker cannot tell an isolated engine from an
// in-process one.
type Proc struct {
	id     string
	caps   engine.Capabilities
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	stdin  io.WriteCloser
	data   io.ReadCloser
}

// Start launches the engine host and performs the init handshake, passing
// the serialized engine config through the pipe rather than the environment.
func Start(cfg *track.EngineConfig) (*Proc, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate own executable: %w", err)
	}

	cmd := exec.Command(self, HostArg)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	// Side-channel pipe for responses; appears as fd 3 in the child.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create response pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine host failed to start: %w", err)
	}
	// Close the write end in the parent so only the child holds it
	w.Close()

	p := &Proc{
		id:     cfg.EngineID,
		cmd:    cmd,
		stderr: stderr,
		stdin:  stdin,
		data:   r,
	}

	if err := p.init(cfg); err != nil {
		p.kill()
		return nil, err
	}
	return p, nil
}

func (p *Proc) init(cfg *track.EngineConfig) error {
	if err := writeRequest(p.stdin, requestHeader{Op: opInit, EngineConfig: cfg}, nil); err != nil {
		return p.pipeError("init send", err)
	}
	resp, err := readResponse(p.data)
	if err != nil {
		return p.pipeError("init recv", err)
	}
	if resp.Status != "ok" {
		if resp.ModelInit {
			return &engine.ModelInitError{EngineID: cfg.EngineID, Err: fmt.Errorf("%s", resp.Error)}
		}
		return fmt.Errorf("engine host init failed: %s", resp.Error)
	}
	if resp.Capabilities != nil {
		p.caps = engine.Capabilities{
			SupportsGPU:             resp.Capabilities.SupportsGPU,
			SupportsLandmarks:       resp.Capabilities.SupportsLandmarks,
			PreferredDownscaleWidth: resp.Capabilities.PreferredDownscaleWidth,
		}
	}
	return nil
}

func (p *Proc) ID() string {
	return p.id
}

func (p *Proc) Capabilities() engine.Capabilities {
	return p.caps
}

func (p *Proc) Detect(ctx context.Context, frame *track.Frame, opts engine.Options) ([]engine.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hdr := requestHeader{
		Op:          opDetect,
		FrameIndex:  frame.Index,
		Width:       frame.Width,
		Height:      frame.Height,
		Blendshapes: opts.Blendshapes,
	}
	if err := writeRequest(p.stdin, hdr, frame.JPEG); err != nil {
		return nil, p.pipeError("detect send", err)
	}

	resp, err := readResponse(p.data)
	if err != nil {
		// A broken pipe here usually means the child crashed mid-frame.
		return nil, p.pipeError("detect recv", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("engine host: %s", resp.Error)
	}
	return fromWire(resp.Detections), nil
}

// Close shuts the child down gracefully and reaps it
func (p *Proc) Close() error {
	writeRequest(p.stdin, requestHeader{Op: opClose}, nil)
	p.stdin.Close()
	p.data.Close()
	if p.cmd != nil {
		return p.cmd.Wait()
	}
	return nil
}

func (p *Proc) kill() {
	p.stdin.Close()
	p.data.Close()
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
		p.cmd.Wait()
	}
}

// pipeError decorates a pipe failure with the child's captured stderr so
// crash logs are not lost.
func (p *Proc) pipeError(stage string, err error) error {
	if p.stderr != nil && p.stderr.Len() > 0 {
		return fmt.Errorf("engine host %s failed: %w\nengine host logs:\n%s", stage, err, p.stderr.String())
	}
	return fmt.Errorf("engine host %s failed: %w", stage, err)
}

var _ engine.Engine = (*Proc)(nil)
