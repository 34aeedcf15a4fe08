package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"trackd/internal/engine"
	"trackd/internal/track"
)

// Serve runs the engine-host loop inside the child process: read requests
// from in, reply on out, until stdin closes or a close op arrives. The
// engine is constructed from the init message's serialized config; the
// child inherits no configuration through the environment.
func Serve(reg *engine.Registry, in io.Reader, out io.Writer) error {
	var eng engine.Engine
	defer func() {
		if eng != nil {
			eng.Close()
		}
	}()

	for {
		hdr, payload, err := readRequest(in)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil // parent closed the pipe
			}
			return err
		}

		switch hdr.Op {
		case opInit:
			eng, err = handleInit(reg, hdr, out, eng)
			if err != nil {
				return err
			}

		case opDetect:
			if eng == nil {
				if err := writeResponse(out, response{Status: "error", Error: "detect before init"}); err != nil {
					return err
				}
				continue
			}
			frame := &track.Frame{
				Index:  hdr.FrameIndex,
				JPEG:   payload,
				Width:  hdr.Width,
				Height: hdr.Height,
			}
			dets, err := eng.Detect(context.Background(), frame, engine.Options{Blendshapes: hdr.Blendshapes})
			if err != nil {
				if err := writeResponse(out, response{Status: "error", Error: err.Error()}); err != nil {
					return err
				}
				continue
			}
			if err := writeResponse(out, response{Status: "ok", Detections: toWire(dets)}); err != nil {
				return err
			}

		case opClose:
			writeResponse(out, response{Status: "ok"})
			return nil

		default:
			if err := writeResponse(out, response{Status: "error", Error: fmt.Sprintf("unknown op %q", hdr.Op)}); err != nil {
				return err
			}
		}
	}
}

func handleInit(reg *engine.Registry, hdr requestHeader, out io.Writer, prev engine.Engine) (engine.Engine, error) {
	if prev != nil {
		prev.Close()
	}
	if hdr.EngineConfig == nil {
		return nil, writeResponse(out, response{Status: "error", Error: "init without engine_config"})
	}

	eng, err := reg.New(hdr.EngineConfig)
	if err != nil {
		log.Printf("[EngineHost] init failed for %s: %v", hdr.EngineConfig.EngineID, err)
		var initErr *engine.ModelInitError
		resp := response{Status: "error", Error: err.Error()}
		if errors.As(err, &initErr) {
			resp.ModelInit = true
		}
		return nil, writeResponse(out, resp)
	}

	caps := eng.Capabilities()
	err = writeResponse(out, response{
		Status: "ok",
		Capabilities: &capabilities{
			SupportsGPU:             caps.SupportsGPU,
			SupportsLandmarks:       caps.SupportsLandmarks,
			PreferredDownscaleWidth: caps.PreferredDownscaleWidth,
		},
	})
	if err != nil {
		eng.Close()
		return nil, err
	}
	log.Printf("[EngineHost] engine %s initialized", hdr.EngineConfig.EngineID)
	return eng, nil
}
