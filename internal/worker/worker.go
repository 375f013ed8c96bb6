// Package worker drives the Python landmark engine that finds faces in a
// JPEG frame and returns the 68 dlib landmarks of each one.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1

	// maxPayload bounds a single response; a 68-point face is ~550 bytes
	maxPayload = 16 * 1024 * 1024
	maxFaces   = 64
	maxPoints  = 1024
)

// LogicError is a per-frame failure reported by the engine itself (bad
// frame, decoder error). The engine is still healthy after one.
type LogicError struct {
	Msg string
}

func (e *LogicError) Error() string { return "landmark worker error: " + e.Msg }

// Config selects the Python engine and its model.
type Config struct {
	Python      string        // interpreter, default python3
	Script      string        // engine script path
	Predictor   string        // dlib shape predictor model
	ReadTimeout time.Duration // per-frame response deadline, 0 disables
}

type LandmarkWorker struct {
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	closeOnce sync.Once
}

func NewLandmarkWorker(ctx context.Context, cfg Config) (*LandmarkWorker, error) {
	if _, err := os.Stat(cfg.Predictor); err != nil {
		return nil, fmt.Errorf("landmark model unreadable: %w", err)
	}
	if _, err := os.Stat(cfg.Script); err != nil {
		return nil, fmt.Errorf("landmark engine script missing: %w", err)
	}
	python := cfg.Python
	if python == "" {
		python = "python3"
	}

	py := utils.NewSafeCommand(ctx, python, "-u", cfg.Script, "--predictor", cfg.Predictor)

	// Create a side-channel pipe (FD 3) so stray prints on stdout cannot corrupt the protocol
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("landmark worker failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &LandmarkWorker{
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Detect sends one JPEG frame and returns every face found in it.
// A *LogicError means only this frame failed; any other error means the engine is gone.
func (w *LandmarkWorker) Detect(frame []byte) ([]types.Face, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(frame))); err != nil {
		return nil, fmt.Errorf("failed to send frame header: %w", err)
	}
	if _, err := w.Stdin.Write(frame); err != nil {
		return nil, fmt.Errorf("failed to send frame: %w", err)
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.ReadTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, fmt.Errorf("failed to read response header: %w", err) // a dead interpreter shows up here
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxPayload {
		return nil, fmt.Errorf("invalid response length %d", respLen)
	}
	body := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, body); err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return decodeResponse(body)
}

// decodeResponse parses
//
//	[u8 status=0][u32 faces] { [u32 points] { [f32 x][f32 y] } }
//	[u8 status=1][u32 msgLen][msg]
func decodeResponse(body []byte) ([]types.Face, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty response: %w", err)
	}

	switch status {
	case statusOK:
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		if int64(msgLen) > int64(r.Len()) {
			return nil, fmt.Errorf("malformed error response: message length %d exceeds payload", msgLen)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, &LogicError{Msg: string(msg)}
	default:
		return nil, fmt.Errorf("unknown response status %d", status)
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if numFaces > maxFaces {
		return nil, fmt.Errorf("malformed response: %d faces", numFaces)
	}

	faces := make([]types.Face, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		var numPoints uint32
		if err := binary.Read(r, binary.BigEndian, &numPoints); err != nil {
			return nil, fmt.Errorf("malformed face %d: %w", i, err)
		}
		if numPoints > maxPoints {
			return nil, fmt.Errorf("malformed face %d: %d points", i, numPoints)
		}
		raw := make([]float32, numPoints*2)
		if err := binary.Read(r, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("malformed face %d: %w", i, err)
		}
		face := types.Face{Points: make([]types.Point, numPoints)}
		for j := range face.Points {
			face.Points[j] = types.Point{X: float64(raw[2*j]), Y: float64(raw[2*j+1])}
		}
		faces = append(faces, face)
	}
	return faces, nil
}

// IsLogicError reports whether err is a recoverable per-frame failure.
func IsLogicError(err error) bool {
	var le *LogicError
	return errors.As(err, &le)
}

// Close shuts the engine down and waits for it to exit. Later calls are no-ops.
func (w *LandmarkWorker) Close() {
	w.closeOnce.Do(func() {
		w.Stdin.Close() // EOF on stdin is the engine's signal to exit
		w.DataPipe.Close()
		if w.Cmd != nil {
			w.Cmd.Wait()
		}
	})
}
