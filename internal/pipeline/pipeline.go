// Package pipeline runs the per-frame loop: capture, landmarks, eye aspect
// ratio, debounce, alarm and render, strictly in frame order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andresmejia3/vigil/internal/debounce"
	"github.com/andresmejia3/vigil/internal/ear"
	"github.com/andresmejia3/vigil/internal/landmarks"
	"github.com/andresmejia3/vigil/internal/render"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/worker"
	"github.com/rs/zerolog/log"
)

// FrameSource is a blocking pull of frames; io.EOF ends the run cleanly.
type FrameSource interface {
	Next() (types.Frame, error)
}

// LandmarkSource finds every face in a JPEG frame.
type LandmarkSource interface {
	Detect(frame []byte) ([]types.Face, error)
}

type Renderer interface {
	Render(frame types.Frame, ov render.Overlay) (render.Signal, error)
}

// Trigger starts the alarm without blocking and reports whether it did.
type Trigger interface {
	Trigger(ctx context.Context) bool
}

// Why a run stopped.
const (
	StopQuit        = "quit"
	StopEndOfInput  = "end of input"
	StopInterrupted = "interrupted"
	StopFailed      = "failed"
)

type Summary struct {
	Session       string
	Frames        int
	Faces         int
	SkippedFaces  int // faces with unusable landmarks or ratio
	NoFaceFrames  int
	FailedFrames  int // frames the landmark engine rejected
	Alerts        int
	Cleared       int
	AlarmsStarted int
	Duration      time.Duration
	Stop          string
}

type Driver struct {
	Frames    FrameSource
	Landmarks LandmarkSource
	Machine   *debounce.Machine
	Alarm     Trigger  // nil = visual alert only
	Renderer  Renderer // nil = headless
	Session   string
}

// Run loops until the operator quits, ctx is cancelled or the input ends,
// all of which return a nil error. Capture, landmark engine and render
// failures stop the loop and are returned.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	sum := Summary{Session: d.Session}
	start := time.Now()

	log.Info().Str("session", d.Session).
		Float64("threshold", d.Machine.Config().Threshold).
		Int("frames", d.Machine.Config().Frames).
		Msg("Watching for drowsiness")

	for {
		if ctx.Err() != nil {
			sum.Stop = StopInterrupted
			return d.finish(sum, start), nil
		}

		frame, err := d.Frames.Next()
		if errors.Is(err, io.EOF) {
			sum.Stop = StopEndOfInput
			return d.finish(sum, start), nil
		}
		if err != nil {
			// Cancellation kills ffmpeg, which surfaces here as a read error
			if ctx.Err() != nil {
				sum.Stop = StopInterrupted
				return d.finish(sum, start), nil
			}
			sum.Stop = StopFailed
			return d.finish(sum, start), fmt.Errorf("capture failed: %w", err)
		}
		sum.Frames++

		ov, err := d.step(ctx, frame, &sum)
		if err != nil {
			if ctx.Err() != nil {
				sum.Stop = StopInterrupted
				return d.finish(sum, start), nil
			}
			sum.Stop = StopFailed
			return d.finish(sum, start), err
		}

		if d.Renderer == nil {
			continue
		}
		sig, err := d.Renderer.Render(frame, ov)
		if err != nil {
			sum.Stop = StopFailed
			return d.finish(sum, start), fmt.Errorf("render failed: %w", err)
		}
		if sig == render.Quit {
			sum.Stop = StopQuit
			return d.finish(sum, start), nil
		}
	}
}

func (d *Driver) finish(sum Summary, start time.Time) Summary {
	sum.Duration = time.Since(start)
	return sum
}

// step runs landmarks, ratio and debounce for one frame and builds its overlay.
func (d *Driver) step(ctx context.Context, frame types.Frame, sum *Summary) (render.Overlay, error) {
	faces, err := d.Landmarks.Detect(frame.Data)
	if err != nil {
		if !worker.IsLogicError(err) {
			return render.Overlay{}, fmt.Errorf("landmark engine failed: %w", err)
		}
		// The engine survived; this frame simply carries no evidence either way
		sum.FailedFrames++
		log.Warn().Err(err).Int("frame", frame.Index).Msg("Frame skipped")
		return render.Overlay{Alerting: d.Machine.Alerting()}, nil
	}

	ov := render.Overlay{Faces: len(faces)}
	if len(faces) == 0 {
		sum.NoFaceFrames++
		ov.Edge = d.apply(ctx, frame, d.Machine.NoFace(), 0, ov.Edge, sum)
		ov.Alerting = d.Machine.Alerting()
		return ov, nil
	}

	for i, face := range faces {
		sum.Faces++
		left, right, err := landmarks.Pair(face)
		if err == nil {
			ov.Eyes = append(ov.Eyes, left, right)
		}
		var ratio float64
		if err == nil {
			ratio, err = ear.Frame(left, right)
		}
		var tr debounce.Transition
		if err == nil {
			tr, err = d.Machine.Update(ratio)
		}
		if err != nil {
			sum.SkippedFaces++
			log.Debug().Err(err).Int("frame", frame.Index).Int("face", i).Msg("Face skipped")
			continue
		}
		if !ov.HasRatio {
			ov.Ratio, ov.HasRatio = ratio, true
		}
		ov.Edge = d.apply(ctx, frame, tr, ratio, ov.Edge, sum)
	}
	ov.Alerting = d.Machine.Alerting()
	return ov, nil
}

// apply acts on one transition and returns the frame's edge so far.
func (d *Driver) apply(ctx context.Context, frame types.Frame, tr debounce.Transition, ratio float64, edge debounce.Transition, sum *Summary) debounce.Transition {
	switch tr {
	case debounce.Triggered:
		sum.Alerts++
		started := d.Alarm != nil && d.Alarm.Trigger(ctx)
		if started {
			sum.AlarmsStarted++
		}
		log.Warn().Str("session", d.Session).Int("frame", frame.Index).
			Float64("ear", ratio).
			Int("consecutive", d.Machine.State().ConsecutiveLowFrames).
			Bool("alarm", started).
			Msg("DROWSINESS ALERT")
	case debounce.Cleared:
		sum.Cleared++
		log.Info().Str("session", d.Session).Int("frame", frame.Index).Msg("Alert cleared")
	default:
		return edge
	}
	return tr
}
