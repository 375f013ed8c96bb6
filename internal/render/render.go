// Package render shows the detector's state to the operator: a live status
// line on the terminal and annotated JPEG snapshots of notable frames.
package render

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/vigil/internal/debounce"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

// Signal is the operator input observed during one Render call.
type Signal int

const (
	Continue Signal = iota
	Quit
)

// Overlay is everything drawn over one frame.
type Overlay struct {
	Ratio    float64 // frame openness, meaningful only when HasRatio
	HasRatio bool
	Faces    int
	Eyes     []types.EyeShape
	Alerting bool
	Edge     debounce.Transition
}

// FrameSink receives every annotated frame, e.g. a Recorder.
type FrameSink interface {
	WriteFrame(jpeg []byte) error
}

type Options struct {
	Session       string
	DebugDir      string // snapshots go to DebugDir/<Session>; empty disables them
	SnapshotEvery int    // also snapshot every N frames, 0 = edges only
	Status        bool
	QuitKey       string
	Input         io.Reader // quit key source, nil disables
	Output        io.Writer // status line, defaults to stderr
	Sink          FrameSink // optional, gets every annotated frame
}

type Display struct {
	opts  Options
	dir   string
	bar   *progressbar.ProgressBar
	quit  <-chan struct{}
	saved int
}

func NewDisplay(opts Options) (*Display, error) {
	d := &Display{opts: opts}

	if opts.DebugDir != "" {
		d.dir = filepath.Join(opts.DebugDir, opts.Session)
		if err := os.MkdirAll(d.dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	if opts.Status {
		out := opts.Output
		if out == nil {
			out = os.Stderr
		}
		d.bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("👁️  Vigil Watching"),
			progressbar.OptionSetWriter(out),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}

	if opts.Input != nil && opts.QuitKey != "" {
		d.quit = WatchQuit(opts.Input, opts.QuitKey)
	}
	return d, nil
}

// Render updates the status line, writes a snapshot when the frame is an
// alert edge or falls on the snapshot interval, feeds the sink, and reports
// whether the operator asked to quit. Only write failures are returned.
func (d *Display) Render(frame types.Frame, ov Overlay) (Signal, error) {
	if d.bar != nil {
		d.bar.Describe(StatusLine(ov))
		d.bar.Add(1)
	}

	reason := d.snapshotReason(frame, ov)
	if reason != "" || d.opts.Sink != nil {
		data, err := AnnotateJPEG(frame.Data, ov)
		if err != nil {
			// A corrupt frame only costs its annotation
			log.Warn().Err(err).Int("frame", frame.Index).Msg("Frame not annotated")
		} else {
			if reason != "" {
				if err := d.snapshot(frame.Index, reason, data); err != nil {
					return Continue, err
				}
			}
			if d.opts.Sink != nil {
				if err := d.opts.Sink.WriteFrame(data); err != nil {
					return Continue, err
				}
			}
		}
	}

	select {
	case <-d.quit:
		return Quit, nil
	default:
		return Continue, nil
	}
}

// StatusLine is the one-line description shown next to the spinner.
func StatusLine(ov Overlay) string {
	switch {
	case ov.Alerting && ov.HasRatio:
		return fmt.Sprintf("🚨 %s EAR: %.2f", AlertText, ov.Ratio)
	case ov.Alerting:
		return "🚨 " + AlertText
	case ov.HasRatio:
		return fmt.Sprintf("👁️  EAR: %.2f | faces: %d", ov.Ratio, ov.Faces)
	case ov.Faces > 0:
		return fmt.Sprintf("👁️  EAR: -- | faces: %d", ov.Faces)
	default:
		return "👁️  no face"
	}
}

func (d *Display) snapshotReason(frame types.Frame, ov Overlay) string {
	if d.dir == "" {
		return ""
	}
	switch ov.Edge {
	case debounce.Triggered:
		return "alert"
	case debounce.Cleared:
		return "clear"
	}
	if d.opts.SnapshotEvery > 0 && frame.Index%d.opts.SnapshotEvery == 0 {
		return "periodic"
	}
	return ""
}

func (d *Display) snapshot(index int, reason string, data []byte) error {
	path := filepath.Join(d.dir, fmt.Sprintf("frame_%06d_%s.jpg", index, reason))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	d.saved++
	log.Debug().Str("path", path).Str("reason", reason).Msg("Snapshot saved")
	return nil
}

// Snapshots returns how many snapshots were written.
func (d *Display) Snapshots() int { return d.saved }

// Dir is the snapshot directory for this session, empty when disabled.
func (d *Display) Dir() string { return d.dir }

// Close finishes the status line. It is safe to call more than once.
func (d *Display) Close() {
	if d.bar != nil {
		d.bar.Finish()
		d.bar = nil
	}
}
