package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/vigil/internal/alarm"
	"github.com/andresmejia3/vigil/internal/capture"
	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/debounce"
	"github.com/andresmejia3/vigil/internal/pipeline"
	"github.com/andresmejia3/vigil/internal/render"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/andresmejia3/vigil/internal/worker"
	"github.com/spf13/cobra"
)

// sourceFlags select the landmark model and the capture input; watch and calibrate share them.
type sourceFlags struct {
	Predictor string
	Webcam    int
	Input     string
	Width     int
}

// watchFlags holds the CLI overrides for the watch command
type watchFlags struct {
	sourceFlags
	Alarm         string
	Threshold     float64
	Frames        int
	DebugDir      string
	SnapshotEvery int
	Notify        bool
	Record        string
}

var watchOpts watchFlags

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the webcam and sound the alarm when the eyes stay closed",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyWatchFlags(cmd.Flags().Changed, watchOpts, cfg)
		return runWatch(cmd.Context(), cfg)
	},
}

func init() {
	defaults := config.DefaultConfig()
	addSourceFlags(watchCmd, &watchOpts.sourceFlags, defaults)
	watchCmd.Flags().StringVarP(&watchOpts.Alarm, "alarm", "a", "", "Path to the alarm sound (empty = visual alert only)")
	watchCmd.Flags().Float64VarP(&watchOpts.Threshold, "threshold", "t", defaults.Detection.EARThreshold, "Eye aspect ratio below which the eyes count as closed")
	watchCmd.Flags().IntVarP(&watchOpts.Frames, "frames", "f", defaults.Detection.ConsecFrames, "Consecutive closed frames before the alarm sounds")
	watchCmd.Flags().StringVar(&watchOpts.DebugDir, "debug-dir", "", "Save annotated snapshots of alert frames under this directory")
	watchCmd.Flags().IntVar(&watchOpts.SnapshotEvery, "snapshot-every", 0, "Also save a snapshot every N frames (needs --debug-dir)")
	watchCmd.Flags().BoolVar(&watchOpts.Notify, "notify", false, "Raise a desktop notification alongside the alarm sound")
	watchCmd.Flags().StringVarP(&watchOpts.Record, "record", "r", "", "Write the annotated session to this video file")

	rootCmd.AddCommand(watchCmd)
}

func addSourceFlags(cmd *cobra.Command, f *sourceFlags, defaults *config.Config) {
	cmd.Flags().StringVarP(&f.Predictor, "shape-predictor", "p", "", "Path to the dlib 68-point facial landmark predictor")
	cmd.Flags().IntVarP(&f.Webcam, "webcam", "w", defaults.Capture.Device, "Index of the webcam (/dev/videoN)")
	cmd.Flags().StringVarP(&f.Input, "input", "i", "", "Read a video file instead of the webcam")
	cmd.Flags().IntVar(&f.Width, "width", defaults.Capture.Width, "Resize frames to this width (0 = native)")
}

// applySourceFlags copies explicitly set flags over the config file values.
func applySourceFlags(changed func(string) bool, f sourceFlags, c *config.Config) {
	if changed("shape-predictor") {
		c.Landmarks.Predictor = f.Predictor
	}
	if changed("webcam") {
		c.Capture.Device = f.Webcam
	}
	if changed("input") {
		c.Capture.Input = f.Input
	}
	if changed("width") {
		c.Capture.Width = f.Width
	}
}

func applyWatchFlags(changed func(string) bool, f watchFlags, c *config.Config) {
	applySourceFlags(changed, f.sourceFlags, c)
	if changed("alarm") {
		c.Alarm.Path = f.Alarm
	}
	if changed("threshold") {
		c.Detection.EARThreshold = f.Threshold
	}
	if changed("frames") {
		c.Detection.ConsecFrames = f.Frames
	}
	if changed("debug-dir") {
		c.Render.DebugDir = f.DebugDir
	}
	if changed("snapshot-every") {
		c.Render.SnapshotEvery = f.SnapshotEvery
	}
	if changed("notify") {
		c.Alarm.Notify = f.Notify
	}
	if changed("record") {
		c.Render.Record = f.Record
	}
}

// openSources starts the landmark engine and the capture stream. The caller closes both.
func openSources(ctx context.Context, c *config.Config) (*worker.LandmarkWorker, *capture.Source, error) {
	lm, err := worker.NewLandmarkWorker(ctx, worker.Config{
		Python:      c.Landmarks.Python,
		Script:      config.ResolvePath(c.Landmarks.Script),
		Predictor:   c.Landmarks.Predictor,
		ReadTimeout: c.Landmarks.ReadTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("landmark engine startup failed: %w", err)
	}

	src, err := capture.Open(ctx, capture.Options{
		Device: c.Capture.Device,
		Input:  c.Capture.Input,
		Format: c.Capture.Format,
		Width:  c.Capture.Width,
		FFmpeg: c.Capture.FFmpeg,
	})
	if err != nil {
		lm.Close()
		return nil, nil, fmt.Errorf("capture startup failed: %w", err)
	}
	return lm, src, nil
}

// alarmAction builds the alarm side effect; nil means visual alert only.
func alarmAction(c config.AlarmConfig) alarm.Action {
	var actions alarm.Actions
	if c.Path != "" {
		actions = append(actions, alarm.NewCommandAction(c.Path, c.Command, c.Args))
	}
	if c.Notify {
		actions = append(actions, &alarm.NotifyAction{Title: "Vigil", Text: render.AlertText})
	}
	switch len(actions) {
	case 0:
		return nil
	case 1:
		return actions[0]
	}
	return actions
}

func runWatch(ctx context.Context, c *config.Config) error {
	if err := config.Validate(c); err != nil {
		return err
	}
	machine, err := debounce.New(debounce.Config{
		Threshold: c.Detection.EARThreshold,
		Frames:    c.Detection.ConsecFrames,
	})
	if err != nil {
		return err
	}

	session := utils.NewSessionID()
	fmt.Fprintf(os.Stderr, "🔑 Session: %s\n", utils.ShortID(session))
	fmt.Fprintf(os.Stderr, "⚙️  Starting landmark engine (%s)...\n", c.Landmarks.Predictor)

	lm, src, err := openSources(ctx, c)
	if err != nil {
		return err
	}
	// Released on every exit path; the alarm task is never waited on
	defer lm.Close()
	defer src.Close()

	action := alarmAction(c.Alarm)
	if action == nil {
		fmt.Fprintf(os.Stderr, "🔇 No alarm configured, alerts are visual only\n")
	}
	actuator := alarm.NewActuator(action)

	opts := render.Options{
		Session:       session,
		DebugDir:      c.Render.DebugDir,
		SnapshotEvery: c.Render.SnapshotEvery,
		Status:        c.Render.Status,
		QuitKey:       c.Render.QuitKey,
		Input:         os.Stdin,
	}
	var recorder *render.Recorder
	if c.Render.Record != "" {
		// Detached from ctx so Ctrl+C still leaves a playable file
		recorder, err = render.NewRecorder(context.WithoutCancel(ctx), c.Capture.FFmpeg, c.Render.Record, c.Render.RecordFPS)
		if err != nil {
			return err
		}
		opts.Sink = recorder
	}

	display, err := render.NewDisplay(opts)
	if err != nil {
		if recorder != nil {
			recorder.Close()
		}
		return err
	}
	defer display.Close()
	fmt.Fprintf(os.Stderr, "👀 Watching. Type %q and Enter to quit.\n", c.Render.QuitKey)

	driver := &pipeline.Driver{
		Frames:    src,
		Landmarks: lm,
		Machine:   machine,
		Alarm:     actuator,
		Renderer:  display,
		Session:   session,
	}
	sum, runErr := driver.Run(ctx)
	display.Close()
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			utils.ShowError("Recording incomplete", err, recorder.Cmd)
		} else {
			fmt.Fprintf(os.Stderr, "🎬 %d annotated frames recorded to %s\n", recorder.Frames(), c.Render.Record)
		}
	}

	sum.Print(os.Stderr)
	if dir := display.Dir(); dir != "" && display.Snapshots() > 0 {
		fmt.Fprintf(os.Stderr, "📸 %d snapshots saved to %s\n", display.Snapshots(), dir)
	}
	if st := actuator.Stats(); st.Failed > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  %d alarm playbacks failed (see log)\n", st.Failed)
	}

	if runErr != nil {
		// DRAIN: let the engine exit so its final stderr is captured
		lm.Close()
		utils.ShowError("Watch stopped", runErr, lm.Cmd)
		return errReported
	}
	return nil
}
