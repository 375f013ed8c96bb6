package cmd

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/ear"
	"github.com/andresmejia3/vigil/internal/landmarks"
	"github.com/andresmejia3/vigil/internal/pipeline"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/andresmejia3/vigil/internal/worker"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// suggestFactor scales the open-eye median down to a closed-eye threshold.
const suggestFactor = 0.75

type calibrateFlags struct {
	sourceFlags
	Samples int
	Trace   string
}

var calibrateOpts calibrateFlags

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Measure your open-eye aspect ratio to pick a --threshold",
	Long: `Runs capture and landmark detection without the alarm and reports the
distribution of the eye aspect ratio. Keep your eyes open and look at the camera.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applySourceFlags(cmd.Flags().Changed, calibrateOpts.sourceFlags, cfg)
		return runCalibrate(cmd.Context(), cfg, calibrateOpts.Samples, calibrateOpts.Trace)
	},
}

func init() {
	addSourceFlags(calibrateCmd, &calibrateOpts.sourceFlags, config.DefaultConfig())
	calibrateCmd.Flags().IntVarP(&calibrateOpts.Samples, "samples", "n", 150, "Number of measured frames")
	calibrateCmd.Flags().StringVar(&calibrateOpts.Trace, "trace", "", "Write every measurement as CSV (zstd-compressed when the path ends in .zst)")

	rootCmd.AddCommand(calibrateCmd)
}

// ratioStats summarizes a set of eye aspect ratio samples.
type ratioStats struct {
	Count  int
	Min    float64
	P10    float64
	Median float64
	P90    float64
	Max    float64
}

func computeStats(samples []float64) (ratioStats, error) {
	if len(samples) == 0 {
		return ratioStats{}, errors.New("no eye measurements collected (is a face visible?)")
	}
	s := make([]float64, len(samples))
	copy(s, samples)
	sort.Float64s(s)
	return ratioStats{
		Count:  len(s),
		Min:    s[0],
		P10:    percentile(s, 10),
		Median: percentile(s, 50),
		P90:    percentile(s, 90),
		Max:    s[len(s)-1],
	}, nil
}

// percentile uses the nearest-rank method on sorted data.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Suggested is the threshold proposed for these open-eye samples.
func (s ratioStats) Suggested() float64 {
	return math.Round(s.Median*suggestFactor*100) / 100
}

// traceWriter records one CSV row per measured face.
type traceWriter struct {
	f   *os.File
	enc *zstd.Encoder
	csv *csv.Writer
}

func newTraceWriter(path string) (*traceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace: %w", err)
	}
	t := &traceWriter{f: f}
	var w io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		t.enc, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to start zstd encoder: %w", err)
		}
		w = t.enc
	}
	t.csv = csv.NewWriter(w)
	if err := t.csv.Write([]string{"frame", "face", "ear"}); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *traceWriter) Record(frame, face int, ratio float64) error {
	return t.csv.Write([]string{
		strconv.Itoa(frame),
		strconv.Itoa(face),
		strconv.FormatFloat(ratio, 'f', 4, 64),
	})
}

func (t *traceWriter) Close() error {
	t.csv.Flush()
	err := t.csv.Error()
	if t.enc != nil {
		err = errors.Join(err, t.enc.Close())
	}
	return errors.Join(err, t.f.Close())
}

// collectRatios measures up to n frames that contain a usable face. Frames
// the engine rejects are skipped; the input ending or ctx being cancelled
// stops early without error.
func collectRatios(ctx context.Context, frames pipeline.FrameSource, lm pipeline.LandmarkSource, n int, trace *traceWriter, bar *progressbar.ProgressBar) ([]float64, error) {
	samples := make([]float64, 0, n)
	for len(samples) < n && ctx.Err() == nil {
		frame, err := frames.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return samples, fmt.Errorf("capture failed: %w", err)
		}

		faces, err := lm.Detect(frame.Data)
		if err != nil {
			if worker.IsLogicError(err) {
				log.Warn().Err(err).Int("frame", frame.Index).Msg("Frame skipped")
				continue
			}
			if ctx.Err() != nil {
				break
			}
			return samples, fmt.Errorf("landmark engine failed: %w", err)
		}

		measured := false
		for i, face := range faces {
			left, right, err := landmarks.Pair(face)
			if err != nil {
				continue
			}
			ratio, err := ear.Frame(left, right)
			if err != nil {
				continue
			}
			if trace != nil {
				if err := trace.Record(frame.Index, i, ratio); err != nil {
					return samples, fmt.Errorf("failed to write trace: %w", err)
				}
			}
			// Only the first usable face feeds the statistics
			if !measured {
				samples = append(samples, ratio)
				measured = true
			}
		}
		if measured && bar != nil {
			bar.Add(1)
		}
	}
	return samples, nil
}

func printStats(w io.Writer, s ratioStats) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📏 CALIBRATION (%d frames)\n", s.Count)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "   min    %.3f\n", s.Min)
	fmt.Fprintf(w, "   p10    %.3f\n", s.P10)
	fmt.Fprintf(w, "   median %.3f\n", s.Median)
	fmt.Fprintf(w, "   p90    %.3f\n", s.P90)
	fmt.Fprintf(w, "   max    %.3f\n", s.Max)
	fmt.Fprintf(w, "\n💡 Suggested: --threshold %.2f\n", s.Suggested())
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

func runCalibrate(ctx context.Context, c *config.Config, samples int, tracePath string) error {
	if samples < 1 {
		return fmt.Errorf("invalid --samples: must be >= 1, got %d", samples)
	}
	if err := config.Validate(c); err != nil {
		return err
	}

	var trace *traceWriter
	if tracePath != "" {
		var err error
		if trace, err = newTraceWriter(tracePath); err != nil {
			return err
		}
	}

	lm, src, err := openSources(ctx, c)
	if err != nil {
		if trace != nil {
			trace.Close()
		}
		return err
	}
	defer lm.Close()
	defer src.Close()

	bar := progressbar.NewOptions(samples,
		progressbar.OptionSetDescription("📏 Calibrating"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	ratios, runErr := collectRatios(ctx, src, lm, samples, trace, bar)
	bar.Finish()

	if trace != nil {
		if err := trace.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("failed to finish trace: %w", err)
		}
	}
	if runErr != nil {
		lm.Close()
		utils.ShowError("Calibration stopped", runErr, lm.Cmd)
		return errReported
	}

	stats, err := computeStats(ratios)
	if err != nil {
		return err
	}
	printStats(os.Stdout, stats)
	if tracePath != "" {
		fmt.Fprintf(os.Stderr, "🧾 Trace written to %s\n", tracePath)
	}
	return nil
}
