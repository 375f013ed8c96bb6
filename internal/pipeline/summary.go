package pipeline

import (
	"fmt"
	"io"
	"time"

	"github.com/andresmejia3/vigil/internal/utils"
)

// Print writes the end-of-run report.
func (s Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 VIGIL SUMMARY (session %s, %s)\n", utils.ShortID(s.Session), s.Stop)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "🎞️  Frames Processed:    %d (%.1f fps over %s)\n", s.Frames, s.FPS(), s.Duration.Round(time.Second))
	fmt.Fprintf(w, "👁️  Faces Measured:      %d (%d skipped)\n", s.Faces-s.SkippedFaces, s.SkippedFaces)
	fmt.Fprintf(w, "🙈 Frames Without Face: %d\n", s.NoFaceFrames)
	if s.FailedFrames > 0 {
		fmt.Fprintf(w, "⚠️  Frames Rejected:     %d\n", s.FailedFrames)
	}
	fmt.Fprintf(w, "🚨 Drowsiness Alerts:   %d (%d alarms played)\n", s.Alerts, s.AlarmsStarted)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// FPS is the average processing rate of the run.
func (s Summary) FPS() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Duration.Seconds()
}
