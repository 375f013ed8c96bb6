package render

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/andresmejia3/vigil/internal/utils"
)

// Recorder pipes annotated JPEG frames into an ffmpeg encoder.
type Recorder struct {
	Cmd    *utils.SafeCommand
	in     io.WriteCloser
	frames int
}

// RecorderArgs builds the encoder command line: MJPEG frames on stdin, H.264 out.
func RecorderArgs(path string, fps int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "image2pipe", "-framerate", strconv.Itoa(fps), "-c:v", "mjpeg", "-i", "-",
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		// yuv420p needs even dimensions
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		path,
	}
}

func NewRecorder(ctx context.Context, ffmpeg, path string, fps int) (*Recorder, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("invalid record fps %d", fps)
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	enc := utils.NewSafeCommand(ctx, ffmpeg, RecorderArgs(path, fps)...)
	in, err := enc.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := enc.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}
	return &Recorder{Cmd: enc, in: in}, nil
}

// WriteFrame appends one JPEG frame to the video.
func (r *Recorder) WriteFrame(jpeg []byte) error {
	if _, err := r.in.Write(jpeg); err != nil {
		return fmt.Errorf("encoder rejected frame %d: %w: %s", r.frames+1, err, r.Cmd.Tail(512))
	}
	r.frames++
	return nil
}

// Frames is the number of frames written so far.
func (r *Recorder) Frames() int { return r.frames }

// Close flushes the encoder and waits for the file to be finalized.
func (r *Recorder) Close() error {
	r.in.Close()
	if err := r.Cmd.Wait(); err != nil {
		return fmt.Errorf("encoder failed: %w: %s", err, r.Cmd.Tail(512))
	}
	return nil
}
