// Package capture pulls JPEG frames out of an ffmpeg subprocess reading a
// webcam or a video file.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/rs/zerolog/log"
)

const megabyte = 1024 * 1024

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("capture source closed")

// Options selects what ffmpeg reads and how frames are shaped.
type Options struct {
	Device int    // webcam index, used when Input is empty
	Input  string // video file or URL; overrides Device
	Format string // ffmpeg input format for the device, e.g. v4l2
	Width  int    // output width in pixels, 0 keeps the native size
	FFmpeg string // ffmpeg binary
}

// DevicePath maps a webcam index to its device node.
func DevicePath(index int) string {
	return "/dev/video" + strconv.Itoa(index)
}

// Args returns the ffmpeg arguments for opts.
func (o Options) Args() []string {
	// -hide_banner and -loglevel error keep the stderr buffer small
	args := []string{"-hide_banner", "-loglevel", "error"}
	if o.Input != "" {
		args = append(args, "-i", o.Input)
	} else {
		if o.Format != "" {
			args = append(args, "-f", o.Format)
		}
		args = append(args, "-i", DevicePath(o.Device))
	}
	if o.Width > 0 {
		// -2 keeps the aspect ratio with an even height, which mjpeg requires
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", o.Width))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// Source is a running ffmpeg decoder. Next and Close may be called from
// different goroutines; Next itself must only be called from one.
type Source struct {
	cmd     *utils.SafeCommand
	out     io.ReadCloser
	scanner *bufio.Scanner
	index   int

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	reapOnce sync.Once
	reapErr  error
}

// Open starts ffmpeg. It fails fast when the webcam device node does not exist.
func Open(ctx context.Context, opts Options) (*Source, error) {
	if opts.Input == "" {
		if _, err := os.Stat(DevicePath(opts.Device)); err != nil {
			return nil, fmt.Errorf("capture device %d unavailable: %w", opts.Device, err)
		}
	} else if _, err := os.Stat(opts.Input); err != nil {
		return nil, fmt.Errorf("input video unavailable: %w", err)
	}

	bin := opts.FFmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := utils.NewSafeCommand(ctx, bin, opts.Args()...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	log.Debug().Str("ffmpeg", bin).Strs("args", opts.Args()).Int("pid", cmd.Process.Pid).Msg("Capture started")

	return newSource(cmd, out), nil
}

func newSource(cmd *utils.SafeCommand, out io.ReadCloser) *Source {
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)
	return &Source{
		cmd:     cmd,
		out:     out,
		scanner: scanner,
		closed:  make(chan struct{}),
	}
}

// Next blocks until the next frame is decoded. It returns io.EOF when the
// input ends cleanly and ErrClosed after Close.
func (s *Source) Next() (types.Frame, error) {
	select {
	case <-s.closed:
		return types.Frame{}, ErrClosed
	default:
	}

	if !s.scanner.Scan() {
		select {
		case <-s.closed:
			return types.Frame{}, ErrClosed
		default:
		}
		if err := s.scanner.Err(); err != nil {
			return types.Frame{}, fmt.Errorf("frame scanner failed: %w", err)
		}
		if err := s.reap(); err != nil {
			return types.Frame{}, err
		}
		return types.Frame{}, io.EOF
	}

	// The scanner reuses its buffer, so every frame gets its own copy
	data := bytes.Clone(s.scanner.Bytes())
	s.index++
	return types.Frame{Index: s.index, Data: data, At: time.Now()}, nil
}

// reap waits for ffmpeg exactly once and reports a non-zero exit.
func (s *Source) reap() error {
	s.reapOnce.Do(func() {
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		if err := s.cmd.Wait(); err != nil {
			if tail := s.cmd.Tail(1024); tail != "" {
				s.reapErr = fmt.Errorf("ffmpeg exited: %w: %s", err, tail)
				return
			}
			s.reapErr = fmt.Errorf("ffmpeg exited: %w", err)
		}
	})
	return s.reapErr
}

// Close stops ffmpeg and releases the device. Safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		s.closeErr = s.out.Close()
		// Killed on purpose, the exit status carries no information
		_ = s.reap()
		log.Debug().Int("frames", s.index).Msg("Capture released")
	})
	return s.closeErr
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}
