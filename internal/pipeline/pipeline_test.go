package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/vigil/internal/alarm"
	"github.com/andresmejia3/vigil/internal/debounce"
	"github.com/andresmejia3/vigil/internal/ear"
	"github.com/andresmejia3/vigil/internal/landmarks"
	"github.com/andresmejia3/vigil/internal/render"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/worker"
)

// --- Fakes ---

// faceWithRatio builds a 68-point face whose eyes both measure r.
func faceWithRatio(r float64) types.Face {
	pts := make([]types.Point, landmarks.Count)
	h := 5 * r // corners 10 apart, lids at x=3 and x=7: ratio = h/5
	eye := []types.Point{{X: 0, Y: 0}, {X: 3, Y: -h}, {X: 7, Y: -h}, {X: 10, Y: 0}, {X: 7, Y: h}, {X: 3, Y: h}}
	for i, p := range eye {
		pts[landmarks.Eyes[landmarks.RightEye].Start+i] = types.Point{X: p.X + 100, Y: p.Y + 100}
		pts[landmarks.Eyes[landmarks.LeftEye].Start+i] = types.Point{X: p.X + 150, Y: p.Y + 100}
	}
	return types.Face{Points: pts}
}

type frameScript struct {
	faces []types.Face
	err   error
}

func faces(ratios ...float64) frameScript {
	s := frameScript{}
	for _, r := range ratios {
		s.faces = append(s.faces, faceWithRatio(r))
	}
	return s
}

var (
	noFace    = frameScript{}
	shortFace = frameScript{faces: []types.Face{{Points: make([]types.Point, 40)}}}
)

type fakeFrames struct {
	n   int
	max int
	err error // returned instead of io.EOF once frames run out
}

func (f *fakeFrames) Next() (types.Frame, error) {
	if f.n >= f.max {
		if f.err != nil {
			return types.Frame{}, f.err
		}
		return types.Frame{}, io.EOF
	}
	f.n++
	return types.Frame{Index: f.n, Data: []byte{byte(f.n)}, At: time.Now()}, nil
}

type fakeLandmarks struct {
	script []frameScript
	calls  int
}

func (f *fakeLandmarks) Detect(frame []byte) ([]types.Face, error) {
	s := f.script[f.calls]
	f.calls++
	return s.faces, s.err
}

type fakeTrigger struct {
	frames  *fakeFrames
	atFrame []int
}

func (f *fakeTrigger) Trigger(ctx context.Context) bool {
	f.atFrame = append(f.atFrame, f.frames.n)
	return true
}

type fakeRenderer struct {
	overlays []render.Overlay
	quitAt   int
	err      error
}

func (f *fakeRenderer) Render(frame types.Frame, ov render.Overlay) (render.Signal, error) {
	f.overlays = append(f.overlays, ov)
	if f.err != nil {
		return render.Continue, f.err
	}
	if frame.Index == f.quitAt {
		return render.Quit, nil
	}
	return render.Continue, nil
}

type harness struct {
	driver   *Driver
	trigger  *fakeTrigger
	renderer *fakeRenderer
}

func newHarness(t *testing.T, frames int, script ...frameScript) *harness {
	t.Helper()
	m, err := debounce.New(debounce.Config{Threshold: 0.3, Frames: 3})
	if err != nil {
		t.Fatalf("debounce.New failed: %v", err)
	}
	src := &fakeFrames{max: frames}
	h := &harness{
		trigger:  &fakeTrigger{frames: src},
		renderer: &fakeRenderer{},
	}
	h.driver = &Driver{
		Frames:    src,
		Landmarks: &fakeLandmarks{script: script},
		Machine:   m,
		Alarm:     h.trigger,
		Renderer:  h.renderer,
		Session:   "test-session",
	}
	return h
}

func run(t *testing.T, script ...frameScript) (*harness, Summary) {
	t.Helper()
	h := newHarness(t, len(script), script...)
	sum, err := h.driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return h, sum
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Tests ---

func TestFaceWithRatio(t *testing.T) {
	left, right, err := landmarks.Pair(faceWithRatio(0.2))
	if err != nil {
		t.Fatalf("Pair failed: %v", err)
	}
	r, err := ear.Frame(left, right)
	if err != nil || math.Abs(r-0.2) > 1e-9 {
		t.Fatalf("expected ratio 0.2, got %v (%v)", r, err)
	}
}

func TestRun_TriggerSequences(t *testing.T) {
	tests := []struct {
		name     string
		script   []frameScript
		triggers []int
		alerts   int
		cleared  int
	}{
		{
			name:     "sustained closure triggers on third frame",
			script:   []frameScript{faces(0.2), faces(0.2), faces(0.2)},
			triggers: []int{3},
			alerts:   1,
		},
		{
			name:     "open frame resets the counter",
			script:   []frameScript{faces(0.2), faces(0.2), faces(0.35), faces(0.2), faces(0.2), faces(0.2)},
			triggers: []int{6},
			alerts:   1,
		},
		{
			name:     "lost face resets the counter",
			script:   []frameScript{faces(0.2), faces(0.2), noFace, faces(0.2), faces(0.2), faces(0.2)},
			triggers: []int{6},
			alerts:   1,
		},
		{
			name:     "edge triggered while closed",
			script:   []frameScript{faces(0.1), faces(0.1), faces(0.1), faces(0.1), faces(0.1), faces(0.0)},
			triggers: []int{3},
			alerts:   1,
		},
		{
			name: "second episode triggers again",
			script: []frameScript{
				faces(0.2), faces(0.2), faces(0.2), faces(0.35),
				faces(0.2), faces(0.2), faces(0.2),
			},
			triggers: []int{3, 7},
			alerts:   2,
			cleared:  1,
		},
		{
			name:     "lost face clears an alert",
			script:   []frameScript{faces(0.2), faces(0.2), faces(0.2), noFace, faces(0.2)},
			triggers: []int{3},
			alerts:   1,
			cleared:  1,
		},
		{
			name:     "threshold itself counts as open",
			script:   []frameScript{faces(0.2), faces(0.2), faces(0.3), faces(0.2), faces(0.2)},
			triggers: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, sum := run(t, tt.script...)
			if !equalInts(h.trigger.atFrame, tt.triggers) {
				t.Errorf("expected triggers at %v, got %v", tt.triggers, h.trigger.atFrame)
			}
			if sum.Alerts != tt.alerts || sum.Cleared != tt.cleared {
				t.Errorf("expected %d alerts / %d cleared, got %d / %d", tt.alerts, tt.cleared, sum.Alerts, sum.Cleared)
			}
			if sum.AlarmsStarted != len(tt.triggers) {
				t.Errorf("expected %d alarms started, got %d", len(tt.triggers), sum.AlarmsStarted)
			}
			if sum.Frames != len(tt.script) || sum.Stop != StopEndOfInput {
				t.Errorf("expected %d frames ending at input end, got %d (%s)", len(tt.script), sum.Frames, sum.Stop)
			}
		})
	}
}

func TestRun_Overlay(t *testing.T) {
	h, _ := run(t, faces(0.2), faces(0.2), faces(0.2), faces(0.4), noFace)
	ovs := h.renderer.overlays
	if len(ovs) != 5 {
		t.Fatalf("expected 5 rendered frames, got %d", len(ovs))
	}

	if !ovs[0].HasRatio || math.Abs(ovs[0].Ratio-0.2) > 1e-9 || ovs[0].Faces != 1 || len(ovs[0].Eyes) != 2 {
		t.Errorf("frame 1 overlay wrong: %+v", ovs[0])
	}
	if ovs[1].Alerting || ovs[1].Edge != debounce.None {
		t.Errorf("frame 2 should be quiet: %+v", ovs[1])
	}
	if !ovs[2].Alerting || ovs[2].Edge != debounce.Triggered {
		t.Errorf("frame 3 should raise the alert: %+v", ovs[2])
	}
	if ovs[3].Alerting || ovs[3].Edge != debounce.Cleared {
		t.Errorf("frame 4 should clear the alert: %+v", ovs[3])
	}
	if ovs[4].HasRatio || ovs[4].Faces != 0 || ovs[4].Edge != debounce.None {
		t.Errorf("frame 5 should be an empty no-face overlay: %+v", ovs[4])
	}
}

func TestRun_InvalidFaceLeavesStateUnchanged(t *testing.T) {
	// A skipped face neither counts as closed nor resets the count
	h, sum := run(t, faces(0.2), faces(0.2), shortFace, faces(0.2))
	if !equalInts(h.trigger.atFrame, []int{4}) {
		t.Errorf("expected trigger at frame 4, got %v", h.trigger.atFrame)
	}
	if sum.SkippedFaces != 1 || sum.Faces != 4 {
		t.Errorf("expected 4 faces with 1 skipped, got %d / %d", sum.Faces, sum.SkippedFaces)
	}
	if h.renderer.overlays[2].HasRatio {
		t.Error("skipped face must not report a ratio")
	}
}

func TestRun_DegenerateEyeSkipped(t *testing.T) {
	face := faceWithRatio(0.2)
	start := landmarks.Eyes[landmarks.LeftEye].Start
	face.Points[start+3] = face.Points[start] // corners coincide

	h, sum := run(t, faces(0.2), faces(0.2), frameScript{faces: []types.Face{face}}, faces(0.2))
	if sum.SkippedFaces != 1 {
		t.Errorf("expected 1 skipped face, got %d", sum.SkippedFaces)
	}
	if !equalInts(h.trigger.atFrame, []int{4}) {
		t.Errorf("expected trigger at frame 4, got %v", h.trigger.atFrame)
	}
}

func TestRun_MultipleFacesShareOneAlarm(t *testing.T) {
	// Both faces feed the same machine, so two closed faces count twice per frame
	h, sum := run(t, faces(0.2, 0.2), faces(0.2, 0.2), faces(0.2, 0.2))
	if !equalInts(h.trigger.atFrame, []int{2}) {
		t.Errorf("expected a single trigger at frame 2, got %v", h.trigger.atFrame)
	}
	if sum.Alerts != 1 || sum.Faces != 6 {
		t.Errorf("expected 1 alert over 6 faces, got %d / %d", sum.Alerts, sum.Faces)
	}
	if len(h.renderer.overlays[0].Eyes) != 4 {
		t.Errorf("expected 4 eye contours, got %d", len(h.renderer.overlays[0].Eyes))
	}
}

func TestRun_LogicErrorSkipsFrame(t *testing.T) {
	bad := frameScript{err: &worker.LogicError{Msg: "could not decode frame"}}
	h, sum := run(t, faces(0.2), faces(0.2), bad, faces(0.2))
	if sum.FailedFrames != 1 {
		t.Errorf("expected 1 failed frame, got %d", sum.FailedFrames)
	}
	if !equalInts(h.trigger.atFrame, []int{4}) {
		t.Errorf("expected trigger at frame 4, got %v", h.trigger.atFrame)
	}
}

func TestRun_FatalErrors(t *testing.T) {
	t.Run("landmark engine died", func(t *testing.T) {
		h := newHarness(t, 3, faces(0.2), frameScript{err: io.ErrUnexpectedEOF})
		sum, err := h.driver.Run(context.Background())
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("expected wrapped engine error, got %v", err)
		}
		if sum.Stop != StopFailed || sum.Frames != 2 {
			t.Errorf("unexpected summary: %+v", sum)
		}
	})

	t.Run("capture failed", func(t *testing.T) {
		h := newHarness(t, 1, faces(0.2))
		h.driver.Frames.(*fakeFrames).err = errors.New("device unplugged")
		_, err := h.driver.Run(context.Background())
		if err == nil || !strings.Contains(err.Error(), "capture failed") {
			t.Fatalf("expected capture error, got %v", err)
		}
	})

	t.Run("render failed", func(t *testing.T) {
		h := newHarness(t, 1, faces(0.2))
		h.renderer.err = errors.New("disk full")
		if _, err := h.driver.Run(context.Background()); err == nil {
			t.Fatal("expected render error")
		}
	})
}

func TestRun_Quit(t *testing.T) {
	h := newHarness(t, 10, faces(0.2), faces(0.2), faces(0.2))
	h.renderer.quitAt = 2
	sum, err := h.driver.Run(context.Background())
	if err != nil {
		t.Fatalf("quit must not be an error: %v", err)
	}
	if sum.Stop != StopQuit || sum.Frames != 2 {
		t.Errorf("expected quit after 2 frames, got %+v", sum)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := newHarness(t, 3, faces(0.2), faces(0.2), faces(0.2))
	sum, err := h.driver.Run(ctx)
	if err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if sum.Stop != StopInterrupted || sum.Frames != 0 {
		t.Errorf("expected interrupted before any frame, got %+v", sum)
	}
}

func TestRun_HeadlessWithoutAlarm(t *testing.T) {
	h := newHarness(t, 3, faces(0.2), faces(0.2), faces(0.2))
	h.driver.Alarm = nil
	h.driver.Renderer = nil
	sum, err := h.driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Alerts != 1 || sum.AlarmsStarted != 0 {
		t.Errorf("expected a visual-only alert, got %+v", sum)
	}
}

func TestRun_ActuatorPlaysOncePerRunningTask(t *testing.T) {
	var plays atomic.Int32
	release := make(chan struct{})
	act := alarm.NewActuator(alarm.ActionFunc(func(ctx context.Context) error {
		plays.Add(1)
		<-release
		return nil
	}))
	defer close(release)

	// Two closure episodes while the first alarm is still playing
	h := newHarness(t, 7,
		faces(0.2), faces(0.2), faces(0.2), faces(0.35),
		faces(0.2), faces(0.2), faces(0.2),
	)
	h.driver.Alarm = act
	sum, err := h.driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if sum.Alerts != 2 || sum.AlarmsStarted != 1 {
		t.Errorf("expected 2 alerts with 1 alarm started, got %d / %d", sum.Alerts, sum.AlarmsStarted)
	}
	deadline := time.Now().Add(time.Second)
	for plays.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := plays.Load(); got != 1 {
		t.Errorf("expected exactly 1 alarm execution, got %d", got)
	}
	if st := act.Stats(); st.Started != 1 || st.Skipped != 1 {
		t.Errorf("unexpected actuator stats: %+v", st)
	}
}

func TestSummaryPrint(t *testing.T) {
	sum := Summary{
		Session:       "0123456789abcdef",
		Frames:        120,
		Faces:         118,
		SkippedFaces:  2,
		NoFaceFrames:  2,
		Alerts:        1,
		AlarmsStarted: 1,
		Duration:      4 * time.Second,
		Stop:          StopQuit,
	}
	var buf bytes.Buffer
	sum.Print(&buf)
	out := buf.String()

	for _, want := range []string{"session 01234567", "quit", "120 (30.0 fps", "116 (2 skipped)", "Drowsiness Alerts:   1"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Rejected") {
		t.Error("rejected line should be hidden when zero")
	}
	if (Summary{}).FPS() != 0 {
		t.Error("FPS of an empty run should be 0")
	}
}
