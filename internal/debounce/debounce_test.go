package debounce

import (
	"errors"
	"math"
	"testing"
)

// noFace marks a frame without a detected face in test sequences.
var noFace = math.Inf(-1)

func feed(t *testing.T, m *Machine, seq []float64) []Transition {
	t.Helper()
	out := make([]Transition, 0, len(seq))
	for i, v := range seq {
		if math.IsInf(v, -1) {
			out = append(out, m.NoFace())
			continue
		}
		tr, err := m.Update(v)
		if err != nil {
			t.Fatalf("frame %d: Update(%v) failed: %v", i+1, v, err)
		}
		out = append(out, tr)
	}
	return out
}

func triggerFrames(trs []Transition) []int {
	var frames []int
	for i, tr := range trs {
		if tr == Triggered {
			frames = append(frames, i+1)
		}
	}
	return frames
}

func TestMachine_Sequences(t *testing.T) {
	tests := []struct {
		name string
		seq  []float64
		want []int // 1-based frames that produce Triggered
	}{
		{"sustained closure", []float64{0.2, 0.2, 0.2}, []int{3}},
		{"blink resets counter", []float64{0.2, 0.2, 0.35, 0.2, 0.2, 0.2}, []int{6}},
		{"lost face resets counter", []float64{0.2, 0.2, noFace, 0.2, 0.2, 0.2}, []int{6}},
		{"closure shorter than window", []float64{0.2, 0.2}, nil},
		{"stays closed fires once", []float64{0.2, 0.2, 0.2, 0.2, 0.2, 0.1, 0.0}, []int{3}},
		{"threshold value counts as open", []float64{0.2, 0.2, 0.3, 0.2, 0.2}, nil},
		{"two episodes", []float64{0.2, 0.2, 0.2, 0.4, 0.2, 0.2, 0.2}, []int{3, 7}},
		{"never any face", []float64{noFace, noFace, noFace, noFace}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(Config{Threshold: 0.3, Frames: 3})
			if err != nil {
				t.Fatal(err)
			}
			got := triggerFrames(feed(t, m, tt.seq))
			if len(got) != len(tt.want) {
				t.Fatalf("triggers at %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("triggers at %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestMachine_ClearsOnOpenEyes(t *testing.T) {
	m, _ := New(Config{Threshold: 0.3, Frames: 2})
	feed(t, m, []float64{0.1, 0.1})
	if !m.Alerting() {
		t.Fatal("Expected machine to be alerting")
	}

	tr, err := m.Update(0.31)
	if err != nil {
		t.Fatal(err)
	}
	if tr != Cleared {
		t.Errorf("Expected Cleared, got %s", tr)
	}
	if s := m.State(); s.AlarmActive || s.ConsecutiveLowFrames != 0 {
		t.Errorf("Expected reset state, got %+v", s)
	}
}

func TestMachine_ClearsOnLostFace(t *testing.T) {
	m, _ := New(Config{Threshold: 0.3, Frames: 1})
	if tr, _ := m.Update(0.05); tr != Triggered {
		t.Fatalf("Expected Triggered with a one-frame window, got %s", tr)
	}
	if tr := m.NoFace(); tr != Cleared {
		t.Errorf("Expected Cleared, got %s", tr)
	}
	if tr := m.NoFace(); tr != None {
		t.Errorf("Expected None on second lost frame, got %s", tr)
	}
}

func TestMachine_AlarmImpliesCounter(t *testing.T) {
	m, _ := New(Config{Threshold: 0.25, Frames: 4})
	seq := []float64{0.1, 0.3, 0.1, 0.1, 0.1, 0.1, 0.1, noFace, 0.2, 0.2, 0.2, 0.2, 0.5}
	for i, v := range seq {
		if math.IsInf(v, -1) {
			m.NoFace()
		} else if _, err := m.Update(v); err != nil {
			t.Fatal(err)
		}
		s := m.State()
		if s.AlarmActive && s.ConsecutiveLowFrames < 4 {
			t.Fatalf("frame %d: alarm active with only %d low frames", i+1, s.ConsecutiveLowFrames)
		}
	}
}

func TestMachine_InvalidMetric(t *testing.T) {
	m, _ := New(Config{Threshold: 0.3, Frames: 2})
	m.Update(0.1)

	for _, v := range []float64{-0.01, math.NaN(), math.Inf(-1)} {
		tr, err := m.Update(v)
		if !errors.Is(err, ErrInvalidMetric) {
			t.Errorf("Update(%v): expected ErrInvalidMetric, got %v", v, err)
		}
		if tr != None {
			t.Errorf("Update(%v): expected None, got %s", v, tr)
		}
	}
	if got := m.State().ConsecutiveLowFrames; got != 1 {
		t.Errorf("invalid input must not change state, counter = %d", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Threshold: 0.3, Frames: 48}, false},
		{"zero threshold", Config{Threshold: 0, Frames: 3}, true},
		{"NaN threshold", Config{Threshold: math.NaN(), Frames: 3}, true},
		{"zero frames", Config{Threshold: 0.3, Frames: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
