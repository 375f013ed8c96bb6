// Package debounce turns a per-frame openness value into a sticky alert signal.
//
// A Machine counts consecutive frames whose ratio falls below the threshold and
// flips into the alerting state the first time the count reaches the configured
// number of frames. Any open-eye frame, or a frame with no face, clears it.
package debounce

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidMetric is returned for negative or NaN ratios.
var ErrInvalidMetric = errors.New("openness ratio must be a non-negative number")

// Config is fixed for the lifetime of a Machine.
type Config struct {
	Threshold float64 // ratios strictly below this count as closed
	Frames    int     // consecutive closed frames needed to alert
}

// Validate reports whether the configuration can drive a Machine.
func (c Config) Validate() error {
	if math.IsNaN(c.Threshold) || c.Threshold <= 0 {
		return fmt.Errorf("threshold must be > 0, got %v", c.Threshold)
	}
	if c.Frames < 1 {
		return fmt.Errorf("frames must be >= 1, got %d", c.Frames)
	}
	return nil
}

// Transition is the edge produced by a single update.
type Transition int

const (
	// None means the alert state did not change.
	None Transition = iota
	// Triggered is the AWAKE to ALERTING edge.
	Triggered
	// Cleared is the ALERTING to AWAKE edge.
	Cleared
)

func (t Transition) String() string {
	switch t {
	case None:
		return "none"
	case Triggered:
		return "triggered"
	case Cleared:
		return "cleared"
	}
	return fmt.Sprintf("transition(%d)", int(t))
}

// State is a snapshot of the machine.
type State struct {
	ConsecutiveLowFrames int
	AlarmActive          bool
}

// Machine is not safe for concurrent use; the frame loop owns it.
type Machine struct {
	cfg   Config
	state State
}

// New builds a machine in the AWAKE state.
func New(cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Machine{cfg: cfg}, nil
}

// Config returns the machine's configuration.
func (m *Machine) Config() Config { return m.cfg }

// State returns a copy of the current state.
func (m *Machine) State() State { return m.state }

// Alerting reports whether the alarm state is active.
func (m *Machine) Alerting() bool { return m.state.AlarmActive }

// Update feeds one openness ratio. Invalid values leave the state untouched.
func (m *Machine) Update(ratio float64) (Transition, error) {
	if math.IsNaN(ratio) || ratio < 0 {
		return None, fmt.Errorf("%w: %v", ErrInvalidMetric, ratio)
	}

	if ratio >= m.cfg.Threshold {
		return m.reset(), nil
	}

	m.state.ConsecutiveLowFrames++
	if m.state.ConsecutiveLowFrames >= m.cfg.Frames && !m.state.AlarmActive {
		m.state.AlarmActive = true
		return Triggered, nil
	}
	return None, nil
}

// NoFace records a frame in which no face was detected.
// A lost face is treated like open eyes so the alarm cannot stick.
func (m *Machine) NoFace() Transition {
	return m.reset()
}

func (m *Machine) reset() Transition {
	m.state.ConsecutiveLowFrames = 0
	if m.state.AlarmActive {
		m.state.AlarmActive = false
		return Cleared
	}
	return None
}
