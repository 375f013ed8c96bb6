// Package alarm runs the drowsiness alarm in the background without ever
// blocking the frame loop. At most one alarm task runs at a time.
package alarm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Action is the side effect played when an alert starts.
type Action interface {
	Play(ctx context.Context) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context) error

// Play calls f(ctx).
func (f ActionFunc) Play(ctx context.Context) error { return f(ctx) }

// Stats counts actuator activity since construction.
type Stats struct {
	Started int64
	Skipped int64
	Failed  int64
}

// Actuator owns the alarm task and its "running" guard.
type Actuator struct {
	action  Action
	running atomic.Bool

	started atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

// NewActuator wraps action. A nil action gives a visual-only actuator whose
// Trigger never starts anything.
func NewActuator(action Action) *Actuator {
	return &Actuator{action: action}
}

// Enabled reports whether an alarm action is configured.
func (a *Actuator) Enabled() bool { return a.action != nil }

// Running reports whether an alarm task is in flight.
func (a *Actuator) Running() bool { return a.running.Load() }

// Stats returns a snapshot of the counters.
func (a *Actuator) Stats() Stats {
	return Stats{
		Started: a.started.Load(),
		Skipped: a.skipped.Load(),
		Failed:  a.failed.Load(),
	}
}

// Trigger starts the alarm task detached from the caller and returns true,
// or returns false without doing anything if a task is already running.
// The task outlives ctx cancellation; it is never waited on.
func (a *Actuator) Trigger(ctx context.Context) bool {
	if a.action == nil {
		return false
	}
	if !a.running.CompareAndSwap(false, true) {
		a.skipped.Add(1)
		log.Debug().Msg("Alarm already playing, trigger ignored")
		return false
	}
	a.started.Add(1)
	go a.run(context.WithoutCancel(ctx))
	return true
}

func (a *Actuator) run(ctx context.Context) {
	defer a.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			a.failed.Add(1)
			log.Error().Err(fmt.Errorf("panic: %v", r)).Msg("Alarm task panicked")
		}
	}()

	start := time.Now()
	if err := a.action.Play(ctx); err != nil {
		a.failed.Add(1)
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Alarm action failed")
		return
	}
	log.Debug().Dur("elapsed", time.Since(start)).Msg("Alarm action finished")
}
