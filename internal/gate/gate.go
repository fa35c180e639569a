// Package gate decides when a radar peak may trigger an action.
package gate

import (
	"fmt"
	"sync"
	"time"
)

// Reason explains a gate decision.
type Reason int

const (
	// Fired means the peak crossed the threshold after the interval elapsed.
	Fired Reason = iota
	// BelowThreshold means the peak did not exceed the threshold.
	BelowThreshold
	// Debounced means the peak was loud enough but the interval has not
	// elapsed since the last action.
	Debounced
)

func (r Reason) String() string {
	switch r {
	case Fired:
		return "fired"
	case BelowThreshold:
		return "below_threshold"
	case Debounced:
		return "debounced"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Fire   bool
	Reason Reason
	// SinceLast is the time elapsed since the previous action at evaluation.
	SinceLast time.Duration
}

// Gate applies a threshold and a minimum action interval. It owns the
// timestamp of the last fired action.
type Gate struct {
	threshold float64
	interval  time.Duration

	mu         sync.Mutex
	lastAction time.Time
}

// New returns a gate whose interval starts counting at start, so nothing
// fires before one full interval has elapsed.
func New(threshold float64, interval time.Duration, start time.Time) *Gate {
	return &Gate{
		threshold:  threshold,
		interval:   interval,
		lastAction: start,
	}
}

// Evaluate decides whether a peak of the given amplitude may fire at now.
// A firing decision records now as the last action time before returning,
// so the interval holds even if the action that follows is slow or fails.
func (g *Gate) Evaluate(peakAmplitude float64, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	since := now.Sub(g.lastAction)
	if !(peakAmplitude > g.threshold) {
		return Decision{Reason: BelowThreshold, SinceLast: since}
	}
	if since < g.interval {
		return Decision{Reason: Debounced, SinceLast: since}
	}
	g.lastAction = now
	return Decision{Fire: true, Reason: Fired, SinceLast: since}
}

// LastAction returns the time of the last fired action, or the session
// start if nothing has fired.
func (g *Gate) LastAction() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastAction
}

// Threshold returns the configured amplitude threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

// Interval returns the configured minimum action interval.
func (g *Gate) Interval() time.Duration { return g.interval }
