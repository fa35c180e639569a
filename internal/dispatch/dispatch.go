// Package dispatch runs the radar session: it pulls frames from a source,
// reduces each to a peak, gates it, and drives the bound actuators.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/radar.lights/internal/actuator"
	"github.com/banshee-data/radar.lights/internal/frame"
	"github.com/banshee-data/radar.lights/internal/gate"
	"github.com/banshee-data/radar.lights/internal/mapping"
	"github.com/banshee-data/radar.lights/internal/monitoring"
	"github.com/banshee-data/radar.lights/internal/source"
	"github.com/banshee-data/radar.lights/internal/store"
	"github.com/banshee-data/radar.lights/internal/timeutil"
)

// ErrAlreadyRun is returned when Run is called on a loop that has already
// run. A loop is one session.
var ErrAlreadyRun = errors.New("dispatch loop already run")

// State is the lifecycle state of a Loop.
type State int32

const (
	// StateRunning fetches and processes frames.
	StateRunning State = iota
	// StateDraining finishes the in-flight iteration after cancellation.
	StateDraining
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Binding ties one actuator to the mapping that drives it.
type Binding struct {
	Controller *actuator.Controller
	Axis       mapping.Axis
	Mapper     *mapping.Mapper
}

// Target maps a peak index to the state the actuator should reach. Power
// actuators are switched off when the parameter maps to 0.
func (b Binding) Target(peakIndex int) actuator.State {
	p := b.Mapper.Map(b.Axis.Value(peakIndex))
	if !b.Controller.Kind().HasPower {
		return actuator.At(p)
	}
	if p == 0 {
		return actuator.Off()
	}
	return actuator.OnAt(p)
}

// LastActionRecorder persists the most recent fired action.
type LastActionRecorder interface {
	RecordLastAction(ctx context.Context, a store.LastAction) error
}

// Options configures a Loop.
type Options struct {
	Threshold float64
	Interval  time.Duration
	// Clock defaults to the real clock.
	Clock timeutil.Clock
	// Recorder is optional.
	Recorder LastActionRecorder
	// SessionID defaults to a random UUID.
	SessionID string
}

// Stats counts what happened during a session.
type Stats struct {
	Frames         uint64
	Timeouts       uint64
	Malformed      uint64
	EmptyFrames    uint64
	BelowThreshold uint64
	Debounced      uint64
	Fires          uint64
	Commands       uint64
	ActuatorErrors uint64
	RecordErrors   uint64
}

// Loop is one dispatch session. It is not reusable.
type Loop struct {
	src       source.Source
	bindings  []Binding
	gate      *gate.Gate
	clock     timeutil.Clock
	recorder  LastActionRecorder
	sessionID string

	state   atomic.Int32
	started atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// New validates the bindings and starts the session clock: the gate will not
// fire until one full interval after New returns.
func New(src source.Source, bindings []Binding, opts Options) (*Loop, error) {
	if src == nil {
		return nil, errors.New("dispatch: nil frame source")
	}
	if len(bindings) == 0 {
		return nil, fmt.Errorf("%w: no actuators bound", mapping.ErrConfiguration)
	}
	for i, b := range bindings {
		if b.Controller == nil || b.Mapper == nil {
			return nil, fmt.Errorf("%w: binding %d is incomplete", mapping.ErrConfiguration, i)
		}
		if err := b.Axis.Validate(); err != nil {
			return nil, fmt.Errorf("binding %s: %w", b.Controller.Name(), err)
		}
	}
	if opts.Interval < 0 {
		return nil, fmt.Errorf("%w: negative action interval %s", mapping.ErrConfiguration, opts.Interval)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}

	return &Loop{
		src:       src,
		bindings:  bindings,
		gate:      gate.New(opts.Threshold, opts.Interval, opts.Clock.Now()),
		clock:     opts.Clock,
		recorder:  opts.Recorder,
		sessionID: opts.SessionID,
	}, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// SessionID identifies this session in logs and the last-action record.
func (l *Loop) SessionID() string { return l.sessionID }

// LastAction returns the time of the last fired action, or the session
// start.
func (l *Loop) LastAction() time.Time { return l.gate.LastAction() }

// Stats returns a snapshot of the session counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Loop) count(f func(*Stats)) {
	l.mu.Lock()
	f(&l.stats)
	l.mu.Unlock()
}

// Run processes frames until ctx is cancelled or the source fails. Cancellation
// is observed between iterations only; a frame fetch or actuator call in
// flight always completes. A clean stop returns a nil error. The source is
// closed before Run returns.
func (l *Loop) Run(ctx context.Context) (Stats, error) {
	if !l.started.CompareAndSwap(false, true) {
		return l.Stats(), ErrAlreadyRun
	}
	monitoring.Logf("dispatch: session %s started (threshold=%g interval=%s actuators=%d)",
		l.sessionID, l.gate.Threshold(), l.gate.Interval(), len(l.bindings))

	stopWatch := context.AfterFunc(ctx, func() {
		if l.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
			monitoring.Logf("dispatch: session %s draining", l.sessionID)
		}
	})
	defer stopWatch()

	work := context.WithoutCancel(ctx)
	var runErr error
	for l.State() == StateRunning {
		if err := l.step(work); err != nil {
			runErr = err
			break
		}
	}
	l.state.Store(int32(StateStopped))

	if err := l.src.Close(); err != nil {
		monitoring.Logf("dispatch: closing frame source: %v", err)
	}

	stats := l.Stats()
	if runErr != nil {
		monitoring.Logf("dispatch: session %s stopped: %v", l.sessionID, runErr)
	} else {
		monitoring.Logf("dispatch: session %s stopped after %d frames, %d fires", l.sessionID, stats.Frames, stats.Fires)
	}
	return stats, runErr
}

// step runs one iteration. Only a fatal source error is returned.
func (l *Loop) step(ctx context.Context) error {
	f, err := l.src.NextFrame(ctx)
	switch {
	case err == nil:
	case source.Transient(err):
		if errors.Is(err, source.ErrTimeout) {
			l.count(func(s *Stats) { s.Timeouts++ })
			monitoring.Debugf("dispatch: %v", err)
		} else {
			l.count(func(s *Stats) { s.Malformed++ })
			monitoring.Logf("dispatch: skipping payload: %v", err)
		}
		return nil
	default:
		return fmt.Errorf("frame source: %w", err)
	}
	l.count(func(s *Stats) { s.Frames++ })

	reduced, err := frame.Reduce(f)
	if err != nil {
		l.count(func(s *Stats) { s.EmptyFrames++ })
		monitoring.Logf("dispatch: skipping frame %d: %v", f.Seq, err)
		return nil
	}

	now := l.clock.Now()
	decision := l.gate.Evaluate(reduced.PeakAmplitude, now)
	switch decision.Reason {
	case gate.BelowThreshold:
		l.count(func(s *Stats) { s.BelowThreshold++ })
		return nil
	case gate.Debounced:
		l.count(func(s *Stats) { s.Debounced++ })
		monitoring.Debugf("dispatch: frame %d debounced (%s since last action)", f.Seq, decision.SinceLast)
		return nil
	}
	l.count(func(s *Stats) { s.Fires++ })
	monitoring.Debugf("dispatch: frame %d fired: amplitude=%.1f index=%d", f.Seq, reduced.PeakAmplitude, reduced.PeakIndex)

	l.act(ctx, reduced, now)
	return nil
}

func (l *Loop) act(ctx context.Context, reduced frame.Reduced, firedAt time.Time) {
	summary := make([]string, 0, len(l.bindings))
	for _, b := range l.bindings {
		target := b.Target(reduced.PeakIndex)
		cmd, err := b.Controller.Reconcile(ctx, target)
		summary = append(summary, b.Controller.Name()+"="+cmd.String())
		if err != nil {
			l.count(func(s *Stats) { s.ActuatorErrors++ })
			monitoring.Logf("dispatch: %v", err)
			continue
		}
		if cmd != actuator.CommandNone {
			l.count(func(s *Stats) { s.Commands++ })
		}
	}

	if l.recorder == nil {
		return
	}
	err := l.recorder.RecordLastAction(ctx, store.LastAction{
		SessionID:     l.sessionID,
		FiredAt:       firedAt,
		PeakAmplitude: reduced.PeakAmplitude,
		PeakIndex:     reduced.PeakIndex,
		Commands:      strings.Join(summary, " "),
	})
	if err != nil {
		l.count(func(s *Stats) { s.RecordErrors++ })
		monitoring.Logf("dispatch: recording last action: %v", err)
	}
}
