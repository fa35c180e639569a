// Package actuator reconciles desired actuator state with what was last
// sent, issuing the fewest commands needed through an actuator client.
package actuator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// State is the on/off and parameter state of one actuator. A nil field is
// unknown when cached and absent when used as a target or command.
type State struct {
	On        *bool `json:"on,omitempty"`
	Parameter *int  `json:"parameter,omitempty"`
}

// Off returns the state of a switched-off actuator.
func Off() State { return State{On: boolPtr(false)} }

// On returns the state of a switched-on actuator with no parameter.
func On() State { return State{On: boolPtr(true)} }

// OnAt returns the state of a switched-on actuator at parameter p.
func OnAt(p int) State { return State{On: boolPtr(true), Parameter: intPtr(p)} }

// At returns a parameter-only state, for actuators with no on/off axis.
func At(p int) State { return State{Parameter: intPtr(p)} }

// IsOn reports whether the state is known to be on.
func (s State) IsOn() bool { return s.On != nil && *s.On }

// IsOff reports whether the state is known to be off.
func (s State) IsOff() bool { return s.On != nil && !*s.On }

// Equal reports whether both states hold the same known values.
func (s State) Equal(o State) bool {
	return eqBool(s.On, o.On) && eqInt(s.Parameter, o.Parameter)
}

// Merge returns s with every known field of o applied on top.
func (s State) Merge(o State) State {
	if o.On != nil {
		s.On = boolPtr(*o.On)
	}
	if o.Parameter != nil {
		s.Parameter = intPtr(*o.Parameter)
	}
	return s
}

// String implements fmt.Stringer.
func (s State) String() string {
	var parts []string
	switch {
	case s.On == nil:
		parts = append(parts, "on=?")
	default:
		parts = append(parts, "on="+strconv.FormatBool(*s.On))
	}
	if s.Parameter != nil {
		parts = append(parts, "param="+strconv.Itoa(*s.Parameter))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Client talks to one kind of actuator. Transport, authentication and retry
// policy belong to the client.
type Client interface {
	// SetState applies the fields present in s and returns what the
	// actuator reports as applied.
	SetState(ctx context.Context, deviceID string, s State) (State, error)
	// GetState reads the current actuator state.
	GetState(ctx context.Context, deviceID string) (State, error)
}

// Error reports a failed actuator call.
type Error struct {
	Device  string
	Command Command
	Err     error
}

func (e *Error) Error() string {
	if e.Command == CommandNone {
		return fmt.Sprintf("actuator %s: status read: %v", e.Device, e.Err)
	}
	return fmt.Sprintf("actuator %s: %s: %v", e.Device, e.Command, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func eqBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
