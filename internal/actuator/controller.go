package actuator

import (
	"context"
	"fmt"

	"github.com/banshee-data/radar.lights/internal/monitoring"
)

// Command is the kind of state change sent to an actuator.
type Command int

const (
	CommandNone Command = iota
	CommandOff
	CommandOn
	CommandOnWithParameter
	CommandParameter
)

func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandOff:
		return "off"
	case CommandOn:
		return "on"
	case CommandOnWithParameter:
		return "on+param"
	case CommandParameter:
		return "param"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Kind describes an actuator family.
type Kind struct {
	Name string
	// HasPower is false for actuators without an on/off axis, such as a
	// playback volume.
	HasPower bool
}

var (
	Light  = Kind{Name: "light", HasPower: true}
	Volume = Kind{Name: "volume", HasPower: false}
)

// rule is one row of the reconciliation table. Rows are evaluated in order
// and the first match wins.
type rule struct {
	match   func(target, cached State) bool
	command Command
}

var powerRules = []rule{
	{func(t, c State) bool { return t.IsOff() && !c.IsOff() }, CommandOff},
	{func(t, c State) bool { return t.IsOff() }, CommandNone},
	{func(t, c State) bool { return t.IsOn() && c.IsOff() && t.Parameter != nil }, CommandOnWithParameter},
	{func(t, c State) bool {
		return t.IsOn() && c.IsOn() && t.Parameter != nil && eqInt(t.Parameter, c.Parameter)
	}, CommandNone},
	{func(t, c State) bool { return t.IsOn() && c.IsOn() && t.Parameter != nil }, CommandParameter},
	{func(t, c State) bool { return t.IsOn() && c.IsOn() && t.Parameter == nil && c.Parameter == nil }, CommandNone},
	{func(t, c State) bool { return t.IsOn() && t.Parameter == nil }, CommandOn},
	// unknown cached power with a parameter: both fields together is
	// correct from either state
	{func(t, c State) bool { return t.IsOn() }, CommandOnWithParameter},
}

var parameterRules = []rule{
	{func(t, c State) bool { return t.Parameter == nil }, CommandNone},
	{func(t, c State) bool { return eqInt(t.Parameter, c.Parameter) }, CommandNone},
	{func(t, c State) bool { return true }, CommandParameter},
}

// Plan returns the command that moves an actuator of kind k from cached to
// target, and the state payload to send with it.
func Plan(k Kind, target, cached State) (Command, State) {
	rules := parameterRules
	if k.HasPower {
		rules = powerRules
	}
	cmd := CommandNone
	for _, r := range rules {
		if r.match(target, cached) {
			cmd = r.command
			break
		}
	}

	switch cmd {
	case CommandOff:
		return cmd, Off()
	case CommandOn:
		return cmd, On()
	case CommandOnWithParameter:
		return cmd, OnAt(*target.Parameter)
	case CommandParameter:
		return cmd, At(*target.Parameter)
	default:
		return CommandNone, State{}
	}
}

// Controller keeps the last state it believes one device is in and sends
// only the changes needed to reach a new target. It is not safe for
// concurrent use; the dispatch loop drives it from a single goroutine.
type Controller struct {
	kind     Kind
	client   Client
	deviceID string
	cache    State
}

// NewController returns a controller for deviceID with an unknown cached
// state.
func NewController(kind Kind, client Client, deviceID string) *Controller {
	return &Controller{kind: kind, client: client, deviceID: deviceID}
}

// Kind returns the actuator kind.
func (c *Controller) Kind() Kind { return c.kind }

// DeviceID returns the device this controller drives.
func (c *Controller) DeviceID() string { return c.deviceID }

// Cached returns the state the controller believes the device is in.
func (c *Controller) Cached() State { return c.cache }

// Name identifies the controller in logs.
func (c *Controller) Name() string { return c.kind.Name + "/" + c.deviceID }

// Refresh reads the device state and replaces the cache with it.
func (c *Controller) Refresh(ctx context.Context) error {
	s, err := c.client.GetState(ctx, c.deviceID)
	if err != nil {
		return &Error{Device: c.Name(), Command: CommandNone, Err: err}
	}
	c.cache = s
	return nil
}

// Reconcile drives the device towards target. A failed command leaves the
// cache untouched and returns an *Error; the next reconcile recomputes the
// plan from fresh data. Nothing is retried here.
func (c *Controller) Reconcile(ctx context.Context, target State) (Command, error) {
	if c.kind.HasPower && target.IsOn() && target.Parameter != nil && c.cache.On == nil {
		// the power state decides between a combined and a parameter-only
		// command, so read it once
		if err := c.Refresh(ctx); err != nil {
			monitoring.Logf("actuator %s: status read failed, sending combined command: %v", c.Name(), err)
		}
	}

	cmd, payload := Plan(c.kind, target, c.cache)
	if cmd == CommandNone {
		return CommandNone, nil
	}

	applied, err := c.client.SetState(ctx, c.deviceID, payload)
	if err != nil {
		return cmd, &Error{Device: c.Name(), Command: cmd, Err: err}
	}
	c.cache = c.cache.Merge(payload).Merge(applied)
	monitoring.Debugf("actuator %s: sent %s %v, cached %v", c.Name(), cmd, payload, c.cache)
	return cmd, nil
}
