package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/radar.lights/internal/actuator"
	"github.com/banshee-data/radar.lights/internal/frame"
	"github.com/banshee-data/radar.lights/internal/mapping"
	"github.com/banshee-data/radar.lights/internal/source"
	"github.com/banshee-data/radar.lights/internal/store"
	"github.com/banshee-data/radar.lights/internal/testutil"
	"github.com/banshee-data/radar.lights/internal/timeutil"
)

var sessionStart = time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)

// event is one scripted NextFrame result, delivered at a clock offset from
// the session start.
type event struct {
	at    time.Duration
	frame frame.Frame
	err   error
	hook  func(ctx context.Context)
}

type scriptedSource struct {
	clock  *timeutil.MockClock
	events []event

	mu     sync.Mutex
	next   int
	closed int
	ctxErr []error
}

func (s *scriptedSource) NextFrame(ctx context.Context) (frame.Frame, error) {
	s.mu.Lock()
	s.ctxErr = append(s.ctxErr, ctx.Err())
	if s.next >= len(s.events) {
		s.mu.Unlock()
		return frame.Frame{}, source.ErrDisconnected
	}
	ev := s.events[s.next]
	s.next++
	s.mu.Unlock()

	s.clock.Set(sessionStart.Add(ev.at))
	if ev.hook != nil {
		ev.hook(ctx)
	}
	return ev.frame, ev.err
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func mustMapper(in, out mapping.Range) *mapping.Mapper {
	m, err := mapping.NewMapper(in, out)
	if err != nil {
		panic(err)
	}
	return m
}

// indexLight binds light 1 to the peak column: 80..260 -> 0..255.
func indexLight(client actuator.Client) Binding {
	return Binding{
		Controller: actuator.NewController(actuator.Light, client, "1"),
		Axis:       mapping.Axis{Kind: mapping.AxisIndex},
		Mapper:     mustMapper(mapping.Range{Min: 80, Max: 260}, mapping.Range{Min: 0, Max: 255}),
	}
}

func newLoop(t *testing.T, src *scriptedSource, opts Options, bindings ...Binding) *Loop {
	t.Helper()
	if opts.Threshold == 0 {
		opts.Threshold = 3000
	}
	if opts.Interval == 0 {
		opts.Interval = 250 * time.Millisecond
	}
	opts.Clock = src.clock
	l, err := New(src, bindings, opts)
	require.NoError(t, err)
	return l
}

func TestRun_GateAndCombinedCommand(t *testing.T) {
	testutil.QuietLogs(t)
	client := actuator.NewMockClient()
	client.Devices["1"] = actuator.Off()

	src := &scriptedSource{
		clock: timeutil.NewMockClock(sessionStart),
		events: []event{
			// before one full interval has elapsed since the session start
			{at: 100 * time.Millisecond, frame: testutil.PeakFrame(1, 5000, 170, 180)},
			{at: 300 * time.Millisecond, frame: testutil.PeakFrame(2, 3500, 170, 180)},
			{at: 400 * time.Millisecond, frame: testutil.PeakFrame(3, 4000, 200, 180)},
			{at: 600 * time.Millisecond, frame: testutil.PeakFrame(4, 2000, 200, 180)},
		},
	}
	l := newLoop(t, src, Options{}, indexLight(client))

	stats, err := l.Run(context.Background())
	require.ErrorIs(t, err, source.ErrDisconnected)
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, 1, src.closed)

	// (170-80)*255/180 = 127.5, rounded half to even
	require.Equal(t, 1, client.CallCount())
	assert.True(t, client.LastCall().State.Equal(actuator.OnAt(128)), "got %v", client.LastCall().State)
	assert.Equal(t, 1, client.GetCalls, "unknown power state is read once")

	want := Stats{Frames: 4, Debounced: 2, BelowThreshold: 1, Fires: 1, Commands: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, sessionStart.Add(300*time.Millisecond), l.LastAction())
}

func TestRun_ZeroBrightnessTurnsOff(t *testing.T) {
	testutil.QuietLogs(t)
	client := actuator.NewMockClient()
	client.Devices["1"] = actuator.OnAt(200)

	src := &scriptedSource{
		clock: timeutil.NewMockClock(sessionStart),
		events: []event{
			// index 20 clamps to the bottom of the input range
			{at: time.Second, frame: testutil.PeakFrame(1, 5000, 20, 180)},
		},
	}
	l := newLoop(t, src, Options{}, indexLight(client))
	require.NoError(t, l.bindings[0].Controller.Refresh(context.Background()))

	_, err := l.Run(context.Background())
	require.ErrorIs(t, err, source.ErrDisconnected)

	require.Equal(t, 1, client.CallCount())
	assert.True(t, client.LastCall().State.Equal(actuator.Off()), "got %v", client.LastCall().State)
}

func TestRun_RepeatedTargetSendsNothing(t *testing.T) {
	testutil.QuietLogs(t)
	client := actuator.NewMockClient()
	client.Devices["1"] = actuator.Off()

	src := &scriptedSource{
		clock: timeutil.NewMockClock(sessionStart),
		events: []event{
			{at: 1 * time.Second, frame: testutil.PeakFrame(1, 5000, 170, 180)},
			{at: 2 * time.Second, frame: testutil.PeakFrame(2, 5000, 170, 180)},
			{at: 3 * time.Second, frame: testutil.PeakFrame(3, 5000, 260, 180)},
		},
	}
	l := newLoop(t, src, Options{}, indexLight(client))

	stats, err := l.Run(context.Background())
	require.ErrorIs(t, err, source.ErrDisconnected)

	assert.Equal(t, uint64(3), stats.Fires)
	assert.Equal(t, uint64(2), stats.Commands)
	require.Equal(t, 2, client.CallCount())
	assert.True(t, client.Calls[1].State.Equal(actuator.At(255)), "got %v", client.Calls[1].State)
}

func TestRun_TransientErrorsContinue(t *testing.T) {
	testutil.QuietLogs(t)
	client := actuator.NewMockClient()
	client.Devices["1"] = actuator.Off()

	src := &scriptedSource{
		clock: timeutil.NewMockClock(sessionStart),
		events: []event{
			{at: 100 * time.Millisecond, err: source.ErrTimeout},
			{at: 200 * time.Millisecond, err: errors.Join(source.ErrMalformed, errors.New("bad json"))},
			{at: 300 * time.Millisecond, frame: frame.Frame{Seq: 3}},
			{at: 400 * time.Millisecond, frame: frame.Frame{Seq: 4, Subframes: []frame.Subframe{{}}}},
			{at: 500 * time.Millisecond, frame: testutil.PeakFrame(5, 5000, 170, 180)},
		},
	}
	l := newLoop(t, src, Options{}, indexLight(client))

	stats, err := l.Run(context.Background())
	require.ErrorIs(t, err, source.ErrDisconnected)

	want := Stats{Frames: 3, Timeouts: 1, Malformed: 1, EmptyFrames: 2, Fires: 1, Commands: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_ActuatorErrorIsNotFatal(t *testing.T) {
	testutil.QuietLogs(t)
	client := actuator.NewMockClient()
	client.Devices["1"] = actuator.Off()
	client.SetErr = errors.New("bridge unreachable")

	src := &scriptedSource{
		clock: timeutil.NewMockClock(sessionStart),
		events: []event{
			{at: 300 * time.Millisecond, frame: testutil.PeakFrame(1, 5000, 170, 180)},
			// the failed action still counts towards the interval
			{at: 400 * time.Millisecond, frame: testutil.PeakFrame(2, 5000, 170, 180)},
			{at: 600 * time.Millisecond, frame: testutil.PeakFrame(3, 5000, 170, 180)},
		},
	}
	l := newLoop(t, src, Options{}, indexLight(client))

	stats, err := l.Run(context.Background())
	require.ErrorIs(t, err, source.ErrDisconnected)

	assert.Equal(t, uint64(2), stats.Fires)
	assert.Equal(t, uint64(1), stats.Debounced)
	assert.Equal(t, uint64(2), stats.ActuatorErrors)
	assert.Equal(t, uint64(0), stats.Commands)
	// cache stays stale, so the combined command is attempted again
	require.Equal(t, 2, client.CallCount())
	assert.True(t, client.Calls[1].State.Equal(actuator.OnAt(128)))
}

func TestRun_CancellationDrainsInFlightIteration(t *testing.T) {
	testutil.QuietLogs(t)
	client := actuator.NewMockClient()
	client.Devices["1"] = actuator.Off()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var l *Loop
	src := &scriptedSource{clock: timeutil.NewMockClock(sessionStart)}
	src.events = []event{
		{
			at:    time.Second,
			frame: testutil.PeakFrame(1, 5000, 170, 180),
			hook: func(context.Context) {
				cancel()
				require.Eventually(t, func() bool { return l.State() == StateDraining },
					time.Second, time.Millisecond)
			},
		},
		{at: 2 * time.Second, frame: testutil.PeakFrame(2, 5000, 260, 180)},
	}
	l = newLoop(t, src, Options{}, indexLight(client))

	stats, err := l.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, 1, src.closed)

	// the frame fetched before cancellation is still acted on
	assert.Equal(t, uint64(1), stats.Frames)
	assert.Equal(t, 1, client.CallCount())
	assert.Equal(t, 1, src.next)
	for _, e := range src.ctxErr {
		assert.NoError(t, e, "collaborator context must not be cancelled")
	}
}

func TestRun_VolumeBinding(t *testing.T) {
	testutil.QuietLogs(t)
	lights := actuator.NewMockClient()
	lights.Devices["1"] = actuator.Off()
	player := actuator.NewMockClient()

	volume := Binding{
		Controller: actuator.NewController(actuator.Volume, player, "speaker"),
		Axis:       mapping.Axis{Kind: mapping.AxisDistance, StartPoint: 80, StepLength: 1},
		Mapper:     mustMapper(mapping.Range{Min: 0.25, Max: 0.64}, mapping.Range{Min: 100, Max: 0}),
	}
	src := &scriptedSource{
		clock: timeutil.NewMockClock(sessionStart),
		events: []event{
			// (80+76)*2.5mm = 0.39m, 100 - (0.14/0.39)*100 = 64.1
			{at: time.Second, frame: testutil.PeakFrame(1, 5000, 76, 180)},
		},
	}
	l := newLoop(t, src, Options{}, indexLight(lights), volume)

	_, err := l.Run(context.Background())
	require.ErrorIs(t, err, source.ErrDisconnected)

	require.Equal(t, 1, player.CallCount())
	assert.True(t, player.LastCall().State.Equal(actuator.At(64)), "got %v", player.LastCall().State)
	assert.Equal(t, 0, player.GetCalls)
	assert.Equal(t, 1, lights.CallCount())
}

func TestRun_RecordsLastAction(t *testing.T) {
	testutil.QuietLogs(t)
	db, err := store.Open(filepath.Join(t.TempDir(), "radar_lights.db"))
	require.NoError(t, err)
	defer db.Close()

	client := actuator.NewMockClient()
	client.Devices["1"] = actuator.Off()
	src := &scriptedSource{
		clock: timeutil.NewMockClock(sessionStart),
		events: []event{
			{at: time.Second, frame: testutil.PeakFrame(1, 3500, 170, 180)},
		},
	}
	l := newLoop(t, src, Options{Recorder: db, SessionID: "session-1"}, indexLight(client))

	_, err = l.Run(context.Background())
	require.ErrorIs(t, err, source.ErrDisconnected)

	got, ok, err := db.LastAction(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	want := store.LastAction{
		SessionID:     "session-1",
		FiredAt:       sessionStart.Add(time.Second),
		PeakAmplitude: 3500,
		PeakIndex:     170,
		Commands:      "light/1=on+param",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("last action mismatch (-want +got):\n%s", diff)
	}
}

type failingRecorder struct{}

func (failingRecorder) RecordLastAction(context.Context, store.LastAction) error {
	return errors.New("disk full")
}

func TestRun_RecorderErrorIsNotFatal(t *testing.T) {
	testutil.QuietLogs(t)
	client := actuator.NewMockClient()
	client.Devices["1"] = actuator.Off()
	src := &scriptedSource{
		clock: timeutil.NewMockClock(sessionStart),
		events: []event{
			{at: time.Second, frame: testutil.PeakFrame(1, 3500, 170, 180)},
			{at: 2 * time.Second, frame: testutil.PeakFrame(2, 3500, 260, 180)},
		},
	}
	l := newLoop(t, src, Options{Recorder: failingRecorder{}}, indexLight(client))

	stats, err := l.Run(context.Background())
	require.ErrorIs(t, err, source.ErrDisconnected)
	assert.Equal(t, uint64(2), stats.RecordErrors)
	assert.Equal(t, uint64(2), stats.Commands)
}

func TestRun_OnlyOnce(t *testing.T) {
	testutil.QuietLogs(t)
	src := &scriptedSource{clock: timeutil.NewMockClock(sessionStart)}
	l := newLoop(t, src, Options{}, indexLight(actuator.NewMockClient()))

	_, err := l.Run(context.Background())
	require.ErrorIs(t, err, source.ErrDisconnected)
	_, err = l.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRun)
	assert.Equal(t, 1, src.closed)
}

func TestNew_Validation(t *testing.T) {
	src := &scriptedSource{clock: timeutil.NewMockClock(sessionStart)}
	client := actuator.NewMockClient()

	_, err := New(src, nil, Options{})
	assert.ErrorIs(t, err, mapping.ErrConfiguration)

	_, err = New(src, []Binding{{Controller: actuator.NewController(actuator.Light, client, "1")}}, Options{})
	assert.ErrorIs(t, err, mapping.ErrConfiguration)

	bad := indexLight(client)
	bad.Axis = mapping.Axis{Kind: mapping.AxisDistance}
	_, err = New(src, []Binding{bad}, Options{})
	assert.ErrorIs(t, err, mapping.ErrConfiguration)

	_, err = New(src, []Binding{indexLight(client)}, Options{Interval: -time.Second})
	assert.ErrorIs(t, err, mapping.ErrConfiguration)

	l, err := New(src, []Binding{indexLight(client)}, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, l.SessionID())
	assert.Equal(t, StateRunning, l.State())
}

func TestBindingTarget(t *testing.T) {
	light := indexLight(actuator.NewMockClient())
	tests := []struct {
		idx  int
		want actuator.State
	}{
		{idx: 0, want: actuator.Off()},
		{idx: 80, want: actuator.Off()},
		{idx: 81, want: actuator.OnAt(1)},
		{idx: 170, want: actuator.OnAt(128)},
		{idx: 500, want: actuator.OnAt(255)},
	}
	for _, tt := range tests {
		got := light.Target(tt.idx)
		assert.True(t, got.Equal(tt.want), "Target(%d) = %v, want %v", tt.idx, got, tt.want)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}
