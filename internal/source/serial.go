package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/radar.lights/internal/frame"
	"github.com/banshee-data/radar.lights/internal/monitoring"
	"github.com/banshee-data/radar.lights/internal/serialmux"
	"github.com/banshee-data/radar.lights/internal/timeutil"
)

// DefaultFrameTimeout is how long NextFrame waits for a frame before
// reporting ErrTimeout.
const DefaultFrameTimeout = 2 * time.Second

// SerialOptions configures a SerialSource.
type SerialOptions struct {
	// FrameTimeout bounds each NextFrame call.
	FrameTimeout time.Duration
	// StartCommand, when set, is written to the device once the monitor is
	// running, to start streaming.
	StartCommand string
	Clock        timeutil.Clock
}

// SerialSource reads newline-delimited JSON frames from a serial mux.
type SerialSource struct {
	mux     serialmux.SerialMuxInterface
	clock   timeutil.Clock
	timeout time.Duration

	subID string
	lines chan string

	cancel      context.CancelFunc
	monitorDone chan struct{}
	monitorErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSerialSource subscribes to mux and starts its monitor. The source owns
// the mux from here on and closes it on Close.
func NewSerialSource(mux serialmux.SerialMuxInterface, opts SerialOptions) (*SerialSource, error) {
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = DefaultFrameTimeout
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SerialSource{
		mux:         mux,
		clock:       opts.Clock,
		timeout:     opts.FrameTimeout,
		cancel:      cancel,
		monitorDone: make(chan struct{}),
	}
	s.subID, s.lines = mux.Subscribe()

	go func() {
		defer close(s.monitorDone)
		s.monitorErr = mux.Monitor(ctx)
		monitoring.Logf("serial monitor stopped: %v", s.monitorErr)
	}()

	if opts.StartCommand != "" {
		if err := mux.SendCommand(opts.StartCommand); err != nil {
			s.Close()
			return nil, fmt.Errorf("send start command %q: %w", opts.StartCommand, err)
		}
	}
	return s, nil
}

// NextFrame returns the next frame line from the device. Diagnostic lines
// are logged and skipped.
func (s *SerialSource) NextFrame(ctx context.Context) (frame.Frame, error) {
	deadline := s.clock.After(s.timeout)
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return frame.Frame{}, fmt.Errorf("%w: subscription closed", ErrDisconnected)
			}
			switch serialmux.ClassifyLine(line) {
			case serialmux.LineTypeFrame:
				f, err := frame.Decode([]byte(line))
				if err != nil {
					return frame.Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
				}
				return f, nil
			case serialmux.LineTypeDiagnostic:
				monitoring.Logf("radar: %s", line)
			}

		case <-s.monitorDone:
			return frame.Frame{}, fmt.Errorf("%w: %v", ErrDisconnected, s.monitorErr)

		case <-deadline:
			return frame.Frame{}, fmt.Errorf("%w after %v", ErrTimeout, s.timeout)

		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}
}

// Dropped returns the number of frames skipped while the caller was busy.
func (s *SerialSource) Dropped() uint64 {
	return s.mux.Dropped()
}

// Close stops the monitor and closes the serial port.
func (s *SerialSource) Close() error {
	s.closeOnce.Do(func() {
		s.mux.Unsubscribe(s.subID)
		s.cancel()
		s.closeErr = s.mux.Close()
	})
	return s.closeErr
}
