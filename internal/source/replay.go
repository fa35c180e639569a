package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/radar.lights/internal/frame"
	"github.com/banshee-data/radar.lights/internal/monitoring"
	"github.com/banshee-data/radar.lights/internal/timeutil"
)

// ReplayOptions configures a ReplaySource.
type ReplayOptions struct {
	// Period is the delay between frames. Zero replays as fast as the
	// caller asks.
	Period time.Duration
	// Loop restarts from the first frame at the end instead of reporting
	// ErrDisconnected.
	Loop  bool
	Clock timeutil.Clock
}

// ReplaySource replays recorded frames, one JSON frame per line. It stands
// in for the radar in dev mode.
type ReplaySource struct {
	frames []frame.Frame
	next   int
	opts   ReplayOptions
	ticker timeutil.Ticker
}

// OpenReplay loads a fixture file.
func OpenReplay(path string, opts ReplayOptions) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixtures: %w", err)
	}
	defer f.Close()
	return NewReplay(f, opts)
}

// NewReplay reads every frame from r up front. Blank lines and lines that
// start with '#' are ignored.
func NewReplay(r io.Reader, opts ReplayOptions) (*ReplaySource, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	var frames []frame.Frame
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 64*1024), 4<<20)
	lineNo := 0
	for scan.Scan() {
		lineNo++
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f, err := frame.Decode([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("fixtures line %d: %w", lineNo, err)
		}
		frames = append(frames, f)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("fixtures hold no frames")
	}
	monitoring.Logf("loaded %d replay frames", len(frames))

	s := &ReplaySource{frames: frames, opts: opts}
	if opts.Period > 0 {
		s.ticker = opts.Clock.NewTicker(opts.Period)
	}
	return s, nil
}

// Len returns the number of recorded frames.
func (s *ReplaySource) Len() int { return len(s.frames) }

// NextFrame returns the next recorded frame, paced by Period.
func (s *ReplaySource) NextFrame(ctx context.Context) (frame.Frame, error) {
	if s.next >= len(s.frames) {
		if !s.opts.Loop {
			return frame.Frame{}, fmt.Errorf("%w: end of replay", ErrDisconnected)
		}
		s.next = 0
	}
	if s.ticker != nil {
		select {
		case <-s.ticker.C():
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

// Close stops the pacing ticker.
func (s *ReplaySource) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}
