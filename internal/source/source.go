// Package source supplies radar frames to the dispatch loop.
package source

import (
	"context"
	"errors"

	"github.com/banshee-data/radar.lights/internal/frame"
)

var (
	// ErrDisconnected means the source can deliver no more frames. It is
	// fatal to a dispatch session.
	ErrDisconnected = errors.New("frame source disconnected")
	// ErrTimeout means no frame arrived within the read deadline. The next
	// call may succeed.
	ErrTimeout = errors.New("frame source timed out")
	// ErrMalformed means a payload arrived but could not be decoded into a
	// frame. The next call may succeed.
	ErrMalformed = errors.New("malformed frame payload")
)

// Source delivers frames one at a time.
type Source interface {
	// NextFrame blocks until a frame is available, the source's own read
	// deadline passes (ErrTimeout), or the source ends (ErrDisconnected).
	NextFrame(ctx context.Context) (frame.Frame, error)
	// Close releases the underlying device.
	Close() error
}

// Transient reports whether err leaves the source usable for another call.
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrMalformed)
}
