// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/banshee-data/radar.lights/internal/frame"
	"github.com/banshee-data/radar.lights/internal/monitoring"
)

// QuietLogs mutes monitoring.Logf for the duration of the test.
func QuietLogs(t testing.TB) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

// LogCapture collects formatted monitoring output.
type LogCapture struct {
	mu    sync.Mutex
	lines []string
}

// Lines returns a copy of the captured lines.
func (c *LogCapture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// CaptureLogs redirects monitoring.Logf into the returned capture until the
// test ends.
func CaptureLogs(t testing.TB) *LogCapture {
	t.Helper()
	c := &LogCapture{}
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		c.mu.Lock()
		c.lines = append(c.lines, fmt.Sprintf(format, v...))
		c.mu.Unlock()
	})
	t.Cleanup(func() { monitoring.Logf = original })
	return c
}

// PeakFrame builds a two-sweep frame of cols points whose sweep-averaged
// amplitude is amplitude at idx and 15 elsewhere.
func PeakFrame(seq uint64, amplitude float64, idx, cols int) frame.Frame {
	a := make([]float64, cols)
	b := make([]float64, cols)
	for i := range a {
		a[i], b[i] = 10, 20
	}
	a[idx], b[idx] = amplitude-100, amplitude+100
	return frame.FromAmplitudes(seq, a, b)
}

// WriteFile writes body to name inside a fresh temp dir and returns the path.
func WriteFile(t testing.TB, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
