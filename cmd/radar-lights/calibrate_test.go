package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/radar.lights/internal/source"
	"github.com/banshee-data/radar.lights/internal/testutil"
)

const calibrationFixtures = `{"seq": 1, "subframes": [[[100, 3500, 20], [100, 3500, 20]]]}
{"seq": 2, "subframes": [[[100, 20, 4000]]]}
{"seq": 3, "subframes": []}
{"seq": 4, "subframes": [[[1500, 20, 20]]]}
`

func TestCalibrate(t *testing.T) {
	tests := []struct {
		name      string
		fixtures  string
		frames    int
		wantPeaks []float64
		wantAvg   float64
		wantLines []string
		wantErr   error
	}{
		{
			name:      "stops after the requested frames",
			fixtures:  calibrationFixtures,
			frames:    2,
			wantPeaks: []float64{3500, 4000},
			wantAvg:   3750,
			wantLines: []string{
				"frame 1  cur max 3500.0  average 3500.0",
				"frame 2  cur max 4000.0  average 3750.0",
			},
		},
		{
			name:      "skips empty frames and stops when the replay ends",
			fixtures:  calibrationFixtures,
			frames:    10,
			wantPeaks: []float64{3500, 4000, 1500},
			wantAvg:   3000,
			wantLines: []string{
				"frame 1  cur max 3500.0  average 3500.0",
				"frame 2  cur max 4000.0  average 3750.0",
				"frame 3  cur max 1500.0  average 3000.0",
			},
		},
		{
			name:     "no measurable frame",
			fixtures: `{"seq": 1, "subframes": []}`,
			frames:   5,
			wantErr:  source.ErrDisconnected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.QuietLogs(t)
			src, err := source.NewReplay(strings.NewReader(tt.fixtures), source.ReplayOptions{})
			require.NoError(t, err)

			var out bytes.Buffer
			cal, err := calibrate(context.Background(), src, tt.frames, &out)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, out.String())
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.wantPeaks, cal.Peaks); diff != "" {
				t.Errorf("peaks mismatch (-want +got):\n%s", diff)
			}
			assert.InDelta(t, tt.wantAvg, cal.Average, 1e-9)
			assert.Equal(t, tt.wantLines, strings.Split(strings.TrimSpace(out.String()), "\n"))
		})
	}
}

func TestCalibrate_Range(t *testing.T) {
	testutil.QuietLogs(t)
	src, err := source.NewReplay(strings.NewReader(calibrationFixtures), source.ReplayOptions{})
	require.NoError(t, err)

	cal, err := calibrate(context.Background(), src, 3, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1500.0, cal.Min)
	assert.Equal(t, 4000.0, cal.Max)
}

func TestCalibrateCommand(t *testing.T) {
	testutil.QuietLogs(t)
	cfg := writeConfig(t, `{}`)
	walk := filepath.Join("testdata", "walk.jsonl")

	out, err := execute(t, "calibrate", "--config", cfg, "--dev", walk, "--dev-period", "0s", "--frames", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "frame 4  cur max ")
	assert.NotContains(t, out, "frame 5 ")
	assert.Contains(t, out, "4 frames: average ")
	assert.Contains(t, out, "threshold_amplitude is 3000")

	_, err = execute(t, "calibrate", "--config", cfg, "--dev", walk, "--frames", "0")
	require.Error(t, err)
}
