package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/radar.lights/internal/config"
	"github.com/banshee-data/radar.lights/internal/frame"
	"github.com/banshee-data/radar.lights/internal/monitoring"
	"github.com/banshee-data/radar.lights/internal/source"
)

const defaultCalibrationFrames = 50

// calibration summarises the frame peaks seen during a calibrate run.
type calibration struct {
	Peaks   []float64
	Average float64
	Min     float64
	Max     float64
}

func newCalibrateCmd() *cobra.Command {
	opts := runOptions{}
	var frames int
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Report per-frame peak amplitudes and their running average",
		Long: `calibrate reads frames without driving any actuator and prints each
frame's peak amplitude next to the running average. Run it with the room
empty and again with someone in range to choose threshold_amplitude.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if frames <= 0 {
				return fmt.Errorf("--frames must be positive, got %d", frames)
			}
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			src, err := openSource(cfg, opts)
			if err != nil {
				return err
			}
			defer src.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cal, err := calibrate(ctx, src, frames, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d frames: average %.1f, min %.1f, max %.1f (threshold_amplitude is %g)\n",
				len(cal.Peaks), cal.Average, cal.Min, cal.Max, cfg.GetThresholdAmplitude())
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&frames, "frames", defaultCalibrationFrames, "Number of frames to measure")
	f.StringVar(&opts.configPath, "config", config.DefaultConfigPath, "Path to the JSON config file")
	f.StringVar(&opts.devFixtures, "dev", "", "Read frames from this fixtures file instead of the serial port")
	f.DurationVar(&opts.devPeriod, "dev-period", 100*time.Millisecond, "Delay between replayed frames")
	f.StringVar(&opts.port, "port", "", "Serial port to use, overriding the config (ignored in dev mode)")
	return cmd
}

// calibrate reduces up to n frames from src and writes one line per frame.
// It stops early, without error, when the source ends or ctx is cancelled
// after at least one frame was measured.
func calibrate(ctx context.Context, src source.Source, n int, w io.Writer) (calibration, error) {
	var cal calibration
	for len(cal.Peaks) < n {
		f, err := src.NextFrame(ctx)
		if err != nil {
			if source.Transient(err) {
				monitoring.Logf("calibrate: skipping frame: %v", err)
				continue
			}
			stopped := errors.Is(err, source.ErrDisconnected) || ctx.Err() != nil
			if stopped && len(cal.Peaks) > 0 {
				break
			}
			return cal, err
		}
		r, err := frame.Reduce(f)
		if err != nil {
			monitoring.Logf("calibrate: skipping frame %d: %v", f.Seq, err)
			continue
		}
		cal.Peaks = append(cal.Peaks, r.PeakAmplitude)
		cal.Average = stat.Mean(cal.Peaks, nil)
		fmt.Fprintf(w, "frame %d  cur max %.1f  average %.1f\n", len(cal.Peaks), r.PeakAmplitude, cal.Average)
	}
	cal.Min = floats.Min(cal.Peaks)
	cal.Max = floats.Max(cal.Peaks)
	return cal, nil
}
