// Command radar-lights turns radar amplitude peaks into light and volume
// changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/radar.lights/internal/actuator"
	"github.com/banshee-data/radar.lights/internal/config"
	"github.com/banshee-data/radar.lights/internal/dispatch"
	"github.com/banshee-data/radar.lights/internal/httputil"
	"github.com/banshee-data/radar.lights/internal/hue"
	"github.com/banshee-data/radar.lights/internal/monitoring"
	"github.com/banshee-data/radar.lights/internal/serialmux"
	"github.com/banshee-data/radar.lights/internal/source"
	"github.com/banshee-data/radar.lights/internal/spotify"
	"github.com/banshee-data/radar.lights/internal/store"
	"github.com/banshee-data/radar.lights/internal/version"
)

type runOptions struct {
	configPath     string
	devFixtures    string
	devPeriod      time.Duration
	devLoop        bool
	port           string
	dbPath         string
	dryRun         bool
	statusInterval time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:   "radar-lights",
		Short: "Drive lights and playback volume from radar amplitude peaks",
		Long: `radar-lights reads amplitude frames from a radar module, finds the
strongest reflection in each frame and, when it is loud enough, maps its
distance onto a Hue light's brightness and optionally Spotify volume.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			monitoring.SetVerbose(verbose)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log per-frame decisions")

	root.AddCommand(newRunCmd(), newCalibrateCmd(), newCheckConfigCmd(), newLightStatusCmd(), newLastActionCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a dispatch session until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", config.DefaultConfigPath, "Path to the JSON config file")
	f.StringVar(&opts.devFixtures, "dev", "", "Replay frames from this fixtures file instead of the serial port")
	f.DurationVar(&opts.devPeriod, "dev-period", 50*time.Millisecond, "Delay between replayed frames")
	f.BoolVar(&opts.devLoop, "dev-loop", false, "Restart the fixtures at the end instead of stopping")
	f.StringVar(&opts.port, "port", "", "Serial port to use, overriding the config (ignored in dev mode)")
	f.StringVar(&opts.dbPath, "db", "", "SQLite file for the last-action record (disabled when empty)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Drive in-memory actuators instead of the bridge and Spotify")
	f.DurationVar(&opts.statusInterval, "status-interval", time.Minute, "How often to log session counters (0 disables)")
	return cmd
}

func runSession(ctx context.Context, opts runOptions) error {
	log.Printf("radar-lights %s", version.String())
	cfg, bindings, err := prepareSession(opts)
	if err != nil {
		if config.IsConfigurationError(err) {
			monitoring.Logf("refusing to start: %v", err)
			return fmt.Errorf("refusing to start: %w", err)
		}
		return err
	}

	var recorder dispatch.LastActionRecorder
	if opts.dbPath != "" {
		db, err := store.Open(opts.dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		recorder = db
	}

	src, err := openSource(cfg, opts)
	if err != nil {
		return err
	}

	loop, err := dispatch.New(src, bindings, dispatch.Options{
		Threshold: cfg.GetThresholdAmplitude(),
		Interval:  cfg.GetMinActionInterval(),
		Recorder:  recorder,
	})
	if err != nil {
		src.Close()
		return err
	}

	var wg sync.WaitGroup
	statusCtx, stopStatus := context.WithCancel(ctx)
	if opts.statusInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logStatus(statusCtx, loop, src, opts.statusInterval)
		}()
	}

	stats, runErr := loop.Run(ctx)
	stopStatus()
	wg.Wait()

	log.Printf("session %s: frames=%d fires=%d commands=%d actuator_errors=%d timeouts=%d",
		loop.SessionID(), stats.Frames, stats.Fires, stats.Commands, stats.ActuatorErrors, stats.Timeouts)
	if opts.devFixtures != "" && !opts.devLoop && errors.Is(runErr, source.ErrDisconnected) {
		log.Printf("replay finished")
		runErr = nil
	}
	if runErr != nil {
		return runErr
	}
	log.Printf("Graceful shutdown complete")
	return nil
}

// prepareSession loads the config and resolves the actuator bindings.
func prepareSession(opts runOptions) (*config.Config, []dispatch.Binding, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if !opts.dryRun {
		if err := cfg.ValidateLight(); err != nil {
			return nil, nil, err
		}
	}
	bindings, err := buildBindings(cfg, httputil.NewTimeoutClient(cfg.GetHTTPTimeout()), opts.dryRun)
	if err != nil {
		return nil, nil, err
	}
	return cfg, bindings, nil
}

// droppedCounter is implemented by sources that can miss frames while the
// loop is busy.
type droppedCounter interface {
	Dropped() uint64
}

func logStatus(ctx context.Context, loop *dispatch.Loop, src source.Source, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := loop.Stats()
			var dropped uint64
			if dc, ok := src.(droppedCounter); ok {
				dropped = dc.Dropped()
			}
			log.Printf("status: state=%s frames=%d dropped=%d fires=%d debounced=%d last_action=%s",
				loop.State(), s.Frames, dropped, s.Fires, s.Debounced, loop.LastAction().Format(time.RFC3339))
		}
	}
}

// buildBindings resolves the configured actuators. A dry run binds every
// actuator to an in-memory client.
func buildBindings(cfg *config.Config, httpClient httputil.HTTPClient, dryRun bool) ([]dispatch.Binding, error) {
	light, err := cfg.LightBinding()
	if err != nil {
		return nil, err
	}
	var lightClient actuator.Client = actuator.NewMockClient()
	if !dryRun {
		lightClient, err = hue.NewClient(httpClient, cfg.Light.BridgeURL, cfg.Light.Username)
		if err != nil {
			return nil, err
		}
	}
	bindings := []dispatch.Binding{{
		Controller: actuator.NewController(light.Kind, lightClient, cfg.GetLightID()),
		Axis:       light.Axis,
		Mapper:     light.Mapper,
	}}

	if !cfg.VolumeEnabled() {
		return bindings, nil
	}
	volume, err := cfg.VolumeBinding()
	if err != nil {
		return nil, err
	}
	var volumeClient actuator.Client = actuator.NewMockClient()
	if !dryRun {
		volumeClient, err = spotify.NewClient(httpClient, cfg.GetSpotifyBaseURL(), cfg.Volume.Token)
		if err != nil {
			return nil, err
		}
	}
	return append(bindings, dispatch.Binding{
		Controller: actuator.NewController(volume.Kind, volumeClient, cfg.Volume.DeviceID),
		Axis:       volume.Axis,
		Mapper:     volume.Mapper,
	}), nil
}

func openSource(cfg *config.Config, opts runOptions) (source.Source, error) {
	if opts.devFixtures != "" {
		src, err := source.OpenReplay(opts.devFixtures, source.ReplayOptions{Period: opts.devPeriod, Loop: opts.devLoop})
		if err != nil {
			return nil, fmt.Errorf("failed to open fixtures file: %w", err)
		}
		log.Printf("replaying %d frames from %s", src.Len(), opts.devFixtures)
		return src, nil
	}

	port := opts.port
	if port == "" {
		port = cfg.GetSerialPort()
	}
	mux, err := serialmux.NewRealSerialMux(port, cfg.GetPortOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open radar port %s: %w", port, err)
	}
	src, err := source.NewSerialSource(mux, source.SerialOptions{
		FrameTimeout: cfg.GetFrameTimeout(),
		StartCommand: cfg.GetStartCommand(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start radar stream: %w", err)
	}
	log.Printf("reading frames from %s", port)
	return src, nil
}

func newCheckConfigCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a config file and print the resolved mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			return describeConfig(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVar(&path, "config", config.DefaultConfigPath, "Path to the JSON config file")
	return cmd
}

func describeConfig(w io.Writer, cfg *config.Config) error {
	fmt.Fprintf(w, "threshold:  %g\n", cfg.GetThresholdAmplitude())
	fmt.Fprintf(w, "interval:   %s\n", cfg.GetMinActionInterval())
	fmt.Fprintf(w, "sweep:      start_point=%d step_length=%d\n", cfg.GetStartPoint(), cfg.GetStepLength())

	light, err := cfg.LightBinding()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "light %s: %s %s -> %s\n", cfg.GetLightID(), light.Axis.Kind, light.Mapper.Input(), light.Mapper.Output())
	if err := cfg.ValidateLight(); err != nil {
		fmt.Fprintf(w, "warning: %v (run needs it unless --dry-run)\n", err)
	}

	if cfg.VolumeEnabled() {
		volume, err := cfg.VolumeBinding()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "volume:     %s %s -> %s\n", volume.Axis.Kind, volume.Mapper.Input(), volume.Mapper.Output())
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func newLightStatusCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "light-status",
		Short: "Read the configured light's state from the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			if err := cfg.ValidateLight(); err != nil {
				return err
			}
			client, err := hue.NewClient(httputil.NewTimeoutClient(cfg.GetHTTPTimeout()), cfg.Light.BridgeURL, cfg.Light.Username)
			if err != nil {
				return err
			}
			ctl := actuator.NewController(actuator.Light, client, cfg.GetLightID())
			if err := ctl.Refresh(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ctl.Name(), ctl.Cached())
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", config.DefaultConfigPath, "Path to the JSON config file")
	return cmd
}

func newLastActionCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "last-action",
		Short: "Print the last fired action recorded with run --db",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				return errors.New("--db is required")
			}
			db, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			a, ok, err := db.LastAction(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintln(w, "no action recorded")
				return nil
			}
			fmt.Fprintf(w, "%s session=%s amplitude=%.1f index=%d %s\n",
				a.FiredAt.Format(time.RFC3339Nano), a.SessionID, a.PeakAmplitude, a.PeakIndex, a.Commands)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite file written by run --db")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "radar-lights %s\n", version.String())
		},
	}
}
