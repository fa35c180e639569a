// Package config loads the radar-lights JSON config file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/radar.lights/internal/actuator"
	"github.com/banshee-data/radar.lights/internal/hue"
	"github.com/banshee-data/radar.lights/internal/mapping"
	"github.com/banshee-data/radar.lights/internal/serialmux"
)

// DefaultConfigPath is where the run command looks for a config file when
// --config is not given.
const DefaultConfigPath = "config/radar-lights.json"

const (
	defaultThreshold       = 3000.0
	defaultActionInterval  = 250 * time.Millisecond
	defaultStartPoint      = 80
	defaultStepLength      = 1
	defaultFrameTimeout    = 2 * time.Second
	defaultHTTPTimeout     = 5 * time.Second
	defaultLightID         = "1"
	defaultSerialPort      = "/dev/ttyUSB0"
	defaultSpotifyBaseURL  = "https://api.spotify.com/v1"
	maxConfigFileSizeBytes = 1 * 1024 * 1024
)

var (
	defaultLightInput   = mapping.Range{Min: 0.25, Max: 0.6}
	defaultLightOutput  = mapping.Range{Min: 0, Max: hue.MaxBrightness}
	defaultVolumeInput  = mapping.Range{Min: 0.25, Max: 0.64}
	defaultVolumeOutput = mapping.Range{Min: 100, Max: 0}
)

// ConfigurationError reports a config value the process refuses to start
// with. It matches mapping.ErrConfiguration under errors.Is.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool {
	return target == mapping.ErrConfiguration
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Config is the root of the JSON config file. Pointer fields are optional;
// the Get* accessors return defaults for anything left out, so partial
// configs are safe.
type Config struct {
	ThresholdAmplitude *float64 `json:"threshold_amplitude,omitempty"`
	MinActionInterval  *string  `json:"min_action_interval,omitempty"` // duration string like "250ms"

	// Sweep geometry, in base steps of 2.5 mm.
	StartPoint *int `json:"start_point,omitempty"`
	StepLength *int `json:"step_length,omitempty"`

	FrameTimeout *string `json:"frame_timeout,omitempty"`
	HTTPTimeout  *string `json:"http_timeout,omitempty"`

	Light  *LightConfig  `json:"light,omitempty"`
	Volume *VolumeConfig `json:"volume,omitempty"`
	Serial *SerialConfig `json:"serial,omitempty"`
}

// LightConfig binds the peak position to a Hue light's brightness.
type LightConfig struct {
	BridgeURL   string     `json:"bridge_url"`
	Username    string     `json:"username"`
	LightID     *string    `json:"light_id,omitempty"`
	Axis        *string    `json:"axis,omitempty"`
	InputRange  *[]float64 `json:"input_range,omitempty"`
	OutputRange *[]float64 `json:"output_range,omitempty"`
}

// VolumeConfig binds the peak position to Spotify playback volume.
type VolumeConfig struct {
	Enabled     bool       `json:"enabled"`
	Token       string     `json:"token"`
	DeviceID    string     `json:"device_id,omitempty"`
	BaseURL     string     `json:"base_url,omitempty"`
	Axis        *string    `json:"axis,omitempty"`
	InputRange  *[]float64 `json:"input_range,omitempty"`
	OutputRange *[]float64 `json:"output_range,omitempty"`
}

// SerialConfig describes the radar's serial link.
type SerialConfig struct {
	Port string `json:"port,omitempty"`
	// StartCommand is written once after the port opens, e.g. to start the
	// bridge firmware streaming frames.
	StartCommand string `json:"start_command,omitempty"`
	serialmux.PortOptions
}

// Binding is the resolved mapping for one actuator.
type Binding struct {
	Kind   actuator.Kind
	Axis   mapping.Axis
	Mapper *mapping.Mapper
}

// LoadConfig loads a Config from a JSON file.
// The file must have a .json extension and be at most 1MB.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSizeBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSizeBytes)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON config.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every value the process depends on, including that the
// configured mappings can be built.
func (c *Config) Validate() error {
	if c.ThresholdAmplitude != nil {
		if t := *c.ThresholdAmplitude; math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
			return invalid("threshold_amplitude", "must be a non-negative number, got %v", t)
		}
	}
	for field, v := range map[string]*string{
		"min_action_interval": c.MinActionInterval,
		"frame_timeout":       c.FrameTimeout,
		"http_timeout":        c.HTTPTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return invalid(field, "invalid duration %q: %v", *v, err)
		}
		if d < 0 {
			return invalid(field, "must not be negative, got %s", d)
		}
	}
	if c.StartPoint != nil && *c.StartPoint < 0 {
		return invalid("start_point", "must be non-negative, got %d", *c.StartPoint)
	}
	if c.StepLength != nil && *c.StepLength <= 0 {
		return invalid("step_length", "must be positive, got %d", *c.StepLength)
	}

	if c.Light != nil && c.Light.LightID != nil && *c.Light.LightID == "" {
		return invalid("light.light_id", "must not be empty")
	}
	if _, err := c.LightBinding(); err != nil {
		return err
	}

	if c.Volume != nil && c.Volume.Enabled {
		if c.Volume.Token == "" {
			return invalid("volume.token", "required when volume is enabled")
		}
		if _, err := c.VolumeBinding(); err != nil {
			return err
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.PortOptions.Normalise(); err != nil {
			return invalid("serial", "%v", err)
		}
	}
	return nil
}

// ValidateLight checks the fields needed to talk to the bridge. They are not
// required by Validate so dev mode and check-config work without a bridge.
func (c *Config) ValidateLight() error {
	if c.Light == nil || c.Light.BridgeURL == "" {
		return invalid("light.bridge_url", "required")
	}
	if c.Light.Username == "" {
		return invalid("light.username", "required")
	}
	return nil
}

// GetThresholdAmplitude returns threshold_amplitude or the default.
func (c *Config) GetThresholdAmplitude() float64 {
	if c.ThresholdAmplitude == nil {
		return defaultThreshold
	}
	return *c.ThresholdAmplitude
}

// GetMinActionInterval parses min_action_interval.
func (c *Config) GetMinActionInterval() time.Duration {
	return durationOr(c.MinActionInterval, defaultActionInterval)
}

// GetFrameTimeout parses frame_timeout.
func (c *Config) GetFrameTimeout() time.Duration {
	return durationOr(c.FrameTimeout, defaultFrameTimeout)
}

// GetHTTPTimeout parses http_timeout.
func (c *Config) GetHTTPTimeout() time.Duration {
	return durationOr(c.HTTPTimeout, defaultHTTPTimeout)
}

// GetStartPoint returns start_point or the default.
func (c *Config) GetStartPoint() int {
	if c.StartPoint == nil {
		return defaultStartPoint
	}
	return *c.StartPoint
}

// GetStepLength returns step_length or the default.
func (c *Config) GetStepLength() int {
	if c.StepLength == nil {
		return defaultStepLength
	}
	return *c.StepLength
}

// GetLightID returns light.light_id or the default.
func (c *Config) GetLightID() string {
	if c.Light == nil || c.Light.LightID == nil {
		return defaultLightID
	}
	return *c.Light.LightID
}

// GetSerialPort returns serial.port or the default.
func (c *Config) GetSerialPort() string {
	if c.Serial == nil || c.Serial.Port == "" {
		return defaultSerialPort
	}
	return c.Serial.Port
}

// GetPortOptions returns the normalised serial options.
func (c *Config) GetPortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = c.Serial.PortOptions
	}
	// Validate has already rejected anything Normalise would.
	normalised, _ := opts.Normalise()
	return normalised
}

// GetStartCommand returns serial.start_command.
func (c *Config) GetStartCommand() string {
	if c.Serial == nil {
		return ""
	}
	return c.Serial.StartCommand
}

// VolumeEnabled reports whether the volume actuator is configured.
func (c *Config) VolumeEnabled() bool {
	return c.Volume != nil && c.Volume.Enabled
}

// GetSpotifyBaseURL returns volume.base_url or the public Web API.
func (c *Config) GetSpotifyBaseURL() string {
	if c.Volume == nil || c.Volume.BaseURL == "" {
		return defaultSpotifyBaseURL
	}
	return c.Volume.BaseURL
}

// LightBinding resolves the brightness mapping.
func (c *Config) LightBinding() (Binding, error) {
	var axis *string
	var in, out *[]float64
	if c.Light != nil {
		axis, in, out = c.Light.Axis, c.Light.InputRange, c.Light.OutputRange
	}
	return c.binding("light", actuator.Light, axis, in, out, defaultLightInput, defaultLightOutput)
}

// VolumeBinding resolves the volume mapping.
func (c *Config) VolumeBinding() (Binding, error) {
	var axis *string
	var in, out *[]float64
	if c.Volume != nil {
		axis, in, out = c.Volume.Axis, c.Volume.InputRange, c.Volume.OutputRange
	}
	return c.binding("volume", actuator.Volume, axis, in, out, defaultVolumeInput, defaultVolumeOutput)
}

func (c *Config) binding(block string, kind actuator.Kind, axisName *string, in, out *[]float64, defIn, defOut mapping.Range) (Binding, error) {
	name := ""
	if axisName != nil {
		name = *axisName
	}
	kindOfAxis, err := mapping.ParseAxisKind(name)
	if err != nil {
		return Binding{}, &ConfigurationError{Field: block + ".axis", Err: err}
	}
	axis := mapping.Axis{Kind: kindOfAxis, StartPoint: c.GetStartPoint(), StepLength: c.GetStepLength()}
	if err := axis.Validate(); err != nil {
		return Binding{}, &ConfigurationError{Field: block + ".axis", Err: err}
	}

	inRange, err := rangeOr(block+".input_range", in, defIn)
	if err != nil {
		return Binding{}, err
	}
	outRange, err := rangeOr(block+".output_range", out, defOut)
	if err != nil {
		return Binding{}, err
	}
	m, err := mapping.NewMapper(inRange, outRange)
	if err != nil {
		return Binding{}, &ConfigurationError{Field: block, Err: err}
	}
	return Binding{Kind: kind, Axis: axis, Mapper: m}, nil
}

func rangeOr(field string, v *[]float64, def mapping.Range) (mapping.Range, error) {
	if v == nil {
		return def, nil
	}
	if len(*v) != 2 {
		return mapping.Range{}, invalid(field, "want [min, max], got %d values", len(*v))
	}
	return mapping.Range{Min: (*v)[0], Max: (*v)[1]}, nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// IsConfigurationError reports whether err is a configuration problem.
func IsConfigurationError(err error) bool {
	return errors.Is(err, mapping.ErrConfiguration)
}
