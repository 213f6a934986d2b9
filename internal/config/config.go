package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

type Config struct {
	LogLevel        string        `json:"log_level"`
	DurationSeconds float64       `json:"duration_seconds"` // 0 prompts in single-shot mode
	IntervalMS      int           `json:"interval_ms"`      // 0 selects single-shot mode
	Headroom        float64       `json:"headroom"`
	Capture         CaptureConfig `json:"capture"`
	Output          OutputConfig  `json:"output"`
}

type CaptureConfig struct {
	Backend       string `json:"backend"` // "malgo", "portaudio", "synthetic"
	Source        string `json:"source"`  // "loopback" or "input"
	DeviceID      string `json:"device_id"`
	LatencyMS     int    `json:"latency_ms"`
	DisableMMCSS  bool   `json:"disable_mmcss"`
	WaitTimeoutMS int    `json:"wait_timeout_ms"`
	StallTimeouts int    `json:"stall_timeouts"`
	QueueDepth    int    `json:"queue_depth"`
}

type OutputConfig struct {
	Dir      string `json:"dir"`
	Prefix   string `json:"prefix"`
	Path     string `json:"path"`   // overrides dir and prefix
	Format   string `json:"format"` // "wav" or "pcm"
	CopyPath bool   `json:"copy_path"`
}

// Mode is the capture mode derived from the interval.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeStream Mode = "stream"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Headroom: 2.0,
		Capture: CaptureConfig{
			Backend:       "malgo",
			Source:        "loopback",
			LatencyMS:     10,
			WaitTimeoutMS: 2000,
			StallTimeouts: 3,
			QueueDepth:    64,
		},
		Output: OutputConfig{
			Dir:    ".",
			Prefix: "audio_capture",
			Format: "wav",
		},
	}
}

// LoadFrom reads the config at path on top of the defaults. A missing
// file is not an error.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveTo writes the config to path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// BindFlags registers command line overrides on fs. Flags default to the
// values already in c, so only flags the user sets change the config.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.Float64Var(&c.DurationSeconds, "duration", c.DurationSeconds, "capture duration in seconds (single-shot), or stop after it when streaming")
	fs.IntVar(&c.IntervalMS, "interval", c.IntervalMS, "stream to disk, draining every `ms` milliseconds")
	fs.Float64Var(&c.Headroom, "headroom", c.Headroom, "streaming buffer size as a multiple of the interval")
	fs.StringVar(&c.Output.Path, "output", c.Output.Path, "output file `path` (default: timestamped name in the output directory)")
	fs.StringVar(&c.Output.Dir, "output-dir", c.Output.Dir, "directory for timestamped output files")
	fs.StringVar(&c.Output.Format, "format", c.Output.Format, "output format: wav or pcm")
	fs.BoolVar(&c.Output.CopyPath, "copy-path", c.Output.CopyPath, "copy the saved file path to the clipboard")
	fs.IntVar(&c.Capture.LatencyMS, "latency", c.Capture.LatencyMS, "device buffer latency in `ms`")
	fs.StringVar(&c.Capture.Source, "source", c.Capture.Source, "capture source: loopback or input")
	fs.StringVar(&c.Capture.Backend, "backend", c.Capture.Backend, "audio backend: malgo, portaudio or synthetic")
	fs.StringVar(&c.Capture.DeviceID, "device", c.Capture.DeviceID, "device id or name (default: system default)")
	fs.BoolVar(&c.Capture.DisableMMCSS, "disable-mmcss", c.Capture.DisableMMCSS, "do not raise the capture thread priority")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.DurationSeconds < 0:
		return errors.New("duration must not be negative")
	case c.IntervalMS < 0:
		return errors.New("interval must not be negative")
	case c.Capture.LatencyMS <= 0:
		return errors.New("latency must be positive")
	case c.Mode() == ModeStream && c.Headroom < 1:
		return fmt.Errorf("headroom %.2f must be at least 1", c.Headroom)
	case c.Capture.WaitTimeoutMS < 0 || c.Capture.StallTimeouts < 0 || c.Capture.QueueDepth < 0:
		return errors.New("capture timeouts and queue depth must not be negative")
	case c.Output.Path == "" && c.Output.Prefix == "":
		return errors.New("output prefix must not be empty")
	}
	return nil
}

// Mode returns ModeSingle when no drain interval is set.
func (c *Config) Mode() Mode {
	if c.IntervalMS > 0 {
		return ModeStream
	}
	return ModeSingle
}

func (c *Config) Duration() time.Duration {
	return time.Duration(c.DurationSeconds * float64(time.Second))
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func (c *Config) Latency() time.Duration {
	return time.Duration(c.Capture.LatencyMS) * time.Millisecond
}

func (c *Config) WaitTimeout() time.Duration {
	return time.Duration(c.Capture.WaitTimeoutMS) * time.Millisecond
}

// Path returns the platform-specific config file path.
func Path() string {
	return configPath()
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "loopcap", "config.json")
}
