package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Config holds runtime configuration for the capture host.
// Fields may be loaded from a JSON file and overridden by command-line flags.
type Config struct {
	Debug    bool   `json:"debug"`
	LogLevel string `json:"log_level"`

	// Capture source
	Backend         string `json:"backend"`
	Display         int    `json:"display"`
	FPS             int    `json:"fps"`
	Buffers         int    `json:"buffers"`
	MaxGrabFailures int    `json:"max_grab_failures"`
	StartTimeoutMS  int    `json:"start_timeout_ms"`

	// Session behaviour
	FaultPolicy          string `json:"fault_policy"`
	StatsIntervalSeconds int    `json:"stats_interval_seconds"`

	// Thumbnail writer; disabled when ThumbnailDir is empty.
	ThumbnailDir       string `json:"thumbnail_dir"`
	ThumbnailEvery     int    `json:"thumbnail_every"`
	ThumbnailMaxWidth  int    `json:"thumbnail_max_width"`
	ThumbnailMaxHeight int    `json:"thumbnail_max_height"`
}

// DefaultConfig returns a Config populated with standard defaults.
func DefaultConfig() *Config {
	return &Config{
		Debug:                false,
		LogLevel:             "info",
		Backend:              "auto",
		Display:              0,
		FPS:                  30,
		Buffers:              3,
		MaxGrabFailures:      30,
		StartTimeoutMS:       5000,
		FaultPolicy:          "drop",
		StatsIntervalSeconds: 10,
		ThumbnailDir:         "",
		ThumbnailEvery:       30,
		ThumbnailMaxWidth:    320,
		ThumbnailMaxHeight:   180,
	}
}

// DefaultPath is the config file location under the XDG config home.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "framestream", "config.json")
}

// Validate clamps/normalizes values to safe ranges in place. Out-of-range
// values are never an error.
func (c *Config) Validate() {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}
	if c.Backend == "" {
		c.Backend = "auto"
	}
	if c.Display < 0 {
		c.Display = 0
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.FPS > 240 {
		c.FPS = 240
	}
	if c.Buffers < 2 {
		c.Buffers = 2
	}
	if c.Buffers > 16 {
		c.Buffers = 16
	}
	if c.MaxGrabFailures <= 0 {
		c.MaxGrabFailures = 30
	}
	if c.StartTimeoutMS <= 0 {
		c.StartTimeoutMS = 5000
	}
	switch c.FaultPolicy {
	case "drop", "stop":
	default:
		c.FaultPolicy = "drop"
	}
	if c.StatsIntervalSeconds < 0 {
		c.StatsIntervalSeconds = 0
	}
	if c.ThumbnailEvery <= 0 {
		c.ThumbnailEvery = 30
	}
	if c.ThumbnailMaxWidth <= 0 {
		c.ThumbnailMaxWidth = 320
	}
	if c.ThumbnailMaxHeight <= 0 {
		c.ThumbnailMaxHeight = 180
	}
}

// StartTimeout returns StartTimeoutMS as a duration.
func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutMS) * time.Millisecond
}

// StatsInterval returns the stats logging period; zero disables it.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds) * time.Second
}

// Load attempts to read configuration from the given JSON file path. If the file does not
// exist it returns DefaultConfig(). On JSON error it returns defaults with the error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return DefaultConfig(), err
	}
	cfg.Validate()
	return cfg, nil
}

// Save writes the configuration to the given path in JSON format, creating
// the parent directory if needed.
func (c *Config) Save(path string) error {
	c.Validate()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}
