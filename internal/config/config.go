// Package config loads the crosswalk monitor settings from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/crosswalk-monitor/internal/detect"
	"github.com/dj-oyu/crosswalk-monitor/internal/logger"
	"github.com/dj-oyu/crosswalk-monitor/internal/occupancy"
	"github.com/dj-oyu/crosswalk-monitor/internal/pipeline"
	"github.com/dj-oyu/crosswalk-monitor/internal/zonecache"
)

const maxFileSize = 1 << 20

// DetectorConfig describes one detector worker process.
type DetectorConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	Env         []string      `yaml:"env"`
	Confidence  float64       `yaml:"confidence"`
	ClassID     int           `yaml:"class_id"`
	Timeout     time.Duration `yaml:"timeout"`
	JPEGQuality int           `yaml:"jpeg_quality"`
}

// WorkerConfig converts d into the settings of a detector worker.
func (d DetectorConfig) WorkerConfig(name string) detect.WorkerConfig {
	return detect.WorkerConfig{
		Name:        name,
		Command:     d.Command,
		Args:        d.Args,
		Env:         d.Env,
		Timeout:     d.Timeout,
		JPEGQuality: d.JPEGQuality,
	}
}

// ZoneCacheConfig controls how often the zone detector runs.
type ZoneCacheConfig struct {
	RefreshInterval int `yaml:"refresh_interval"`
}

// SourceConfig selects the frames to analyse.
type SourceConfig struct {
	Dir  string `yaml:"dir"`
	FPS  int    `yaml:"fps"`
	Loop bool   `yaml:"loop"`
}

// MonitorConfig configures the web monitor.
type MonitorConfig struct {
	Addr           string        `yaml:"addr"`
	StatusInterval time.Duration `yaml:"status_interval"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	HistorySize    int           `yaml:"history_size"`
}

// RecordingConfig configures annotated stream recording.
type RecordingConfig struct {
	OutputPath string `yaml:"output_path"`
}

// Config is the root of the configuration file.
type Config struct {
	PedestrianDetector DetectorConfig   `yaml:"pedestrian_detector"`
	ZoneDetector       DetectorConfig   `yaml:"zone_detector"`
	Occupancy          occupancy.Config `yaml:"occupancy"`
	ZoneCache          ZoneCacheConfig  `yaml:"zone_cache"`
	Source             SourceConfig     `yaml:"source"`
	Monitor            MonitorConfig    `yaml:"monitor"`
	Recording          RecordingConfig  `yaml:"recording"`
	MetricsAddr        string           `yaml:"metrics_addr"`
	PprofAddr          string           `yaml:"pprof_addr"`
	LogLevel           string           `yaml:"log_level"`
	LogColor           bool             `yaml:"log_color"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PedestrianDetector: DetectorConfig{
			Confidence:  0.3,
			ClassID:     detect.PersonClassID,
			Timeout:     2 * time.Second,
			JPEGQuality: 85,
		},
		ZoneDetector: DetectorConfig{
			Confidence:  0.3,
			ClassID:     pipeline.AnyClass,
			Timeout:     2 * time.Second,
			JPEGQuality: 85,
		},
		Occupancy: occupancy.DefaultConfig(),
		ZoneCache: ZoneCacheConfig{RefreshInterval: zonecache.DefaultInterval},
		Source:    SourceConfig{Dir: "./frames", FPS: 10, Loop: false},
		Monitor: MonitorConfig{
			Addr:           ":8080",
			StatusInterval: 2 * time.Second,
			JPEGQuality:    80,
			HistorySize:    8,
		},
		Recording:   RecordingConfig{OutputPath: "./recordings"},
		MetricsAddr: ":9090",
		PprofAddr:   ":6060",
		LogLevel:    "info",
		LogColor:    true,
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values; unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	for name, d := range map[string]DetectorConfig{
		"pedestrian_detector": c.PedestrianDetector,
		"zone_detector":       c.ZoneDetector,
	} {
		if d.Confidence < 0 || d.Confidence > 1 {
			return fmt.Errorf("%s.confidence must be between 0 and 1, got %v", name, d.Confidence)
		}
		if d.Timeout < 0 {
			return fmt.Errorf("%s.timeout must not be negative, got %v", name, d.Timeout)
		}
		if d.JPEGQuality < 0 || d.JPEGQuality > 100 {
			return fmt.Errorf("%s.jpeg_quality must be between 0 and 100, got %d", name, d.JPEGQuality)
		}
	}
	if err := c.Occupancy.Validate(); err != nil {
		return fmt.Errorf("occupancy: %w", err)
	}
	if c.ZoneCache.RefreshInterval < 1 {
		return fmt.Errorf("zone_cache.refresh_interval must be >= 1, got %d", c.ZoneCache.RefreshInterval)
	}
	if c.Source.FPS < 0 {
		return fmt.Errorf("source.fps must not be negative, got %d", c.Source.FPS)
	}
	if c.Monitor.JPEGQuality < 1 || c.Monitor.JPEGQuality > 100 {
		return fmt.Errorf("monitor.jpeg_quality must be between 1 and 100, got %d", c.Monitor.JPEGQuality)
	}
	if c.Monitor.HistorySize < 0 {
		return fmt.Errorf("monitor.history_size must not be negative, got %d", c.Monitor.HistorySize)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Pipeline returns the per-stream pipeline settings.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		PedestrianConfidence: c.PedestrianDetector.Confidence,
		ZoneConfidence:       c.ZoneDetector.Confidence,
		PedestrianClassID:    c.PedestrianDetector.ClassID,
		ZoneClassID:          c.ZoneDetector.ClassID,
		RefreshInterval:      c.ZoneCache.RefreshInterval,
		Occupancy:            c.Occupancy,
	}
}

// FrameInterval returns the pause between source frames, 0 for as fast as
// possible.
func (c *Config) FrameInterval() time.Duration {
	if c.Source.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.Source.FPS)
}
