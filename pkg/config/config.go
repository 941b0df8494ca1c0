package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runningwild/rawbench/pkg/device"
	"github.com/runningwild/rawbench/pkg/engine"
	"github.com/runningwild/rawbench/pkg/reserve"
	"github.com/runningwild/rawbench/pkg/stats"
)

// Config represents the top-level configuration for a benchmark run.
type Config struct {
	Target   string   `yaml:"target"` // Device or backing file
	Settings Settings `yaml:"settings"`
}

type Settings struct {
	EngineType   string `yaml:"engine_type"` // "sync", "uring" or "libaio"
	Buffered     bool   `yaml:"buffered"`    // Skip O_DIRECT, for backing files on tmpfs
	PayloadBytes int    `yaml:"payload_bytes"`

	// Workers are split readShare:writeShare unless Readers or Writers is set.
	Workers    int `yaml:"workers"`
	ReadShare  int `yaml:"read_share"`
	WriteShare int `yaml:"write_share"`
	Readers    int `yaml:"readers,omitempty"`
	Writers    int `yaml:"writers,omitempty"`

	Runtime           time.Duration `yaml:"runtime"`
	Iterations        int           `yaml:"iterations,omitempty"`
	Divisions         int           `yaml:"divisions"`
	Resolution        time.Duration `yaml:"resolution"`
	HistogramCapacity int           `yaml:"histogram_capacity"`
	Seed              int64         `yaml:"seed,omitempty"` // 0 picks one per run
	Message           string        `yaml:"message"`
	Scheduler         string        `yaml:"scheduler,omitempty"` // Applied before the run when set
}

const (
	DefaultPayloadBytes = 4096
	DefaultWorkers      = 4
	DefaultReadShare    = 3
	DefaultWriteShare   = 1
)

// Default returns a config with every default applied and no target.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg as YAML, suitable for Load.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyDefaults fills zero settings.
func (c *Config) ApplyDefaults() {
	s := &c.Settings
	if s.EngineType == "" {
		s.EngineType = "sync"
	}
	if s.PayloadBytes == 0 {
		s.PayloadBytes = DefaultPayloadBytes
	}
	if s.Workers == 0 && s.Readers == 0 && s.Writers == 0 {
		s.Workers = DefaultWorkers
	}
	if s.ReadShare == 0 && s.WriteShare == 0 {
		s.ReadShare, s.WriteShare = DefaultReadShare, DefaultWriteShare
	}
	if s.Runtime == 0 {
		s.Runtime = engine.DefaultRuntime
	}
	if s.Divisions == 0 {
		s.Divisions = reserve.DefaultDivisions
	}
	if s.Resolution == 0 {
		s.Resolution = stats.DefaultResolution
	}
	if s.HistogramCapacity == 0 {
		s.HistogramCapacity = stats.DefaultCapacity
	}
	if s.Message == "" {
		s.Message = engine.DefaultMessage
	}
}

func (c *Config) Validate() error {
	s := c.Settings
	if _, err := engine.BackendFor(s.EngineType); err != nil {
		return err
	}
	if s.PayloadBytes < 0 {
		return fmt.Errorf("invalid payload_bytes %d", s.PayloadBytes)
	}
	if s.Readers < 0 || s.Writers < 0 || s.Workers < 0 || s.ReadShare < 0 || s.WriteShare < 0 {
		return fmt.Errorf("worker counts and shares must not be negative")
	}
	if s.Runtime < 0 || s.Resolution < 0 {
		return fmt.Errorf("runtime and resolution must not be negative")
	}
	if s.Scheduler != "" {
		if !slices.Contains(device.SchedulerModes, s.Scheduler) {
			return fmt.Errorf("unknown scheduler %q", s.Scheduler)
		}
	}
	return nil
}

// Mix returns the reader and writer counts the settings ask for.
func (s Settings) Mix() (readers, writers int) {
	if s.Readers > 0 || s.Writers > 0 {
		return s.Readers, s.Writers
	}
	return engine.SplitWorkers(s.Workers, s.ReadShare, s.WriteShare)
}

// Params converts the config into engine parameters.
func (c *Config) Params() engine.Params {
	s := c.Settings
	readers, writers := s.Mix()
	return engine.Params{
		EngineType:        s.EngineType,
		Path:              c.Target,
		PayloadBytes:      s.PayloadBytes,
		Direct:            !s.Buffered,
		Readers:           readers,
		Writers:           writers,
		Runtime:           s.Runtime,
		Iterations:        s.Iterations,
		Divisions:         s.Divisions,
		Resolution:        s.Resolution,
		HistogramCapacity: s.HistogramCapacity,
		Seed:              s.Seed,
		Message:           s.Message,
	}
}
