// Package config loads the tree-structured configuration: the aggregator
// name, the database connection, and per-table name overrides, from a
// YAML file with an environment-variable overlay, validated before use.
package config

import (
	"context"
	"os"
	"regexp"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/nwfabric/dpb/internal/errcat"
)

// Tables holds the six configurable table names. Any
// field left empty falls back to its default in DefaultTables.
type Tables struct {
	Terminals       string `yaml:"terminals,omitempty" env:"TERMINALS_TABLE"`
	Trunks          string `yaml:"trunks,omitempty" env:"TRUNKS_TABLE"`
	Labels          string `yaml:"labels,omitempty" env:"LABELS_TABLE"`
	Services        string `yaml:"services,omitempty" env:"SERVICES_TABLE"`
	ServiceCircuits string `yaml:"service_circuits,omitempty" env:"SERVICE_CIRCUITS_TABLE"`
	Subservices     string `yaml:"subservices,omitempty" env:"SUBSERVICES_TABLE"`
}

// DefaultTables is the schema layout when no override is configured.
var DefaultTables = Tables{
	Terminals:       "terminals",
	Trunks:          "trunks",
	Labels:          "labels",
	Services:        "services",
	ServiceCircuits: "service_circuits",
	Subservices:     "subservices",
}

// WithDefaults returns a copy of t with every empty field replaced by its
// DefaultTables value.
func (t Tables) WithDefaults() Tables {
	d := DefaultTables
	if t.Terminals != "" {
		d.Terminals = t.Terminals
	}
	if t.Trunks != "" {
		d.Trunks = t.Trunks
	}
	if t.Labels != "" {
		d.Labels = t.Labels
	}
	if t.Services != "" {
		d.Services = t.Services
	}
	if t.ServiceCircuits != "" {
		d.ServiceCircuits = t.ServiceCircuits
	}
	if t.Subservices != "" {
		d.Subservices = t.Subservices
	}
	return d
}

// DB holds the driver-specific connection settings (`db.*`).
type DB struct {
	Service      string `yaml:"service" env:"DB_SERVICE"`
	Driver       string `yaml:"driver,omitempty" env:"DB_DRIVER,default=postgres"`
	MaxOpenConns int    `yaml:"maxOpenConns,omitempty" env:"DB_MAX_OPEN_CONNS,default=16"`
	MaxIdleConns int    `yaml:"maxIdleConns,omitempty" env:"DB_MAX_IDLE_CONNS,default=4"`
}

// Dispatch controls the Event Dispatcher's shared worker pool.
type Dispatch struct {
	Workers int `yaml:"workers,omitempty" env:"DISPATCH_WORKERS,default=8"`
}

// Trunk controls the optional idle-trunk reaper supplement. Zero disables
// it, which is the default.
type Trunk struct {
	IdleSweepInterval string `yaml:"idleSweepInterval,omitempty" env:"TRUNK_IDLE_SWEEP_INTERVAL"`
}

// Duration parses IdleSweepInterval, returning 0 (the disabled value) if
// it is unset.
func (t Trunk) Duration() (time.Duration, error) {
	if t.IdleSweepInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(t.IdleSweepInterval)
	if err != nil {
		return 0, errcat.InvalidRequest.Wrap(err)
	}
	return d, nil
}

// Config is the root of the tree-structured configuration blob.
type Config struct {
	Name     string   `yaml:"name" env:"NAME"`
	DB       DB       `yaml:"db"`
	Tables   Tables   `yaml:"tables"`
	Dispatch Dispatch `yaml:"dispatch"`
	Trunk    Trunk    `yaml:"trunk"`
}

var nameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Validate rejects a Config that is missing required fields or whose name
// is not a safe identifier, before the aggregator is constructed.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errcat.InvalidRequest.New("config: \"name\" is required")
	}
	if !nameRE.MatchString(c.Name) {
		return errcat.InvalidRequest.Newf("config: %q is not a valid aggregator name", c.Name)
	}
	if c.DB.Service == "" {
		return errcat.InvalidRequest.New("config: \"db.service\" is required")
	}
	return nil
}

// Load reads a YAML config file from path, then overlays environment
// variables onto it: a file default, overridden by the process
// environment.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errcat.InvalidRequest.Wrap(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errcat.InvalidRequest.Wrap(err)
		}
	}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, errcat.InvalidRequest.Wrap(err)
	}
	cfg.Tables = cfg.Tables.WithDefaults()
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 8
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
