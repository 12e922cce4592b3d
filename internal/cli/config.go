package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dssg/vibrant-routing-public/internal/artifact"
	"github.com/dssg/vibrant-routing-public/internal/ledger"
	"github.com/dssg/vibrant-routing-public/internal/lookup"
	"github.com/dssg/vibrant-routing-public/internal/publish"
	"github.com/dssg/vibrant-routing-public/internal/registry"
	"github.com/dssg/vibrant-routing-public/internal/scorer"
	"github.com/dssg/vibrant-routing-public/internal/simulator"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete routesim configuration.
// Maps config file fields through YAML tags
type Config struct {
	Logging struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
		File   string `yaml:"file"`
	} `yaml:"logging"`

	Simulation struct {
		Trials             int           `yaml:"trials"`
		Seed               *int64        `yaml:"seed"`
		BackupCenter       string        `yaml:"backup_center"`
		BackupTermination  string        `yaml:"backup_termination"`
		DispositionOffset  time.Duration `yaml:"disposition_offset"`
		AbandonRingSeconds int64         `yaml:"abandon_ring_seconds"`
		DefaultWaitMinutes int           `yaml:"default_wait_minutes"`
		SourceTimeZone     string        `yaml:"source_time_zone"`
		HazardTail         string        `yaml:"hazard_tail"`
	} `yaml:"simulation"`

	Inputs struct {
		RoutingTable string `yaml:"routing_table"`
		ActiveCalls  string `yaml:"active_calls"` // CSV cohort; empty reads Postgres
		Lookups      string `yaml:"lookups"`      // YAML bundle; empty reads Postgres
		WindowStart  string `yaml:"window_start"`
		WindowEnd    string `yaml:"window_end"`
	} `yaml:"inputs"`

	Scorer scorer.Config `yaml:"scorer"`

	Ledger struct {
		Kind         string `yaml:"kind"` // memory | journal | postgres
		Dir          string `yaml:"dir"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
		KeepBackups  int    `yaml:"keep_backups"`
	} `yaml:"ledger"`

	Postgres struct {
		DSN           string `yaml:"dsn"`
		Schema        string `yaml:"schema"`
		SourceSchema  string `yaml:"source_schema"`
		RoutingSchema string `yaml:"routing_schema"`
	} `yaml:"postgres"`

	Registry  registry.Config `yaml:"registry"`
	NATS      publish.Config  `yaml:"nats"`
	Artifacts artifact.Config `yaml:"artifacts"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Port    int    `yaml:"port"`
		PushURL string `yaml:"push_url"`
		Job     string `yaml:"job"`
	} `yaml:"metrics"`
}

// defaultConfig returns the values used for keys the file leaves out.
func defaultConfig() Config {
	var cfg Config
	sim := simulator.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Simulation.Trials = 1
	cfg.Simulation.BackupCenter = sim.BackupCenter
	cfg.Simulation.BackupTermination = sim.BackupTermination
	cfg.Simulation.DispositionOffset = sim.DispositionOffset
	cfg.Simulation.AbandonRingSeconds = sim.AbandonRingSeconds
	cfg.Simulation.DefaultWaitMinutes = lookup.DefaultWaitMinutes
	cfg.Simulation.SourceTimeZone = "America/New_York"
	cfg.Simulation.HazardTail = string(lookup.TailRepeat)
	cfg.Scorer.Kind = "logistic"
	cfg.Ledger.Kind = "memory"
	cfg.Ledger.Dir = "data/ledgers"
	cfg.Ledger.KeepBackups = 2
	cfg.Postgres.Schema = "routing"
	cfg.Postgres.SourceSchema = "source"
	cfg.Postgres.RoutingSchema = "routing"
	cfg.Registry.Kind = "file"
	cfg.Registry.Path = "data/evaluations.json"
	cfg.NATS.SubjectPrefix = publish.DefaultSubjectPrefix
	cfg.Artifacts.LocalDir = "data/exports"
	cfg.Metrics.Port = 9090
	cfg.Metrics.Job = "routesim"
	return cfg
}

// loadConfig reads path over the defaults. The raw file bytes are returned
// for hashing.
func loadConfig(path string) (*Config, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, data, nil
}

func (c *Config) validate() error {
	if c.Simulation.Trials < 1 {
		return fmt.Errorf("%w: simulation.trials must be at least 1", ErrInvalidConfig)
	}
	if c.Simulation.AbandonRingSeconds < 0 || c.Simulation.DispositionOffset < 0 {
		return fmt.Errorf("%w: simulation offsets must not be negative", ErrInvalidConfig)
	}
	if _, err := lookup.ParseTailPolicy(c.Simulation.HazardTail); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := time.LoadLocation(c.Simulation.SourceTimeZone); err != nil {
		return fmt.Errorf("%w: simulation.source_time_zone: %v", ErrInvalidConfig, err)
	}
	if c.Ledger.Kind == "postgres" && c.Postgres.DSN == "" {
		return fmt.Errorf("%w: ledger.kind postgres needs postgres.dsn", ErrInvalidConfig)
	}
	if c.Inputs.ActiveCalls == "" && c.Postgres.DSN == "" {
		return fmt.Errorf("%w: inputs.active_calls or postgres.dsn is required", ErrInvalidConfig)
	}
	if c.Inputs.Lookups == "" && c.Postgres.DSN == "" {
		return fmt.Errorf("%w: inputs.lookups or postgres.dsn is required", ErrInvalidConfig)
	}
	return nil
}

// location returns the zone of the source timestamps.
func (c *Config) location() *time.Location {
	loc, err := time.LoadLocation(c.Simulation.SourceTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// simulatorConfig maps the simulation section onto simulator.Config.
func (c *Config) simulatorConfig() simulator.Config {
	return simulator.Config{
		BackupCenter:       c.Simulation.BackupCenter,
		BackupTermination:  c.Simulation.BackupTermination,
		DispositionOffset:  c.Simulation.DispositionOffset,
		AbandonRingSeconds: c.Simulation.AbandonRingSeconds,
		Location:           c.location(),
	}
}

// lookupOptions maps the simulation section onto lookup.Options.
func (c *Config) lookupOptions() lookup.Options {
	tail, _ := lookup.ParseTailPolicy(c.Simulation.HazardTail)
	return lookup.Options{Tail: tail, DefaultWaitMinutes: c.Simulation.DefaultWaitMinutes}
}

// window parses inputs.window_start/window_end as wall-clock times in the
// source zone. Empty bounds are open.
func (c *Config) window() (ledger.Window, error) {
	var w ledger.Window
	loc := c.location()
	for _, b := range []struct {
		raw string
		dst *time.Time
	}{
		{c.Inputs.WindowStart, &w.Start},
		{c.Inputs.WindowEnd, &w.End},
	} {
		if b.raw == "" {
			continue
		}
		t, err := time.ParseInLocation(ledger.TimeLayout, b.raw, loc)
		if err != nil {
			return w, fmt.Errorf("%w: window bound %q: %v", ErrInvalidConfig, b.raw, err)
		}
		*b.dst = t
	}
	return w, nil
}
