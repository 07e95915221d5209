// Package config handles reading and writing .labassist/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chinanuj/AgenticLabAssistant/internal/agent"
	"github.com/chinanuj/AgenticLabAssistant/internal/booking"
	"github.com/chinanuj/AgenticLabAssistant/internal/coordinator"
	"github.com/chinanuj/AgenticLabAssistant/internal/negotiate"
	"github.com/chinanuj/AgenticLabAssistant/internal/priority"
)

// Config is the top-level structure for .labassist/config.yaml.
type Config struct {
	Version     int               `yaml:"version"`
	Timezone    string            `yaml:"timezone"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Tiers       []string          `yaml:"tiers"`
	Resources   []ResourceConfig  `yaml:"resources"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	Cleanup     CleanupConfig     `yaml:"cleanup"`
}

// NegotiationConfig controls queries and negotiation rounds.
type NegotiationConfig struct {
	QueryTimeout  time.Duration `yaml:"query_timeout"`
	RoundTimeout  time.Duration `yaml:"round_timeout"`
	MaxCounters   int           `yaml:"max_counters"`
	MaxShift      time.Duration `yaml:"max_shift"`
	DebtWindow    time.Duration `yaml:"debt_window"`
	MaxDebtCredit int           `yaml:"max_debt_credit"`
}

// ResourceConfig declares one bookable resource.
type ResourceConfig struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Capacity  int      `yaml:"capacity"`
	Equipment []string `yaml:"equipment,omitempty"`
	Opens     string   `yaml:"opens,omitempty"`  // "08:00"
	Closes    string   `yaml:"closes,omitempty"` // "18:00"
}

// StorageConfig selects where the ledger and committed bookings live.
type StorageConfig struct {
	Ledger     string `yaml:"ledger"`      // "memory" | "sqlite"
	LedgerPath string `yaml:"ledger_path"` // relative to the project root
	Bookings   string `yaml:"bookings"`    // "memory" | "sqlite" | "postgres"
	BookingDSN string `yaml:"booking_dsn"` // file path for sqlite, URL for postgres
}

// ServerConfig controls `labassist serve`.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// CleanupConfig controls pruning of old simulation runs.
type CleanupConfig struct {
	MaxAgeDays int `yaml:"max_age_days"`
	KeepRuns   int `yaml:"keep_runs"`
}

const configDir = ".labassist"
const configFile = "config.yaml"

// ReadConfig reads .labassist/config.yaml from the given project directory.
// dir is the project root (not .labassist/ itself).
// Returns an error if the file is not found or YAML is malformed.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Resources = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// WriteConfig writes cfg to .labassist/config.yaml in the given project directory.
// Creates the .labassist/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version:  1,
		Timezone: "UTC",
		Negotiation: NegotiationConfig{
			QueryTimeout:  2 * time.Second,
			RoundTimeout:  5 * time.Second,
			MaxCounters:   3,
			MaxShift:      4 * time.Hour,
			DebtWindow:    7 * 24 * time.Hour,
			MaxDebtCredit: 3,
		},
		Tiers: []string{"PhD", "BTech", "MTech", "Student", "Other"},
		Resources: []ResourceConfig{
			{ID: "lab-1", Name: "AI Lab", Capacity: 30, Equipment: []string{"gpu"}, Opens: "08:00", Closes: "20:00"},
			{ID: "lab-2", Name: "Robotics Lab", Capacity: 15, Equipment: []string{"arm"}, Opens: "08:00", Closes: "20:00"},
		},
		Storage: StorageConfig{
			Ledger:     "sqlite",
			LedgerPath: filepath.Join(configDir, "ledger.db"),
			Bookings:   "sqlite",
			BookingDSN: filepath.Join(configDir, "bookings.db"),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7420",
		},
		Cleanup: CleanupConfig{
			MaxAgeDays: 30,
			KeepRuns:   20,
		},
	}
}

// Validate reports every problem with cfg at once.
func (c *Config) Validate() error {
	var errs []error
	n := c.Negotiation
	if n.QueryTimeout <= 0 {
		errs = append(errs, errors.New("negotiation.query_timeout must be positive"))
	}
	if n.RoundTimeout <= 0 {
		errs = append(errs, errors.New("negotiation.round_timeout must be positive"))
	}
	if n.MaxCounters < 0 {
		errs = append(errs, errors.New("negotiation.max_counters must not be negative"))
	}
	if n.MaxShift <= 0 {
		errs = append(errs, errors.New("negotiation.max_shift must be positive"))
	}
	if n.MaxDebtCredit < 0 || n.DebtWindow < 0 {
		errs = append(errs, errors.New("negotiation debt settings must not be negative"))
	}
	for _, name := range c.Tiers {
		if booking.ParseTier(name) == booking.TierOther && !strings.EqualFold(name, "Other") {
			errs = append(errs, fmt.Errorf("tiers: unknown tier %q", name))
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool)
	for i, r := range c.Resources {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("resources[%d]: missing id", i))
		} else if seen[r.ID] {
			errs = append(errs, fmt.Errorf("resources[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
		if r.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("resources[%d]: capacity must be positive", i))
		}
		if _, err := r.Description(); err != nil {
			errs = append(errs, fmt.Errorf("resources[%d]: %w", i, err))
		}
	}

	switch c.Storage.Ledger {
	case "", "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.ledger: unknown driver %q", c.Storage.Ledger))
	}
	switch c.Storage.Bookings {
	case "", "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.bookings: unknown driver %q", c.Storage.Bookings))
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// Settings converts the negotiation section into coordinator settings.
func (c *Config) Settings() coordinator.Settings {
	n := c.Negotiation
	return coordinator.Settings{
		QueryTimeout: n.QueryTimeout,
		Negotiation: negotiate.Settings{
			RoundTimeout:  n.RoundTimeout,
			MaxCounters:   n.MaxCounters,
			MaxShift:      n.MaxShift,
			DebtWindow:    n.DebtWindow,
			MaxDebtCredit: n.MaxDebtCredit,
			Order:         priority.ParseOrder(c.Tiers),
		},
	}
}

// Descriptions returns every resource as an agent description.
func (c *Config) Descriptions() ([]agent.Description, error) {
	out := make([]agent.Description, 0, len(c.Resources))
	for _, r := range c.Resources {
		d, err := r.Description()
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Description converts the resource, parsing its operating hours.
func (r ResourceConfig) Description() (agent.Description, error) {
	opens, err := clock(r.Opens)
	if err != nil {
		return agent.Description{}, fmt.Errorf("opens: %w", err)
	}
	closes, err := clock(r.Closes)
	if err != nil {
		return agent.Description{}, fmt.Errorf("closes: %w", err)
	}
	if r.Opens != "" && r.Closes != "" && closes <= opens {
		return agent.Description{}, fmt.Errorf("closes %s is not after opens %s", r.Closes, r.Opens)
	}
	name := r.Name
	if name == "" {
		name = r.ID
	}
	return agent.Description{
		ID:        r.ID,
		Name:      name,
		Capacity:  r.Capacity,
		Equipment: r.Equipment,
		Opens:     opens,
		Closes:    closes,
	}, nil
}

// clock parses "HH:MM" into an offset from midnight. "24:00" is allowed.
func clock(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if s == "24:00" {
		return 24 * time.Hour, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
