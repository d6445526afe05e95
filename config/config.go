package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/copytrader/ledger"
	"github.com/rustyeddy/copytrader/market"
	"github.com/rustyeddy/copytrader/risk"
	"github.com/rustyeddy/copytrader/sizing"
)

// Config is the complete runtime configuration.
type Config struct {
	DB         DBConfig         `json:"db" yaml:"db"`
	Intent     IntentConfig     `json:"intent" yaml:"intent"`
	Jobs       JobsConfig       `json:"jobs" yaml:"jobs"`
	Strategies []StrategyConfig `json:"strategies" yaml:"strategies"`
}

type DBConfig struct {
	Path string `json:"path" yaml:"path"`
}

type IntentConfig struct {
	TTL string `json:"ttl" yaml:"ttl"` // e.g. "24h"
}

func (c IntentConfig) ParseTTL() (time.Duration, error) {
	return time.ParseDuration(c.TTL)
}

// JobConfig is one scheduled job: a six-field cron spec plus the lease
// duration its body holds. The lease should be shorter than the schedule
// interval so a crashed holder expires before the next run.
type JobConfig struct {
	Spec  string `json:"spec" yaml:"spec"`
	Lease string `json:"lease" yaml:"lease"`
}

func (j JobConfig) ParseLease() (time.Duration, error) {
	return time.ParseDuration(j.Lease)
}

type JobsConfig struct {
	Cooldown JobConfig `json:"cooldown" yaml:"cooldown"`
	IntentGC JobConfig `json:"intent_gc" yaml:"intent_gc"`
	Auditor  JobConfig `json:"auditor" yaml:"auditor"`
}

// StrategyConfig mirrors the ledger's creation parameters with file tags.
type StrategyConfig struct {
	ID             string        `json:"id" yaml:"id"`
	Name           string        `json:"name" yaml:"name"`
	InitialCapital market.Cash   `json:"initial_capital" yaml:"initial_capital"`
	Cooldown       string        `json:"cooldown" yaml:"cooldown"` // e.g. "3h"
	Risk           risk.Params   `json:"risk" yaml:"risk"`
	Sizing         sizing.Config `json:"sizing" yaml:"sizing"`
}

// ToLedger converts the file form into the validated creation config.
func (s StrategyConfig) ToLedger() (ledger.StrategyConfig, error) {
	cooldown, err := time.ParseDuration(s.Cooldown)
	if err != nil {
		return ledger.StrategyConfig{}, fmt.Errorf("strategy %s: cooldown: %w", s.ID, err)
	}
	cfg := ledger.StrategyConfig{
		ID:             s.ID,
		Name:           s.Name,
		InitialCapital: s.InitialCapital,
		Cooldown:       cooldown,
		Risk:           s.Risk,
		Sizing:         s.Sizing,
	}
	if err := cfg.Validate(); err != nil {
		return ledger.StrategyConfig{}, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a file (YAML or JSON based on
// content; YAML is tried first).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration (YAML for .yaml/.yml, JSON otherwise).
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if _, err := c.Intent.ParseTTL(); err != nil {
		return fmt.Errorf("intent.ttl: %w", err)
	}
	for name, j := range map[string]JobConfig{
		"jobs.cooldown":  c.Jobs.Cooldown,
		"jobs.intent_gc": c.Jobs.IntentGC,
		"jobs.auditor":   c.Jobs.Auditor,
	} {
		if j.Spec == "" {
			return fmt.Errorf("%s.spec is required", name)
		}
		if _, err := j.ParseLease(); err != nil {
			return fmt.Errorf("%s.lease: %w", name, err)
		}
	}
	seen := map[string]bool{}
	for _, s := range c.Strategies {
		if seen[s.ID] {
			return fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		seen[s.ID] = true
		if _, err := s.ToLedger(); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a configuration with sensible defaults and one sample
// strategy.
func Default() *Config {
	return &Config{
		DB:     DBConfig{Path: "./copytrader.sqlite"},
		Intent: IntentConfig{TTL: "24h"},
		Jobs: JobsConfig{
			Cooldown: JobConfig{Spec: "0 * * * * *", Lease: "45s"},
			IntentGC: JobConfig{Spec: "0 */10 * * * *", Lease: "8m"},
			Auditor:  JobConfig{Spec: "30 */5 * * * *", Lease: "4m"},
		},
		Strategies: []StrategyConfig{
			{
				ID:             "copy-main",
				Name:           "Main copy strategy",
				InitialCapital: 1000,
				Cooldown:       "3h",
				Risk: risk.Params{
					MaxPositionSize:      100,
					MaxTotalExposure:     400,
					DailyBudget:          250,
					MaxDrawdownPct:       0.20,
					MaxConsecutiveLosses: 5,
				},
				Sizing: sizing.Config{
					Method:        sizing.MethodKelly,
					KellyFraction: 0.25,
					MinBet:        5,
					MaxBet:        100,
				},
			},
		},
	}
}
