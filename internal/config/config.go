package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Admission holds the hard thresholds gating READY/SET/GO decisions plus the
// portfolio-level circuit-breaker limits. Snapshots are immutable; a reload
// swaps the whole struct atomically.
type Admission struct {
	MinConfidence      float64       `yaml:"min_confidence"`       // ≥ for READY→SET
	MinRiskReward      float64       `yaml:"min_risk_reward"`      // ≥ for SET eligibility
	ConfidenceDelta    float64       `yaml:"confidence_delta"`     // ≥ for GO
	CooldownDuration   time.Duration `yaml:"cooldown_duration"`    // post-signal quiet period
	MaxConcurrent      int           `yaml:"max_concurrent"`       // open positions across instruments
	EmergencyShutdown  bool          `yaml:"emergency_shutdown"`   // master enable for the breaker
	MaxDrawdown        float64       `yaml:"max_drawdown"`         // drawdown ratio tripping emergency
	MaxConsecutiveLoss int           `yaml:"max_consecutive_loss"` // loss streak tripping emergency
}

// Mode holds the mode-controller cadences and switching policy.
type Mode struct {
	AutoSwitchThreshold float64       `yaml:"auto_switch_threshold"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	ReviewInterval      time.Duration `yaml:"review_interval"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
	DrainPollInterval   time.Duration `yaml:"drain_poll_interval"`
}

// Calibration holds the confidence-calibration learning parameters.
type Calibration struct {
	BucketCount   int     `yaml:"bucket_count"`
	HistorySize   int     `yaml:"history_size"`
	MinSampleSize int     `yaml:"min_sample_size"`
	LearningRate  float64 `yaml:"learning_rate"`
	MaxAdjustment float64 `yaml:"max_adjustment"`
	PlattMinTotal int     `yaml:"platt_min_total"`
}

// Persistence driver names.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverNone     = "none"
)

// Persistence selects the adjustment store backing.
type Persistence struct {
	Driver   string `yaml:"driver"` // "postgres", "redis" or "none"
	DSN      string `yaml:"dsn"`
	RedisURL string `yaml:"redis_url"`
}

// Server holds the operational HTTP listener settings.
type Server struct {
	Addr string `yaml:"addr"`
}

// Config is the full engine configuration.
type Config struct {
	Admission         Admission   `yaml:"admission"`
	Mode              Mode        `yaml:"mode"`
	Calibration       Calibration `yaml:"calibration"`
	Persistence       Persistence `yaml:"persistence"`
	Server            Server      `yaml:"server"`
	BusQueueSize      int         `yaml:"bus_queue_size"`
	UpdateRatePerSec  float64     `yaml:"update_rate_per_sec"`
	UpdateBurst       int         `yaml:"update_burst"`
	ReferenceNotional float64     `yaml:"reference_notional"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Admission: Admission{
			MinConfidence:      0.65,
			MinRiskReward:      2.0,
			ConfidenceDelta:    0.04,
			CooldownDuration:   15 * time.Minute,
			MaxConcurrent:      5,
			EmergencyShutdown:  true,
			MaxDrawdown:        0.15,
			MaxConsecutiveLoss: 4,
		},
		Mode: Mode{
			AutoSwitchThreshold: 0.75,
			HealthInterval:      30 * time.Second,
			ReviewInterval:      5 * time.Minute,
			DrainTimeout:        5 * time.Minute,
			DrainPollInterval:   5 * time.Second,
		},
		Calibration: Calibration{
			BucketCount:   10,
			HistorySize:   1000,
			MinSampleSize: 20,
			LearningRate:  0.1,
			MaxAdjustment: 0.1,
			PlattMinTotal: 50,
		},
		Persistence: Persistence{
			Driver: "none",
		},
		Server: Server{
			Addr: ":9180",
		},
		BusQueueSize:      256,
		UpdateRatePerSec:  20,
		UpdateBurst:       40,
		ReferenceNotional: 10000,
	}
}

// Load reads path, overlays it on the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would wedge the engine.
func (c Config) Validate() error {
	a := c.Admission
	switch {
	case a.MinConfidence < 0 || a.MinConfidence > 1:
		return fmt.Errorf("admission.min_confidence %.2f outside [0,1]", a.MinConfidence)
	case a.MinRiskReward < 0:
		return fmt.Errorf("admission.min_risk_reward %.2f negative", a.MinRiskReward)
	case a.MaxConcurrent < 1:
		return fmt.Errorf("admission.max_concurrent %d must be at least 1", a.MaxConcurrent)
	case a.CooldownDuration < 0:
		return fmt.Errorf("admission.cooldown_duration negative")
	case a.MaxDrawdown <= 0 || a.MaxDrawdown >= 1:
		return fmt.Errorf("admission.max_drawdown %.2f outside (0,1)", a.MaxDrawdown)
	case a.MaxConsecutiveLoss < 1:
		return fmt.Errorf("admission.max_consecutive_loss %d must be at least 1", a.MaxConsecutiveLoss)
	}

	cal := c.Calibration
	switch {
	case cal.BucketCount < 2:
		return fmt.Errorf("calibration.bucket_count %d too small", cal.BucketCount)
	case cal.HistorySize < 1:
		return fmt.Errorf("calibration.history_size %d must be at least 1", cal.HistorySize)
	case cal.MinSampleSize < 0:
		return fmt.Errorf("calibration.min_sample_size %d negative", cal.MinSampleSize)
	case cal.HistorySize < cal.MinSampleSize:
		return fmt.Errorf("calibration.history_size %d below min_sample_size %d", cal.HistorySize, cal.MinSampleSize)
	case cal.MaxAdjustment <= 0 || cal.MaxAdjustment > 0.5:
		return fmt.Errorf("calibration.max_adjustment %.2f outside (0,0.5]", cal.MaxAdjustment)
	case cal.LearningRate <= 0 || cal.LearningRate > 1:
		return fmt.Errorf("calibration.learning_rate %.2f outside (0,1]", cal.LearningRate)
	}

	m := c.Mode
	switch {
	case m.AutoSwitchThreshold <= 0 || m.AutoSwitchThreshold > 1:
		return fmt.Errorf("mode.auto_switch_threshold %.2f outside (0,1]", m.AutoSwitchThreshold)
	case m.HealthInterval <= 0 || m.ReviewInterval <= 0:
		return fmt.Errorf("mode intervals must be positive")
	case m.DrainTimeout <= 0 || m.DrainPollInterval <= 0:
		return fmt.Errorf("mode drain settings must be positive")
	}

	switch c.Persistence.Driver {
	case DriverPostgres, DriverRedis, DriverNone:
	default:
		return fmt.Errorf("persistence.driver %q not one of postgres/redis/none", c.Persistence.Driver)
	}
	return nil
}

// Store hands out immutable config snapshots and swaps them atomically on a
// config:update event. Readers never block writers.
type Store struct {
	cur atomic.Pointer[Config]
}

// NewStore seeds the store with cfg.
func NewStore(cfg Config) *Store {
	s := &Store{}
	s.cur.Store(&cfg)
	return s
}

// Get returns the current snapshot.
func (s *Store) Get() *Config {
	return s.cur.Load()
}

// Swap validates and installs cfg, returning the previous snapshot.
func (s *Store) Swap(cfg Config) (*Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return s.cur.Swap(&cfg), nil
}
