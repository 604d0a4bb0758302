package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete dispatcher configuration. Zero-valued fields in a
// loaded file fall back to the defaults from Default.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Expiry      ExpiryConfig      `yaml:"expiry"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	Eligibility EligibilityConfig `yaml:"eligibility"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Features    FeaturesConfig    `yaml:"features"`
}

// ServerConfig holds process-level settings for dispatchd.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	DBPath    string `yaml:"db_path"`    // SQLite path (default ~/.dispatch/dispatch.db, ":memory:" for testing)

	// AgentKeys maps an agent key to the accounts it may act for. An empty
	// account list allows every account. No keys means open access.
	AgentKeys map[string][]string `yaml:"agent_keys"`
}

// BroadcastConfig controls offer rotation and backoff.
type BroadcastConfig struct {
	IntervalSeconds        int `yaml:"broadcast_interval_seconds"`
	MaxRounds              int `yaml:"max_broadcast_rounds"`
	BatchLimit             int `yaml:"broadcast_batch_limit"`
	RebroadcastTickSeconds int `yaml:"rebroadcast_tick_seconds"`
}

// ExpiryConfig controls the expiry scanner rules.
type ExpiryConfig struct {
	ValidationTimeoutMinutes int `yaml:"validation_timeout_minutes"`
	QueueExpiryGraceMinutes  int `yaml:"queue_expiry_grace_minutes"`
	// DefaultExecutionTimeoutMinutes sets ExpiryAt for submissions that
	// carry neither an expiry nor an execution timeout.
	DefaultExecutionTimeoutMinutes int `yaml:"default_execution_timeout_minutes"`
}

// LivenessConfig controls heartbeat-lapse detection.
type LivenessConfig struct {
	DisconnectTimeoutMinutes int `yaml:"disconnect_timeout_minutes"`
	GroupExpiryWarningDays   int `yaml:"group_expiry_warning_days"`
}

// EligibilityConfig controls the capability snapshot cache.
type EligibilityConfig struct {
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// SchedulerConfig controls the periodic pumps.
type SchedulerConfig struct {
	InstanceIndex int  `yaml:"instance_index"`
	InstanceCount int  `yaml:"instance_count"`
	Redistribute  bool `yaml:"redistribute_across_instances"`

	Broadcast PumpConfig `yaml:"broadcast"`
	Expiry    PumpConfig `yaml:"expiry"`
	Liveness  PumpConfig `yaml:"liveness"`
	FailFast  PumpConfig `yaml:"fail_fast"`
}

// PumpConfig sizes one scanner.
type PumpConfig struct {
	IntervalSeconds         int `yaml:"interval_seconds"`
	PoolSize                int `yaml:"scanner_pool_size"`
	AcceptableExecutionSecs int `yaml:"acceptable_execution_seconds"`
}

// FeaturesConfig holds policy switches that may change at runtime.
type FeaturesConfig struct {
	FailFastOnDisconnect bool `yaml:"fail_fast_on_disconnect"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":8080",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Broadcast: BroadcastConfig{
			IntervalSeconds:        60,
			MaxRounds:              3,
			BatchLimit:             10,
			RebroadcastTickSeconds: 5,
		},
		Expiry: ExpiryConfig{
			ValidationTimeoutMinutes:       2,
			DefaultExecutionTimeoutMinutes: 10,
		},
		Liveness: LivenessConfig{
			DisconnectTimeoutMinutes: 5,
			GroupExpiryWarningDays:   7,
		},
		Eligibility: EligibilityConfig{CacheTTLSeconds: 30},
		Scheduler: SchedulerConfig{
			InstanceCount: 1,
			Broadcast:     PumpConfig{IntervalSeconds: 5, PoolSize: 8, AcceptableExecutionSecs: 10},
			Expiry:        PumpConfig{IntervalSeconds: 20, PoolSize: 4, AcceptableExecutionSecs: 30},
			Liveness:      PumpConfig{IntervalSeconds: 60, PoolSize: 2, AcceptableExecutionSecs: 60},
			FailFast:      PumpConfig{IntervalSeconds: 60, PoolSize: 2, AcceptableExecutionSecs: 60},
		},
	}
}

// Load reads a YAML config file on top of the defaults. An empty path or a
// missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// fillDefaults restores defaults for fields explicitly set to zero.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Broadcast.IntervalSeconds == 0 {
		c.Broadcast.IntervalSeconds = d.Broadcast.IntervalSeconds
	}
	if c.Broadcast.MaxRounds == 0 {
		c.Broadcast.MaxRounds = d.Broadcast.MaxRounds
	}
	if c.Broadcast.BatchLimit == 0 {
		c.Broadcast.BatchLimit = d.Broadcast.BatchLimit
	}
	if c.Broadcast.RebroadcastTickSeconds == 0 {
		c.Broadcast.RebroadcastTickSeconds = d.Broadcast.RebroadcastTickSeconds
	}
	if c.Expiry.ValidationTimeoutMinutes == 0 {
		c.Expiry.ValidationTimeoutMinutes = d.Expiry.ValidationTimeoutMinutes
	}
	if c.Expiry.DefaultExecutionTimeoutMinutes == 0 {
		c.Expiry.DefaultExecutionTimeoutMinutes = d.Expiry.DefaultExecutionTimeoutMinutes
	}
	if c.Liveness.DisconnectTimeoutMinutes == 0 {
		c.Liveness.DisconnectTimeoutMinutes = d.Liveness.DisconnectTimeoutMinutes
	}
	if c.Scheduler.InstanceCount == 0 {
		c.Scheduler.InstanceCount = 1
	}
	for _, p := range []struct{ got, def *PumpConfig }{
		{&c.Scheduler.Broadcast, &d.Scheduler.Broadcast},
		{&c.Scheduler.Expiry, &d.Scheduler.Expiry},
		{&c.Scheduler.Liveness, &d.Scheduler.Liveness},
		{&c.Scheduler.FailFast, &d.Scheduler.FailFast},
	} {
		if p.got.IntervalSeconds == 0 {
			p.got.IntervalSeconds = p.def.IntervalSeconds
		}
		if p.got.PoolSize == 0 {
			p.got.PoolSize = p.def.PoolSize
		}
		if p.got.AcceptableExecutionSecs == 0 {
			p.got.AcceptableExecutionSecs = p.def.AcceptableExecutionSecs
		}
	}
}

// Validate rejects values the scanners cannot work with.
func (c Config) Validate() error {
	var errs []error
	if c.Broadcast.IntervalSeconds < 0 || c.Broadcast.RebroadcastTickSeconds < 0 {
		errs = append(errs, errors.New("broadcast intervals must not be negative"))
	}
	if c.Broadcast.MaxRounds < 1 {
		errs = append(errs, errors.New("max_broadcast_rounds must be at least 1"))
	}
	if c.Broadcast.BatchLimit < 1 {
		errs = append(errs, errors.New("broadcast_batch_limit must be at least 1"))
	}
	if c.Scheduler.InstanceCount < 1 {
		errs = append(errs, errors.New("instance_count must be at least 1"))
	}
	if c.Scheduler.InstanceIndex < 0 || c.Scheduler.InstanceIndex >= c.Scheduler.InstanceCount {
		errs = append(errs, fmt.Errorf("instance_index %d out of range [0,%d)", c.Scheduler.InstanceIndex, c.Scheduler.InstanceCount))
	}
	return errors.Join(errs...)
}

// BroadcastInterval is the per-round backoff unit.
func (c Config) BroadcastInterval() time.Duration {
	return time.Duration(c.Broadcast.IntervalSeconds) * time.Second
}

// RebroadcastDelay is the delay between offers within a round.
func (c Config) RebroadcastDelay() time.Duration {
	return time.Duration(c.Broadcast.RebroadcastTickSeconds) * time.Second
}

// DisconnectTimeout is the heartbeat lapse after which an agent is expired.
func (c Config) DisconnectTimeout() time.Duration {
	return time.Duration(c.Liveness.DisconnectTimeoutMinutes) * time.Minute
}

// ValidationTimeout bounds how long validation may run without a claim.
func (c Config) ValidationTimeout() time.Duration {
	return time.Duration(c.Expiry.ValidationTimeoutMinutes) * time.Minute
}

// QueueExpiryGrace is added to ExpiryAt before a queued task is failed.
func (c Config) QueueExpiryGrace() time.Duration {
	return time.Duration(c.Expiry.QueueExpiryGraceMinutes) * time.Minute
}

// DefaultExecutionTimeout applies to submissions without a timeout.
func (c Config) DefaultExecutionTimeout() time.Duration {
	return time.Duration(c.Expiry.DefaultExecutionTimeoutMinutes) * time.Minute
}

// GroupExpiryWarning is how far ahead group deprecation is alerted.
func (c Config) GroupExpiryWarning() time.Duration {
	return time.Duration(c.Liveness.GroupExpiryWarningDays) * 24 * time.Hour
}

// EligibilityCacheTTL is how long an account's capability snapshot is reused.
func (c Config) EligibilityCacheTTL() time.Duration {
	return time.Duration(c.Eligibility.CacheTTLSeconds) * time.Second
}

// Interval returns the tick interval of a pump.
func (p PumpConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// AcceptableExecutionTime returns the alerting threshold of a pump.
func (p PumpConfig) AcceptableExecutionTime() time.Duration {
	return time.Duration(p.AcceptableExecutionSecs) * time.Second
}
