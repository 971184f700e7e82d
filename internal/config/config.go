package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// SequencerConfig controls the pacing of the cinematic reveal.
type SequencerConfig struct {
	InitialDelayMs int `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	StepDelayMs    int `json:"step_delay_ms" yaml:"step_delay_ms"`
	FinalDelayMs   int `json:"final_delay_ms" yaml:"final_delay_ms"`
	TopN           int `json:"top_n" yaml:"top_n"`
}

// AutomationConfig points at the external workflow engine.
type AutomationConfig struct {
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec"`
}

// BusConfig names the deployment channel and an optional NATS relay.
type BusConfig struct {
	Channel string `json:"channel" yaml:"channel"`
	NATSURL string `json:"nats_url" yaml:"nats_url"`
}

// RunCacheConfig selects the run-info cache backend. Empty RedisAddr means in-memory.
type RunCacheConfig struct {
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`
	TTLSec    int    `json:"ttl_sec" yaml:"ttl_sec"`
}

// RateLimitConfig bounds handoff triggers per incident. PerSecond 0 disables it.
type RateLimitConfig struct {
	PerSecond float64 `json:"per_second" yaml:"per_second"`
	Burst     int     `json:"burst" yaml:"burst"`
}

// SweeperConfig tunes the stale RUNNING discovery sweeper.
type SweeperConfig struct {
	IntervalSec   int `json:"interval_sec" yaml:"interval_sec"`
	StaleAfterSec int `json:"stale_after_sec" yaml:"stale_after_sec"`
}

// TelemetryConfig enables OTLP export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	Insecure    bool   `json:"insecure" yaml:"insecure"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// Config holds the orchestrator's runtime configuration.
type Config struct {
	DBDriver   string           `json:"db_driver" yaml:"db_driver"`
	DBDSN      string           `json:"db_dsn" yaml:"db_dsn"`
	ListenAddr string           `json:"listen_addr" yaml:"listen_addr"`
	PublicURL  string           `json:"public_url" yaml:"public_url"`
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	Sequencer  SequencerConfig  `json:"sequencer" yaml:"sequencer"`
	Automation AutomationConfig `json:"automation" yaml:"automation"`
	Bus        BusConfig        `json:"bus" yaml:"bus"`
	RunCache   RunCacheConfig   `json:"run_cache" yaml:"run_cache"`
	RateLimit  RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Sweeper    SweeperConfig    `json:"sweeper" yaml:"sweeper"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
}

// Load reads a JSON or YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, for local demos.
func Default() *Config {
	cfg := &Config{DBDSN: "orchestrator.db"}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DBDriver == "" {
		c.DBDriver = "sqlite"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9810"
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://localhost" + c.ListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Sequencer.InitialDelayMs == 0 {
		c.Sequencer.InitialDelayMs = 1500
	}
	if c.Sequencer.StepDelayMs == 0 {
		c.Sequencer.StepDelayMs = 2000
	}
	if c.Sequencer.FinalDelayMs == 0 {
		c.Sequencer.FinalDelayMs = 1500
	}
	if c.Sequencer.TopN == 0 {
		c.Sequencer.TopN = 3
	}
	if c.Automation.TimeoutSec == 0 {
		c.Automation.TimeoutSec = 15
	}
	if c.Bus.Channel == "" {
		c.Bus.Channel = "incidents"
	}
	if c.RunCache.TTLSec == 0 {
		c.RunCache.TTLSec = 3600
	}
	// per_second 0 leaves the limiter off.
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
	if c.Sweeper.IntervalSec == 0 {
		c.Sweeper.IntervalSec = 30
	}
	if c.Sweeper.StaleAfterSec == 0 {
		c.Sweeper.StaleAfterSec = 120
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "incident-orchestrator"
	}
}

func (c *Config) validate() error {
	var problems []string

	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("db_driver %q must be sqlite or postgres", c.DBDriver))
	}
	if c.DBDSN == "" {
		problems = append(problems, "db_dsn is required")
	}
	if c.Sequencer.InitialDelayMs < 0 || c.Sequencer.StepDelayMs < 0 || c.Sequencer.FinalDelayMs < 0 {
		problems = append(problems, "sequencer delays must not be negative")
	}
	if c.Sequencer.TopN < 1 {
		problems = append(problems, "sequencer.top_n must be at least 1")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Automation.Endpoint != "" &&
		!strings.HasPrefix(c.Automation.Endpoint, "http://") &&
		!strings.HasPrefix(c.Automation.Endpoint, "https://") {
		problems = append(problems, "automation.endpoint must be an http(s) URL")
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		problems = append(problems, "rate_limit values must not be negative")
	}
	if c.Sweeper.StaleAfterSec < 0 {
		problems = append(problems, "sweeper.stale_after_sec must not be negative")
	}

	if len(problems) > 0 {
		return &domain.OrchestratorError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// Delays returns the sequencer pacing as durations.
func (s SequencerConfig) Delays() (initial, step, final time.Duration) {
	return time.Duration(s.InitialDelayMs) * time.Millisecond,
		time.Duration(s.StepDelayMs) * time.Millisecond,
		time.Duration(s.FinalDelayMs) * time.Millisecond
}

// Timeout returns the outbound automation timeout.
func (a AutomationConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

// TTL returns the run-info cache expiry.
func (r RunCacheConfig) TTL() time.Duration {
	return time.Duration(r.TTLSec) * time.Second
}
