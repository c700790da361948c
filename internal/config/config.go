// Package config holds the typed MailShield configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	mqcontracts "mailshield/contracts/mq"
	"mailshield/pkg/config"
)

// Transport and store drivers.
const (
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Combiner names.
const (
	CombinerWeightedMax = "weighted_max"
	CombinerWeightedSum = "weighted_sum"
)

// SandboxStatic selects the built-in static risk sandbox.
const SandboxStatic = "static"

type Config struct {
	DB           config.DBConfig     `yaml:"db"`
	Redis        config.RedisConfig  `yaml:"redis"`
	MQ           config.MQConfig     `yaml:"mq"`
	Server       config.ServerConfig `yaml:"server"`
	Log          LogConfig           `yaml:"log"`
	Store        StoreConfig         `yaml:"store"`
	Pipeline     PipelineConfig      `yaml:"pipeline"`
	Capabilities CapabilitiesConfig  `yaml:"capabilities"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Outbox makes ingest publish through the outbox table. Postgres only.
	Outbox bool `yaml:"outbox"`
}

// PipelineConfig tunes every stage.
type PipelineConfig struct {
	PollInterval      time.Duration      `yaml:"poll_interval"`
	ClaimIdle         time.Duration      `yaml:"claim_idle"`
	MaxAttempts       int                `yaml:"max_attempts"`
	Deadline          time.Duration      `yaml:"deadline"`
	SweepInterval     time.Duration      `yaml:"sweep_interval"`
	RequiredStages    []string           `yaml:"required_stages"`
	Combiner          string             `yaml:"combiner"`
	Weights           map[string]float64 `yaml:"weights"`
	NeutralScore      int                `yaml:"neutral_score"`
	MoveToSpam        bool               `yaml:"move_to_spam"`
	CallTimeout       time.Duration      `yaml:"call_timeout"`
	ActionMaxAttempts int                `yaml:"action_max_attempts"`
	ActionBackoff     time.Duration      `yaml:"action_backoff"`
	Concurrency       int                `yaml:"concurrency"`
	MaxDeliveries     int                `yaml:"max_deliveries"`
	DedupTTL          time.Duration      `yaml:"dedup_ttl"`
	LockTTL           time.Duration      `yaml:"lock_ttl"`
}

// CapabilitiesConfig addresses the external classifiers and the mailbox.
type CapabilitiesConfig struct {
	IntentURL  string        `yaml:"intent_url"`
	SandboxURL string        `yaml:"sandbox_url"`
	Mailbox    MailboxConfig `yaml:"mailbox"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

type MailboxConfig struct {
	URL          string   `yaml:"url"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Default returns a configuration that runs everything in memory.
func Default() Config {
	cfg := base()
	cfg.ApplyDefaults()
	return cfg
}

// base holds the non-derived defaults that a config file overrides.
func base() Config {
	return Config{
		Redis:  config.RedisConfig{Addr: "localhost:6379"},
		MQ:     config.MQConfig{Driver: DriverMemory},
		Server: config.ServerConfig{Port: "8080"},
		Log:    LogConfig{Level: "info"},
		Store:  StoreConfig{Driver: DriverMemory},
		Capabilities: CapabilitiesConfig{
			SandboxURL: SandboxStatic,
		},
	}
}

// UsesRedis reports whether Redis backs the transport. Aggregation state,
// action locks and webhook dedup then live in the same Redis.
func (c *Config) UsesRedis() bool {
	return c.MQ.Driver == DriverRedis
}

// RetryCycle is the longest one analysis attempt and its redelivery can take
// on the configured transport. Redis Streams only hands a nacked entry out
// again once it has been idle for claim_idle.
func (c *Config) RetryCycle() time.Duration {
	p := c.Pipeline
	if c.MQ.Driver == DriverRedis {
		return p.CallTimeout + p.ClaimIdle
	}
	return p.CallTimeout + p.PollInterval
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	p := &c.Pipeline
	if p.PollInterval == 0 {
		p.PollInterval = time.Second
	}
	if p.ClaimIdle == 0 {
		p.ClaimIdle = 30 * time.Second
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = p.PollInterval
	}
	if len(p.RequiredStages) == 0 {
		p.RequiredStages = []string{mqcontracts.StageIntent, mqcontracts.StageSandbox}
	}
	if p.Combiner == "" {
		p.Combiner = CombinerWeightedMax
	}
	if p.Weights == nil {
		p.Weights = map[string]float64{}
	}
	for _, stage := range p.RequiredStages {
		if _, ok := p.Weights[stage]; !ok {
			p.Weights[stage] = 1.0
		}
	}
	if p.CallTimeout == 0 {
		p.CallTimeout = 10 * time.Second
	}
	if p.ActionMaxAttempts == 0 {
		p.ActionMaxAttempts = 5
	}
	if p.ActionBackoff == 0 {
		p.ActionBackoff = 500 * time.Millisecond
	}
	if p.Concurrency == 0 {
		p.Concurrency = 4
	}
	if p.MaxDeliveries == 0 {
		p.MaxDeliveries = 10
	}
	if p.DedupTTL == 0 {
		p.DedupTTL = 24 * time.Hour
	}
	if p.LockTTL == 0 {
		p.LockTTL = 2 * time.Minute
	}
	if p.Deadline == 0 {
		p.Deadline = max(5*p.PollInterval, time.Duration(p.MaxAttempts)*c.RetryCycle())
	}

	b := &c.Capabilities.Breaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.Timeout == 0 {
		b.Timeout = 30 * time.Second
	}
	if c.DB.SSLMode == "" {
		c.DB.SSLMode = "disable"
	}
}

// Validate rejects settings no stage can run with.
func (c *Config) Validate() error {
	var errs []error
	p := c.Pipeline

	switch c.MQ.Driver {
	case DriverRedis, DriverMemory:
	case DriverRabbitMQ:
		if c.MQ.URL == "" {
			errs = append(errs, errors.New("mq.url is required for rabbitmq"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mq.driver %q", c.MQ.Driver))
	}
	switch c.Store.Driver {
	case DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Store.Outbox && c.Store.Driver != DriverPostgres {
		errs = append(errs, errors.New("store.outbox requires the postgres store"))
	}
	switch p.Combiner {
	case CombinerWeightedMax, CombinerWeightedSum:
	default:
		errs = append(errs, fmt.Errorf("unknown pipeline.combiner %q", p.Combiner))
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"pipeline.poll_interval", p.PollInterval},
		{"pipeline.claim_idle", p.ClaimIdle},
		{"pipeline.deadline", p.Deadline},
		{"pipeline.sweep_interval", p.SweepInterval},
		{"pipeline.call_timeout", p.CallTimeout},
		{"pipeline.action_backoff", p.ActionBackoff},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if p.MaxAttempts <= 0 {
		errs = append(errs, errors.New("pipeline.max_attempts must be positive"))
	}
	if cycle := c.RetryCycle(); p.Deadline > 0 && p.Deadline < cycle {
		errs = append(errs, fmt.Errorf("pipeline.deadline %s cannot absorb one retry cycle of %s (call_timeout + redelivery wait)", p.Deadline, cycle))
	}
	if p.ActionMaxAttempts <= 0 {
		errs = append(errs, errors.New("pipeline.action_max_attempts must be positive"))
	}
	if p.Concurrency <= 0 {
		errs = append(errs, errors.New("pipeline.concurrency must be positive"))
	}
	if p.MaxDeliveries < 0 {
		errs = append(errs, errors.New("pipeline.max_deliveries must not be negative"))
	}
	if p.NeutralScore < 0 || p.NeutralScore > 100 {
		errs = append(errs, errors.New("pipeline.neutral_score must be within 0-100"))
	}
	for _, stage := range p.RequiredStages {
		if stage != mqcontracts.StageIntent && stage != mqcontracts.StageSandbox {
			errs = append(errs, fmt.Errorf("unknown required stage %q", stage))
		}
	}
	for stage, w := range p.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("weight for %s must not be negative", stage))
		}
	}
	return errors.Join(errs...)
}

// Load reads the layered configuration for env from dir, applies
// environment overrides and defaults, and validates the result.
func Load(env, dir string) (*Config, error) {
	cfg := base()
	if err := config.Load(env, dir, &cfg); err != nil {
		return nil, err
	}

	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)
	overrideFromEnv(&cfg)

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// overrideFromEnv applies MAILSHIELD_* variables.
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("MAILSHIELD_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("MAILSHIELD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MAILSHIELD_MOVE_TO_SPAM"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pipeline.MoveToSpam = b
		}
	}
	if v := os.Getenv("MAILSHIELD_INTENT_URL"); v != "" {
		cfg.Capabilities.IntentURL = v
	}
	if v := os.Getenv("MAILSHIELD_SANDBOX_URL"); v != "" {
		cfg.Capabilities.SandboxURL = v
	}
	if v := os.Getenv("MAILSHIELD_MAILBOX_URL"); v != "" {
		cfg.Capabilities.Mailbox.URL = v
	}
	if v := os.Getenv("MAILSHIELD_MAILBOX_CLIENT_SECRET"); v != "" {
		cfg.Capabilities.Mailbox.ClientSecret = v
	}
}
