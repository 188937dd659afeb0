// Package config loads the service's runtime configuration from flags,
// environment variables, and an optional config file via Viper, following
// the precedence flags > env > file > default used throughout the cli
// package.
package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"wikimetrics.dev/usermetrics/common"
)

// BrokerBackend selects which broker.Store implementation backs the
// request/process/response/cache targets.
type BrokerBackend string

const (
	BrokerBackendBolt  BrokerBackend = "bolt"
	BrokerBackendRedis BrokerBackend = "redis"
)

// Config is the fully resolved configuration for any of the service's
// subcommands (serve, controller, respond).
type Config struct {
	// Ambient
	LogLevel  string
	LogFormat string

	// HTTP frontend
	HTTPPort   int
	JWTSecret  string
	CORSOrigin string
	RateLimit  float64 // requests/sec per client, 0 disables

	// Broker
	Broker   BrokerBackend
	BoltPath string
	RedisURL string

	// Cohort resolver
	PostgresDSN string

	// Job controller
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	QueuePollInterval time.Duration

	// Worker
	UserThreads     int
	RevisionThreads int
	MaxBlockSize    int
}

// Defaults returns the configuration a fresh install runs with when no
// flags, environment variables, or config file override them.
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",

		HTTPPort:   8080,
		CORSOrigin: "*",
		RateLimit:  10,

		Broker:   BrokerBackendBolt,
		BoltPath: "usermetrics.db",

		MaxConcurrentJobs: 4,
		JobTimeout:        10 * time.Minute,
		QueuePollInterval: 2 * time.Second,

		UserThreads:     4,
		RevisionThreads: 4,
		MaxBlockSize:    5000,
	}
}

// Load reads configuration from v (a Viper instance already populated by
// cobra flag bindings, environment variables, and an optional config file)
// layered over Defaults(), then validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()

	if s := v.GetString("log.level"); s != "" {
		cfg.LogLevel = s
	}
	if s := v.GetString("log.format"); s != "" {
		cfg.LogFormat = s
	}
	if p := v.GetInt("http.port"); p != 0 {
		cfg.HTTPPort = p
	}
	cfg.JWTSecret = v.GetString("jwt.secret")
	if s := v.GetString("cors.origin"); s != "" {
		cfg.CORSOrigin = s
	}
	if r := v.GetFloat64("rate.limit"); r != 0 {
		cfg.RateLimit = r
	}
	if b := v.GetString("broker.backend"); b != "" {
		cfg.Broker = BrokerBackend(b)
	}
	if p := v.GetString("broker.bolt.path"); p != "" {
		cfg.BoltPath = p
	}
	cfg.RedisURL = v.GetString("broker.redis.url")
	cfg.PostgresDSN = v.GetString("postgres.dsn")
	if n := v.GetInt("jobs.max_concurrent"); n != 0 {
		cfg.MaxConcurrentJobs = n
	}
	if d := v.GetDuration("jobs.timeout"); d != 0 {
		cfg.JobTimeout = d
	}
	if d := v.GetDuration("jobs.poll_interval"); d != 0 {
		cfg.QueuePollInterval = d
	}
	if n := v.GetInt("worker.user_threads"); n != 0 {
		cfg.UserThreads = n
	}
	if n := v.GetInt("worker.revision_threads"); n != 0 {
		cfg.RevisionThreads = n
	}
	if n := v.GetInt("worker.max_block_size"); n != 0 {
		cfg.MaxBlockSize = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LogFields renders cfg as structured fields for the startup banner each
// cli subcommand logs right after Configure, with every secret-bearing
// value passed through common.MaskSecret so a shared log stream never
// carries a usable JWT secret, Postgres DSN, or Redis URL in the clear.
func (c Config) LogFields() logrus.Fields {
	return logrus.Fields{
		"broker":              string(c.Broker),
		"http_port":           c.HTTPPort,
		"jwt_secret":          common.MaskSecret(c.JWTSecret),
		"postgres_dsn":        common.MaskSecret(c.PostgresDSN),
		"broker_redis_url":    common.MaskSecret(c.RedisURL),
		"jobs_max_concurrent": c.MaxConcurrentJobs,
		"jobs_timeout":        c.JobTimeout.String(),
	}
}

// Validate rejects configurations the rest of the service cannot run with.
func (c Config) Validate() error {
	switch c.Broker {
	case BrokerBackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("config: broker.bolt.path is required for the bolt backend")
		}
	case BrokerBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: broker.redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown broker backend %q (want bolt or redis)", c.Broker)
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("config: jobs.max_concurrent must be positive")
	}
	if c.JobTimeout < time.Minute {
		return fmt.Errorf("config: jobs.timeout must be at least 1m")
	}
	return nil
}
