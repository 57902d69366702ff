// Package config loads the engine's process-level configuration from a TOML
// file plus CHECKING_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Credentials holds the broker user/password for one role.
type Credentials struct {
	User     string `toml:"user" mapstructure:"user"`
	Password string `toml:"password" mapstructure:"password"`
}

// BrokerConfig describes the topic-routed broker and the per-role accounts.
type BrokerConfig struct {
	Host     string                 `toml:"host" mapstructure:"host"`
	Port     int                    `toml:"port" mapstructure:"port"`
	VHost    string                 `toml:"vhost" mapstructure:"vhost"`
	Exchange string                 `toml:"exchange" mapstructure:"exchange"`
	Roles    map[string]Credentials `toml:"roles" mapstructure:"roles"`

	// Reconnect backoff. The jitter fraction applies to each delay.
	ReconnectMin    time.Duration `toml:"reconnect_min" mapstructure:"reconnect_min"`
	ReconnectMax    time.Duration `toml:"reconnect_max" mapstructure:"reconnect_max"`
	ReconnectJitter float64       `toml:"reconnect_jitter" mapstructure:"reconnect_jitter"`

	PublishTimeout time.Duration `toml:"publish_timeout" mapstructure:"publish_timeout"`

	// AckDeadline is the broker-enforced delivery window for unacked
	// messages. Validate rejects configurations where a worker's worst-case
	// in-process budget exceeds it.
	AckDeadline time.Duration `toml:"ack_deadline" mapstructure:"ack_deadline"`

	// PoisonThreshold dead-letters a message after this many broker
	// redeliveries for transient reasons.
	PoisonThreshold int `toml:"poison_threshold" mapstructure:"poison_threshold"`

	DeadLetter DeadLetterConfig `toml:"dead_letter" mapstructure:"dead_letter"`
}

// DeadLetterConfig names the operator-visible reject route.
type DeadLetterConfig struct {
	Exchange   string `toml:"exchange" mapstructure:"exchange"`
	Queue      string `toml:"queue" mapstructure:"queue"`
	RoutingKey string `toml:"routing_key" mapstructure:"routing_key"`
}

// DatabaseConfig selects the store backend and pool sizing.
type DatabaseConfig struct {
	Driver       string        `toml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DSN          string        `toml:"dsn" mapstructure:"dsn"`
	MaxOpenConns int           `toml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns int           `toml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxAge   time.Duration `toml:"conn_max_age" mapstructure:"conn_max_age"`
	TxTimeout    time.Duration `toml:"tx_timeout" mapstructure:"tx_timeout"`
}

// ConsumerConfig bounds one consumer's in-flight window and pool.
type ConsumerConfig struct {
	Prefetch int `toml:"prefetch" mapstructure:"prefetch"`
	PoolSize int `toml:"pool_size" mapstructure:"pool_size"`
}

// WorkerConfig parameterizes the worker runtime.
type WorkerConfig struct {
	JitterMin       time.Duration `toml:"jitter_min" mapstructure:"jitter_min"`
	JitterMax       time.Duration `toml:"jitter_max" mapstructure:"jitter_max"`
	MaxRetries      int           `toml:"max_retries" mapstructure:"max_retries"`
	RetryDelay      time.Duration `toml:"retry_delay" mapstructure:"retry_delay"`
	DetectorTimeout time.Duration `toml:"detector_timeout" mapstructure:"detector_timeout"`
	// DetectorRate caps detector invocations per second across the pool.
	// Zero disables the cap.
	DetectorRate float64        `toml:"detector_rate" mapstructure:"detector_rate"`
	Consumer     ConsumerConfig `toml:"consumer" mapstructure:"consumer"`
}

// SupervisorConfig bounds shutdown.
type SupervisorConfig struct {
	ShutdownGrace time.Duration `toml:"shutdown_grace" mapstructure:"shutdown_grace"`
}

// ServerConfig describes the read-only HTTP surface.
type ServerConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// LogConfig mirrors the logger package options.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	JSON       bool   `toml:"json" mapstructure:"json"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistoryConfig wires optional lifecycle event sinks.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Type    string `toml:"type" mapstructure:"type"` // "postgres" or "clickhouse"
	DSN     string `toml:"dsn" mapstructure:"dsn"`
	Table   string `toml:"table" mapstructure:"table"`
}

// Config is the process-level configuration root.
type Config struct {
	Broker     BrokerConfig     `toml:"broker" mapstructure:"broker"`
	Database   DatabaseConfig   `toml:"database" mapstructure:"database"`
	Worker     WorkerConfig     `toml:"worker" mapstructure:"worker"`
	Ingest     ConsumerConfig   `toml:"ingest" mapstructure:"ingest"`
	Results    ConsumerConfig   `toml:"results" mapstructure:"results"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
}

// Default returns a configuration with every defaulted knob populated.
// Required values (broker credentials, database DSN) stay empty; Validate
// does not check them. A role without credentials fails when its broker URL
// is built, and the DSN is handed to the store driver as is.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:            "localhost",
			Port:            5672,
			VHost:           "/caldera_checking",
			Exchange:        "caldera.checking.exchange",
			ReconnectMin:    500 * time.Millisecond,
			ReconnectMax:    30 * time.Second,
			ReconnectJitter: 0.2,
			PublishTimeout:  5 * time.Second,
			AckDeadline:     30 * time.Minute,
			PoisonThreshold: 5,
			DeadLetter: DeadLetterConfig{
				Exchange:   "caldera.checking.dlx",
				Queue:      "caldera.checking.dead_letter",
				RoutingKey: "checking.dead_letter",
			},
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			ConnMaxAge:   5 * time.Minute,
			TxTimeout:    10 * time.Second,
		},
		Worker: WorkerConfig{
			JitterMin:       100 * time.Millisecond,
			JitterMax:       500 * time.Millisecond,
			MaxRetries:      3,
			RetryDelay:      3 * time.Second,
			DetectorTimeout: 30 * time.Second,
			Consumer:        ConsumerConfig{Prefetch: 16, PoolSize: 16},
		},
		Ingest:     ConsumerConfig{Prefetch: 16, PoolSize: 16},
		Results:    ConsumerConfig{Prefetch: 16, PoolSize: 16},
		Supervisor: SupervisorConfig{ShutdownGrace: 30 * time.Second},
		Server:     ServerConfig{Enabled: true, Listen: ":1337"},
		Log:        LogConfig{Level: "info"},
		History:    HistoryConfig{Table: "detection_history"},
	}
}

// Load reads the TOML file at path, applies CHECKING_ environment overrides,
// and validates the result. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHECKING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants. In particular the broker ack
// deadline must cover a worker's worst-case in-process budget, otherwise a
// retrying worker would overrun its delivery window and the message would be
// redelivered mid-flight.
func (c *Config) Validate() error {
	w := c.Worker
	if w.JitterMin < 0 || w.JitterMax < w.JitterMin {
		return fmt.Errorf("worker jitter range invalid: [%s, %s]", w.JitterMin, w.JitterMax)
	}
	if w.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must be >= 0, got %d", w.MaxRetries)
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("database driver %q not supported", c.Database.Driver)
	}
	if c.Broker.PoisonThreshold < 1 {
		return fmt.Errorf("broker poison_threshold must be >= 1, got %d", c.Broker.PoisonThreshold)
	}
	if j := c.Broker.ReconnectJitter; j < 0 || j >= 1 {
		return fmt.Errorf("broker reconnect_jitter must be in [0, 1), got %v", j)
	}

	budget := w.JitterMax + time.Duration(w.MaxRetries+1)*(w.DetectorTimeout+w.RetryDelay)
	if c.Broker.AckDeadline > 0 && budget > c.Broker.AckDeadline {
		return fmt.Errorf("worker budget %s exceeds broker ack_deadline %s", budget, c.Broker.AckDeadline)
	}
	return nil
}
