// Package checking embeds the checking engine in another process. The CLI
// under cmd/checking-engine is a thin wrapper over this facade.
package checking

import (
	"context"
	"log/slog"

	"github.com/uetsymphonique/checking-engine-pplab/internal/config"
	"github.com/uetsymphonique/checking-engine-pplab/internal/logger"
	"github.com/uetsymphonique/checking-engine-pplab/internal/supervisor"
)

// Config is the engine configuration root.
type Config = config.Config

// LoadConfig reads a TOML config file plus CHECKING_ environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the defaulted configuration.
func DefaultConfig() *Config { return config.Default() }

// NewLogger builds the engine's default logger.
func NewLogger(level string, json bool) *slog.Logger {
	log, _ := logger.New(logger.Options{Level: level, JSON: json})
	return log
}

// Engine is a fully wired checking engine.
type Engine struct {
	sup *supervisor.Supervisor
}

// New builds an engine that runs consumers, workers and the read API.
func New(cfg *Config, log *slog.Logger) *Engine {
	return &Engine{sup: supervisor.New(cfg, log, supervisor.ModeFull)}
}

// NewWorker builds an engine that runs only the detection workers.
func NewWorker(cfg *Config, log *slog.Logger) *Engine {
	return &Engine{sup: supervisor.New(cfg, log, supervisor.ModeWorker)}
}

// Run starts the engine and blocks until ctx is cancelled, then drains
// in-flight deliveries within the configured grace period.
func (e *Engine) Run(ctx context.Context) error {
	return e.sup.Run(ctx)
}
