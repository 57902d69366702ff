package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/uetsymphonique/checking-engine-pplab/internal/config"
	"github.com/uetsymphonique/checking-engine-pplab/internal/logger"
	"github.com/uetsymphonique/checking-engine-pplab/internal/store"
	"github.com/uetsymphonique/checking-engine-pplab/internal/supervisor"
)

var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "checking-engine",
		Short:         "Purple-Team checking engine",
		Long:          "Consumes adversary-emulation execution records, fans out detection tasks to Blue-Team workers, and records every stage durably.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")

	root.AddCommand(
		newServeCommand(&configPath),
		newWorkerCommand(&configPath),
		newMigrateCommand(&configPath),
		newVersionCommand(),
	)
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the full engine: consumers, workers and the read API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSupervisor(*configPath, supervisor.ModeFull)
		},
	}
}

func newWorkerCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the detection workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSupervisor(*configPath, supervisor.ModeWorker)
		},
	}
}

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log, closeLog := logger.New(logOptions(cfg))
			defer func() { _ = closeLog.Close() }()

			ctx := cmd.Context()
			st, err := store.New(ctx, store.Options{
				Driver:       cfg.Database.Driver,
				DSN:          cfg.Database.DSN,
				MaxOpenConns: cfg.Database.MaxOpenConns,
				MaxIdleConns: cfg.Database.MaxIdleConns,
				ConnMaxAge:   cfg.Database.ConnMaxAge,
				TxTimeout:    cfg.Database.TxTimeout,
			})
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.EnsureSchema(ctx); err != nil {
				return err
			}
			log.Info("schema ensured", "driver", cfg.Database.Driver)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("checking-engine %s\n", version)
		},
	}
}

func runSupervisor(configPath string, mode supervisor.Mode) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, closeLog := logger.New(logOptions(cfg))
	defer func() { _ = closeLog.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return supervisor.New(cfg, log, mode).Run(ctx)
}

func logOptions(cfg *config.Config) logger.Options {
	return logger.Options{
		Level:      cfg.Log.Level,
		JSON:       cfg.Log.JSON,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
}
