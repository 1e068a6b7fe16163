package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/HMasataka/presence/internal/app"
	"github.com/HMasataka/presence/internal/config"
	"github.com/HMasataka/presence/internal/logging"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the presence server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(config.LoadOptions{Path: path, Flags: cmd.Flags()})
			if err != nil {
				return err
			}

			logger := logging.New(cfg.Logging)
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting presence server", "version", version, "store", cfg.Store.Driver)

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				logger.Error("initialization failed", "error", err)
				return err
			}
			return a.Run(ctx)
		},
	}

	defaults := config.Default()
	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to a YAML or JSON config file")
	flags.String("host", defaults.Server.Host, "listen host")
	flags.IntP("port", "p", defaults.Server.Port, "listen port")
	flags.String("log-level", defaults.Logging.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Logging.Format, "log format (json, text, pretty)")
	flags.String("store", defaults.Store.Driver, "store driver (memory, redis, postgres, nats)")
	flags.String("redis-addr", defaults.Store.Redis.Addr, "redis address")
	flags.String("postgres-dsn", defaults.Store.Postgres.DSN, "postgres connection string")
	flags.String("nats-url", defaults.Store.NATS.URL, "NATS server URL")

	return cmd
}
