package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/logging"
	"github.com/Tyrowin/livechat/internal/server"
	"github.com/Tyrowin/livechat/internal/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "livechat",
		Short:        "Real-time one-to-one chat server",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the HTTP, SSE and WebSocket server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "path to a YAML, JSON or TOML config file")
	f.String("addr", "", "listen address (default :8080)")
	f.String("store", "", "message store: memory, pebble or postgres")
	f.String("data-dir", "", "pebble data directory")
	f.String("dsn", "", "postgres connection string")
	f.String("redis-url", "", "redis URL for cross-node fan-out")
	f.String("log-level", "", "debug, info, warn or error")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	log := logging.NewLogger(logging.Options{
		Service: cfg.Telemetry.ServiceName,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("main - telemetry - shutdown failed", logging.Err(err))
		}
	}()

	app, err := server.Open(ctx, cfg, log)
	if err != nil {
		log.Error("main - startup - failed", logging.Err(err))
		return err
	}

	log.Info("main - startup - starting livechat",
		"addr", cfg.Server.Addr, "store", cfg.Store.Driver, "relay", cfg.Redis.URL != "")
	if err := app.Run(ctx); err != nil {
		log.Error("main - run - stopped with error", logging.Err(err))
		return err
	}
	log.Info("main - run - stopped")
	return nil
}
