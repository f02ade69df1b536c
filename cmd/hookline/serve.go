package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hookline/internal/log"
	"github.com/mattjoyce/hookline/internal/webhook"
)

const cacheSweepInterval = 10 * time.Minute

// sweepCache expires idle cache entries on quiet servers, where the
// sweep-on-write cadence never triggers.
func sweepCache(ctx context.Context, a *app, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.ledger.Sweep(ctx)
		}
	}
}

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen, dbPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if dbPath != "" {
				cfg.State.Path = dbPath
			}

			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
			logger := log.WithComponent("main")
			logger.Info("hookline starting", "version", version, "config", root.configPath,
				"state_driver", cfg.State.Driver, "cache_driver", cfg.Cache.Driver)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, log.Get())
			if err != nil {
				logger.Error("startup failed", "error", err)
				return err
			}
			defer a.Close()

			srv := webhook.New(webhook.Config{
				Listen:         cfg.Server.Listen,
				MaxBodyBytes:   cfg.Server.MaxBodyBytes,
				ReadTimeout:    cfg.Server.ReadTimeout,
				HandlerTimeout: cfg.Server.HandlerTimeout,
				AdminAPIKey:    cfg.Server.AdminAPIKey,
			}, a.orch, a.queue, log.WithComponent("webhook"))

			go sweepCache(ctx, a, cacheSweepInterval)

			logger.Info("hookline running (press Ctrl+C to stop)")
			err = srv.Start(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("component failed", "error", err)
				return fmt.Errorf("serve: %w", err)
			}
			logger.Info("hookline stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override server.listen")
	cmd.Flags().StringVar(&dbPath, "db", "", "Override state.path")
	return cmd
}
