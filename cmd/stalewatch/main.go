package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stalewatch/internal/alerting"
	"stalewatch/internal/api"
	"stalewatch/internal/capture"
	"stalewatch/internal/config"
	"stalewatch/internal/logging"
	"stalewatch/internal/notify"
	"stalewatch/internal/pack"
	"stalewatch/internal/run"
	"stalewatch/internal/stats"
	"stalewatch/internal/storage"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "stalewatch",
		Short:         "Source staleness monitoring and alerting",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "stalewatch.yaml", "path to config file")

	root.AddCommand(runCmd(&configPath))
	root.AddCommand(serveCmd(&configPath))
	return root
}

// buildOrchestrator wires storage, capture, notification and the seed
// pack from config.
func buildOrchestrator(ctx context.Context, cfg *config.Config) (*run.Orchestrator, storage.Store, *stats.Store, *alerting.Store, error) {
	logger := logging.NewLogger(cfg.LogLevel)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open storage: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, nil, nil, nil, fmt.Errorf("init storage: %w", err)
	}

	var seedPack *pack.Pack
	if cfg.Pack.Path != "" {
		seedPack, err = pack.Load(config.ResolvePath(cfg.Pack.Path))
		if err != nil {
			store.Close()
			return nil, nil, nil, nil, fmt.Errorf("load seed pack: %w", err)
		}
	}

	sender, err := notify.NewSender(cfg.Notify, logging.Component(logger, "notify"))
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, err
	}

	fetcher := capture.NewFetcher(store, cfg.Capture.UserAgent, cfg.Capture.AttemptTimeout)
	statsStore := stats.NewStore(cfg.Stats.StoreLimit)
	decisionStore := alerting.NewStore(cfg.Decisions.StoreLimit)

	orch := run.New(cfg, store, fetcher, sender, seedPack, statsStore, decisionStore, logging.Component(logger, "run"))
	return orch, store, statsStore, decisionStore, nil
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one capture-and-alert run and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.ResolvePath(*configPath))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			orch, store, _, _, err := buildOrchestrator(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := orch.Execute(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the admin API and optional scheduled runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := config.NewManager(config.ResolvePath(*configPath))
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			logger := logging.NewLogger(cfg.LogLevel)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			orch, store, statsStore, decisionStore, err := buildOrchestrator(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			api.Start(ctx, mgr, statsStore, decisionStore, orch, logging.Component(logger, "api"), version)

			stop := make(chan struct{})
			go mgr.Watch(3*time.Second, func(next *config.Config) {
				logger.Info("config reloaded", "path", mgr.Path())
			}, func(err error) {
				logger.Warn("config reload failed", "err", err)
			}, stop)
			defer close(stop)

			if cfg.Schedule.Interval > 0 {
				ticker := time.NewTicker(cfg.Schedule.Interval)
				defer ticker.Stop()
				logger.Info("scheduled runs enabled", "interval", cfg.Schedule.Interval)
				for {
					select {
					case <-ticker.C:
						if _, err := orch.Execute(ctx); err != nil {
							logger.Error("scheduled run failed", "err", err)
						}
					case <-ctx.Done():
						return nil
					}
				}
			}

			<-ctx.Done()
			return nil
		},
	}
}
