package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chanbridge/internal/admin"
	"chanbridge/internal/config"
	"chanbridge/internal/scheduler"
)

const shutdownTimeout = 15 * time.Second

func runCmd() *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open every configured connection and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			logger = newLogger(cfg.Logging)
			return runBridge(cfg, only)
		},
	}
	cmd.Flags().StringSliceVar(&only, "only", nil, "start only these connection keys (assistantId:platform)")
	return cmd
}

func runBridge(cfg *config.Config, only []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}

	conns, err := selectConnections(cfg.Connections, only)
	if err != nil {
		rt.close()
		return err
	}
	if len(conns) == 0 {
		rt.close()
		return errors.New("no enabled connections configured")
	}

	if err := rt.pool.StartAll(ctx, conns); err != nil {
		if len(rt.pool.Snapshot()) == 0 {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(err, rt.shutdown(shutdownCtx))
		}
		logger.Warn("some connections failed to open", "err", err)
	}

	sched := scheduler.New(scheduler.Config{Sender: rt.pool, Logger: logger})
	for _, sc := range cfg.Schedules {
		if err := sched.Add(sc); err != nil {
			logger.Error("schedule rejected", "id", sc.ID, "err", err)
		}
	}
	sched.Start()

	adminErr := make(chan error, 1)
	if cfg.Admin.Enabled {
		srv := admin.New(admin.Config{
			Listen:    cfg.Admin.Listen,
			Token:     cfg.Admin.Token,
			Pool:      rt.pool,
			Schedules: sched,
			Metrics:   rt.collector.Handler(),
			Events:    rt.events,
			Logger:    logger,
		})
		go func() { adminErr <- srv.Run(ctx) }()
	}

	logger.Info("bridge running", "connections", len(conns), "schedules", len(cfg.Schedules), "version", version)

	select {
	case <-ctx.Done():
	case err := <-adminErr:
		if err != nil {
			logger.Error("admin API stopped", "err", err)
		}
		<-ctx.Done()
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := sched.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	errs = append(errs, rt.shutdown(shutdownCtx))
	if err := errors.Join(errs...); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// selectConnections drops disabled entries and, when keys is non-empty, keeps
// only the named ones.
func selectConnections(all []config.ConnectionConfig, keys []string) ([]config.ConnectionConfig, error) {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []config.ConnectionConfig
	for _, cc := range all {
		if cc.Disabled {
			continue
		}
		if len(want) > 0 && !want[cc.Key()] {
			continue
		}
		delete(want, cc.Key())
		out = append(out, cc)
	}
	if len(keys) > 0 {
		for k := range want {
			return nil, fmt.Errorf("connection %s is not configured or disabled", k)
		}
	}
	return out, nil
}
