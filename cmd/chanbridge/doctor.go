package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"chanbridge/internal/channel"
	"chanbridge/internal/config"
	"chanbridge/internal/memory"
	"chanbridge/internal/provider"
)

type checkResults struct {
	passed, warned, failed int
}

func (r *checkResults) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-28s %s\n", check, detail)
}

func (r *checkResults) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-28s %s\n", check, detail)
}

func (r *checkResults) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-28s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	var skipNetwork bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, storage, providers and platform credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chanbridge doctor v%s\n\n", version)
			var r checkResults

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Println("\nRun 'chanbridge init' to create a default configuration.")
				return fmt.Errorf("no config")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("invalid config")
			}
			r.pass("Config validation", fmt.Sprintf("%d connection(s), %d schedule(s)", len(cfg.Connections), len(cfg.Schedules)))

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			checkStore(&r, cfg)
			if cfg.Admin.Enabled {
				if err := checkListen(cfg.Admin.Listen); err != nil {
					r.warn("Admin API", fmt.Sprintf("%s may be in use: %v", cfg.Admin.Listen, err))
				} else {
					r.pass("Admin API", cfg.Admin.Listen+" available")
				}
			}
			if cfg.Redis.Enabled {
				client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
				if err := client.Ping(ctx).Err(); err != nil {
					r.fail("Redis", err.Error())
				} else {
					r.pass("Redis", cfg.Redis.Addr)
				}
				client.Close()
			}

			if !skipNetwork {
				checkProviders(ctx, &r, cfg)
				checkConnections(ctx, &r, cfg)
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipNetwork, "offline", false, "skip provider and platform checks")
	return cmd
}

func checkStore(r *checkResults, cfg *config.Config) {
	store, err := memory.Open(memory.StoreConfig{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, Logger: logger})
	if err != nil {
		r.fail("Session store", err.Error())
		return
	}
	store.Close()
	r.pass("Session store", cfg.Store.Driver)
}

func checkProviders(ctx context.Context, r *checkResults, cfg *config.Config) {
	factory := provider.NewFactory(cfg, logger)
	for _, name := range factory.Names() {
		p, err := factory.Get(name)
		if err != nil {
			r.warn("Provider "+name, err.Error())
			continue
		}
		if err := p.Healthy(ctx); err != nil {
			r.fail("Provider "+name, err.Error())
			continue
		}
		r.pass("Provider "+name, "reachable")
	}
}

// checkConnections runs only the credential handshake for each connection;
// no stream is opened.
func checkConnections(ctx context.Context, r *checkResults, cfg *config.Config) {
	for _, cc := range cfg.Connections {
		name := "Connection " + cc.Key()
		if cc.Disabled {
			r.warn(name, "disabled")
			continue
		}
		t, err := channel.New(cc, logger)
		if err != nil {
			r.fail(name, err.Error())
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, 20*time.Second)
		err = t.Handshake(hctx)
		cancel()
		t.Close()
		if err != nil {
			r.fail(name, err.Error())
			continue
		}
		r.pass(name, "credentials accepted")
	}
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
