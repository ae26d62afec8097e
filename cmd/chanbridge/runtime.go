package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"chanbridge/internal/agent"
	"chanbridge/internal/bridge"
	"chanbridge/internal/bus"
	"chanbridge/internal/channel"
	"chanbridge/internal/config"
	"chanbridge/internal/content"
	"chanbridge/internal/memory"
	"chanbridge/internal/metrics"
	"chanbridge/internal/provider"
	"chanbridge/internal/registry"
	"chanbridge/internal/session"
)

// runtime is the process-wide object graph shared by every connection.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *memory.SQLStore
	tracker   *session.Tracker
	events    *bus.EventBus
	collector *metrics.Collector
	pool      *bridge.Pool

	closers []func() error
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	rt.store, err = memory.Open(memory.StoreConfig{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	rt.closers = append(rt.closers, rt.store.Close)

	providers := provider.NewFactory(cfg, logger)
	var titles session.TitleGenerator
	if prov, perr := providers.Resolve(""); perr == nil {
		titles = agent.NewTitleWriter(prov)
	} else {
		logger.Warn("session titles disabled", "err", perr)
	}
	rt.tracker = session.NewTracker(session.TrackerConfig{
		Store:    rt.store,
		Titles:   titles,
		MaxTurns: cfg.Agent.MaxTurns,
		Logger:   logger,
	})

	regs := registry.New(registry.DedupConfig{}, registry.RiskConfig{})
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		rt.closers = append(rt.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		regs.Dedup = registry.NewRedisDedup(registry.RedisDedupConfig{Client: client, Prefix: cfg.Redis.Prefix, Logger: logger})
		logger.Info("dedup registry shared via redis", "addr", cfg.Redis.Addr)
	}

	rt.events = bus.NewEventBus(logger)
	if cfg.AMQP.Enabled {
		sink, err := bus.NewAMQPSink(bus.AMQPConfig{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue, Events: cfg.AMQP.Events, Logger: logger})
		if err != nil {
			return nil, err
		}
		sink.Attach(rt.events)
		rt.closers = append(rt.closers, sink.Close)
	}
	rt.collector = metrics.NewCollector()
	metrics.NewRecorder(rt.collector).Subscribe(rt.events)

	ec := content.ExtractorConfig{
		Downloader: content.NewDownloader(content.DownloaderConfig{
			Dir:      cfg.Media.Dir,
			MaxBytes: cfg.Media.MaxBytes,
			Timeout:  time.Duration(cfg.Media.TimeoutSeconds) * time.Second,
			Logger:   logger,
		}),
	}
	if tc := cfg.Transcription; tc.Enabled {
		ec.Transcriber = content.NewTranscriber(content.TranscriberConfig{
			APIBase:  tc.APIBase,
			APIKey:   tc.APIKey,
			Model:    tc.Model,
			Language: tc.Language,
			Logger:   logger,
		})
	}
	if ac := cfg.Archive; ac.Enabled {
		ec.Archive = content.NewArchive(content.ArchiveConfig{
			Bucket:    ac.Bucket,
			Region:    ac.Region,
			Endpoint:  ac.Endpoint,
			AccessKey: ac.AccessKey,
			SecretKey: ac.SecretKey,
			PathStyle: ac.PathStyle,
			Prefix:    ac.Prefix,
			PublicURL: ac.PublicURL,
			Logger:    logger,
		})
	}

	builder := bridge.NewBuilder(bridge.BuilderConfig{
		Agent:      cfg.Agent,
		MediaDir:   cfg.Media.Dir,
		Registries: regs,
		Tracker:    rt.tracker,
		Providers:  providers,
		Content:    ec,
		Memory:     memory.NewFileContext(memory.FileContextConfig{Root: cfg.Memory.Root, MaxBytes: cfg.Memory.MaxBytes}),
		Transports: channel.New,
		Events:     rt.events,
		Logger:     logger,
	})
	rt.pool = bridge.NewPool(bridge.PoolConfig{
		Build: builder.Build,
		Proactive: bridge.NewProactiveSender(bridge.ProactiveConfig{
			Risk:   regs.Risk,
			Recent: rt.tracker,
			Events: rt.events,
			Logger: logger,
		}),
		Logger: logger,
	})
	return rt, nil
}

// shutdown stops every connection, waits for title jobs and closes the
// backing stores.
func (rt *runtime) shutdown(ctx context.Context) error {
	var errs []error
	if rt.pool != nil {
		if err := rt.pool.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.tracker != nil {
		done := make(chan struct{})
		go func() {
			rt.tracker.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("title jobs: %w", ctx.Err()))
		}
	}
	errs = append(errs, rt.close())
	return errors.Join(errs...)
}

func (rt *runtime) close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
