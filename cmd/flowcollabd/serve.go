package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/songzhibin97/workflow-collab/api"
	"github.com/songzhibin97/workflow-collab/config"
	"github.com/songzhibin97/workflow-collab/dispatch"
	"github.com/songzhibin97/workflow-collab/events"
	"github.com/songzhibin97/workflow-collab/graph"
	"github.com/songzhibin97/workflow-collab/logging"
	"github.com/songzhibin97/workflow-collab/registry"
	"github.com/songzhibin97/workflow-collab/session"
	"github.com/songzhibin97/workflow-collab/storage"
	"github.com/songzhibin97/workflow-collab/transport"
)

const (
	shutdownTimeout = 15 * time.Second
	housekeepEvery  = time.Minute
	limiterIdle     = 10 * time.Minute
)

func newServeCmd() *cobra.Command {
	// Flags default to the environment, so a flag overrides its variable.
	cfg := config.Load()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "listen host (SERVER_HOST)")
	f.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "listen port (SERVER_PORT)")
	f.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "debug|info|warn|error (LOG_LEVEL)")
	f.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "json|console (LOG_FORMAT)")
	f.StringVar(&cfg.Storage.Driver, "storage", cfg.Storage.Driver, "memory|redis|postgres|none (STORAGE_DRIVER)")
	f.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "YAML team catalog, built-in when empty (TEAM_CATALOG)")
	f.DurationVar(&cfg.Session.HeartbeatInterval, "heartbeat", cfg.Session.HeartbeatInterval, "expected client ping interval (HEARTBEAT_INTERVAL)")
	f.IntVar(&cfg.Session.HeartbeatMisses, "heartbeat-misses", cfg.Session.HeartbeatMisses, "missed pings before a participant is dropped (HEARTBEAT_MISSES)")
	f.DurationVar(&cfg.Dispatch.TaskTimeout, "task-timeout", cfg.Dispatch.TaskTimeout, "default task deadline (TASK_TIMEOUT)")
	f.Float64Var(&cfg.Dispatch.Rate, "dispatch-rate", cfg.Dispatch.Rate, "dispatches per second per client, 0 disables (DISPATCH_RATE)")
	f.IntVar(&cfg.Dispatch.Burst, "dispatch-burst", cfg.Dispatch.Burst, "dispatch burst per client (DISPATCH_BURST)")
	f.IntVar(&cfg.Dispatch.EventBuffer, "event-buffer", cfg.Dispatch.EventBuffer, "task events buffered before new ones are dropped (EVENT_BUFFER)")
	f.DurationVar(&cfg.Storage.TaskRetention, "task-retention", cfg.Storage.TaskRetention, "how long finished task records are kept (TASK_RETENTION)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)

	st, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	teams, err := loadTeams(cfg.CatalogPath)
	if err != nil {
		return err
	}
	reg := registry.New(registry.WithLogger(logger))
	if err := reg.RegisterAll(teams); err != nil {
		return err
	}

	bus := events.NewEventBus(events.WithLogger(logger), events.WithBufferSize(cfg.Dispatch.EventBuffer))
	defer bus.Stop()

	storeOpts := []graph.StoreOption{graph.WithValidator(graph.DefaultSchema()), graph.WithLogger(logger)}
	if st != nil {
		storeOpts = append(storeOpts, graph.WithStorage(st))
	}
	store := graph.NewStore(storeOpts...)

	sessions := session.NewManager(store,
		session.WithHeartbeat(cfg.Session.HeartbeatInterval, cfg.Session.HeartbeatMisses),
		session.WithLogger(logger),
	)

	limiter := dispatch.NewRateLimiter(cfg.Dispatch.Rate, cfg.Dispatch.Burst)
	dispatchOpts := []dispatch.Option{
		dispatch.WithRateLimiter(limiter),
		dispatch.WithEventBus(bus),
		dispatch.WithTimeout(cfg.Dispatch.TaskTimeout),
		dispatch.WithLogger(logger),
	}
	if st != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithStorage(st))
	}
	dispatcher := dispatch.New(reg, dispatchOpts...)

	ws := transport.NewHandler(sessions, dispatcher, bus,
		transport.WithLogger(logger),
		transport.WithSendBuffer(cfg.Session.SendBuffer),
	)
	handler := api.New(api.Deps{
		Store:      store,
		Sessions:   sessions,
		Registry:   reg,
		Dispatcher: dispatcher,
		WebSocket:  ws,
	}, api.WithLogger(logger))

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go housekeep(ctx, limiter, st, cfg.Storage.TaskRetention, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("storage", cfg.Storage.Driver).Int("teams", len(teams)).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if err := sessions.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to persist graphs on shutdown")
	}
	dispatcher.Close()
	logger.Info().Msg("server stopped")
	return nil
}

// openStorage returns a nil Storage for the none driver.
func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, func(), error) {
	noop := func() {}
	switch cfg.Storage.Driver {
	case config.DriverNone:
		return nil, noop, nil
	case config.DriverMemory:
		return storage.NewMemoryStorage(), noop, nil
	case config.DriverRedis:
		st, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TaskTTL:  cfg.Storage.TaskRetention,
		})
		if err != nil {
			return nil, noop, err
		}
		return st, func() { _ = st.Close() }, nil
	case config.DriverPostgres:
		st, err := storage.NewPostgresStorage(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, noop, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, noop, err
		}
		return st, st.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// housekeep runs tidy every minute until ctx is done.
func housekeep(ctx context.Context, limiter *dispatch.RateLimiter, st storage.Storage, retention time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(housekeepEvery)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			tidy(ctx, now, limiter, st, retention, logger)
		case <-ctx.Done():
			return
		}
	}
}

// tidy forgets rate limit buckets of idle clients and prunes finished task
// records older than retention from stores that do not expire them.
func tidy(ctx context.Context, now time.Time, limiter *dispatch.RateLimiter, st storage.Storage, retention time.Duration, logger zerolog.Logger) {
	if n := limiter.Sweep(now.Add(-limiterIdle)); n > 0 {
		logger.Debug().Int("buckets", n).Msg("rate limit buckets swept")
	}
	p, ok := st.(storage.Pruner)
	if !ok {
		return
	}
	n, err := p.ClearCompleted(ctx, now.Add(-retention))
	if err != nil {
		logger.Error().Err(err).Msg("failed to prune finished tasks")
		return
	}
	if n > 0 {
		logger.Debug().Int("tasks", n).Msg("finished tasks pruned")
	}
}
