package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/dispatch-service/internal/catalog"
	"qms/dispatch-service/internal/config"
	"qms/dispatch-service/internal/events"
	"qms/dispatch-service/internal/feedback"
	"qms/dispatch-service/internal/httpapi"
	"qms/dispatch-service/internal/hub"
	"qms/dispatch-service/internal/queue"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/memory"
	"qms/dispatch-service/internal/store/postgres"
	"qms/dispatch-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "dispatch-service"

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("dispatch-service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    serviceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		Endpoint:       cfg.TraceEndpoint,
		Insecure:       cfg.TraceInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if _, err := catalog.SeedDefaults(ctx, st, cfg.ServiceTypesSeedFile, logger); err != nil {
		return fmt.Errorf("seed service types: %w", err)
	}

	engine, err := queue.New(ctx, st, queue.Options{Logger: logger, StoreTimeout: cfg.StoreTimeout})
	if err != nil {
		return fmt.Errorf("start queue engine: %w", err)
	}

	collector := feedback.NewCollector(st, cfg.FeedbackPromptTTL, logger)
	engine.SetFeedbackPrompt(collector.Prompt)

	displays := hub.New(logger)
	broadcaster := hub.NewBroadcaster(displays, engine, logger)
	engine.Subscribe(broadcaster)

	group, ctx := errgroup.WithContext(ctx)

	var announcer catalog.Announcer
	if cfg.RedisURL != "" {
		client, err := events.Connect(ctx, cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		engine.Subscribe(events.NewPublisher(client, cfg.QueueUpdatesChannel, logger))
		origin := events.NewOrigin()
		announcer = events.NewCatalogAnnouncer(client, cfg.CatalogChannel, origin)
		listener := events.NewCatalogListener(client, cfg.CatalogChannel, origin, engine, logger)
		group.Go(func() error { return listener.Run(ctx) })
	} else {
		logger.Info("redis not configured; catalog changes from other processes arrive by polling")
	}

	services := catalog.NewManager(st, engine, announcer, logger)
	handler := httpapi.NewHandler(engine, services, collector, st, logger)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		AgentPerMinute: cfg.AgentRateLimitPerMinute,
		AgentBurst:     cfg.AgentRateLimitBurst,
	})

	api := handler.Routes()
	api.Handle("/metrics", expvar.Handler())

	mux := http.NewServeMux()
	// SockJS sessions bypass the logging writer so websocket upgrades can hijack.
	mux.Handle("/realtime/", hub.NewHandler("/realtime", displays, broadcaster))
	mux.Handle("/", httpapi.LoggingMiddleware(logger, limiter.Middleware(api)))

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(mux, serviceName),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	reconciler := queue.NewReconciler(engine, cfg.ReconcileInterval, logger)
	group.Go(func() error { return reconciler.Run(ctx) })

	group.Go(func() error {
		logger.Info("dispatch-service listening", "addr", server.Addr, "store", storeKind(cfg))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", "error", err)
		}
		return nil
	})

	return group.Wait()
}

// openStore connects to PostgreSQL when DB_DSN is set and falls back to the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DB_DSN not set; tickets will not survive a restart")
		return memory.New(), func() {}, nil
	}

	if cfg.MigrateOnStart {
		if err := postgres.Migrate(cfg.DatabaseURL, cfg.MigrationsDir, logger); err != nil {
			return nil, nil, err
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func storeKind(cfg config.Config) string {
	if cfg.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}
