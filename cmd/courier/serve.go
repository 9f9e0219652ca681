package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier/internal/api"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/health"
	"courier/internal/observability"
	"courier/pkg/circuitbreaker"
	"courier/pkg/idempotency"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery queues and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServiceConfig()
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// service is everything serve starts and must stop in order.
type service struct {
	cfg      *config.ServiceConfig
	store    *openedStore
	breakers *circuitbreaker.Registry
	queues   []*delivery.Queue
	sinks    map[string]*delivery.BatchSink
	health   *health.Checker
}

func serve(ctx context.Context, cfg *config.ServiceConfig) error {
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	svc, err := startService(ctx, cfg, metrics)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Queues:        svc.queues,
		Sinks:         svc.sinks,
		Breakers:      svc.breakers,
		Metrics:       metrics,
		HealthChecker: svc.health,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		signalled := ctx.Err() != nil
		if signalled {
			slog.Info("Received shutdown signal")
		}

		// Phase 1: Mark service as unhealthy for load balancer draining
		svc.health.SetShuttingDown()
		if signalled && cfg.ShutdownDrainWait > 0 {
			slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
			time.Sleep(cfg.ShutdownDrainWait)
		}

		// Phase 2: Stop accepting connections, finish in-flight requests
		slog.Info("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}

		// Phase 3: Flush batches, stop queues and persist their state
		return svc.stop(shutdownCtx)
	})

	return g.Wait()
}

// startService opens the store and starts one queue and batch sink per
// configured name. Queues share one breaker registry and one guard.
func startService(ctx context.Context, cfg *config.ServiceConfig, metrics *observability.Metrics) (*service, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	transport, err := newTransport(ctx, cfg)
	if err != nil {
		_ = st.close()
		return nil, err
	}

	breakers := circuitbreaker.NewRegistry(cfg.BreakerRegistryConfig())
	guard := idempotency.NewGuard[delivery.Result](cfg.GuardConfig())

	observer := delivery.Observers(
		delivery.LogObserver(slog.With("component", "events")),
		delivery.ObserverFunc(func(e delivery.Event) {
			metrics.RecordEvent(context.Background(), string(e.Kind), e.Queue)
		}),
	)
	breakers.OnStateChange(func(t circuitbreaker.Transition) {
		metrics.RecordBreakerTransition(context.Background(), t.Name, t.To.String())
	})
	delivery.WatchBreakers(breakers, observer)

	svc := &service{
		cfg:      cfg,
		store:    st,
		breakers: breakers,
		sinks:    make(map[string]*delivery.BatchSink, len(cfg.Queues)),
		health:   health.NewChecker(),
	}
	if st.check != nil {
		svc.health.Add("store", st.check)
	}

	for _, name := range cfg.Queues {
		q, err := delivery.New(cfg.DeliveryConfig(name), transport, st,
			delivery.WithBreakers(breakers),
			delivery.WithGuard(guard),
			delivery.WithObserver(observer),
			delivery.WithMetrics(metrics),
		)
		if err != nil {
			_ = svc.stop(ctx)
			return nil, err
		}
		if err := q.Start(ctx); err != nil {
			_ = svc.stop(ctx)
			return nil, fmt.Errorf("start queue %s: %w", name, err)
		}
		svc.queues = append(svc.queues, q)
		svc.sinks[name] = delivery.NewBatchSink(q, cfg.Batch.Resource, cfg.BatcherConfig())
		svc.health.Add("queue:"+name, health.Queue(q))
	}

	slog.Info("Delivery queues started",
		"queues", cfg.Queues,
		"store", cfg.Store.Kind,
		"sink", cfg.Sink,
	)
	return svc, nil
}

// stop flushes the batch sinks into their queues, then closes the queues
// with a final persist, then the store.
func (s *service) stop(ctx context.Context) error {
	var errs []error
	for name, sink := range s.sinks {
		if err := sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close batch sink %s: %w", name, err))
		}
	}
	for _, q := range s.queues {
		st := q.Stats()
		if err := q.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close queue %s: %w", q.Name(), err))
			continue
		}
		slog.Info("Queue stats",
			"queue", q.Name(),
			"delivered", st.Delivered,
			"pending", st.Pending,
			"failed", st.Failed,
		)
	}
	if err := s.store.close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}
