// Command syrosd runs the syros coordination service: the four engines
// behind the REST adapter, against a Redis lease store and a Postgres log
// store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/syros-io/syros/pkg/api"
	"github.com/syros-io/syros/pkg/cache"
	"github.com/syros-io/syros/pkg/config"
	"github.com/syros-io/syros/pkg/event"
	"github.com/syros-io/syros/pkg/leasestore"
	"github.com/syros-io/syros/pkg/lock"
	"github.com/syros-io/syros/pkg/logstore"
	"github.com/syros-io/syros/pkg/saga"
	"github.com/syros-io/syros/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "syrosd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("SYROS_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewProvider(ctx, telemetry.Config{
			ServiceName:  "syros",
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		metrics, err = telemetry.NewMetrics(otel.Meter("syros"))
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}

	lease, err := leasestore.NewRedis(cfg.LeaseStore.URL, cfg.LeaseStore.PoolSize, cfg.LeaseStore.Timeout())
	if err != nil {
		return err
	}
	defer lease.Close()
	if err := lease.Ping(ctx); err != nil {
		return fmt.Errorf("lease store unreachable: %w", err)
	}

	logs, err := logstore.NewPostgres(cfg.LogStore.URL, cfg.LogStore.PoolSize, cfg.LogStore.Timeout())
	if err != nil {
		return err
	}
	defer logs.Close()
	if err := logs.Ping(ctx); err != nil {
		return fmt.Errorf("log store unreachable: %w", err)
	}
	if err := logs.Migrate(ctx); err != nil {
		return err
	}

	events := event.NewStore(logs, event.Options{
		Metrics:         metrics,
		ConflictRetries: cfg.Event.AppendConflictRetries,
	})
	sagas := saga.NewOrchestrator(logs, saga.Options{
		Metrics:            metrics,
		DefaultStepTimeout: time.Duration(cfg.Saga.DefaultStepTimeoutMS) * time.Millisecond,
		DefaultMaxRetries:  cfg.Saga.MaxRetriesDefault,
		Audit:              auditToEvents(events),
	})
	locks := lock.NewManager(lease, lock.Options{
		Metrics:     metrics,
		WaitPollMin: time.Duration(cfg.Lock.WaitPollMinMS) * time.Millisecond,
		WaitPollMax: time.Duration(cfg.Lock.WaitPollMaxMS) * time.Millisecond,
	})
	caches := cache.NewManager(lease, cache.Options{
		Metrics:    metrics,
		DefaultTTL: time.Duration(cfg.Cache.DefaultTTLMS) * time.Millisecond,
	})
	caches.StartReaper(ctx, time.Minute)

	// Step handlers are registered by embedding applications, so the
	// standalone daemon only reports in-flight sagas a previous process
	// left behind; RecoverInFlight is for embedders with an executor.
	if stuck, err := logs.SagasByStatus(ctx, string(saga.StatusRunning)); err == nil && len(stuck) > 0 {
		slog.Warn("found in-flight sagas from a previous run", "count", len(stuck))
	}

	srv := api.NewServer(cfg.Server.Addr, &api.Service{
		Locks:  locks,
		Sagas:  sagas,
		Events: events,
		Cache:  caches,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// auditToEvents forwards saga transitions to the event store as audit
// entries; failures are logged, never propagated into the saga path.
func auditToEvents(events *event.Store) saga.AuditSink {
	return func(ctx context.Context, sagaID, eventType string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Debug("skipping audit event", "saga_id", sagaID, "error", err)
			return
		}
		if _, err := events.Append(ctx, "saga-audit:"+sagaID, eventType, data, nil); err != nil {
			slog.Debug("audit append failed", "saga_id", sagaID, "error", err)
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
