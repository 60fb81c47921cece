// Package app wires each MUTT service's dependencies together and runs its
// loop(s) until the context is canceled. One Run function per cmd/ binary,
// sharing the bootstrap helpers at the bottom of this file. Grounded on the
// teacher's single internal/app.Run dispatch shape in
// _examples/wisbric-nightowl/internal/app/app.go, split one function per
// service since MUTT runs five independent binaries instead of nightowl's
// api/worker mode switch.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/phxntninja/mutt/internal/breaker"
	"github.com/phxntninja/mutt/internal/config"
	"github.com/phxntninja/mutt/internal/db"
	"github.com/phxntninja/mutt/internal/dynconfig"
	"github.com/phxntninja/mutt/internal/httpserver"
	"github.com/phxntninja/mutt/internal/platform"
	"github.com/phxntninja/mutt/internal/queue"
	"github.com/phxntninja/mutt/internal/ratelimit"
	"github.com/phxntninja/mutt/internal/secrets"
	"github.com/phxntninja/mutt/internal/store"
	"github.com/phxntninja/mutt/internal/telemetry"
	"github.com/phxntninja/mutt/pkg/admin"
	"github.com/phxntninja/mutt/pkg/classify"
	"github.com/phxntninja/mutt/pkg/deliver"
	"github.com/phxntninja/mutt/pkg/ingest"
	"github.com/phxntninja/mutt/pkg/remediate"
	"github.com/phxntninja/mutt/pkg/rule"
)

const serviceVersion = "0.1.0"

// RunIngestor starts the HTTP-facing event submission endpoint. It has no
// database dependency: everything it needs lives in the queue substrate.
func RunIngestor(ctx context.Context, cfg *config.IngestorConfig) error {
	logger, shutdownTracer, err := bootstrapTelemetry(ctx, cfg.LogFormat, cfg.LogLevel, cfg.OTLPEndpoint, "mutt-ingestor")
	if err != nil {
		return err
	}
	defer shutdownTracer()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer closeRedis(rdb, logger)
	substrate := queue.NewRedisSubstrate(rdb)

	secretsClient := newSecretsClient(logger)
	go secretsClient.Watch(ctx, cfg.SharedSecretName)
	dc := dynconfig.New(substrate, logger)
	go runDynconfig(ctx, dc, logger)

	registry := newMetricsRegistry()

	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, nil, rdb, registry, secretsClient.SourceFor(cfg.SharedSecretName))
	handler := ingest.New(substrate, dc, logger)
	handler.Routes(srv.APIRouter)

	logger.Info("ingestor starting", "listen", cfg.ListenAddr())
	return runHTTPUntilDone(ctx, srv, cfg.ListenAddr(), logger)
}

// RunClassifier starts the Alerter work loop: classify/audit/forward, plus
// its cache reloader, heartbeat and janitor goroutines, and a health/metrics
// server for the orchestrator and scrapers.
func RunClassifier(ctx context.Context, cfg *config.ClassifierConfig) error {
	logger, shutdownTracer, err := bootstrapTelemetry(ctx, cfg.LogFormat, cfg.LogLevel, cfg.OTLPEndpoint, "mutt-classifier")
	if err != nil {
		return err
	}
	defer shutdownTracer()

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	st := store.New(pool)
	if err := st.EnsureDefaultRule(ctx); err != nil {
		return fmt.Errorf("ensuring default rule: %w", err)
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer closeRedis(rdb, logger)
	substrate := queue.NewRedisSubstrate(rdb)

	dc := dynconfig.New(substrate, logger)
	go runDynconfig(ctx, dc, logger)

	cache := rule.New(st, logger)
	audit := db.New(pool)
	classifier := classify.New(substrate, cache, dc, audit, logger, cfg.WorkerID)

	go classifier.RunCacheReloader(ctx)
	go classifier.RunHeartbeat(ctx)
	go classifier.RunJanitor(ctx, time.Duration(cfg.JanitorInterval)*time.Second)

	registry := newMetricsRegistry()
	go serveInternal(ctx, cfg.ListenAddr(), logger, registry, rdb)

	logger.Info("classifier starting", "worker_id", cfg.WorkerID)
	classifier.Run(ctx)
	return nil
}

// RunDeliverer starts the Moog delivery work loop, gated by the circuit
// breaker and rate limiter, plus its heartbeat and janitor goroutines.
func RunDeliverer(ctx context.Context, cfg *config.DelivererConfig) error {
	logger, shutdownTracer, err := bootstrapTelemetry(ctx, cfg.LogFormat, cfg.LogLevel, cfg.OTLPEndpoint, "mutt-deliverer")
	if err != nil {
		return err
	}
	defer shutdownTracer()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer closeRedis(rdb, logger)
	substrate := queue.NewRedisSubstrate(rdb)

	const webhookTokenName = "mutt-moog-webhook-token"
	secretsClient := newSecretsClient(logger)
	go secretsClient.Watch(ctx, webhookTokenName)

	dc := dynconfig.New(substrate, logger)
	go runDynconfig(ctx, dc, logger)

	br := breaker.New(substrate, "moog", dc, 5, time.Minute)
	rl := ratelimit.New(substrate, "moog", dc, 100, time.Minute)

	bearer := func() string {
		current, _ := secretsClient.CurrentAndNext(ctx, webhookTokenName)
		return current
	}

	deliverer := deliver.New(substrate, br, rl, cfg.MoogWebhookURL, bearer, time.Duration(cfg.RequestTimeout)*time.Second, logger, cfg.WorkerID)

	go deliverer.RunHeartbeat(ctx)
	go deliverer.RunJanitor(ctx, time.Duration(cfg.JanitorInterval)*time.Second)

	registry := newMetricsRegistry()
	go serveInternal(ctx, cfg.ListenAddr(), logger, registry, rdb)

	logger.Info("deliverer starting", "worker_id", cfg.WorkerID)
	deliverer.Run(ctx)
	return nil
}

// RunRemediator starts the periodic DLQ replay loop.
func RunRemediator(ctx context.Context, cfg *config.RemediatorConfig) error {
	logger, shutdownTracer, err := bootstrapTelemetry(ctx, cfg.LogFormat, cfg.LogLevel, cfg.OTLPEndpoint, "mutt-remediator")
	if err != nil {
		return err
	}
	defer shutdownTracer()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer closeRedis(rdb, logger)
	substrate := queue.NewRedisSubstrate(rdb)

	remediator := remediate.New(substrate, logger, cfg.MaxRetries, cfg.HealthGateURL, time.Duration(cfg.HealthGateTimeout)*time.Second)

	registry := newMetricsRegistry()
	go serveInternal(ctx, cfg.ListenAddr(), logger, registry, rdb)

	logger.Info("remediator starting", "scan_interval", cfg.ScanInterval)
	remediator.RunLoop(ctx, time.Duration(cfg.ScanInterval)*time.Second)
	return nil
}

// RunAdminAPI starts the Admin API's write-path HTTP server: rule, dev-host,
// team and config mutation endpoints, each auditing through internal/store.
func RunAdminAPI(ctx context.Context, cfg *config.AdminAPIConfig) error {
	logger, shutdownTracer, err := bootstrapTelemetry(ctx, cfg.LogFormat, cfg.LogLevel, cfg.OTLPEndpoint, "mutt-adminapi")
	if err != nil {
		return err
	}
	defer shutdownTracer()

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	st := store.New(pool)
	if err := st.EnsureDefaultRule(ctx); err != nil {
		return fmt.Errorf("ensuring default rule: %w", err)
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer closeRedis(rdb, logger)
	substrate := queue.NewRedisSubstrate(rdb)

	secretsClient := newSecretsClient(logger)
	go secretsClient.Watch(ctx, cfg.SharedSecretName)

	registry := newMetricsRegistry()

	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, pool, rdb, registry, secretsClient.SourceFor(cfg.SharedSecretName))
	handler := admin.New(st, substrate, logger)
	handler.Routes(srv.APIRouter)

	logger.Info("admin api starting", "listen", cfg.ListenAddr())
	return runHTTPUntilDone(ctx, srv, cfg.ListenAddr(), logger)
}

// --- shared bootstrap helpers ---

func bootstrapTelemetry(ctx context.Context, logFormat, logLevel, otlpEndpoint, serviceName string) (*slog.Logger, func(), error) {
	logger := telemetry.NewLogger(logFormat, logLevel)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(ctx, otlpEndpoint, serviceName, serviceVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing tracer: %w", err)
	}

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}
	return logger, shutdown, nil
}

func newSecretsClient(logger *slog.Logger) *secrets.Client {
	return secrets.New(secrets.StaticClient{}, logger, 5*time.Minute)
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(telemetry.All()...)
	return reg
}

func closeRedis(rdb *redis.Client, logger *slog.Logger) {
	if err := rdb.Close(); err != nil {
		logger.Error("closing redis", "error", err)
	}
}

// runDynconfig runs the control plane client's subscribe loop, logging (not
// fatally exiting) if it returns early — a lost connection degrades to each
// reader's fallback defaults rather than taking the service down.
func runDynconfig(ctx context.Context, dc *dynconfig.Client, logger *slog.Logger) {
	if err := dc.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("dynconfig run loop exited", "error", err)
	}
}

// runHTTPUntilDone serves srv until ctx is canceled, then shuts it down
// gracefully.
func runHTTPUntilDone(ctx context.Context, srv *httpserver.Server, addr string, logger *slog.Logger) error {
	httpSrv := &http.Server{Addr: addr, Handler: srv}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down http server")
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// serveInternal runs a minimal health/metrics-only server for the worker
// binaries (Classifier, Deliverer, Remediator), which have no public API
// surface but still need /healthz, /readyz and /metrics for the orchestrator
// and scrapers. Its /api/v2 sub-router is mounted with no handlers, so
// noAuthSource is never actually consulted outside the exempted paths.
func serveInternal(ctx context.Context, addr string, logger *slog.Logger, registry *prometheus.Registry, rdb *redis.Client) {
	srv := httpserver.NewServer(httpserver.ServerConfig{}, logger, nil, rdb, registry, noAuthSource{})
	if err := runHTTPUntilDone(ctx, srv, addr, logger); err != nil {
		logger.Error("internal http server exited", "error", err)
	}
}

type noAuthSource struct{}

func (noAuthSource) CurrentAndNext() (string, string) { return "", "" }
