package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kestrelsec/kestrel/pkg/analytics"
	"github.com/kestrelsec/kestrel/pkg/api"
	"github.com/kestrelsec/kestrel/pkg/audit"
	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/engine"
	"github.com/kestrelsec/kestrel/pkg/health"
	"github.com/kestrelsec/kestrel/pkg/httputil"
	"github.com/kestrelsec/kestrel/pkg/observability"
	"github.com/kestrelsec/kestrel/pkg/resilience"
	"github.com/kestrelsec/kestrel/pkg/sso"
	"github.com/kestrelsec/kestrel/pkg/storage/postgres"
	redisstore "github.com/kestrelsec/kestrel/pkg/storage/redis"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
	defer cancel()

	// Postgres and schema
	connCfg := postgres.DefaultConnectionConfig(cfg.Database.URL)
	connCfg.MaxConns = cfg.Database.MaxConns
	connCfg.MinConns = cfg.Database.MinConns
	connCfg.Timeout = cfg.Database.Timeout
	db, err := postgres.Connect(connCfg)
	if err != nil {
		logger.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}

	providerStore := postgres.NewProviderStore(db)
	ruleStore := postgres.NewRuleStore(db)
	codeStore := postgres.NewCodeStore(db)
	passwordStore := postgres.NewBackupPasswordStore(db)
	snapshotStore := postgres.NewSnapshotStore(db)
	for _, ensure := range []func(context.Context) error{
		providerStore.EnsureTable,
		ruleStore.EnsureTable,
		codeStore.EnsureTable,
		passwordStore.EnsureTable,
		snapshotStore.EnsureTables,
	} {
		if err := ensure(ctx); err != nil {
			logger.WithError(err).Error("failed to ensure schema")
			os.Exit(1)
		}
	}

	auditLogger, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Error("failed to initialize audit logger")
		os.Exit(1)
	}

	// Redis is optional. Without it the nonce and PKCE stores are
	// process-local, which is fine for a single instance.
	var redisClient *redis.Client
	var nonces sso.NonceStore
	var pkceStore sso.PKCEStore
	if cfg.Redis.URL != "" {
		redisCfg := redisstore.DefaultConfig(cfg.Redis.URL)
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisClient, err = redisstore.Connect(ctx, redisCfg)
		if err != nil {
			logger.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
		nonces = sso.NewRedisNonceStore(redisClient, 0)
		pkceStore = sso.NewRedisPKCEStore(redisClient, sso.PKCEVerifierTTL)
	} else {
		logger.Info("redis not configured; using in-process nonce and PKCE stores")
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	discovery := sso.NewDiscoveryClient(nil, logger)
	prober := health.NewProber(nil, discovery, logger)

	eng := engine.New(engine.Options{
		Providers: providerStore,
		Rules:     ruleStore,
		Breakers: resilience.NewBreakerManager(resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.BreakerFailureThreshold,
			Timeout:          cfg.Resilience.BreakerTimeout,
			ProbeBudget:      cfg.Resilience.BreakerProbeBudget,
		}),
		Fallback:  resilience.NewFallbackAuthenticator(codeStore, passwordStore, true),
		Audit:     auditLogger,
		Metrics:   metrics,
		Logger:    logger,
		Discovery: discovery,
		Nonces:    nonces,
		PKCE:      pkceStore,
		Limiter:   sso.NewSubjectRateLimiter(30, 10),
	})

	alertRules := analytics.DefaultRules()
	if cfg.Monitor.AlertRulesPath != "" {
		alertRules, err = analytics.LoadRules(cfg.Monitor.AlertRulesPath)
		if err != nil {
			logger.WithError(err).Error("failed to load alert rules")
			os.Exit(1)
		}
	}
	alerter := analytics.NewAlerter(db, analytics.NewHealthScorer(db), alertRules)
	if err := alerter.EnsureTable(ctx); err != nil {
		logger.WithError(err).Error("failed to ensure alerts schema")
		os.Exit(1)
	}

	apiServer := api.NewServer(api.Options{
		Engine:    eng,
		Providers: providerStore,
		Rules:     ruleStore,
		Prober:    prober,
		Alerts:    alerter,
		Audit:     auditLogger,
		Logger:    logger,
	})

	var handler http.Handler = apiServer
	if metrics != nil {
		handler = observability.HTTPMetricsMiddleware(metrics)(handler)
	}
	handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(1<<20),
	)(handler)

	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			logger.WithError(err).Error("failed to initialize OpenTelemetry")
			os.Exit(1)
		}
		handler = otelhttp.NewHandler(handler, "kestrel.api")
	}

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Liveness, readiness, and metrics on a separate port for probes.
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if metrics != nil {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	// Persist breaker state so the monitor and dashboards see it across
	// restarts.
	persistCtx, stopPersist := context.WithCancel(context.Background())
	go persistBreakerSnapshots(persistCtx, eng, snapshotStore, logger)

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		stopPersist()
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error { return auditLogger.Close() })
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error { return redisClient.Close() })
	}
	shutdown.RegisterShutdownFunc(func(context.Context) error { return db.Close() })

	go func() {
		logger.Infof("Kestrel SSO engine listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown did not complete cleanly")
		os.Exit(1)
	}
}

// persistBreakerSnapshots flushes breaker state to postgres once a
// minute until the context is cancelled.
func persistBreakerSnapshots(ctx context.Context, eng *engine.Engine, store *postgres.SnapshotStore, logger *observability.Logger) {
	defer observability.RecoverPanic(logger, "breaker snapshot persister")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snap := range eng.BreakerSnapshots() {
				snap := snap
				if err := store.SaveBreakerSnapshot(ctx, &snap); err != nil {
					logger.WithError(err).Warn("failed to persist breaker snapshot")
				}
			}
		}
	}
}
