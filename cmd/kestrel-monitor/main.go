package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/kestrelsec/kestrel/pkg/analytics"
	"github.com/kestrelsec/kestrel/pkg/audit"
	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/health"
	"github.com/kestrelsec/kestrel/pkg/observability"
	"github.com/kestrelsec/kestrel/pkg/sso"
	"github.com/kestrelsec/kestrel/pkg/storage/postgres"
)

var (
	runOnce    = flag.Bool("run-once", false, "Run one probe sweep, rollup, and alert pass, then exit")
	rollupDate = flag.String("date", "", "Date to roll up (YYYY-MM-DD). Defaults to yesterday. Only used with --run-once")
	healthTTL  = flag.Duration("snapshot-retention", 30*24*time.Hour, "How long to keep health snapshot history")
)

// monitor bundles the collaborators the scheduled jobs share.
type monitor struct {
	providers  *postgres.ProviderStore
	snapshots  *postgres.SnapshotStore
	prober     *health.Prober
	aggregator *analytics.Aggregator
	alerter    *analytics.Alerter
	retention  *audit.Retention
	metrics    *observability.Metrics
	logger     *observability.Logger
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
	defer cancel()

	connCfg := postgres.DefaultConnectionConfig(cfg.Database.URL)
	connCfg.MaxConns = cfg.Database.MaxConns
	connCfg.MinConns = cfg.Database.MinConns
	db, err := postgres.Connect(connCfg)
	if err != nil {
		logger.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}
	defer db.Close()

	providerStore := postgres.NewProviderStore(db)
	snapshotStore := postgres.NewSnapshotStore(db)
	aggregator := analytics.NewAggregator(db)
	if err := snapshotStore.EnsureTables(ctx); err != nil {
		logger.WithError(err).Error("failed to ensure snapshot schema")
		os.Exit(1)
	}
	if err := aggregator.EnsureTables(ctx); err != nil {
		logger.WithError(err).Error("failed to ensure rollup schema")
		os.Exit(1)
	}

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

	auditLogger, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Error("failed to initialize audit logger")
		os.Exit(1)
	}
	var archiver *audit.Archiver
	if cfg.Archive.Enabled {
		archiver, err = audit.NewArchiver(ctx, audit.ArchiveConfig{
			Bucket:       cfg.Archive.Bucket,
			Region:       cfg.Archive.Region,
			Endpoint:     cfg.Archive.Endpoint,
			AccessKey:    cfg.Archive.AccessKey,
			SecretKey:    cfg.Archive.SecretKey,
			UsePathStyle: cfg.Archive.UsePathStyle,
		})
		if err != nil {
			logger.WithError(err).Error("failed to initialize audit archiver")
			os.Exit(1)
		}
	}
	retention := audit.NewRetention(auditLogger, archiver, time.Duration(cfg.Archive.RetentionDays)*24*time.Hour)

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	discovery := sso.NewDiscoveryClient(nil, logger)
	m := &monitor{
		providers:  providerStore,
		snapshots:  snapshotStore,
		prober:     health.NewProber(nil, discovery, logger),
		aggregator: aggregator,
		alerter:    alerter,
		retention:  retention,
		metrics:    metrics,
		logger:     logger,
	}

	if *runOnce {
		date := time.Now().UTC().AddDate(0, 0, -1)
		if *rollupDate != "" {
			date, err = time.Parse("2006-01-02", *rollupDate)
			if err != nil {
				logger.WithError(err).Error("invalid --date")
				os.Exit(1)
			}
		}
		m.probeSweep(context.Background())
		m.rollup(context.Background(), date)
		m.evaluateAlerts(context.Background())
		return
	}

	c := cron.New()
	schedules := []struct {
		name string
		spec string
		job  func()
	}{
		{"probe sweep", cfg.Monitor.ProbeSchedule, func() { m.probeSweep(context.Background()) }},
		{"rollup", cfg.Monitor.RollupSchedule, func() {
			m.rollup(context.Background(), time.Now().UTC().AddDate(0, 0, -1))
		}},
		{"alert evaluation", cfg.Monitor.AlertSchedule, func() { m.evaluateAlerts(context.Background()) }},
		{"retention sweep", cfg.Monitor.RetentionSchedule, func() { m.retentionSweep(context.Background()) }},
	}
	for _, s := range schedules {
		if _, err := c.AddFunc(s.spec, s.job); err != nil {
			logger.WithError(err).Errorf("failed to schedule %s", s.name)
			os.Exit(1)
		}
		logger.Infof("Scheduled %s: %s", s.name, s.spec)
	}

	// Metrics and liveness for the worker itself.
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, nil))
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

	c.Start()
	logger.Info("Kestrel monitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("Received signal %s, stopping", sig)

	<-c.Stop().Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)
	auditLogger.Close()
}

// probeSweep probes every active provider, persists the snapshots, and
// refreshes the health gauges.
func (m *monitor) probeSweep(ctx context.Context) {
	defer observability.RecoverPanic(m.logger, "probe sweep")

	snapshots, err := m.prober.Sweep(ctx, m.providers)
	if err != nil {
		m.logger.WithError(err).Error("probe sweep failed")
		return
	}
	m.logger.Infof("Probed %d providers", len(snapshots))

	for _, snap := range snapshots {
		if err := m.snapshots.SaveHealthSnapshot(ctx, snap); err != nil {
			m.logger.WithError(err).Warn("failed to persist health snapshot")
		}
		m.recordProbeMetrics(snap)
	}
	if m.metrics != nil {
		m.metrics.ProvidersActive.Set(float64(len(snapshots)))
	}
}

func (m *monitor) recordProbeMetrics(snap *health.Snapshot) {
	if m.metrics == nil {
		return
	}
	kind := string(snap.Kind)
	orgID := strconv.FormatInt(snap.OrganizationID, 10)
	providerID := strconv.FormatInt(snap.ProviderID, 10)

	m.metrics.ProbesTotal.WithLabelValues(kind, string(snap.Status)).Inc()
	m.metrics.ProbeDuration.WithLabelValues(kind).Observe(snap.ResponseTime.Seconds())

	healthy := 0.0
	if snap.Status == health.StatusHealthy {
		healthy = 1.0
	}
	m.metrics.ProviderHealthy.WithLabelValues(orgID, providerID).Set(healthy)
	if snap.CertificateExpires != nil {
		days := time.Until(*snap.CertificateExpires).Hours() / 24
		m.metrics.CertDaysRemaining.WithLabelValues(orgID, providerID).Set(days)
	}
}

// rollup aggregates the daily authentication and health statistics.
func (m *monitor) rollup(ctx context.Context, date time.Time) {
	defer observability.RecoverPanic(m.logger, "rollup")

	m.logger.Infof("Starting rollup for %s", date.Format("2006-01-02"))
	if err := m.aggregator.AggregateAll(ctx, date); err != nil {
		m.logger.WithError(err).Error("rollup failed")
		return
	}
	m.logger.Info("Rollup completed")
}

// evaluateAlerts runs the alert rules and refreshes the open-alert gauge.
func (m *monitor) evaluateAlerts(ctx context.Context) {
	defer observability.RecoverPanic(m.logger, "alert evaluation")

	triggered, err := m.alerter.Evaluate(ctx)
	if err != nil {
		m.logger.WithError(err).Error("alert evaluation failed")
		return
	}
	if len(triggered) > 0 {
		m.logger.Warnf("Triggered %d alerts", len(triggered))
	}

	open, err := m.alerter.ListOpen(ctx)
	if err != nil {
		m.logger.WithError(err).Error("failed to count open alerts")
		return
	}
	if m.metrics != nil {
		m.metrics.AlertsOpen.Set(float64(len(open)))
	}
}

// retentionSweep archives and prunes expired audit events and drops old
// health snapshot history.
func (m *monitor) retentionSweep(ctx context.Context) {
	defer observability.RecoverPanic(m.logger, "retention sweep")

	deleted, err := m.retention.Sweep(ctx)
	if err != nil {
		m.logger.WithError(err).Error("audit retention sweep failed")
	} else if deleted > 0 {
		m.logger.Infof("Pruned %d archived audit events", deleted)
	}

	dropped, err := m.snapshots.DeleteHealthSnapshotsBefore(ctx, time.Now().Add(-*healthTTL))
	if err != nil {
		m.logger.WithError(err).Error("health snapshot cleanup failed")
	} else if dropped > 0 {
		m.logger.Infof("Dropped %d stale health snapshots", dropped)
	}
}
