package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/smartops/remediator/internal/api"
	"github.com/smartops/remediator/internal/audit"
	"github.com/smartops/remediator/internal/cluster"
	"github.com/smartops/remediator/internal/config"
	"github.com/smartops/remediator/internal/dispatch"
	"github.com/smartops/remediator/internal/guardrail"
	"github.com/smartops/remediator/internal/loop"
	"github.com/smartops/remediator/internal/mapper"
	"github.com/smartops/remediator/internal/policy"
	"github.com/smartops/remediator/internal/ratelimit"
	signalpkg "github.com/smartops/remediator/internal/signal"
	"github.com/smartops/remediator/internal/verify"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("remediator exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var db *sql.DB
	if cfg.Database.DSN != "" {
		var err error
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctrl, err := buildCluster(cfg, logger)
	if err != nil {
		return err
	}

	auditLog := audit.NewLog(db, logger.Named("audit"), 500)
	if err := auditLog.Migrate(context.Background()); err != nil {
		logger.Warn("audit migration failed, continuing without durable log", zap.Error(err))
	}

	resolver := cluster.NameResolver{Prefix: cfg.Cluster.NamePrefix}
	mp := mapper.New(cfg.Cluster.Namespace, resolver)
	guard := guardrail.New(guardrail.Limits{
		MaxReplicas:           cfg.Guardrails.MaxReplicas,
		MinReplicas:           cfg.Guardrails.MinReplicas,
		Cooldown:              cfg.Guardrails.Cooldown(),
		MaxActionsPerHour:     cfg.Guardrails.MaxActionsPerHour,
		MaxScaleDeltaPer15Min: cfg.Guardrails.MaxScaleDeltaPer15Min,
	})
	disp := dispatch.New(ctrl, logger.Named("dispatch"), dispatch.NewMetrics(registry),
		dispatch.WithMaxAttempts(cfg.Dispatch.MaxRetries),
		dispatch.WithBackoff(cfg.Dispatch.BackoffBase(), cfg.Dispatch.BackoffMax()))
	verifier := verify.New(ctrl, logger.Named("verify"), cfg.Verify.PollInterval(), cfg.Verify.Timeout())
	store := signalpkg.NewStore(cfg.Loop.RecentSignals)

	manager := loop.NewManager(loop.Options{
		Logger:        logger.Named("loop"),
		Cluster:       ctrl,
		Mapper:        mp,
		Guardrails:    guard,
		Dispatcher:    disp,
		Verifier:      verifier,
		Policy:        policy.AllowAll{},
		Audit:         auditLog,
		Signals:       store,
		Metrics:       loop.NewMetrics(registry),
		QueueCapacity: cfg.Loop.QueueCapacity,
		Workers:       cfg.Loop.WorkerPoolSize,
		DryRun:        cfg.Loop.DryRun,
	})

	server := api.New(api.Options{
		Addr:      cfg.Server.Addr,
		Namespace: cfg.Cluster.Namespace,
		Logger:    logger.Named("api"),
		Manager:   manager,
		Mapper:    mp,
		Cluster:   ctrl,
		Verifier:  verifier,
		Signals:   store,
		Audit:     auditLog,
		Limiter:   ratelimit.NewIngestLimiter(cfg.Ingest.RatePerSecond, cfg.Ingest.Burst),
		Registry:  registry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	manager.Stop()
	logger.Info("remediator stopped")
	return nil
}

// buildCluster selects the cluster backend. The fake backend seeds a
// few deployments so a standalone binary is immediately exercisable.
func buildCluster(cfg config.Config, logger *zap.Logger) (cluster.Controller, error) {
	switch cfg.Cluster.Mode {
	case "", "fake":
		fake := cluster.NewFake()
		for _, name := range []string{"smartops-erp-simulator", "smartops-anomaly-detector", "smartops-rca-engine"} {
			fake.Seed(cfg.Cluster.Namespace, name, 2)
		}
		logger.Info("using in-memory cluster backend",
			zap.String("namespace", cfg.Cluster.Namespace))
		return fake, nil
	default:
		return nil, fmt.Errorf("unknown cluster mode %q", cfg.Cluster.Mode)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}
