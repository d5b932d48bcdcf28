package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
	"github.com/Mindburn-Labs/aeor/pkg/api"
	"github.com/Mindburn-Labs/aeor/pkg/artifacts"
	"github.com/Mindburn-Labs/aeor/pkg/auditors"
	"github.com/Mindburn-Labs/aeor/pkg/config"
	"github.com/Mindburn-Labs/aeor/pkg/escalation"
	"github.com/Mindburn-Labs/aeor/pkg/journal"
	"github.com/Mindburn-Labs/aeor/pkg/observability"
	"github.com/Mindburn-Labs/aeor/pkg/policy"
	"github.com/Mindburn-Labs/aeor/pkg/registrar"
	"github.com/Mindburn-Labs/aeor/pkg/sandbox"
	"github.com/Mindburn-Labs/aeor/pkg/util/resiliency"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

// runServer loads configuration and serves the API until SIGINT or SIGTERM.
func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		return 1
	}
	return 0
}

// node holds every wired subsystem of a running server.
type node struct {
	db          *sql.DB
	redis       redis.UniversalClient
	executor    *sandbox.WasiExecutor
	telemetry   *observability.Provider
	escalations *escalation.Manager
	idempotency *api.SQLIdempotencyStore
	api         *api.Server
}

func (n *node) Close(ctx context.Context) {
	if n.api != nil {
		n.api.Close()
	}
	if n.telemetry != nil {
		_ = n.telemetry.Shutdown(ctx)
	}
	if n.executor != nil {
		_ = n.executor.Close(ctx)
	}
	if n.redis != nil {
		_ = n.redis.Close()
	}
	if n.db != nil {
		_ = n.db.Close()
	}
}

// buildNode wires storage, sandbox, audits, policy and telemetry into an API server.
// On error everything opened so far is closed.
func buildNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *node, err error) {
	n := &node{}
	defer func() {
		if err != nil {
			n.Close(context.Background())
		}
	}()

	// 1. Database (Postgres or lite mode)
	if n.db, err = openDatabase(ctx, cfg, logger); err != nil {
		return nil, err
	}

	// 2. Journal
	jrnl := journal.NewSQLJournal(n.db)
	if err = jrnl.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to init journal: %w", err)
	}

	// 3. Commitment registrar
	store, err := n.lockStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	reg := registrar.New(store).WithTTL(cfg.LockTTL).WithLogger(logger)

	// 4. Artifact store and WASI sandbox
	artifactCfg := artifacts.ConfigFromEnv()
	if artifactCfg.DataDir == "" {
		artifactCfg.DataDir = cfg.DataDir
	}
	blobs, err := artifacts.NewStore(ctx, artifactCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	reports := sandbox.NewReports(0)
	n.executor, err = sandbox.NewWasiExecutor(ctx, blobs, reports, sandbox.Limits{
		MemoryLimitBytes: cfg.SandboxMemoryLimitBytes,
		CPUTimeLimit:     cfg.SandboxCPUTimeLimit,
	})
	if err != nil {
		return nil, err
	}

	// 5. Audits and policy
	feedback := auditors.NewFeedbackAggregator(reports)
	engine, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	logger.Info("policy loaded", "name", engine.Name(), "version", engine.Version().String(), "hash", engine.Hash())

	// 6. Escalation and telemetry
	n.escalations, err = escalation.NewManager().
		WithAckSLA(cfg.EscalationAckSLA).
		WithSigningSecret([]byte(cfg.EscalationSigningSecret))
	if err != nil {
		return nil, err
	}
	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	otelCfg.Insecure = true
	if n.telemetry, err = observability.New(ctx, otelCfg); err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}

	orch, err := aeor.New(aeor.Dependencies{
		Registrar: reg,
		Executor:  n.executor,
		Metrics:   feedback,
		Debt:      auditors.NewEntropyAnalyzer(reports),
		Policy:    engine,
		Telemetry: aeor.NewSlogSink(logger),
		Journal:   jrnl,
		Escalator: n.escalations,
		Tracker:   n.telemetry,
	})
	if err != nil {
		return nil, err
	}

	// 7. HTTP surface
	n.idempotency = api.NewSQLIdempotencyStore(n.db, 24*time.Hour)
	if err = n.idempotency.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to init idempotency store: %w", err)
	}
	n.api, err = api.NewServer(api.Deps{
		Orchestrator: orch,
		Proposer:     n.executor,
		Signals:      feedback,
		Records:      jrnl,
		Escalations:  n.escalations,
		SLO:          n.telemetry.SLO(),
		Health:       n.health,
	}, api.Options{
		RateRPS:     cfg.RateRPS,
		RateBurst:   cfg.RateBurst,
		JWTSecret:   []byte(cfg.JWTSecret),
		Idempotency: n.idempotency,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *node) lockStore(ctx context.Context, cfg *config.Config) (registrar.Store, error) {
	switch cfg.LockBackend {
	case config.LockBackendMemory:
		return registrar.NewMemoryStore(), nil
	case config.LockBackendRedis:
		n.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ping := func(ctx context.Context) error { return n.redis.Ping(ctx).Err() }
		if err := resiliency.Retry(ctx, resiliency.DefaultBackoff, ping); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return registrar.NewRedisStore(n.redis, "aeor"), nil
	default:
		store := registrar.NewSQLStore(n.db)
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to init lock store: %w", err)
		}
		return store, nil
	}
}

func (n *node) health(ctx context.Context) error {
	if err := n.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if n.redis != nil {
		if err := n.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// sweep flags overdue escalations and prunes expired idempotency keys.
func (n *node) sweep(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if overdue := n.escalations.CheckOverdue(ctx); len(overdue) > 0 {
				logger.Warn("escalations overdue", "count", len(overdue))
			}
			if err := n.idempotency.Cleanup(ctx); err != nil {
				logger.Warn("idempotency cleanup failed", "error", err)
			}
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	n, err := buildNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close(context.Background())

	go n.sweep(ctx, logger)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           n.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("aeor listening", "addr", cfg.Addr, "lock_backend", cfg.LockBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadPolicy(path string) (*policy.Engine, error) {
	if path == "" {
		return policy.MustDefault(), nil
	}
	engine, err := policy.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy %s: %w", path, err)
	}
	return engine, nil
}
