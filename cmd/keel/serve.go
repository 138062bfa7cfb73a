package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Halyard-Labs/keel/pkg/api"
	"github.com/Halyard-Labs/keel/pkg/compiler"
	"github.com/Halyard-Labs/keel/pkg/config"
	"github.com/Halyard-Labs/keel/pkg/evidence"
	"github.com/Halyard-Labs/keel/pkg/forecast"
	"github.com/Halyard-Labs/keel/pkg/kernel"
	"github.com/Halyard-Labs/keel/pkg/observability"
	"github.com/Halyard-Labs/keel/pkg/policy"
	"github.com/Halyard-Labs/keel/pkg/solver"
)

// runServeCmd starts the planning service and blocks until SIGINT/SIGTERM.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	log := slog.Default().With("component", "serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "keel",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "telemetry init failed: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	store, err := openEvidenceStore(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "evidence store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()
	recorder := evidence.NewRecorder(store)

	source, err := loadBundleSource(cfg.PolicyDir)
	if err != nil {
		fmt.Fprintf(stderr, "policy bundles: %v\n", err)
		return 1
	}
	guard, err := policy.NewGuard(source)
	if err != nil {
		fmt.Fprintf(stderr, "policy guard: %v\n", err)
		return 1
	}
	comp, err := compiler.New()
	if err != nil {
		fmt.Fprintf(stderr, "compiler: %v\n", err)
		return 1
	}

	rt := solver.NewRuntime()
	defer func() { _ = rt.Shutdown(context.Background()) }()

	kopts := []kernel.Option{
		kernel.WithBundles(cfg.BundleIDs...),
		kernel.WithQueueDepth(cfg.QueueDepth),
		kernel.WithWorkers(cfg.Workers),
		kernel.WithMetrics(obs),
	}
	if cfg.RedisAddr != "" {
		adm := kernel.NewRedisAdmission(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer func() { _ = adm.Close() }()
		kopts = append(kopts, kernel.WithAdmission(adm))
		log.Info("admission control on shared redis", "addr", cfg.RedisAddr)
	}
	k := kernel.New(forecast.New(forecast.StaticHistory{}), guard, comp, recorder, rt, kopts...)

	limiter := api.NewRateLimiter(10, 20)
	defer limiter.Close()
	sopts := []api.ServerOption{
		api.WithBudget(cfg.HTTPBudget),
		api.WithRateLimiter(limiter),
	}
	if cfg.JWTSecret != "" {
		sopts = append(sopts, api.WithTokenAuth(api.NewTokenAuth([]byte(cfg.JWTSecret))))
		log.Info("bearer-token authentication enabled")
	}
	srv := api.NewServer(k, recorder, sopts...)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	log.Info("keel listening", "port", cfg.Port, "bundles", cfg.BundleIDs, "store", storeKind(cfg.DatabaseURL))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			log.Error("shutdown", "err", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return 0
		}
		fmt.Fprintf(stderr, "server: %v\n", err)
		return 1
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openEvidenceStore picks the evidence backend from the database URL: empty
// for the in-memory arena, postgres:// for Postgres, sqlite: for a local
// file.
func openEvidenceStore(ctx context.Context, url string) (evidence.Store, error) {
	switch {
	case url == "":
		return evidence.NewArena(), nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		store := evidence.NewSQLStore(db)
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
		return store, nil
	case strings.HasPrefix(url, "sqlite:"):
		db, err := sql.Open("sqlite", strings.TrimPrefix(url, "sqlite:"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		store := evidence.NewSQLStore(db)
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database url %q", url)
	}
}

func storeKind(url string) string {
	switch {
	case url == "":
		return "memory"
	case strings.HasPrefix(url, "sqlite:"):
		return "sqlite"
	default:
		return "postgres"
	}
}

// loadBundleSource reads every YAML bundle in dir. An empty dir yields an
// empty source; goals are then checked against no rules and always admitted.
func loadBundleSource(dir string) (*policy.StaticSource, error) {
	source := policy.NewStaticSource()
	if dir == "" {
		return source, nil
	}
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		paths, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			b, err := policy.ParseBundle(data)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			source.Register(b)
		}
	}
	return source, nil
}
