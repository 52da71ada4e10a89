// Command imagegate serves the rate-limited image generation API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	ig "github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/gallery"
	"github.com/ineyio/imagegate/gallery/sqlite"
	"github.com/ineyio/imagegate/meter"
	"github.com/ineyio/imagegate/prompt"
	"github.com/ineyio/imagegate/provider/gemini"
	"github.com/ineyio/imagegate/provider/mock"
	"github.com/ineyio/imagegate/provider/openaicompat"
	"github.com/ineyio/imagegate/server"
	"github.com/ineyio/imagegate/store/memory"
	jobpg "github.com/ineyio/imagegate/store/postgres"
	jobredis "github.com/ineyio/imagegate/store/redis"
)

func main() {
	configPath := flag.String("config", "imagegate.yaml", "path to the YAML config file")
	jsonLogs := flag.Bool("json", false, "log in JSON")
	flag.Parse()

	if err := run(*configPath, *jsonLogs); err != nil {
		fmt.Fprintln(os.Stderr, "imagegate:", err)
		os.Exit(1)
	}
}

func run(configPath string, jsonLogs bool) error {
	cfg, err := ig.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, jsonLogs)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, api, err := newGateway(cfg.Gateway)
	if err != nil {
		return err
	}

	jobs, purge, closeJobs, err := newJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeJobs()

	var g gallery.Store
	if cfg.Storage.GalleryPath != "" {
		db, err := sqlite.Open(ctx, cfg.Storage.GalleryPath)
		if err != nil {
			return err
		}
		defer db.Close()
		g = db
	}

	m := meter.NewLogMeter(logger)
	coord, err := ig.NewCoordinator(gw, api, cfg.Batch,
		ig.WithJobStore(jobs),
		ig.WithSpendTracker(ig.NewSpendTracker()),
		ig.WithPricing(cfg.Pricing),
		ig.WithMeter(m),
		ig.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	limiter := ig.NewRateLimiter(cfg.RateLimit, ig.WithLimiterLogger(logger), ig.WithLimiterMeter(m))
	limiter.Start(ctx)
	defer limiter.Shutdown()

	go purgeLoop(ctx, logger, cfg.RateLimit.CleanupInterval(), purge)

	opts := []server.Option{
		server.WithBatchLimits(cfg.Limits()),
		server.WithPromptOptions(prompt.Options{ContentFilter: cfg.ContentFilter}),
		server.WithLogger(logger),
	}
	if g != nil {
		opts = append(opts, server.WithGallery(g))
	}
	h := server.New(coord, limiter, opts...)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("imagegate listening",
			"addr", cfg.Server.Addr,
			"provider", cfg.Gateway.Provider,
			"job_store", cfg.Storage.JobStore,
			"max_requests", cfg.RateLimit.MaxRequests,
			"window", cfg.RateLimit.Window().String(),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string, jsonLogs bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newGateway(cfg ig.GatewayConfig) (ig.Gateway, ig.BatchAPI, error) {
	switch cfg.Provider {
	case "", "gemini":
		if cfg.APIKey == "" {
			return nil, nil, errors.New("gateway.api_key (or GEMINI_API_KEY) is required for gemini")
		}
		opts := []gemini.Option{
			gemini.WithModel(cfg.Model),
			gemini.WithRateLimit(cfg.RequestsPerSec, cfg.Burst),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		p := gemini.New(cfg.APIKey, opts...)
		return p, p, nil
	case "openai":
		opts := []openaicompat.Option{
			openaicompat.WithAPIKey(cfg.APIKey),
			openaicompat.WithRateLimit(cfg.RequestsPerSec, cfg.Burst),
		}
		if cfg.Model != "" {
			opts = append(opts, openaicompat.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			// No batch API; batches run through the fallback.
			return openaicompat.New("openai", cfg.BaseURL, opts...), nil, nil
		}
		return openaicompat.NewOpenAI(opts...), nil, nil
	case "mock":
		p := mock.New()
		return p, p, nil
	default:
		return nil, nil, fmt.Errorf("unknown gateway.provider %q", cfg.Provider)
	}
}

// newJobStore returns the configured store, a purge func for expired jobs
// and a close func.
func newJobStore(ctx context.Context, cfg ig.Config) (ig.JobStore, func(context.Context) (int64, error), func(), error) {
	retention := cfg.Batch.Retention()
	switch cfg.Storage.JobStore {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Storage.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("redis: %w", err)
		}
		// Keys expire on their own.
		noPurge := func(context.Context) (int64, error) { return 0, nil }
		return jobredis.New(client, jobredis.WithRetention(retention)), noPurge, func() { _ = client.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		s := jobpg.New(pool, jobpg.WithRetention(retention))
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return s, s.Purge, pool.Close, nil

	default:
		s := memory.New(memory.WithRetention(retention))
		purge := func(context.Context) (int64, error) { return int64(s.Purge()), nil }
		return s, purge, func() {}, nil
	}
}

func purgeLoop(ctx context.Context, logger *slog.Logger, every time.Duration, purge func(context.Context) (int64, error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purge(ctx)
			if err != nil {
				logger.Error("purging expired jobs failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired jobs", "count", n)
			}
		}
	}
}
