package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adwatch/harvester/api"
	"github.com/adwatch/harvester/cache"
	"github.com/adwatch/harvester/config"
	"github.com/adwatch/harvester/proxy"
	"github.com/adwatch/harvester/queue"
	"github.com/adwatch/harvester/scraper"
	"github.com/adwatch/harvester/worker"
)

// Exit codes: 0 normal completion (queue drained, row limit reached, or a
// graceful interrupt with every claimed row finalized), 1 runtime error,
// 2 configuration or validation error.
func main() {
	os.Exit(run())
}

func run() int {
	// ── 1. Configuration: env first, flags override ─────────────────
	cfg := config.Load()

	maxConcurrent := flag.Int("max-concurrent", cfg.Worker.Workers, "number of concurrent workers")
	batchSize := flag.Int("batch-size", cfg.Worker.BatchSize, "queue rows claimed per batch")
	maxURLs := flag.Int("max-urls", cfg.Worker.MaxURLs, "total row limit for this run (0 = unlimited)")
	noProxy := flag.Bool("no-proxy", !cfg.Worker.ProxyEnabled, "run without an upstream proxy")
	partialProxy := flag.Bool("partial-proxy", cfg.Worker.PartialProxy, "fetch anonymous CDN content around the proxy")
	enableRotation := flag.Bool("enable-rotation", cfg.Worker.RotationEnabled, "rotate proxy credentials periodically")
	recoverStale := flag.Bool("recover-stale", true, "sweep stale processing rows back to pending")
	statusAddr := flag.String("status-addr", cfg.Status.Addr, "diagnostics listen address (empty = disabled)")
	verbose := flag.Bool("verbose", false, "debug logging")
	debugDump := flag.String("debug-dump", cfg.Scraper.DebugDir, "directory for captured payload dumps (empty = disabled)")
	seedFile := flag.String("seed-file", "", "CSV of advertiser_id,creative_id rows to enqueue before running")
	flag.Parse()

	cfg.Worker.Workers = *maxConcurrent
	cfg.Worker.BatchSize = *batchSize
	cfg.Worker.MaxURLs = *maxURLs
	cfg.Worker.ProxyEnabled = !*noProxy
	cfg.Worker.PartialProxy = *partialProxy
	cfg.Worker.RotationEnabled = *enableRotation
	cfg.Scraper.DebugDir = *debugDump
	if *verbose {
		cfg.Log.Level = "debug"
	}

	// ── 2. Structured logging ───────────────────────────────────────
	initLogger(cfg.Log)
	slog.Info("harvester starting",
		"workers", cfg.Worker.Workers,
		"batch_size", cfg.Worker.BatchSize,
		"max_urls", cfg.Worker.MaxURLs,
		"proxy", cfg.Worker.ProxyEnabled,
		"partial_proxy", cfg.Worker.PartialProxy,
	)

	// ── 3. Queue store and migrations ───────────────────────────────
	store, err := queue.NewStore(cfg.DB, slog.Default())
	if err != nil {
		slog.Error("queue connect failed", "error", err)
		return 2
	}
	defer store.Close()

	if err := queue.Migrate(store.DB()); err != nil {
		slog.Error("migration failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *seedFile != "" {
		n, err := seedQueue(ctx, store, *seedFile)
		if err != nil {
			slog.Error("seeding failed", "file", *seedFile, "error", err)
			return 2
		}
		slog.Info("queue seeded", "file", *seedFile, "rows", n)
	}

	if *recoverStale {
		if n, err := store.RecoverStale(ctx, cfg.DB.StaleAfter); err != nil {
			slog.Warn("stale sweep failed", "error", err)
		} else if n > 0 {
			slog.Info("stale rows recovered", "count", n)
		}
		go sweepLoop(ctx, store, cfg.DB.StaleAfter)
	}

	// ── 4. Cache store ──────────────────────────────────────────────
	cacheStore, err := cache.New(cache.Options{
		Dir:            cfg.Cache.Dir,
		MaxMemoryBytes: cfg.Cache.MaxMemoryBytes,
		MaxAge:         cfg.Cache.MaxAge,
		Strategy:       cache.Strategy(cfg.Cache.Strategy),
	})
	if err != nil {
		slog.Error("cache init failed", "error", err)
		return 2
	}
	defer cacheStore.Close()

	// ── 5. Session factory and proxy manager ────────────────────────
	shape, err := scraper.LoadRPCShape()
	if err != nil {
		slog.Error("rpc shape load failed", "error", err)
		return 2
	}

	factory := &scraper.Factory{
		Browser: cfg.Browser,
		Scraper: cfg.Scraper,
		Store:   cacheStore,
		Shape:   shape,
		Log:     slog.Default(),
	}

	var pm *proxy.Manager
	if cfg.Worker.ProxyEnabled {
		pm = proxy.NewManager(cfg.Proxy, slog.Default())
	}

	newSession := func(ctx context.Context) (worker.SessionRunner, error) {
		var creds *proxy.Credentials
		if pm != nil {
			if cfg.Worker.RotationEnabled {
				if age, held := pm.Age(); held && age >= cfg.Proxy.RotationInterval {
					c, err := pm.Rotate(ctx)
					if err != nil {
						return nil, err
					}
					creds = c
				}
			}
			if creds == nil {
				c, err := pm.Acquire(ctx)
				if err != nil {
					return nil, err
				}
				creds = c
			}
		}
		return factory.New(creds, cfg.Worker.PartialProxy), nil
	}

	// ── 6. Worker pool ──────────────────────────────────────────────
	pool := worker.New(cfg.Worker, store, newSession, slog.Default())

	// ── 7. Diagnostics server ───────────────────────────────────────
	if *statusAddr != "" {
		srv := api.NewServer(*statusAddr, cacheStore, store, pool, time.Now(), slog.Default())
		srv.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	// ── 8. Run until drained, limited, or interrupted ───────────────
	counters := pool.Run(ctx)

	successRate := 0.0
	if counters.Processed > 0 {
		successRate = float64(counters.Completed) / float64(counters.Processed) * 100
	}
	cacheTotals := factory.CacheTotals()

	slog.Info("harvester finished",
		"processed", counters.Processed,
		"completed", counters.Completed,
		"requeued", counters.Requeued,
		"bad_ads", counters.BadAds,
		"failed", counters.Failed,
		"success_rate", fmt.Sprintf("%.1f%%", successRate),
		"cache_hits", cacheTotals.Hits,
		"cache_misses", cacheTotals.Misses,
		"cache_bytes_saved", cacheTotals.BytesSaved,
	)

	if ctx.Err() != nil {
		slog.Info("interrupted; claimed rows were finalized or requeued")
	}
	return 0
}

// sweepLoop periodically returns stale processing rows to pending, covering
// workers that died without finalizing their claims.
func sweepLoop(ctx context.Context, store *queue.Store, staleAfter time.Duration) {
	interval := staleAfter / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.RecoverStale(ctx, staleAfter); err != nil {
				slog.Warn("stale sweep failed", "error", err)
			}
		}
	}
}

// seedQueue enqueues advertiser_id,creative_id pairs from a CSV-ish file.
// Blank lines and #-comments are skipped.
func seedQueue(ctx context.Context, store *queue.Store, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			slog.Warn("skipping malformed seed line", "line", line)
			continue
		}
		if err := store.Enqueue(ctx, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])); err != nil {
			return n, err
		}
		n++
	}
	return n, scan.Err()
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
