// Package api serves the fleet's diagnostics endpoints: liveness, a queue
// and cache status snapshot, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adwatch/harvester/cache"
	"github.com/adwatch/harvester/worker"
)

// QueueCounter reports queue composition for /status.
type QueueCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Server is the diagnostics HTTP server. Read-only; it never mutates the
// queue or the cache.
type Server struct {
	http *http.Server
	log  *slog.Logger
}

// NewServer builds the router. pool and store may be nil in tools that run
// without a fleet.
func NewServer(addr string, store *cache.Store, queue QueueCounter, pool *worker.Pool, startTime time.Time, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(startTime).String(),
		})
	})

	r.GET("/status", func(c *gin.Context) {
		resp := gin.H{"uptime": time.Since(startTime).String()}

		if pool != nil {
			counters := pool.Snapshot()
			resp["processed"] = counters.Processed
			resp["completed"] = counters.Completed
			resp["requeued"] = counters.Requeued
			resp["bad_ads"] = counters.BadAds
			resp["failed"] = counters.Failed
		}
		if store != nil {
			resp["cache_memory_bytes"] = store.MemoryBytes()
			resp["cache_artifacts"] = store.Status()
		}
		if queue != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
			defer cancel()
			counts, err := queue.CountByStatus(ctx)
			if err != nil {
				log.Warn("queue count failed", "error", err)
			} else {
				resp["queue"] = counts
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{
		http: &http.Server{Addr: addr, Handler: r},
		log:  log,
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info("status server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
