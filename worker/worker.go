// Package worker runs the fleet: N workers claiming batches, running
// sessions, and writing every result back to the queue.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adwatch/harvester/classify"
	"github.com/adwatch/harvester/config"
	"github.com/adwatch/harvester/metrics"
	"github.com/adwatch/harvester/models"
)

// QueueStore is the queue surface a worker needs.
type QueueStore interface {
	ClaimBatch(ctx context.Context, n int) ([]models.ClaimedEntry, error)
	Complete(ctx context.Context, r models.ItemResult) error
	Fail(ctx context.Context, id int64, status, message string) error
	MarkMissing(ctx context.Context, ids []int64) error
}

// SessionRunner scrapes one batch. Run must return exactly one result per
// entry, in order.
type SessionRunner interface {
	Run(ctx context.Context, batch []models.ClaimedEntry) []models.ItemResult
}

// NewSessionFunc yields a session for the next batch. The callback owns
// proxy acquisition and rotation; an error here is fatal to the worker.
type NewSessionFunc func(ctx context.Context) (SessionRunner, error)

// Counters aggregates the run's outcomes across workers.
type Counters struct {
	Processed int
	Completed int
	Requeued  int
	BadAds    int
	Failed    int
}

// Pool drives the worker fleet until the queue drains, the row limit is
// reached, or the context is cancelled.
type Pool struct {
	cfg        config.WorkerConfig
	store      QueueStore
	newSession NewSessionFunc
	log        *slog.Logger

	// claimBackoff is the pause after a failed claim before retrying.
	claimBackoff time.Duration

	mu       sync.Mutex
	counters Counters
	claimed  int
}

// New builds a pool.
func New(cfg config.WorkerConfig, store QueueStore, newSession NewSessionFunc, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:          cfg,
		store:        store,
		newSession:   newSession,
		log:          log,
		claimBackoff: 5 * time.Second,
	}
}

// Run blocks until all workers exit and returns the final counters.
func (p *Pool) Run(ctx context.Context) Counters {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
	return p.Snapshot()
}

// Snapshot returns the counters so far.
func (p *Pool) Snapshot() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.log.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}

		n := p.reserve()
		if n == 0 {
			log.Info("row limit reached")
			return
		}

		batch, err := p.store.ClaimBatch(ctx, n)
		if err != nil {
			p.release(n)
			if ctx.Err() != nil {
				return
			}
			log.Error("batch claim failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.claimBackoff):
			}
			continue
		}
		p.release(n - len(batch))
		if len(batch) == 0 {
			log.Info("queue drained")
			return
		}
		metrics.BatchesClaimed.Inc()

		sess, err := p.newSession(ctx)
		if err != nil {
			// No session means no proxy (or similar). Requeue the claim and
			// stop this worker rather than spinning against a dead upstream.
			log.Error("session unavailable, requeueing batch", "error", err)
			for _, e := range batch {
				_ = p.store.Fail(ctx, e.ID, models.StatusPending, "session unavailable: "+err.Error()+" - pending retry")
			}
			p.release(len(batch))
			return
		}

		start := time.Now()
		results := sess.Run(ctx, batch)
		metrics.SessionDuration.Observe(time.Since(start).Seconds())

		p.finalize(ctx, log, batch, results)
	}
}

// reserve allots up to BatchSize rows against the global MaxURLs limit.
// Returns 0 when the limit is exhausted.
func (p *Pool) reserve() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.cfg.BatchSize
	if p.cfg.MaxURLs > 0 {
		remaining := p.cfg.MaxURLs - p.claimed
		if remaining <= 0 {
			return 0
		}
		if n > remaining {
			n = remaining
		}
	}
	p.claimed += n
	return n
}

func (p *Pool) release(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.claimed -= n
	p.mu.Unlock()
}

// finalize writes every result back. Claimed entries that came back without
// a result are requeued so no row is ever stranded in processing.
func (p *Pool) finalize(ctx context.Context, log *slog.Logger, batch []models.ClaimedEntry, results []models.ItemResult) {
	if len(results) != len(batch) {
		log.Error("session returned wrong result count", "want", len(batch), "got", len(results))
		seen := make(map[int64]struct{}, len(results))
		for _, r := range results {
			seen[r.EntryID] = struct{}{}
		}
		var missing []int64
		for _, e := range batch {
			if _, ok := seen[e.ID]; !ok {
				missing = append(missing, e.ID)
			}
		}
		if err := p.store.MarkMissing(ctx, missing); err != nil {
			log.Error("requeue of missing results failed", "error", err)
		}
	}

	for _, r := range results {
		p.finalizeOne(ctx, log, r)
	}
}

func (p *Pool) finalizeOne(ctx context.Context, log *slog.Logger, r models.ItemResult) {
	status, message := outcomeFor(r)

	var err error
	if status == models.StatusCompleted {
		err = p.store.Complete(ctx, r)
	} else {
		err = p.store.Fail(ctx, r.EntryID, status, message)
	}
	if err != nil {
		log.Error("result write failed", "entry", r.EntryID, "status", status, "error", err)
		return
	}

	metrics.ItemsProcessed.WithLabelValues(status).Inc()

	p.mu.Lock()
	p.counters.Processed++
	switch status {
	case models.StatusCompleted:
		p.counters.Completed++
	case models.StatusPending:
		p.counters.Requeued++
	case models.StatusBadAd:
		p.counters.BadAds++
	default:
		p.counters.Failed++
	}
	processed := p.counters.Processed
	snapshot := p.counters
	p.mu.Unlock()

	if p.cfg.ProgressEvery > 0 && processed%p.cfg.ProgressEvery == 0 {
		log.Info("progress",
			"processed", snapshot.Processed,
			"completed", snapshot.Completed,
			"requeued", snapshot.Requeued,
			"bad_ads", snapshot.BadAds,
			"failed", snapshot.Failed)
	}
}

// outcomeFor maps a session result to the queue status and message to write.
// The explicit Requeue flag wins over message classification: entries a
// failed batch never reached must go back to pending even when their message
// would otherwise read as permanent.
func outcomeFor(r models.ItemResult) (string, string) {
	if r.Success {
		return models.StatusCompleted, ""
	}
	if r.Requeue {
		return models.StatusPending, r.Error + " - pending retry"
	}
	v := classify.Classify(r.Error)
	switch v.Category {
	case classify.CategoryRetry:
		return models.StatusPending, r.Error + " - pending retry"
	case classify.CategoryBadAd:
		return models.StatusBadAd, r.Error
	default:
		return models.StatusFailed, "PERMANENT ERROR: " + r.Error
	}
}
