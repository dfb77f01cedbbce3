package worker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwatch/harvester/config"
	"github.com/adwatch/harvester/models"
)

type failRecord struct {
	status  string
	message string
}

type fakeStore struct {
	mu        sync.Mutex
	batches   [][]models.ClaimedEntry
	claims    []int
	completed []int64
	failed    map[int64]failRecord
	missing   [][]int64
}

func newFakeStore(batches ...[]models.ClaimedEntry) *fakeStore {
	return &fakeStore{batches: batches, failed: make(map[int64]failRecord)}
}

func (f *fakeStore) ClaimBatch(_ context.Context, n int) ([]models.ClaimedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, n)
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	if len(batch) > n {
		batch = batch[:n]
	}
	return batch, nil
}

func (f *fakeStore) Complete(_ context.Context, r models.ItemResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, r.EntryID)
	return nil
}

func (f *fakeStore) Fail(_ context.Context, id int64, status, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = failRecord{status: status, message: message}
	return nil
}

func (f *fakeStore) MarkMissing(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing = append(f.missing, ids)
	return nil
}

type sessionFunc func(ctx context.Context, batch []models.ClaimedEntry) []models.ItemResult

func (fn sessionFunc) Run(ctx context.Context, batch []models.ClaimedEntry) []models.ItemResult {
	return fn(ctx, batch)
}

func entries(ids ...int64) []models.ClaimedEntry {
	out := make([]models.ClaimedEntry, len(ids))
	for i, id := range ids {
		out[i] = models.ClaimedEntry{ID: id, CreativeID: "CR", AdvertiserID: "AR"}
	}
	return out
}

func poolWith(cfg config.WorkerConfig, store QueueStore, sess SessionRunner) *Pool {
	p := New(cfg, store, func(context.Context) (SessionRunner, error) { return sess, nil }, nil)
	p.claimBackoff = time.Millisecond
	return p
}

func TestPool_WritesEveryOutcome(t *testing.T) {
	store := newFakeStore(entries(1, 2, 3, 4))
	sess := sessionFunc(func(_ context.Context, batch []models.ClaimedEntry) []models.ItemResult {
		return []models.ItemResult{
			models.SuccessResult(batch[0], []string{"dQw4w9WgXcQ"}, "", "", "712381748132", "api"),
			models.ErrorResult(batch[1], "net::ERR_CONNECTION_RESET during fetch"),
			models.ErrorResult(batch[2], "Creative not found in API - broken/deleted creative page"),
			models.ErrorResult(batch[3], "unexpected payload shape"),
		}
	})

	counters := poolWith(config.WorkerConfig{Workers: 1, BatchSize: 10}, store, sess).Run(context.Background())

	assert.Equal(t, []int64{1}, store.completed)
	assert.Equal(t, models.StatusPending, store.failed[2].status)
	assert.Contains(t, store.failed[2].message, "pending retry")
	assert.Equal(t, models.StatusBadAd, store.failed[3].status)
	assert.Equal(t, models.StatusFailed, store.failed[4].status)
	assert.Contains(t, store.failed[4].message, "PERMANENT ERROR: ")

	assert.Equal(t, Counters{Processed: 4, Completed: 1, Requeued: 1, BadAds: 1, Failed: 1}, counters)
}

func TestPool_RespectsMaxURLs(t *testing.T) {
	store := newFakeStore(entries(1, 2, 3, 4, 5, 6, 7, 8, 9, 10))
	sess := sessionFunc(func(_ context.Context, batch []models.ClaimedEntry) []models.ItemResult {
		out := make([]models.ItemResult, len(batch))
		for i, e := range batch {
			out[i] = models.SuccessResult(e, nil, "", "", "712381748132", "api")
		}
		return out
	})

	counters := poolWith(config.WorkerConfig{Workers: 1, BatchSize: 20, MaxURLs: 7}, store, sess).Run(context.Background())

	require.NotEmpty(t, store.claims)
	assert.Equal(t, 7, store.claims[0], "claim size capped by remaining row limit")
	assert.Equal(t, 7, counters.Completed)
}

func TestPool_RequeuesMissingResults(t *testing.T) {
	store := newFakeStore(entries(1, 2, 3))
	sess := sessionFunc(func(_ context.Context, batch []models.ClaimedEntry) []models.ItemResult {
		// Buggy session: drops the last two entries entirely.
		return []models.ItemResult{
			models.SuccessResult(batch[0], nil, "", "", "712381748132", "api"),
		}
	})

	poolWith(config.WorkerConfig{Workers: 1, BatchSize: 10}, store, sess).Run(context.Background())

	require.Len(t, store.missing, 1)
	assert.ElementsMatch(t, []int64{2, 3}, store.missing[0])
	assert.Equal(t, []int64{1}, store.completed)
}

func TestPool_RequeueFlagBeatsClassification(t *testing.T) {
	// An unreached tail entry carries the head's bad-ad message. The flag
	// must force pending; without it the row would be buried as bad_ad.
	r := models.UnprocessedResult(models.ClaimedEntry{ID: 9}, "Creative not found in API - head was deleted")
	status, msg := outcomeFor(r)
	assert.Equal(t, models.StatusPending, status)
	assert.Contains(t, msg, "batch aborted before item was processed")
	assert.Contains(t, msg, "Creative not found in API", "head error text travels with the requeued row")
	assert.True(t, strings.HasSuffix(msg, " - pending retry"))
}

func TestPool_StopsWhenQueueDrained(t *testing.T) {
	store := newFakeStore() // nothing to claim
	sess := sessionFunc(func(_ context.Context, batch []models.ClaimedEntry) []models.ItemResult {
		t.Fatal("session must not run on an empty claim")
		return nil
	})

	done := make(chan Counters, 1)
	go func() {
		done <- poolWith(config.WorkerConfig{Workers: 3, BatchSize: 5}, store, sess).Run(context.Background())
	}()

	select {
	case counters := <-done:
		assert.Zero(t, counters.Processed)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not exit on drained queue")
	}
}

func TestPool_SessionFailureRequeuesBatch(t *testing.T) {
	store := newFakeStore(entries(1, 2))
	p := New(config.WorkerConfig{Workers: 1, BatchSize: 10}, store,
		func(context.Context) (SessionRunner, error) {
			return nil, assert.AnError
		}, nil)
	p.claimBackoff = time.Millisecond

	p.Run(context.Background())

	assert.Equal(t, models.StatusPending, store.failed[1].status)
	assert.Equal(t, models.StatusPending, store.failed[2].status)
	assert.Contains(t, store.failed[1].message, "session unavailable")
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		name   string
		result models.ItemResult
		status string
	}{
		{"success", models.ItemResult{Success: true}, models.StatusCompleted},
		{"timeout retries", models.ItemResult{Error: "Timeout: content not complete within 45s"}, models.StatusPending},
		{"rate limit retries", models.ItemResult{Error: "directfetch: HTTP 429 for https://x"}, models.StatusPending},
		{"bad ad buried", models.ItemResult{Error: "Creative not found in API - broken/deleted creative page"}, models.StatusBadAd},
		{"unknown is permanent", models.ItemResult{Error: "malformed envelope"}, models.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := outcomeFor(tt.result)
			assert.Equal(t, tt.status, status)
		})
	}
}
