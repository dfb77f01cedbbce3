package queue

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwatch/harvester/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreWithDB(sqlx.NewDb(db, "sqlmock"), nil), mock
}

func TestClaimBatch(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "creative_id", "advertiser_id"}).
		AddRow(int64(7), "CR100000000001", "AR01").
		AddRow(int64(9), "CR100000000002", "AR02")

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE scrape_queue")).
		WithArgs(20).
		WillReturnRows(rows)

	entries, err := store.ClaimBatch(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(7), entries[0].ID)
	assert.Equal(t, "CR100000000001", entries[0].CreativeID)
	assert.Equal(t, "AR02", entries[1].AdvertiserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatch_UsesSkipLocked(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "creative_id", "advertiser_id"}))

	entries, err := store.ClaimBatch(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).
		WithArgs(int64(7), pq.Array([]string{"dQw4w9WgXcQ"}), "123456789", "Paid for by Example Corp", "712381748132").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Complete(context.Background(), models.ItemResult{
		EntryID:        7,
		Success:        true,
		VideoIDs:       []string{"dQw4w9WgXcQ"},
		AppStoreID:     "123456789",
		FundedBy:       "Paid for by Example Corp",
		RealCreativeID: "712381748132",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_RequeueDropsClaim(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("claimed_at = NULL")).
		WithArgs(int64(7), models.StatusPending, "Timeout waiting for content - pending retry").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Fail(context.Background(), 7, models.StatusPending, "Timeout waiting for content - pending retry")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("status = 'pending'")).
		WithArgs(pq.Array([]int64{3, 5})).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, store.MarkMissing(context.Background(), []int64{3, 5}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMissing_EmptyIsNoop(t *testing.T) {
	store, mock := newMockStore(t)
	require.NoError(t, store.MarkMissing(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStale(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("make_interval(secs => $1)")).
		WithArgs(float64(1800)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.RecoverStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue_Idempotent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (advertiser_id, creative_id) DO NOTHING")).
		WithArgs("AR01", "CR100000000001").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Enqueue(context.Background(), "AR01", "CR100000000001"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", int64(12)).
			AddRow("completed", int64(40)))

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), counts["pending"])
	assert.Equal(t, int64(40), counts["completed"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
