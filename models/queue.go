package models

import (
	"database/sql"

	"github.com/lib/pq"
)

// Queue row statuses. The transition graph is
// pending → processing → {completed, failed, bad_ad, pending};
// the stale-row sweeper may force any row back to pending.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusBadAd      = "bad_ad"
)

// QueueEntry is one row of the scrape queue: a single creative to harvest.
type QueueEntry struct {
	ID           int64  `db:"id"`
	CreativeID   string `db:"creative_id"`
	AdvertiserID string `db:"advertiser_id"`
	Status       string `db:"status"`

	// Result fields, populated on completion.
	VideoIDs       pq.StringArray `db:"video_ids"`
	AppStoreID     sql.NullString `db:"appstore_id"`
	FundedBy       sql.NullString `db:"funded_by"`
	RealCreativeID sql.NullString `db:"real_creative_id"`
	ScrapedAt      sql.NullTime   `db:"scraped_at"`
	ErrorMessage   sql.NullString `db:"error_message"`
	ClaimedAt      sql.NullTime   `db:"claimed_at"`
}

// ClaimedEntry is the projection returned by the atomic batch claim.
type ClaimedEntry struct {
	ID           int64  `db:"id"`
	CreativeID   string `db:"creative_id"`
	AdvertiserID string `db:"advertiser_id"`
}
