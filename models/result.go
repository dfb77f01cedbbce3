package models

// ItemResult is the normalized per-creative outcome of a scraping session.
// Every batch entry produces exactly one ItemResult, in input order, no
// matter how the session ended.
type ItemResult struct {
	// EntryID echoes the queue row this result belongs to.
	EntryID int64

	// CreativeID echoes the creative under test.
	CreativeID string

	// Success is the validator's verdict.
	Success bool

	// VideoIDs are the recovered 11-char video tokens (deduplicated).
	VideoIDs []string

	// AppStoreID is the recovered 9-10 digit app-store token, or "".
	AppStoreID string

	// FundedBy is the funding disclosure string, or "".
	FundedBy string

	// RealCreativeID is the 12-digit creative token, or "".
	RealCreativeID string

	// Method records how extraction identified the creative:
	// "api", "frequency" or "static".
	Method string

	// Error is the failure message for unsuccessful results.
	Error string

	// Requeue forces the row back to pending regardless of how Error
	// classifies. Set for entries the session never reached (head-of-batch
	// failure must not strand the tail).
	Requeue bool
}

// SuccessResult builds a completed result record.
func SuccessResult(entry ClaimedEntry, videos []string, appStoreID, fundedBy, realCreativeID, method string) ItemResult {
	return ItemResult{
		EntryID:        entry.ID,
		CreativeID:     entry.CreativeID,
		Success:        true,
		VideoIDs:       videos,
		AppStoreID:     appStoreID,
		FundedBy:       fundedBy,
		RealCreativeID: realCreativeID,
		Method:         method,
	}
}

// ErrorResult builds a failed result record. Classification of the message
// into retry/bad_ad/failed happens at the worker via the error classifier.
func ErrorResult(entry ClaimedEntry, msg string) ItemResult {
	return ItemResult{
		EntryID:    entry.ID,
		CreativeID: entry.CreativeID,
		Error:      msg,
	}
}

// UnprocessedResult builds a result for an entry the session never reached.
// It is always requeued.
func UnprocessedResult(entry ClaimedEntry, cause string) ItemResult {
	r := ErrorResult(entry, "batch aborted before item was processed: "+cause)
	r.Requeue = true
	return r
}
