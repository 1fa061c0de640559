package models

import "time"

// Conflict resolutions recorded in the conflict log.
const (
	ResolutionFlagged    = "flagged"     // divergence detected, awaiting explicit resolution
	ResolutionLocalWins  = "local_wins"  // caller kept the pending local payload
	ResolutionRemoteWins = "remote_wins" // caller accepted the remote version
	ResolutionMerged     = "merged"      // numeric counters reconciled automatically
	ResolutionRejected   = "rejected"    // remote permanently rejected the push
)

// ConflictLog records a detected local/remote divergence and how it was
// settled. Resolution is never destructive and never silent; the history
// stays queryable for diagnosing unexpected data states after the fact.
type ConflictLog struct {
	ID            int64  `db:"id" json:"id"`
	TableName     string `db:"table_name" json:"table_name"`
	RecordLocalID string `db:"record_local_id" json:"record_local_id"`
	LocalPayload  string `db:"local_payload" json:"local_payload"`   // JSON snapshot of the pending local change
	RemotePayload string `db:"remote_payload" json:"remote_payload"` // JSON snapshot of the remote version
	Resolution    string `db:"resolution" json:"resolution"`
	DetectedAt    int64  `db:"detected_at" json:"detected_at"`
	ResolvedAt    int64  `db:"resolved_at" json:"resolved_at"` // 0 = unresolved
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// Resolved reports whether the conflict has been settled.
func (c *ConflictLog) Resolved() bool {
	return c.ResolvedAt != 0
}
