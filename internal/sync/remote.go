// Package sync orchestrates push and pull cycles between the local store and
// the remote collaborator, and hosts the optimistic update controller.
package sync

import (
	"context"

	"github.com/brewlog/core/internal/models"
)

// PushChange is one queued mutation sent to the remote store.
type PushChange struct {
	// ChangeID is the queue entry's stable id, sent as an idempotency key so
	// a retry after an ambiguous timeout cannot apply the change twice.
	ChangeID string `json:"change_id"`

	Table  string        `json:"table"`
	Action models.Action `json:"action"`

	// LocalID is the device-stable record id, sent as a client reference on
	// creates so the remote can dedupe a replayed create to one row.
	LocalID string `json:"local_id"`

	// ServerID identifies the remote row for updates and deletes. Empty for
	// creates and for records whose create has not landed yet.
	ServerID string `json:"server_id,omitempty"`

	Payload models.MutationPayload `json:"payload"`
}

// PushResult is the remote's confirmation of a push.
type PushResult struct {
	ServerID  string `json:"server_id"`
	UpdatedAt int64  `json:"updated_at"`
}

// RemoteChange is one record version from the remote delta stream.
type RemoteChange struct {
	Table     string                 `json:"table"`
	ServerID  string                 `json:"server_id"`
	Fields    map[string]interface{} `json:"fields"`
	UpdatedAt int64                  `json:"updated_at"`
	Deleted   bool                   `json:"deleted"`
}

// RemoteStore is the remote collaborator. Implementations classify failures
// with errors.ErrSyncTransient (retry with backoff) or errors.ErrSyncRejected
// (permanent, no retry); anything else is treated as transient.
type RemoteStore interface {
	// Push applies one mutation remotely and returns the authoritative
	// server id and timestamp.
	Push(ctx context.Context, change PushChange) (*PushResult, error)

	// PullChanges returns all remote changes strictly newer than sinceCursor
	// (unix millis), oldest first.
	PullChanges(ctx context.Context, sinceCursor int64) ([]RemoteChange, error)
}
