// Package conflict decides how an incoming remote record version reconciles
// with the existing local record during pull.
package conflict

import (
	"encoding/json"
	"time"

	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/logging"
	"github.com/brewlog/core/internal/models"
	"github.com/brewlog/core/internal/uuid"
)

// RemoteVersion is one record version from the remote change stream.
type RemoteVersion struct {
	Table     string
	ServerID  string
	Fields    map[string]interface{}
	UpdatedAt int64
	Deleted   bool
}

// Outcome describes what the resolver did with a remote version.
type Outcome string

const (
	OutcomeInserted    Outcome = "inserted"    // no local record existed
	OutcomeOverwritten Outcome = "overwritten" // local was synced, remote won
	OutcomeMerged      Outcome = "merged"      // counters reconciled numerically
	OutcomeFlagged     Outcome = "flagged"     // divergence, record moved to conflict
	OutcomeDeleted     Outcome = "deleted"     // confirmed remote delete
	OutcomeIgnored     Outcome = "ignored"     // stale remote version or open conflict
)

// Resolver applies the reconciliation policy:
//   - unknown record: insert as synced
//   - local synced: remote wins
//   - local pending with a remote version newer than the edit's base: flag a
//     conflict, keeping the pending payload in the queue and the remote
//     version in the record's domain fields so the UI can offer a merge —
//     except counter-only edits, which are summed instead of flagged
//   - local conflict: pulls never clear it; only explicit resolution does
type Resolver struct {
	store *db.Store
	now   func() time.Time
}

// NewResolver creates a Resolver over the local store.
func NewResolver(store *db.Store) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// SetClock overrides the resolver's clock. Test hook.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Apply reconciles one remote version inside the caller's transaction.
// pending is the record's unresolved queue entry, nil if none.
func (r *Resolver) Apply(tx *db.Tx, localID string, local *models.Meta, pending *models.QueueEntry, rv RemoteVersion) (Outcome, error) {
	if local == nil {
		if rv.Deleted {
			// delete of a record we never had
			return OutcomeIgnored, nil
		}
		newID := uuid.New()
		if err := r.store.InsertRemoteRecord(tx, rv.Table, newID, rv.ServerID, rv.Fields, rv.UpdatedAt); err != nil {
			return "", err
		}
		return OutcomeInserted, nil
	}

	switch local.SyncStatus {
	case models.SyncStatusConflict:
		// An open conflict is cleared only by explicit resolution.
		return OutcomeIgnored, nil

	case models.SyncStatusSynced:
		if rv.Deleted {
			if err := r.store.DeleteRecord(tx, rv.Table, localID); err != nil {
				return "", err
			}
			return OutcomeDeleted, nil
		}
		if err := r.store.ApplyRemoteFields(tx, rv.Table, localID, rv.Fields, rv.UpdatedAt); err != nil {
			return "", err
		}
		// The sync base stays in the remote clock domain so the staleness
		// check below compares like with like.
		if err := r.store.SetSynced(tx, rv.Table, localID, rv.ServerID, rv.UpdatedAt); err != nil {
			return "", err
		}
		return OutcomeOverwritten, nil

	case models.SyncStatusPending:
		if rv.UpdatedAt <= local.LastSyncedAt {
			// The remote version is not newer than the base our pending edit
			// was made against; our push will supersede it.
			return OutcomeIgnored, nil
		}
		if !rv.Deleted && pending != nil && countersOnly(pending.Payload) {
			return r.mergeCounters(tx, localID, pending, rv)
		}
		return r.flag(tx, localID, pending, rv)
	}

	return "", errors.New(errors.ErrInternal, "unknown sync status "+string(local.SyncStatus))
}

// countersOnly reports whether a pending payload touches nothing but
// mergeable counters.
func countersOnly(p models.MutationPayload) bool {
	return len(p.Fields) == 0 && len(p.Deltas) > 0
}

// mergeCounters applies the remote version, then re-applies the pending
// local deltas on top. The record stays pending — the deltas still have to
// reach the remote — but no conflict is raised for low-stakes counters.
func (r *Resolver) mergeCounters(tx *db.Tx, localID string, pending *models.QueueEntry, rv RemoteVersion) (Outcome, error) {
	if err := r.store.ApplyRemoteFields(tx, rv.Table, localID, rv.Fields, rv.UpdatedAt); err != nil {
		return "", err
	}
	if err := r.store.SetSyncBase(tx, rv.Table, localID, rv.UpdatedAt); err != nil {
		return "", err
	}
	for column, delta := range pending.Payload.Deltas {
		if delta == 0 {
			continue
		}
		if err := r.store.AdjustPostCounter(tx, localID, column, delta); err != nil {
			return "", err
		}
	}
	logging.Debug("merged remote version with pending counters", logging.Fields{
		"table":    rv.Table,
		"local_id": localID,
	})
	return OutcomeMerged, nil
}

// flag stores the remote version in the record's domain fields, keeps the
// pending payload in its queue entry, and moves the record to conflict so
// the UI can present a merge choice. Nothing is auto-applied destructively.
func (r *Resolver) flag(tx *db.Tx, localID string, pending *models.QueueEntry, rv RemoteVersion) (Outcome, error) {
	if !rv.Deleted {
		if err := r.store.ApplyRemoteFields(tx, rv.Table, localID, rv.Fields, rv.UpdatedAt); err != nil {
			return "", err
		}
	}
	if err := r.store.SetStatus(tx, rv.Table, localID, models.SyncStatusConflict); err != nil {
		return "", err
	}

	localPayload := ""
	if pending != nil {
		if v, err := pending.Payload.Value(); err == nil {
			localPayload = v.(string)
		}
	}
	remotePayload, err := json.Marshal(map[string]interface{}{
		"server_id":  rv.ServerID,
		"fields":     rv.Fields,
		"updated_at": rv.UpdatedAt,
		"deleted":    rv.Deleted,
	})
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to encode remote payload", err)
	}

	if err := r.store.InsertConflictLog(tx, &models.ConflictLog{
		TableName:     rv.Table,
		RecordLocalID: localID,
		LocalPayload:  localPayload,
		RemotePayload: string(remotePayload),
		Resolution:    models.ResolutionFlagged,
		DetectedAt:    r.now().UnixMilli(),
	}); err != nil {
		return "", err
	}

	logging.Warn("remote version diverged from pending local edit", logging.Fields{
		"table":             rv.Table,
		"local_id":          localID,
		"remote_updated_at": rv.UpdatedAt,
		"remote_deleted":    rv.Deleted,
	})
	return OutcomeFlagged, nil
}
