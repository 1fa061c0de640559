// Package queue provides the durable mutation queue: an ordered log of
// not-yet-confirmed local changes, persisted in the sync_queue table so
// unsent mutations survive process restarts.
package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/logging"
	"github.com/brewlog/core/internal/models"
	"github.com/brewlog/core/internal/uuid"
)

// Config holds queue retry tunables.
type Config struct {
	BackoffBase time.Duration // first retry delay
	BackoffMax  time.Duration // backoff ceiling
	MaxRetries  int           // consecutive failures before the record is flagged
}

// DefaultConfig returns the retry policy used when none is supplied.
func DefaultConfig() Config {
	return Config{
		BackoffBase: 2 * time.Second,
		BackoffMax:  10 * time.Minute,
		MaxRetries:  8,
	}
}

// Queue manages pending remote mutations with coalescing and retry logic.
type Queue struct {
	store *db.Store
	cfg   Config
	now   func() time.Time // injectable clock for tests
}

// New creates a Queue over the local store.
func New(store *db.Store, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultConfig()
	}
	return &Queue{store: store, cfg: cfg, now: time.Now}
}

// SetClock overrides the queue's clock. Test hook.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue records an intent to mutate the remote store, inside the same
// transaction as the local apply so both commit or fail together.
//
// If an unresolved entry for the same (table, record) already exists, the new
// mutation coalesces into it instead of creating a second entry:
//   - update into pending create/update: fields replace, deltas sum, the
//     earlier created_at keeps its queue position, retries reset
//   - delete into pending create: both cancel, nothing is sent
//   - delete into pending update: the entry becomes a delete
//
// The owning record is moved to pending while an entry exists; a fully
// cancelled entry moves it back to synced. Returns the surviving entry, or
// nil when the mutation cancelled out.
func (q *Queue) Enqueue(tx *db.Tx, e *models.QueueEntry) (*models.QueueEntry, error) {
	if e.ID == "" {
		e.ID = uuid.New()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = q.now().UnixMilli()
	}
	if err := e.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid queue entry", err)
	}

	existing, err := q.getForRecord(tx, e.TableName, e.RecordLocalID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		if e.Action == models.ActionUpdate && e.Payload.IsEmpty() {
			// nothing to send
			return nil, nil
		}
		if err := q.insert(tx, e); err != nil {
			return nil, err
		}
		if err := q.store.SetStatus(tx, e.TableName, e.RecordLocalID, models.SyncStatusPending); err != nil {
			return nil, err
		}
		return e, nil
	}

	merged, err := coalesce(existing, e)
	if err != nil {
		return nil, err
	}

	if merged == nil {
		// Net-zero: drop the entry, nothing to push. A delete cancelling a
		// create takes the record row with it via the caller's local apply;
		// a cancelled-out update leaves the record matching the remote again.
		if err := q.remove(tx, existing.ID); err != nil {
			return nil, err
		}
		if e.Action != models.ActionDelete {
			if err := q.store.SetStatus(tx, e.TableName, e.RecordLocalID, models.SyncStatusSynced); err != nil {
				return nil, err
			}
		}
		logging.Debug("queue entry cancelled out", logging.Fields{
			"table":    e.TableName,
			"local_id": e.RecordLocalID,
		})
		return nil, nil
	}

	if err := q.update(tx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// coalesce folds a new mutation into the existing unresolved entry.
// Returns nil when the two cancel out entirely.
func coalesce(existing *models.QueueEntry, incoming *models.QueueEntry) (*models.QueueEntry, error) {
	switch incoming.Action {
	case models.ActionCreate:
		return nil, errors.New(errors.ErrDuplicate,
			fmt.Sprintf("record %s/%s already has a pending %s entry",
				existing.TableName, existing.RecordLocalID, existing.Action))

	case models.ActionUpdate:
		if existing.Action == models.ActionDelete {
			return nil, errors.New(errors.ErrInvalid, "cannot update a record with a pending delete")
		}
		merged := *existing
		merged.Payload.Merge(incoming.Payload)
		merged.RetryCount = 0
		merged.NextAttemptAt = 0
		merged.LastError = ""
		if merged.Priority < incoming.Priority {
			merged.Priority = incoming.Priority
		}
		if merged.Action == models.ActionUpdate && merged.Payload.IsEmpty() {
			return nil, nil
		}
		return &merged, nil

	case models.ActionDelete:
		if existing.Action == models.ActionCreate {
			// never reached the remote; the delete cancels the create
			return nil, nil
		}
		merged := *existing
		merged.Action = models.ActionDelete
		merged.Payload = incoming.Payload
		merged.RetryCount = 0
		merged.NextAttemptAt = 0
		merged.LastError = ""
		if merged.Priority < incoming.Priority {
			merged.Priority = incoming.Priority
		}
		return &merged, nil
	}
	return nil, errors.New(errors.ErrInvalid, "invalid action "+string(incoming.Action))
}

// PeekBatch returns up to max entries that are due, ordered by priority
// descending then created_at ascending (oldest-highest-priority first).
// Entries stay in the queue until marked succeeded or dropped.
func (q *Queue) PeekBatch(max int) ([]models.QueueEntry, error) {
	rows, err := q.store.DB().Query(`SELECT
		id, table_name, record_local_id, server_id, action, payload, priority,
		retry_count, last_attempt_at, next_attempt_at, last_error, created_at
		FROM sync_queue
		WHERE next_attempt_at <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, q.now().UnixMilli(), max)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to peek queue", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordLocalID, &e.ServerID, &e.Action, &e.Payload,
			&e.Priority, &e.RetryCount, &e.LastAttemptAt, &e.NextAttemptAt,
			&e.LastError, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan queue entry", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkSucceeded removes a confirmed entry inside the caller's transaction,
// alongside the record's sync-column updates.
func (q *Queue) MarkSucceeded(tx *db.Tx, entryID string) error {
	return q.remove(tx, entryID)
}

// CompleteIfUnchanged removes the entry only if its action and payload still
// match the snapshot that was pushed. A local edit that coalesced into the
// entry while the push was in flight keeps the entry alive so the merged
// payload goes out on the next cycle. Returns whether the entry was removed.
func (q *Queue) CompleteIfUnchanged(tx *db.Tx, pushed *models.QueueEntry) (bool, error) {
	current, err := q.getForRecord(tx, pushed.TableName, pushed.RecordLocalID)
	if err != nil {
		return false, err
	}
	if current == nil || current.ID != pushed.ID {
		return true, nil // already gone
	}
	if current.Action == pushed.Action && samePayload(current.Payload, pushed.Payload) {
		if err := q.remove(tx, current.ID); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// EnqueueTombstone queues a delete for a record whose local row is already
// gone but whose create reached the remote anyway. The server id travels on
// the entry itself since no record remains to resolve it from.
func (q *Queue) EnqueueTombstone(tx *db.Tx, table, localID, serverID string) error {
	return q.insert(tx, &models.QueueEntry{
		ID:            uuid.New(),
		TableName:     table,
		RecordLocalID: localID,
		ServerID:      serverID,
		Action:        models.ActionDelete,
		Priority:      models.PriorityHigh,
		CreatedAt:     q.now().UnixMilli(),
	})
}

// RefreshAfterCreate converts a surviving entry into an update after its
// create landed remotely: the remote row now exists, so the coalesced-in
// changes must go out as an update under a fresh change id.
func (q *Queue) RefreshAfterCreate(tx *db.Tx, entryID string) error {
	res, err := tx.Exec(`UPDATE sync_queue SET
		id = ?, action = ?, retry_count = 0, next_attempt_at = 0, last_error = ''
		WHERE id = ?`, uuid.New(), models.ActionUpdate, entryID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to refresh queue entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "queue entry not found: "+entryID)
	}
	tx.MarkDirty("sync_queue")
	return nil
}

// Reset clears an entry's retry state so it goes out on the next cycle.
// Used when conflict resolution keeps the local edit alive.
func (q *Queue) Reset(tx *db.Tx, entryID string) error {
	res, err := tx.Exec(`UPDATE sync_queue SET
		retry_count = 0, next_attempt_at = 0, last_error = ''
		WHERE id = ?`, entryID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reset queue entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "queue entry not found: "+entryID)
	}
	tx.MarkDirty("sync_queue")
	return nil
}

func samePayload(a, b models.MutationPayload) bool {
	av, errA := a.Value()
	bv, errB := b.Value()
	if errA != nil || errB != nil {
		return false
	}
	return av == bv
}

// MarkFailed records a transient failure: bumps retry_count and schedules
// the retry after min(base * 2^retry_count, maxBackoff). After MaxRetries
// consecutive failures the entry is not silently dropped — the owning record
// moves to conflict, the failure is logged for the UI, and the entry is
// removed. Returns dropped=true in that case.
func (q *Queue) MarkFailed(entryID string, cause error) (dropped bool, err error) {
	entry, err := q.get(entryID)
	if err != nil {
		return false, err
	}

	now := q.now()
	entry.RetryCount++
	entry.LastAttemptAt = now.UnixMilli()
	entry.LastError = cause.Error()

	if entry.RetryCount >= q.cfg.MaxRetries {
		err := q.store.WriteTx(func(tx *db.Tx) error {
			return q.dropToConflict(tx, entry, models.ResolutionFlagged)
		})
		if err != nil {
			return false, err
		}
		logging.Warn("queue entry exhausted retries, record flagged", logging.Fields{
			"table":    entry.TableName,
			"local_id": entry.RecordLocalID,
			"retries":  entry.RetryCount,
			"error":    entry.LastError,
		})
		return true, nil
	}

	delay := Backoff(q.cfg, entry.RetryCount)
	entry.NextAttemptAt = now.Add(delay).UnixMilli()

	err = q.store.WriteTx(func(tx *db.Tx) error {
		return q.update(tx, entry)
	})
	if err != nil {
		return false, err
	}

	logging.Debug("queue entry scheduled for retry", logging.Fields{
		"table":    entry.TableName,
		"local_id": entry.RecordLocalID,
		"retry":    entry.RetryCount,
		"delay_ms": delay.Milliseconds(),
	})
	return false, nil
}

// MarkRejected handles a permanent remote rejection: the entry is dropped
// immediately (no retries) and the owning record moves to conflict for the
// caller to reconcile explicitly.
func (q *Queue) MarkRejected(entryID string, cause error) error {
	entry, err := q.get(entryID)
	if err != nil {
		return err
	}
	entry.LastError = cause.Error()
	return q.store.WriteTx(func(tx *db.Tx) error {
		return q.dropToConflict(tx, entry, models.ResolutionRejected)
	})
}

// Requeue reschedules an entry after delay without counting a retry.
// Used when a cycle is cancelled with the entry untried.
func (q *Queue) Requeue(entryID string, delay time.Duration) error {
	next := q.now().Add(delay).UnixMilli()
	return q.store.WriteTx(func(tx *db.Tx) error {
		res, err := tx.Exec("UPDATE sync_queue SET next_attempt_at = ? WHERE id = ?", next, entryID)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to requeue entry", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.ErrNotFound, "queue entry not found: "+entryID)
		}
		return nil
	})
}

// PendingForRecord returns the unresolved entry for a record, nil if none.
func (q *Queue) PendingForRecord(table, localID string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := q.store.DB().QueryRow(`SELECT
		id, table_name, record_local_id, server_id, action, payload, priority,
		retry_count, last_attempt_at, next_attempt_at, last_error, created_at
		FROM sync_queue WHERE table_name = ? AND record_local_id = ?`,
		table, localID).Scan(&e.ID, &e.TableName, &e.RecordLocalID, &e.ServerID, &e.Action, &e.Payload,
		&e.Priority, &e.RetryCount, &e.LastAttemptAt, &e.NextAttemptAt, &e.LastError, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read queue entry", err)
	}
	return &e, nil
}

// PendingForRecordTx is PendingForRecord inside a write transaction.
func (q *Queue) PendingForRecordTx(tx *db.Tx, table, localID string) (*models.QueueEntry, error) {
	return q.getForRecord(tx, table, localID)
}

// Size returns the number of unresolved entries.
func (q *Queue) Size() (int, error) {
	var n int
	if err := q.store.DB().QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count queue", err)
	}
	return n, nil
}

// Backoff computes the retry delay for a given consecutive failure count:
// min(base * 2^retryCount, max).
func Backoff(cfg Config, retryCount int) time.Duration {
	delay := cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if delay > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return delay
}

// dropToConflict removes the entry, flags the owning record and records the
// failure in the conflict log so it surfaces instead of looping forever.
func (q *Queue) dropToConflict(tx *db.Tx, entry *models.QueueEntry, resolution string) error {
	if err := q.remove(tx, entry.ID); err != nil {
		return err
	}
	if err := q.store.SetStatus(tx, entry.TableName, entry.RecordLocalID, models.SyncStatusConflict); err != nil {
		// A delete entry whose record is already gone has nothing to flag.
		if !errors.Is(err, errors.ErrNotFound) {
			return err
		}
		return nil
	}
	payloadValue, err := entry.Payload.Value()
	if err != nil {
		return err
	}
	return q.store.InsertConflictLog(tx, &models.ConflictLog{
		TableName:     entry.TableName,
		RecordLocalID: entry.RecordLocalID,
		LocalPayload:  payloadValue.(string),
		RemotePayload: entry.LastError,
		Resolution:    resolution,
		DetectedAt:    q.now().UnixMilli(),
	})
}

func (q *Queue) get(entryID string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := q.store.DB().QueryRow(`SELECT
		id, table_name, record_local_id, server_id, action, payload, priority,
		retry_count, last_attempt_at, next_attempt_at, last_error, created_at
		FROM sync_queue WHERE id = ?`, entryID).Scan(
		&e.ID, &e.TableName, &e.RecordLocalID, &e.ServerID, &e.Action, &e.Payload,
		&e.Priority, &e.RetryCount, &e.LastAttemptAt, &e.NextAttemptAt, &e.LastError, &e.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "queue entry not found: "+entryID, err)
	}
	return &e, nil
}

func (q *Queue) getForRecord(tx *db.Tx, table, localID string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := tx.QueryRow(`SELECT
		id, table_name, record_local_id, server_id, action, payload, priority,
		retry_count, last_attempt_at, next_attempt_at, last_error, created_at
		FROM sync_queue WHERE table_name = ? AND record_local_id = ?`,
		table, localID).Scan(&e.ID, &e.TableName, &e.RecordLocalID, &e.ServerID, &e.Action, &e.Payload,
		&e.Priority, &e.RetryCount, &e.LastAttemptAt, &e.NextAttemptAt, &e.LastError, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read queue entry", err)
	}
	return &e, nil
}

func (q *Queue) insert(tx *db.Tx, e *models.QueueEntry) error {
	_, err := tx.Exec(`INSERT INTO sync_queue
		(id, table_name, record_local_id, server_id, action, payload, priority,
		 retry_count, last_attempt_at, next_attempt_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TableName, e.RecordLocalID, e.ServerID, e.Action, e.Payload, e.Priority,
		e.RetryCount, e.LastAttemptAt, e.NextAttemptAt, e.LastError, e.CreatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to insert queue entry", err)
	}
	tx.MarkDirty("sync_queue")
	return nil
}

func (q *Queue) update(tx *db.Tx, e *models.QueueEntry) error {
	res, err := tx.Exec(`UPDATE sync_queue SET
		action = ?, payload = ?, priority = ?, retry_count = ?,
		last_attempt_at = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		e.Action, e.Payload, e.Priority, e.RetryCount,
		e.LastAttemptAt, e.NextAttemptAt, e.LastError, e.ID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to update queue entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "queue entry not found: "+e.ID)
	}
	tx.MarkDirty("sync_queue")
	return nil
}

func (q *Queue) remove(tx *db.Tx, entryID string) error {
	if _, err := tx.Exec("DELETE FROM sync_queue WHERE id = ?", entryID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to remove queue entry", err)
	}
	tx.MarkDirty("sync_queue")
	return nil
}
