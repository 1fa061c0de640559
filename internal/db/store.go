package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/models"
)

// Store is the Local Store: the single source of truth the UI reads from.
// All multi-row mutations run inside one WriteTx so partial application on
// crash is impossible. The engine owns the sync columns exclusively.
type Store struct {
	db  *DB
	hub *hub
}

// NewStore creates a Store over an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db, hub: newHub()}
}

// DB exposes the underlying handle for read-only queries.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Tx is a write transaction that tracks which tables it touched so observers
// can be notified on commit.
type Tx struct {
	*sql.Tx
	dirty map[string]struct{}
}

// MarkDirty records that the transaction touched a table. Store helpers call
// this automatically; callers running raw SQL inside WriteTx must call it
// themselves for observers to fire.
func (t *Tx) MarkDirty(table string) {
	t.dirty[table] = struct{}{}
}

// WriteTx runs fn inside a single write transaction. On commit, observers of
// every touched table are notified. On error the transaction is rolled back
// and nothing is visible.
func (s *Store) WriteTx(fn func(tx *Tx) error) error {
	sqlTx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrTransaction, "failed to begin transaction", err)
	}

	tx := &Tx{Tx: sqlTx, dirty: make(map[string]struct{})}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return errors.Wrap(errors.ErrTransaction, "rollback failed", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(errors.ErrTransaction, "commit failed", err)
	}

	for table := range tx.dirty {
		s.hub.notify(table)
	}
	return nil
}

// Query describes a read over one table.
type Query struct {
	Where   string        // optional WHERE clause without the keyword
	Args    []interface{} // placeholder args for Where
	OrderBy string        // optional ORDER BY clause without the keyword
	Limit   int           // 0 = no limit
}

// Record is a generic row: the engine-owned sync columns plus the table's
// domain fields keyed by column name.
type Record struct {
	models.Meta
	Fields map[string]interface{}
}

// Read returns the records of table matching q.
func (s *Store) Read(table string, q Query) ([]Record, error) {
	if !models.IsDomainTable(table) {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s", table)
	if q.Where != "" {
		fmt.Fprintf(&sb, " WHERE %s", q.Where)
	}
	if q.OrderBy != "" {
		fmt.Fprintf(&sb, " ORDER BY %s", q.OrderBy)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}

	rows, err := s.db.Query(sb.String(), q.Args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "read failed", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read columns", err)
	}

	var records []Record
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan failed", err)
		}

		rec := Record{Fields: make(map[string]interface{})}
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			switch col {
			case "local_id":
				rec.LocalID = asString(v)
			case "server_id":
				rec.ServerID = asString(v)
			case "sync_status":
				rec.SyncStatus = models.SyncStatus(asString(v))
			case "created_at":
				rec.CreatedAt = asInt64(v)
			case "updated_at":
				rec.UpdatedAt = asInt64(v)
			case "last_synced_at":
				rec.LastSyncedAt = asInt64(v)
			default:
				rec.Fields[col] = v
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetMeta returns the sync columns of one record, or ErrNotFound.
func (s *Store) GetMeta(table, localID string) (*models.Meta, error) {
	return getMeta(s.db, table, localID)
}

// GetMetaTx is GetMeta inside a write transaction.
func (s *Store) GetMetaTx(tx *Tx, table, localID string) (*models.Meta, error) {
	return getMeta(tx, table, localID)
}

type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func getMeta(q querier, table, localID string) (*models.Meta, error) {
	if !models.IsDomainTable(table) {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	var m models.Meta
	query := fmt.Sprintf(
		"SELECT local_id, server_id, sync_status, created_at, updated_at, last_synced_at FROM %s WHERE local_id = ?",
		table)
	err := q.QueryRow(query, localID).Scan(
		&m.LocalID, &m.ServerID, &m.SyncStatus, &m.CreatedAt, &m.UpdatedAt, &m.LastSyncedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("%s/%s not found", table, localID))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read record meta", err)
	}
	return &m, nil
}

// FindLocalIDByServerID maps a remote identifier back to the local record.
// Returns ErrNotFound if the remote record is unknown locally.
func (s *Store) FindLocalIDByServerID(table, serverID string) (string, error) {
	return findLocalIDByServerID(s.db, table, serverID)
}

// FindLocalIDByServerIDTx is FindLocalIDByServerID inside a write transaction.
func (s *Store) FindLocalIDByServerIDTx(tx *Tx, table, serverID string) (string, error) {
	return findLocalIDByServerID(tx, table, serverID)
}

func findLocalIDByServerID(q querier, table, serverID string) (string, error) {
	if !models.IsDomainTable(table) {
		return "", errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	var localID string
	query := fmt.Sprintf("SELECT local_id FROM %s WHERE server_id = ?", table)
	err := q.QueryRow(query, serverID).Scan(&localID)
	if err == sql.ErrNoRows {
		return "", errors.New(errors.ErrNotFound, fmt.Sprintf("no %s record for server id %s", table, serverID))
	}
	if err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "server id lookup failed", err)
	}
	return localID, nil
}

// SetSynced marks a record confirmed: stores the server id (for creates),
// moves sync_status to synced and stamps last_synced_at.
func (s *Store) SetSynced(tx *Tx, table, localID, serverID string, syncedAt int64) error {
	if !models.IsDomainTable(table) {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	query := fmt.Sprintf(
		"UPDATE %s SET server_id = COALESCE(NULLIF(?, ''), server_id), sync_status = ?, last_synced_at = ? WHERE local_id = ?",
		table)
	res, err := tx.Exec(query, serverID, models.SyncStatusSynced, syncedAt, localID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to mark record synced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("%s/%s not found", table, localID))
	}
	tx.MarkDirty(table)
	return nil
}

// SetSyncBase advances last_synced_at without touching sync_status. Used
// when a remote version folds into a record that stays pending, so later
// pulls measure staleness against the version actually incorporated.
func (s *Store) SetSyncBase(tx *Tx, table, localID string, syncedAt int64) error {
	if !models.IsDomainTable(table) {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	query := fmt.Sprintf("UPDATE %s SET last_synced_at = ? WHERE local_id = ?", table)
	res, err := tx.Exec(query, syncedAt, localID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to advance sync base", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("%s/%s not found", table, localID))
	}
	tx.MarkDirty(table)
	return nil
}

// SetStatus moves a record's sync_status.
func (s *Store) SetStatus(tx *Tx, table, localID string, status models.SyncStatus) error {
	if !models.IsDomainTable(table) {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	query := fmt.Sprintf("UPDATE %s SET sync_status = ? WHERE local_id = ?", table)
	res, err := tx.Exec(query, status, localID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to set sync status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("%s/%s not found", table, localID))
	}
	tx.MarkDirty(table)
	return nil
}

// DeleteRecord removes a record. Called only after a confirmed remote delete
// (push or pull); optimistic local deletes go through the mutation path.
func (s *Store) DeleteRecord(tx *Tx, table, localID string) error {
	if !models.IsDomainTable(table) {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE local_id = ?", table), localID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to delete record", err)
	}
	tx.MarkDirty(table)
	return nil
}

// ApplyRemoteFields overwrites a record's domain fields with a remote
// version. Only whitelisted domain columns are writable; the caller decides
// the resulting sync columns separately (SetSynced / SetStatus).
func (s *Store) ApplyRemoteFields(tx *Tx, table, localID string, fields map[string]interface{}, updatedAt int64) error {
	if !models.IsDomainTable(table) {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}

	sets := make([]string, 0, len(fields)+1)
	args := make([]interface{}, 0, len(fields)+2)
	for col, v := range fields {
		if !models.IsDomainColumn(table, col) {
			return errors.New(errors.ErrInvalid,
				fmt.Sprintf("remote field %q is not a domain column of %q", col, table))
		}
		encoded, err := encodeColumnValue(v)
		if err != nil {
			return err
		}
		sets = append(sets, col+" = ?")
		args = append(args, encoded)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, updatedAt, localID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE local_id = ?", table, strings.Join(sets, ", "))
	res, err := tx.Exec(query, args...)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to apply remote fields", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("%s/%s not found", table, localID))
	}
	tx.MarkDirty(table)
	return nil
}

// InsertRemoteRecord inserts a record first seen via pull, already synced.
// Columns absent from fields take their schema defaults.
func (s *Store) InsertRemoteRecord(tx *Tx, table, localID, serverID string, fields map[string]interface{}, updatedAt int64) error {
	if !models.IsDomainTable(table) {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}

	cols := []string{"local_id", "server_id", "sync_status", "created_at", "updated_at", "last_synced_at"}
	args := []interface{}{localID, serverID, models.SyncStatusSynced, updatedAt, updatedAt, updatedAt}
	for col, v := range fields {
		if !models.IsDomainColumn(table, col) {
			return errors.New(errors.ErrInvalid,
				fmt.Sprintf("remote field %q is not a domain column of %q", col, table))
		}
		encoded, err := encodeColumnValue(v)
		if err != nil {
			return err
		}
		cols = append(cols, col)
		args = append(args, encoded)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	if _, err := tx.Exec(query, args...); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to insert remote record", err)
	}
	tx.MarkDirty(table)
	return nil
}

// InsertRestoredRecord inserts a record from a backup archive, keeping its
// original sync columns so a restored pending record stays pending.
func (s *Store) InsertRestoredRecord(tx *Tx, table string, rec *Record) error {
	if !models.IsDomainTable(table) {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}

	cols := []string{"local_id", "server_id", "sync_status", "created_at", "updated_at", "last_synced_at"}
	args := []interface{}{rec.LocalID, rec.ServerID, rec.SyncStatus, rec.CreatedAt, rec.UpdatedAt, rec.LastSyncedAt}
	for col, v := range rec.Fields {
		if !models.IsDomainColumn(table, col) {
			return errors.New(errors.ErrInvalid,
				fmt.Sprintf("backup field %q is not a domain column of %q", col, table))
		}
		encoded, err := encodeColumnValue(v)
		if err != nil {
			return err
		}
		cols = append(cols, col)
		args = append(args, encoded)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	if _, err := tx.Exec(query, args...); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to insert restored record", err)
	}
	tx.MarkDirty(table)
	return nil
}

// InsertQueueEntryIfAbsent restores a queue entry unless its id or record
// already has one. Returns whether a row was inserted.
func (s *Store) InsertQueueEntryIfAbsent(tx *Tx, e *models.QueueEntry) (bool, error) {
	res, err := tx.Exec(`INSERT OR IGNORE INTO sync_queue
		(id, table_name, record_local_id, server_id, action, payload, priority,
		 retry_count, last_attempt_at, next_attempt_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TableName, e.RecordLocalID, e.ServerID, e.Action, e.Payload, e.Priority,
		e.RetryCount, e.LastAttemptAt, e.NextAttemptAt, e.LastError, e.CreatedAt)
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to restore queue entry", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		tx.MarkDirty("sync_queue")
	}
	return n > 0, nil
}

// CountByStatus returns per-status record counts for one table.
func (s *Store) CountByStatus(table string) (map[models.SyncStatus]int, error) {
	if !models.IsDomainTable(table) {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown table %q", table))
	}
	rows, err := s.db.Query(fmt.Sprintf("SELECT sync_status, COUNT(*) FROM %s GROUP BY sync_status", table))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "status count failed", err)
	}
	defer rows.Close()

	counts := make(map[models.SyncStatus]int)
	for rows.Next() {
		var status models.SyncStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "status count scan failed", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// encodeColumnValue converts a payload value (decoded JSON) into a value the
// sqlite driver accepts. Slices and maps are stored as JSON text, matching
// the StringList column representation.
func encodeColumnValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, string, int, int64, float64, bool:
		return val, nil
	case []string:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "failed to encode list value", err)
		}
		return string(data), nil
	case models.StringList:
		return models.StringList(val).Value()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "failed to encode column value", err)
		}
		return string(data), nil
	}
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
