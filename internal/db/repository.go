package db

import (
	"database/sql"

	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/models"
)

// Typed accessors for the tables the engine itself needs to read and write.
// Domain writes always run inside a WriteTx started by the mutation path so
// the local apply and its queue entry commit or fail together.

// =====================================================
// Post operations
// =====================================================

// InsertPost writes a new post row. Meta must be populated by the caller
// (the mutation path assigns local_id, placeholder server_id and pending
// status).
func (s *Store) InsertPost(tx *Tx, p *models.Post) error {
	_, err := tx.Exec(`INSERT INTO posts
		(local_id, server_id, sync_status, created_at, updated_at, last_synced_at,
		 author_id, title, body, tags, images, flavor_notes, like_count, comment_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.LocalID, p.ServerID, p.SyncStatus, p.CreatedAt, p.UpdatedAt, p.LastSyncedAt,
		p.AuthorID, p.Title, p.Body, p.Tags, p.Images, p.FlavorNotes, p.LikeCount, p.CommentCount)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to insert post", err)
	}
	tx.MarkDirty(models.TablePosts)
	return nil
}

// UpdatePost overwrites a post's domain fields and bumps updated_at.
func (s *Store) UpdatePost(tx *Tx, p *models.Post) error {
	p.Touch()
	res, err := tx.Exec(`UPDATE posts SET
		author_id = ?, title = ?, body = ?, tags = ?, images = ?, flavor_notes = ?,
		like_count = ?, comment_count = ?, updated_at = ?
		WHERE local_id = ?`,
		p.AuthorID, p.Title, p.Body, p.Tags, p.Images, p.FlavorNotes,
		p.LikeCount, p.CommentCount, p.UpdatedAt, p.LocalID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to update post", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "post not found: "+p.LocalID)
	}
	tx.MarkDirty(models.TablePosts)
	return nil
}

// AdjustPostCounter adds delta to a mergeable counter column.
func (s *Store) AdjustPostCounter(tx *Tx, localID, column string, delta int64) error {
	if !models.IsCounterColumn(models.TablePosts, column) {
		return errors.New(errors.ErrInvalid, "not a counter column: "+column)
	}
	res, err := tx.Exec(
		"UPDATE posts SET "+column+" = "+column+" + ?, updated_at = ? WHERE local_id = ?",
		delta, models.NowMillis(), localID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to adjust counter", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "post not found: "+localID)
	}
	tx.MarkDirty(models.TablePosts)
	return nil
}

// GetPost reads one post by local id.
func (s *Store) GetPost(localID string) (*models.Post, error) {
	return scanPost(s.db.QueryRow(`SELECT
		local_id, server_id, sync_status, created_at, updated_at, last_synced_at,
		author_id, title, body, tags, images, flavor_notes, like_count, comment_count
		FROM posts WHERE local_id = ?`, localID))
}

// GetPostTx reads one post inside a write transaction.
func (s *Store) GetPostTx(tx *Tx, localID string) (*models.Post, error) {
	return scanPost(tx.QueryRow(`SELECT
		local_id, server_id, sync_status, created_at, updated_at, last_synced_at,
		author_id, title, body, tags, images, flavor_notes, like_count, comment_count
		FROM posts WHERE local_id = ?`, localID))
}

func scanPost(row *sql.Row) (*models.Post, error) {
	var p models.Post
	err := row.Scan(
		&p.LocalID, &p.ServerID, &p.SyncStatus, &p.CreatedAt, &p.UpdatedAt, &p.LastSyncedAt,
		&p.AuthorID, &p.Title, &p.Body, &p.Tags, &p.Images, &p.FlavorNotes,
		&p.LikeCount, &p.CommentCount)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "post not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read post", err)
	}
	return &p, nil
}

// =====================================================
// Rating operations
// =====================================================

// InsertRating writes a new rating row.
func (s *Store) InsertRating(tx *Tx, r *models.Rating) error {
	if err := r.Validate(); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid rating", err)
	}
	_, err := tx.Exec(`INSERT INTO ratings
		(local_id, server_id, sync_status, created_at, updated_at, last_synced_at,
		 post_local_id, score, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.LocalID, r.ServerID, r.SyncStatus, r.CreatedAt, r.UpdatedAt, r.LastSyncedAt,
		r.PostLocalID, r.Score, r.Note)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to insert rating", err)
	}
	tx.MarkDirty(models.TableRatings)
	return nil
}

// GetRating reads one rating by local id.
func (s *Store) GetRating(localID string) (*models.Rating, error) {
	var r models.Rating
	err := s.db.QueryRow(`SELECT
		local_id, server_id, sync_status, created_at, updated_at, last_synced_at,
		post_local_id, score, note
		FROM ratings WHERE local_id = ?`, localID).Scan(
		&r.LocalID, &r.ServerID, &r.SyncStatus, &r.CreatedAt, &r.UpdatedAt, &r.LastSyncedAt,
		&r.PostLocalID, &r.Score, &r.Note)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "rating not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read rating", err)
	}
	return &r, nil
}

// =====================================================
// Conflict log operations
// =====================================================

// InsertConflictLog records a detected divergence.
func (s *Store) InsertConflictLog(tx *Tx, c *models.ConflictLog) error {
	res, err := tx.Exec(`INSERT INTO conflict_log
		(table_name, record_local_id, local_payload, remote_payload, resolution, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.TableName, c.RecordLocalID, c.LocalPayload, c.RemotePayload, c.Resolution, c.DetectedAt, c.ResolvedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to insert conflict log", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// UnresolvedConflicts lists open conflicts for one record, newest first.
func (s *Store) UnresolvedConflicts(table, localID string) ([]models.ConflictLog, error) {
	rows, err := s.db.Query(`SELECT
		id, table_name, record_local_id, local_payload, remote_payload, resolution, detected_at, resolved_at
		FROM conflict_log
		WHERE table_name = ? AND record_local_id = ? AND resolved_at = 0
		ORDER BY detected_at DESC`, table, localID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list conflicts", err)
	}
	defer rows.Close()

	var logs []models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.TableName, &c.RecordLocalID, &c.LocalPayload,
			&c.RemotePayload, &c.Resolution, &c.DetectedAt, &c.ResolvedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan conflict log", err)
		}
		logs = append(logs, c)
	}
	return logs, rows.Err()
}

// ResolveConflictLogs closes all open conflicts for a record with the given
// resolution.
func (s *Store) ResolveConflictLogs(tx *Tx, table, localID, resolution string) error {
	_, err := tx.Exec(`UPDATE conflict_log
		SET resolution = ?, resolved_at = ?
		WHERE table_name = ? AND record_local_id = ? AND resolved_at = 0`,
		resolution, models.NowMillis(), table, localID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to resolve conflict logs", err)
	}
	return nil
}
