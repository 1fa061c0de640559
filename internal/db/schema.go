package db

import (
	"fmt"

	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/models"
)

// migration is a compiled-in schema step. Steps are applied in order and
// recorded in schema_migrations; already-applied versions are skipped.
type migration struct {
	version     int
	description string
	statements  []string
}

// syncColumns is the column block every domain table carries. The engine owns
// these columns exclusively; domain code never writes them directly.
const syncColumns = `
	local_id       TEXT PRIMARY KEY,
	server_id      TEXT NOT NULL,
	sync_status    TEXT NOT NULL DEFAULT 'pending'
	               CHECK (sync_status IN ('synced', 'pending', 'conflict')),
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	last_synced_at INTEGER NOT NULL DEFAULT 0`

var migrations = []migration{
	{
		version:     1,
		description: "domain tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS posts (` + syncColumns + `,
				author_id     TEXT NOT NULL DEFAULT '',
				title         TEXT NOT NULL DEFAULT '',
				body          TEXT NOT NULL DEFAULT '',
				tags          TEXT NOT NULL DEFAULT '[]',
				images        TEXT NOT NULL DEFAULT '[]',
				flavor_notes  TEXT NOT NULL DEFAULT '[]',
				like_count    INTEGER NOT NULL DEFAULT 0,
				comment_count INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE TABLE IF NOT EXISTS ratings (` + syncColumns + `,
				post_local_id TEXT NOT NULL DEFAULT '',
				score         INTEGER NOT NULL DEFAULT 0,
				note          TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE TABLE IF NOT EXISTS collection_items (` + syncColumns + `,
				collection    TEXT NOT NULL DEFAULT '',
				post_local_id TEXT NOT NULL DEFAULT '',
				position      INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE TABLE IF NOT EXISTS comments (` + syncColumns + `,
				post_local_id TEXT NOT NULL DEFAULT '',
				author_id     TEXT NOT NULL DEFAULT '',
				body          TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE TABLE IF NOT EXISTS follows (` + syncColumns + `,
				followee_id TEXT NOT NULL DEFAULT ''
			);`,
		},
	},
	{
		version:     2,
		description: "server_id lookup indexes",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_posts_server_id ON posts(server_id);`,
			`CREATE INDEX IF NOT EXISTS idx_ratings_server_id ON ratings(server_id);`,
			`CREATE INDEX IF NOT EXISTS idx_collection_items_server_id ON collection_items(server_id);`,
			`CREATE INDEX IF NOT EXISTS idx_comments_server_id ON comments(server_id);`,
			`CREATE INDEX IF NOT EXISTS idx_follows_server_id ON follows(server_id);`,
		},
	},
	{
		version:     3,
		description: "sync queue",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sync_queue (
				id              TEXT PRIMARY KEY,
				table_name      TEXT NOT NULL,
				record_local_id TEXT NOT NULL,
				action          TEXT NOT NULL CHECK (action IN ('create', 'update', 'delete')),
				payload         TEXT NOT NULL DEFAULT '{}',
				priority        INTEGER NOT NULL CHECK (priority BETWEEN 1 AND 10),
				retry_count     INTEGER NOT NULL DEFAULT 0,
				last_attempt_at INTEGER NOT NULL DEFAULT 0,
				next_attempt_at INTEGER NOT NULL DEFAULT 0,
				last_error      TEXT NOT NULL DEFAULT '',
				created_at      INTEGER NOT NULL,
				UNIQUE (table_name, record_local_id)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_sync_queue_order
				ON sync_queue(priority DESC, created_at ASC);`,
		},
	},
	{
		version:     4,
		description: "app settings and conflict log",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS app_settings (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS conflict_log (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				table_name      TEXT NOT NULL,
				record_local_id TEXT NOT NULL,
				local_payload   TEXT NOT NULL DEFAULT '',
				remote_payload  TEXT NOT NULL DEFAULT '',
				resolution      TEXT NOT NULL,
				detected_at     INTEGER NOT NULL,
				resolved_at     INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE INDEX IF NOT EXISTS idx_conflict_log_record
				ON conflict_log(table_name, record_local_id);`,
		},
	},
	{
		version:     5,
		description: "queue entries carry the server id for record-less deletes",
		statements: []string{
			`ALTER TABLE sync_queue ADD COLUMN server_id TEXT NOT NULL DEFAULT '';`,
		},
	},
}

// migrate applies all pending schema steps inside one transaction each.
func (db *DB) migrate() error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY CHECK (version > 0),
		applied_at  INTEGER NOT NULL,
		description TEXT NOT NULL
	);`); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to create schema_migrations", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to read schema version", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrap(errors.ErrMigration, "failed to begin migration tx", err)
		}

		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return errors.Wrap(errors.ErrMigration,
					fmt.Sprintf("migration %d (%s) failed", m.version, m.description), err)
			}
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.version, models.NowMillis(), m.description,
		); err != nil {
			tx.Rollback()
			return errors.Wrap(errors.ErrMigration, "failed to record migration", err)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrap(errors.ErrMigration, "failed to commit migration", err)
		}
	}

	return nil
}
