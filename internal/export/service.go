// Package export provides local backup archives: every domain table plus the
// unsent mutation queue, as gzipped JSON with an integrity checksum. A user
// switching phones mid-offline-streak loses nothing.
package export

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/logging"
	"github.com/brewlog/core/internal/models"
)

// Service writes and restores backup archives.
type Service struct {
	store *db.Store
}

// NewService creates a Service over the local store.
func NewService(store *db.Store) *Service {
	return &Service{store: store}
}

// Archive is the backup file layout: a manifest plus raw records per table.
type Archive struct {
	Version    string                 `json:"version"`
	ExportedAt int64                  `json:"exported_at"` // unix millis
	Checksum   string                 `json:"checksum"`    // sha256 of Tables JSON
	Tables     map[string][]db.Record `json:"tables"`
	Queue      []models.QueueEntry    `json:"queue"`
}

// Result summarizes a finished export.
type Result struct {
	FilePath    string        `json:"file_path"`
	SizeBytes   int64         `json:"size_bytes"`
	RecordCount int           `json:"record_count"`
	Checksum    string        `json:"checksum"`
	Duration    time.Duration `json:"duration_ms"`
}

// Export writes a backup archive to outputPath (a default name under
// dir "backups" when empty).
func (s *Service) Export(outputPath string) (*Result, error) {
	started := time.Now()

	archive := Archive{
		Version:    "1.0",
		ExportedAt: models.NowMillis(),
		Tables:     make(map[string][]db.Record, len(models.DomainTables)),
	}

	count := 0
	for _, table := range models.DomainTables {
		records, err := s.store.Read(table, db.Query{OrderBy: "created_at ASC"})
		if err != nil {
			return nil, err
		}
		archive.Tables[table] = records
		count += len(records)
	}

	queue, err := s.readQueue()
	if err != nil {
		return nil, err
	}
	archive.Queue = queue

	checksum, err := tablesChecksum(archive.Tables)
	if err != nil {
		return nil, err
	}
	archive.Checksum = checksum

	if outputPath == "" {
		outputPath = fmt.Sprintf("backups/brewlog_%s.json.gz",
			started.Format("20060102_150405"))
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to create backup directory", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to create backup file", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(&archive); err != nil {
		gz.Close()
		return nil, errors.Wrap(errors.ErrInternal, "failed to write backup", err)
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to finish backup", err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to stat backup", err)
	}

	logging.Info("backup exported", logging.Fields{
		"path":    outputPath,
		"records": count,
		"bytes":   info.Size(),
	})
	return &Result{
		FilePath:    outputPath,
		SizeBytes:   info.Size(),
		RecordCount: count,
		Checksum:    checksum,
		Duration:    time.Since(started),
	}, nil
}

// ImportResult summarizes a restore.
type ImportResult struct {
	ImportedCount int `json:"imported_count"`
	SkippedCount  int `json:"skipped_count"`
	QueueCount    int `json:"queue_count"`
}

// Import restores records from a backup archive. Existing records (same
// local id) are kept; only unknown records and queue entries are inserted,
// so a restore never clobbers newer local state.
func (s *Service) Import(archivePath string) (*ImportResult, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "failed to open backup", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "backup is not gzip", err)
	}
	defer gz.Close()

	var archive Archive
	if err := json.NewDecoder(gz).Decode(&archive); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to decode backup", err)
	}

	checksum, err := tablesChecksum(archive.Tables)
	if err != nil {
		return nil, err
	}
	if checksum != archive.Checksum {
		return nil, errors.New(errors.ErrInvalid, "backup checksum mismatch")
	}

	result := &ImportResult{}
	err = s.store.WriteTx(func(tx *db.Tx) error {
		for table, records := range archive.Tables {
			if !models.IsDomainTable(table) {
				return errors.New(errors.ErrInvalid, "backup contains unknown table "+table)
			}
			for i := range records {
				imported, err := s.restoreRecord(tx, table, &records[i])
				if err != nil {
					return err
				}
				if imported {
					result.ImportedCount++
				} else {
					result.SkippedCount++
				}
			}
		}
		for i := range archive.Queue {
			imported, err := s.restoreQueueEntry(tx, &archive.Queue[i])
			if err != nil {
				return err
			}
			if imported {
				result.QueueCount++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Info("backup imported", logging.Fields{
		"path":     archivePath,
		"imported": result.ImportedCount,
		"skipped":  result.SkippedCount,
		"queued":   result.QueueCount,
	})
	return result, nil
}

func (s *Service) restoreRecord(tx *db.Tx, table string, rec *db.Record) (bool, error) {
	_, err := s.store.GetMetaTx(tx, table, rec.LocalID)
	if err == nil {
		return false, nil // local copy wins
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return false, err
	}
	if err := s.store.InsertRestoredRecord(tx, table, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) restoreQueueEntry(tx *db.Tx, e *models.QueueEntry) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, errors.Wrap(errors.ErrInvalid, "backup queue entry invalid", err)
	}
	inserted, err := s.store.InsertQueueEntryIfAbsent(tx, e)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *Service) readQueue() ([]models.QueueEntry, error) {
	rows, err := s.store.DB().Query(`SELECT
		id, table_name, record_local_id, action, payload, priority,
		retry_count, last_attempt_at, next_attempt_at, last_error, created_at
		FROM sync_queue ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read queue", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordLocalID, &e.Action, &e.Payload,
			&e.Priority, &e.RetryCount, &e.LastAttemptAt, &e.NextAttemptAt,
			&e.LastError, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan queue entry", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// tablesChecksum hashes the table payload deterministically (JSON encoding
// of the map is key-sorted).
func tablesChecksum(tables map[string][]db.Record) (string, error) {
	data, err := json.Marshal(tables)
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to hash backup", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
