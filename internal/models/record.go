// Package models provides data model definitions for the Brewlog core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus tracks whether a record's local state matches the remote store.
type SyncStatus string

const (
	// SyncStatusSynced means local state equals the last known remote state.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusPending means an unresolved queue entry references the record.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusConflict means local and remote diverged incompatibly, or the
	// remote permanently rejected a push. Cleared only by explicit resolution.
	SyncStatusConflict SyncStatus = "conflict"
)

// Action is the kind of remote mutation a queue entry intends.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether the action is one of create/update/delete.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Meta holds the sync columns every domain table carries.
type Meta struct {
	LocalID      string     `db:"local_id" json:"local_id"`
	ServerID     string     `db:"server_id" json:"server_id"` // placeholder until first push lands
	SyncStatus   SyncStatus `db:"sync_status" json:"sync_status"`
	CreatedAt    int64      `db:"created_at" json:"created_at"` // unix millis, local clock
	UpdatedAt    int64      `db:"updated_at" json:"updated_at"`
	LastSyncedAt int64      `db:"last_synced_at" json:"last_synced_at"` // 0 = never synced
}

// Touch updates the UpdatedAt timestamp. Every local write goes through here.
func (m *Meta) Touch() {
	m.UpdatedAt = NowMillis()
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (m *Meta) UpdatedAtTime() time.Time {
	return time.UnixMilli(m.UpdatedAt)
}

// NowMillis returns the local clock as unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// StringList is a typed JSON array column (tags, images, flavor notes).
// Stored as a JSON string so the sync engine can reason about the field as a
// whole instead of an opaque comma-joined blob.
type StringList []string

// Value implements driver.Valuer for StringList.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("failed to encode string list: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for StringList.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// Contains reports whether the list contains s.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}
