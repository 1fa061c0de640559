package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// MutationPayload is the snapshot of changes a queue entry sends to the
// remote store. Fields carry absolute values; Deltas carry counter
// adjustments (likes) that the remote applies additively, so two devices
// liking the same post never clobber each other.
//
// The snapshot is taken at enqueue time — later local edits coalesce into the
// entry explicitly and never mutate an in-flight payload through aliasing.
type MutationPayload struct {
	Fields map[string]interface{} `json:"fields,omitempty"`
	Deltas map[string]int64       `json:"deltas,omitempty"`
}

// IsEmpty reports whether the payload carries no fields and no net deltas.
// An empty update payload cancels out entirely (like followed by unlike).
func (p MutationPayload) IsEmpty() bool {
	if len(p.Fields) > 0 {
		return false
	}
	for _, d := range p.Deltas {
		if d != 0 {
			return false
		}
	}
	return true
}

// Merge folds a newer payload into this one: newer fields replace older
// values, deltas sum.
func (p *MutationPayload) Merge(newer MutationPayload) {
	if len(newer.Fields) > 0 && p.Fields == nil {
		p.Fields = make(map[string]interface{}, len(newer.Fields))
	}
	for k, v := range newer.Fields {
		p.Fields[k] = v
	}
	if len(newer.Deltas) > 0 && p.Deltas == nil {
		p.Deltas = make(map[string]int64, len(newer.Deltas))
	}
	for k, d := range newer.Deltas {
		p.Deltas[k] += d
	}
}

// Value implements driver.Valuer for MutationPayload.
func (p MutationPayload) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for MutationPayload.
func (p *MutationPayload) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		*p = MutationPayload{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into MutationPayload", value)
	}
	return json.Unmarshal(data, p)
}

// Queue priorities. The full 1-10 range is valid; these are the conventional
// levels the app uses.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 8
)

// QueueEntry is a durable intent to mutate the remote store. At most one
// unresolved entry exists per (table, record) pair; racing local edits
// coalesce into the existing entry instead of creating a second one.
type QueueEntry struct {
	ID            string          `db:"id" json:"id"` // stable change id, doubles as push idempotency key
	TableName     string          `db:"table_name" json:"table_name"`
	RecordLocalID string          `db:"record_local_id" json:"record_local_id"`
	ServerID      string          `db:"server_id" json:"server_id"` // set only on deletes whose record row is already gone
	Action        Action          `db:"action" json:"action"`
	Payload       MutationPayload `db:"payload" json:"payload"`
	Priority      int             `db:"priority" json:"priority"` // 1-10, higher drains first
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastAttemptAt int64           `db:"last_attempt_at" json:"last_attempt_at"` // 0 = never attempted
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"` // backoff gate
	LastError     string          `db:"last_error" json:"last_error"`
	CreatedAt     int64           `db:"created_at" json:"created_at"` // FIFO tiebreaker within a priority
}

// Validate checks entry invariants before it is persisted.
func (e *QueueEntry) Validate() error {
	if !IsDomainTable(e.TableName) {
		return fmt.Errorf("unknown table %q", e.TableName)
	}
	if e.RecordLocalID == "" {
		return fmt.Errorf("queue entry missing record local id")
	}
	if !e.Action.Valid() {
		return fmt.Errorf("invalid action %q", e.Action)
	}
	if e.Priority < 1 || e.Priority > 10 {
		return fmt.Errorf("priority must be 1-10, got %d", e.Priority)
	}
	for col := range e.Payload.Fields {
		if !IsDomainColumn(e.TableName, col) {
			return fmt.Errorf("payload field %q is not a domain column of %q", col, e.TableName)
		}
	}
	for col := range e.Payload.Deltas {
		if !IsCounterColumn(e.TableName, col) {
			return fmt.Errorf("payload delta %q is not a counter column of %q", col, e.TableName)
		}
	}
	return nil
}
