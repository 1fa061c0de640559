package sync

import (
	"context"
	"encoding/json"

	"github.com/brewlog/core/internal/config"
	"github.com/brewlog/core/internal/connectivity"
	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/logging"
	"github.com/brewlog/core/internal/models"
	"github.com/brewlog/core/internal/sync/conflict"
	"github.com/brewlog/core/internal/sync/queue"
)

// Engine bundles the sync machinery behind one constructor so the app embeds
// a single value. All collaborators are injected; nothing here is global.
type Engine struct {
	Store      *db.Store
	Queue      *queue.Queue
	Resolver   *conflict.Resolver
	Manager    *Manager
	Controller *Controller
	Monitor    *connectivity.Monitor
}

// New wires an Engine over an open store and a remote client.
func New(store *db.Store, remote RemoteStore, monitor *connectivity.Monitor, cfg *config.Config) *Engine {
	q := queue.New(store, queue.Config{
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffMax:  cfg.Sync.BackoffMax,
		MaxRetries:  cfg.Sync.MaxRetries,
	})
	resolver := conflict.NewResolver(store)
	manager := NewManager(store, q, resolver, remote, monitor, cfg.Sync)
	controller := NewController(store, q, manager)

	return &Engine{
		Store:      store,
		Queue:      q,
		Resolver:   resolver,
		Manager:    manager,
		Controller: controller,
		Monitor:    monitor,
	}
}

// Start launches the connectivity monitor and the sync manager.
func (e *Engine) Start(ctx context.Context) {
	e.Monitor.Start(ctx)
	e.Manager.Start(ctx)
}

// Stop shuts both down, waiting for in-flight work.
func (e *Engine) Stop() {
	e.Manager.Stop()
	e.Monitor.Stop()
}

// Perform is the app-facing mutation entry point.
func (e *Engine) Perform(ctx context.Context, m Mutation, apply Apply, compensate Compensate) (*models.QueueEntry, error) {
	return e.Controller.Perform(ctx, m, apply, compensate)
}

// Status reports the engine's sync snapshot.
func (e *Engine) Status() (*Status, error) {
	return e.Manager.Status()
}

// Choice picks a side when resolving a flagged conflict.
type Choice string

const (
	ChooseLocal  Choice = "local"  // keep the local edit, push it again
	ChooseRemote Choice = "remote" // accept the remote version, discard the edit
)

// ResolveConflict settles a flagged record. Conflicts are never auto-cleared;
// this is the only path out of the conflict status.
//
// ChooseRemote keeps the remote version already stored in the record's domain
// fields and discards the local edit. ChooseLocal re-applies the local edit
// over the remote version and queues it for push again.
func (e *Engine) ResolveConflict(table, localID string, choice Choice) error {
	meta, err := e.Store.GetMeta(table, localID)
	if err != nil {
		return err
	}
	if meta.SyncStatus != models.SyncStatusConflict {
		return errors.New(errors.ErrInvalid, "record is not in conflict: "+table+"/"+localID)
	}

	switch choice {
	case ChooseRemote:
		err = e.resolveRemoteWins(table, localID)
	case ChooseLocal:
		err = e.resolveLocalWins(table, localID)
	default:
		return errors.New(errors.ErrInvalid, "unknown resolution choice "+string(choice))
	}
	if err != nil {
		return err
	}

	logging.Info("conflict resolved", logging.Fields{
		"table":    table,
		"local_id": localID,
		"choice":   choice,
	})
	if choice == ChooseLocal {
		e.Manager.TriggerSync()
	}
	return nil
}

func (e *Engine) resolveRemoteWins(table, localID string) error {
	var settledID string
	err := e.Store.WriteTx(func(tx *db.Tx) error {
		pending, err := e.Queue.PendingForRecordTx(tx, table, localID)
		if err != nil {
			return err
		}
		if pending != nil {
			if err := e.Queue.MarkSucceeded(tx, pending.ID); err != nil {
				return err
			}
			settledID = pending.ID
		}
		if err := e.Store.SetStatus(tx, table, localID, models.SyncStatusSynced); err != nil {
			return err
		}
		return e.Store.ResolveConflictLogs(tx, table, localID, models.ResolutionRemoteWins)
	})
	if err == nil && settledID != "" {
		e.Manager.notifySettled(settledID)
	}
	return err
}

func (e *Engine) resolveLocalWins(table, localID string) error {
	// Read outside the transaction: the pool holds a single connection, so
	// non-tx reads inside WriteTx would block on themselves.
	existing, err := e.Queue.PendingForRecord(table, localID)
	if err != nil {
		return err
	}
	var recovered models.MutationPayload
	if existing == nil {
		// The entry was dropped when the record was flagged (exhausted
		// retries or a rejection); recover the edit from the audit log.
		if recovered, err = e.latestConflictPayload(table, localID); err != nil {
			return err
		}
	}

	return e.Store.WriteTx(func(tx *db.Tx) error {
		pending, err := e.Queue.PendingForRecordTx(tx, table, localID)
		if err != nil {
			return err
		}

		var payload models.MutationPayload
		if pending != nil {
			payload = pending.Payload
			if err := e.Queue.Reset(tx, pending.ID); err != nil {
				return err
			}
			if err := e.Store.SetStatus(tx, table, localID, models.SyncStatusPending); err != nil {
				return err
			}
		} else {
			payload = recovered
			if _, err := e.Queue.Enqueue(tx, &models.QueueEntry{
				TableName:     table,
				RecordLocalID: localID,
				Action:        models.ActionUpdate,
				Payload:       payload,
				Priority:      models.PriorityHigh,
			}); err != nil {
				return err
			}
		}

		if err := e.reapplyLocally(tx, table, localID, payload); err != nil {
			return err
		}
		return e.Store.ResolveConflictLogs(tx, table, localID, models.ResolutionLocalWins)
	})
}

// reapplyLocally writes the kept edit back over the remote version the flag
// stored in the record's domain fields.
func (e *Engine) reapplyLocally(tx *db.Tx, table, localID string, payload models.MutationPayload) error {
	if len(payload.Fields) > 0 {
		if err := e.Store.ApplyRemoteFields(tx, table, localID, payload.Fields, models.NowMillis()); err != nil {
			return err
		}
	}
	for column, delta := range payload.Deltas {
		if delta == 0 || !models.IsCounterColumn(table, column) {
			continue
		}
		if err := e.Store.AdjustPostCounter(tx, localID, column, delta); err != nil {
			return err
		}
	}
	return nil
}

// latestConflictPayload recovers the local payload from the newest open
// conflict log entry.
func (e *Engine) latestConflictPayload(table, localID string) (models.MutationPayload, error) {
	var payload models.MutationPayload
	logs, err := e.Store.UnresolvedConflicts(table, localID)
	if err != nil {
		return payload, err
	}
	if len(logs) == 0 {
		return payload, errors.New(errors.ErrNotFound,
			"no pending edit or conflict log for "+table+"/"+localID)
	}
	if err := json.Unmarshal([]byte(logs[0].LocalPayload), &payload); err != nil {
		return payload, errors.Wrap(errors.ErrInternal, "corrupt conflict log payload", err)
	}
	return payload, nil
}
