package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/logging"
	"github.com/brewlog/core/internal/models"
)

// Mutation describes one user-visible change to a record.
type Mutation struct {
	Table    string
	LocalID  string
	Action   models.Action
	Payload  models.MutationPayload
	Priority int

	// Immediate pushes the surviving entry right away when online instead of
	// waiting for the next cycle. The entry is durable either way.
	Immediate bool
}

// Apply mutates the local store inside the mutation's transaction.
// Compensate undoes exactly what Apply did; it runs only if the remote
// permanently rejects the mutation.
type (
	Apply      func(tx *db.Tx) error
	Compensate func(tx *db.Tx) error
)

// Controller is the optimistic update path: the local apply and the queue
// entry commit in one transaction, the UI reads the new state instantly, and
// a registered compensation rolls the apply back if the remote says no.
type Controller struct {
	store   *db.Store
	queue   queueAPI
	manager *Manager

	mu            stdsync.Mutex
	compensations map[string]Compensate // keyed by queue entry id
	now           func() time.Time
}

// queueAPI is the slice of the mutation queue the controller needs.
type queueAPI interface {
	Enqueue(tx *db.Tx, e *models.QueueEntry) (*models.QueueEntry, error)
	PendingForRecordTx(tx *db.Tx, table, localID string) (*models.QueueEntry, error)
	MarkSucceeded(tx *db.Tx, entryID string) error
	MarkRejected(entryID string, cause error) error
}

// NewController wires the controller and registers it as the manager's
// permanent failure handler.
func NewController(store *db.Store, q queueAPI, manager *Manager) *Controller {
	c := &Controller{
		store:         store,
		queue:         q,
		manager:       manager,
		compensations: make(map[string]Compensate),
		now:           time.Now,
	}
	if manager != nil {
		manager.SetPermanentFailureHandler(c.handlePermanentFailure)
		manager.onSettled = c.discardCompensation
	}
	return c
}

// Perform applies a mutation optimistically: apply and the queue entry commit
// atomically, then sync is nudged. Returns the surviving queue entry, nil if
// the mutation coalesced away (for example delete cancelling an unsent
// create).
func (c *Controller) Perform(ctx context.Context, m Mutation, apply Apply, compensate Compensate) (*models.QueueEntry, error) {
	if m.Priority == 0 {
		m.Priority = models.PriorityNormal
	}

	var (
		surviving *models.QueueEntry
		priorID   string
	)
	err := c.store.WriteTx(func(tx *db.Tx) error {
		prior, err := c.queue.PendingForRecordTx(tx, m.Table, m.LocalID)
		if err != nil {
			return err
		}
		if prior != nil {
			priorID = prior.ID
		}

		if apply != nil {
			if err := apply(tx); err != nil {
				return err
			}
		}

		surviving, err = c.queue.Enqueue(tx, &models.QueueEntry{
			TableName:     m.Table,
			RecordLocalID: m.LocalID,
			Action:        m.Action,
			Payload:       m.Payload,
			Priority:      m.Priority,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	c.trackCompensation(surviving, priorID, compensate)

	if surviving == nil {
		logging.Debug("mutation cancelled out locally", logging.Fields{
			"table":    m.Table,
			"local_id": m.LocalID,
		})
		return nil, nil
	}

	if m.Immediate && c.manager != nil && c.manager.monitor.Online() {
		if _, err := c.manager.pushEntry(*surviving); err != nil {
			logging.Warn("immediate push failed, entry stays queued", logging.Fields{
				"table":    m.Table,
				"local_id": m.LocalID,
				"error":    err.Error(),
			})
		}
	} else if c.manager != nil {
		c.manager.TriggerSync()
	}
	return surviving, nil
}

// trackCompensation updates the rollback registry after Enqueue decided the
// entry's fate. A coalesced mutation chains its compensation in front of the
// existing one so a rollback unwinds newest first; a cancelled-out entry
// drops the chain entirely.
func (c *Controller) trackCompensation(surviving *models.QueueEntry, priorID string, compensate Compensate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if surviving == nil {
		if priorID != "" {
			delete(c.compensations, priorID)
		}
		return
	}
	if compensate == nil {
		return
	}

	if prev, ok := c.compensations[surviving.ID]; ok {
		next := compensate
		c.compensations[surviving.ID] = func(tx *db.Tx) error {
			if err := next(tx); err != nil {
				return err
			}
			return prev(tx)
		}
		return
	}
	c.compensations[surviving.ID] = compensate
}

// discardCompensation forgets the rollback for a confirmed entry.
func (c *Controller) discardCompensation(entryID string) {
	c.mu.Lock()
	delete(c.compensations, entryID)
	c.mu.Unlock()
}

// handlePermanentFailure rolls back a permanently rejected mutation: the
// compensation and the entry removal commit together, the record returns to
// its last confirmed state, and the rejection lands in the conflict log so
// the UI can tell the user what was undone. Without a registered
// compensation (for example after a restart) the record is flagged instead.
func (c *Controller) handlePermanentFailure(entry models.QueueEntry, cause error) error {
	c.mu.Lock()
	compensate, ok := c.compensations[entry.ID]
	delete(c.compensations, entry.ID)
	c.mu.Unlock()

	if !ok {
		return c.queue.MarkRejected(entry.ID, cause)
	}

	return c.store.WriteTx(func(tx *db.Tx) error {
		if err := compensate(tx); err != nil {
			return err
		}
		if err := c.queue.MarkSucceeded(tx, entry.ID); err != nil {
			return err
		}

		// A rolled-back create has no row left to restamp.
		err := c.store.SetStatus(tx, entry.TableName, entry.RecordLocalID, models.SyncStatusSynced)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}

		payloadValue, err := entry.Payload.Value()
		if err != nil {
			return err
		}
		now := c.now().UnixMilli()
		if err := c.store.InsertConflictLog(tx, &models.ConflictLog{
			TableName:     entry.TableName,
			RecordLocalID: entry.RecordLocalID,
			LocalPayload:  payloadValue.(string),
			RemotePayload: cause.Error(),
			Resolution:    models.ResolutionRejected,
			DetectedAt:    now,
			ResolvedAt:    now,
		}); err != nil {
			return err
		}

		logging.Warn("rolled back rejected mutation", logging.Fields{
			"table":    entry.TableName,
			"local_id": entry.RecordLocalID,
			"action":   entry.Action,
			"error":    cause.Error(),
		})
		return nil
	})
}
