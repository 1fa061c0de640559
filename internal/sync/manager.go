package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/brewlog/core/internal/config"
	"github.com/brewlog/core/internal/connectivity"
	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/logging"
	"github.com/brewlog/core/internal/models"
	"github.com/brewlog/core/internal/sync/conflict"
	"github.com/brewlog/core/internal/sync/queue"
	"github.com/brewlog/core/internal/telemetry"
	"github.com/brewlog/core/internal/uuid"
)

// State is the manager's current activity.
type State string

const (
	StateIdle      State = "idle"
	StatePushing   State = "pushing"
	StatePulling   State = "pulling"
	StateSuspended State = "suspended" // offline, cycles skipped until connectivity returns
)

// Status is a point-in-time snapshot for diagnostics and the UI's sync
// indicator.
type Status struct {
	State      State
	Online     bool
	QueueSize  int
	LastSyncAt int64 // unix millis of the last completed cycle, 0 if none
	LastError  string

	// Records holds per-table record counts grouped by sync status.
	Records map[string]map[models.SyncStatus]int

	// Metrics holds engine counters since process start.
	Metrics map[string]int64
}

// PermanentFailureHandler reconciles a mutation the remote rejected for good.
// The optimistic controller registers one to roll the local apply back; when
// none is registered the queue's default flagging applies.
type PermanentFailureHandler func(entry models.QueueEntry, cause error) error

// Manager drives sync cycles: push the durable queue, then pull the remote
// delta stream. At most one cycle runs at a time; triggers arriving while a
// cycle is in flight coalesce into a single follow-up cycle.
type Manager struct {
	store    *db.Store
	queue    *queue.Queue
	resolver *conflict.Resolver
	remote   RemoteStore
	monitor  *connectivity.Monitor
	cfg      config.SyncConfig
	metrics  *telemetry.Metrics

	syncCh   chan struct{}
	followUp atomic.Bool

	mu         stdsync.Mutex
	state      State
	lastSyncAt int64
	lastError  string
	onPermFail PermanentFailureHandler
	onSettled  func(entryID string) // entry left the queue for good

	now func() time.Time

	stopCh       chan struct{}
	stopOnce     stdsync.Once
	cancelEvents func()
	wg           stdsync.WaitGroup
}

// NewManager wires a Manager. Start must be called before it does anything.
func NewManager(store *db.Store, q *queue.Queue, resolver *conflict.Resolver,
	remote RemoteStore, monitor *connectivity.Monitor, cfg config.SyncConfig) *Manager {
	return &Manager{
		store:    store,
		queue:    q,
		resolver: resolver,
		remote:   remote,
		monitor:  monitor,
		cfg:      cfg,
		metrics:  telemetry.New(),
		syncCh:   make(chan struct{}, 1),
		state:    StateIdle,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// SetClock overrides the manager's clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetPermanentFailureHandler registers the rollback hook for permanently
// rejected mutations. Must be called before Start.
func (m *Manager) SetPermanentFailureHandler(fn PermanentFailureHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPermFail = fn
}

// Start launches the cycle runner, the periodic ticker and the connectivity
// listener. They run until Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-m.syncCh:
				if err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
					logging.Error("sync cycle failed", err, nil)
				}
				// A trigger that arrived mid-cycle may reflect local changes
				// the finished cycle never saw; run one follow-up.
				if m.followUp.Swap(false) {
					m.TriggerSync()
				}
			}
		}
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.TriggerSync()
			}
		}
	}()

	events, cancel := m.monitor.Events()
	m.cancelEvents = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev {
				case connectivity.BecameOnline:
					m.setState(StateIdle)
					m.TriggerSync()
				case connectivity.BecameOffline:
					m.setState(StateSuspended)
				}
			}
		}
	}()
}

// Stop halts the background goroutines. In-flight pushes finish; nothing new
// starts.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.cancelEvents != nil {
			m.cancelEvents()
		}
	})
	m.wg.Wait()
}

// TriggerSync requests a cycle without blocking. Returns false when a cycle
// is already queued or running; the request then coalesces into one follow-up
// cycle instead of piling up.
func (m *Manager) TriggerSync() bool {
	select {
	case m.syncCh <- struct{}{}:
		return true
	default:
		m.followUp.Store(true)
		return false
	}
}

// RunCycle performs one push-then-pull cycle synchronously. Exposed for the
// app's pull-to-refresh path; background cycles go through TriggerSync.
func (m *Manager) RunCycle(ctx context.Context) error {
	if !m.monitor.Online() {
		m.setState(StateSuspended)
		return nil
	}
	started := m.now()

	m.setState(StatePushing)
	pushErr := m.push(ctx)

	var pullErr error
	if ctx.Err() == nil {
		m.setState(StatePulling)
		pullErr = m.pull(ctx)
	}

	if m.monitor.Online() {
		m.setState(StateIdle)
	} else {
		m.setState(StateSuspended)
	}

	err := pushErr
	if err == nil {
		err = pullErr
	}

	m.mu.Lock()
	if err != nil {
		m.lastError = err.Error()
	} else {
		m.lastSyncAt = m.now().UnixMilli()
		m.lastError = ""
	}
	m.mu.Unlock()

	m.metrics.CycleFinished(m.now().Sub(started).Milliseconds())
	return err
}

// push drains due queue entries in priority order with bounded parallelism.
// Cancellation lands between entries, never inside one: every dispatched push
// runs to its own deadline so the remote is never left guessing.
func (m *Manager) push(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := m.queue.PeekBatch(m.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		var progressed atomic.Int64
		var wg stdsync.WaitGroup
		sem := make(chan struct{}, m.cfg.PushParallelism)

	dispatch:
		for i := range batch {
			select {
			case <-ctx.Done():
				break dispatch
			case sem <- struct{}{}:
			}

			wg.Add(1)
			go func(entry models.QueueEntry) {
				defer wg.Done()
				defer func() { <-sem }()
				ok, err := m.pushEntry(entry)
				if err != nil {
					logging.Error("push entry failed", err, logging.Fields{
						"table":    entry.TableName,
						"local_id": entry.RecordLocalID,
					})
					return
				}
				if ok {
					progressed.Add(1)
				}
			}(batch[i])
		}
		wg.Wait()

		if progressed.Load() == 0 {
			// Every due entry was skipped (conflicted record or backed off
			// by a concurrent failure); looping again would spin.
			return ctx.Err()
		}
	}
}

// pushEntry sends one queued mutation and settles its outcome. Returns
// whether the queue advanced (success or recorded failure both count;
// skipping a conflicted record does not).
func (m *Manager) pushEntry(entry models.QueueEntry) (bool, error) {
	var serverID string
	meta, err := m.store.GetMeta(entry.TableName, entry.RecordLocalID)
	switch {
	case err == nil:
		if meta.SyncStatus == models.SyncStatusConflict {
			// Conflicted records wait for explicit resolution; pushing their
			// stale payload would clobber whichever side the user picks.
			return false, nil
		}
		serverID = meta.ServerID
		if uuid.IsPlaceholder(serverID) {
			serverID = ""
		}

	case errors.Is(err, errors.ErrNotFound):
		if entry.Action == models.ActionDelete && entry.ServerID != "" {
			// Tombstone: the row is gone locally but its create reached the
			// remote, so the delete still has to go out.
			serverID = entry.ServerID
			break
		}
		// Orphaned entry: its record vanished outside the mutation path.
		err := m.store.WriteTx(func(tx *db.Tx) error {
			return m.queue.MarkSucceeded(tx, entry.ID)
		})
		if err != nil {
			return false, err
		}
		m.notifySettled(entry.ID)
		logging.Warn("dropped queue entry for missing record", logging.Fields{
			"table":    entry.TableName,
			"local_id": entry.RecordLocalID,
		})
		return true, nil

	default:
		return false, err
	}

	change := PushChange{
		ChangeID: entry.ID,
		Table:    entry.TableName,
		Action:   entry.Action,
		LocalID:  entry.RecordLocalID,
		ServerID: serverID,
		Payload:  entry.Payload,
	}

	// The push deadline is independent of the cycle context: once a change
	// is on the wire it runs to completion or timeout, never half-cancelled.
	pushCtx, cancel := context.WithTimeout(context.Background(), m.cfg.PushTimeout)
	defer cancel()

	result, err := m.remote.Push(pushCtx, change)
	if err != nil {
		return true, m.settleFailure(entry, err)
	}
	return true, m.settleSuccess(entry, result)
}

// settleSuccess confirms a pushed entry: the record gets its server id and
// synced status, the entry leaves the queue. If a local edit coalesced into
// the entry while the push was in flight, the entry survives with the merged
// payload and the record stays pending.
func (m *Manager) settleSuccess(entry models.QueueEntry, result *PushResult) error {
	survived := false
	err := m.store.WriteTx(func(tx *db.Tx) error {
		if entry.Action == models.ActionDelete {
			if err := m.store.DeleteRecord(tx, entry.TableName, entry.RecordLocalID); err != nil {
				return err
			}
			return m.queue.MarkSucceeded(tx, entry.ID)
		}

		removed, err := m.queue.CompleteIfUnchanged(tx, &entry)
		if err != nil {
			return err
		}
		// last_synced_at holds the remote's clock: pull staleness is decided
		// against remote updated_at values, never the device clock.
		err = m.store.SetSynced(tx, entry.TableName, entry.RecordLocalID,
			result.ServerID, result.UpdatedAt)
		if errors.Is(err, errors.ErrNotFound) {
			// The record was deleted locally while this push was in flight;
			// the delete cancelled the queued create, but the remote row now
			// exists and must follow it down.
			return m.queue.EnqueueTombstone(tx, entry.TableName, entry.RecordLocalID, result.ServerID)
		}
		if err != nil {
			return err
		}
		if removed {
			return nil
		}
		survived = true

		// mid-flight coalesce: the merged payload must still go out
		if err := m.store.SetStatus(tx, entry.TableName, entry.RecordLocalID, models.SyncStatusPending); err != nil {
			return err
		}
		if entry.Action == models.ActionCreate {
			// the remote row exists now; the survivor goes out as an update
			return m.queue.RefreshAfterCreate(tx, entry.ID)
		}
		return nil
	})
	if err == nil {
		m.metrics.PushSucceeded()
		if !survived {
			m.notifySettled(entry.ID)
		}
	}
	return err
}

func (m *Manager) notifySettled(entryID string) {
	if m.onSettled != nil {
		m.onSettled(entryID)
	}
}

// settleFailure classifies a push error. Transient failures back off and
// retry; permanent rejections roll back through the registered handler or,
// absent one, flag the record.
func (m *Manager) settleFailure(entry models.QueueEntry, cause error) error {
	if errors.Is(cause, errors.ErrSyncRejected) {
		m.metrics.PushRejected()
		m.mu.Lock()
		handler := m.onPermFail
		m.mu.Unlock()

		logging.Warn("remote rejected mutation", logging.Fields{
			"table":    entry.TableName,
			"local_id": entry.RecordLocalID,
			"action":   entry.Action,
			"error":    cause.Error(),
		})
		if handler != nil {
			return handler(entry, cause)
		}
		if err := m.queue.MarkRejected(entry.ID, cause); err != nil {
			return err
		}
		m.notifySettled(entry.ID)
		return nil
	}

	m.metrics.PushFailed()
	dropped, err := m.queue.MarkFailed(entry.ID, cause)
	if err != nil {
		return err
	}
	if dropped {
		m.metrics.ConflictFlagged()
		m.notifySettled(entry.ID)
		logging.Warn("mutation abandoned after repeated failures", logging.Fields{
			"table":    entry.TableName,
			"local_id": entry.RecordLocalID,
		})
	}
	return nil
}

// pull fetches remote changes past the persisted watermark and reconciles
// them one record per transaction, advancing the cursor with each applied
// change so an interrupted pull resumes exactly where it stopped.
func (m *Manager) pull(ctx context.Context) error {
	cursor, err := m.store.PullCursor()
	if err != nil {
		return err
	}

	pullCtx, cancel := context.WithTimeout(ctx, m.cfg.PullTimeout)
	changes, err := m.remote.PullChanges(pullCtx, cursor)
	cancel()
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	applied := 0
	for _, rc := range changes {
		if ctx.Err() != nil {
			break
		}
		if err := m.applyRemoteChange(rc); err != nil {
			logging.Error("failed to apply remote change", err, logging.Fields{
				"table":     rc.Table,
				"server_id": rc.ServerID,
			})
			// The cursor sits before this change; the next pull retries it.
			return err
		}
		applied++
	}
	m.metrics.PullApplied(int64(applied))

	logging.Info("pull applied remote changes", logging.Fields{
		"count":  applied,
		"cursor": cursor,
	})
	return ctx.Err()
}

// applyRemoteChange reconciles one remote version in its own transaction,
// moving the pull cursor alongside so the change is never applied twice.
func (m *Manager) applyRemoteChange(rc RemoteChange) error {
	return m.store.WriteTx(func(tx *db.Tx) error {
		var (
			localID string
			meta    *models.Meta
			pending *models.QueueEntry
		)

		id, err := m.store.FindLocalIDByServerIDTx(tx, rc.Table, rc.ServerID)
		if err == nil {
			localID = id
			if meta, err = m.store.GetMetaTx(tx, rc.Table, localID); err != nil {
				return err
			}
			if pending, err = m.queue.PendingForRecordTx(tx, rc.Table, localID); err != nil {
				return err
			}
		} else if !errors.Is(err, errors.ErrNotFound) {
			return err
		}

		outcome, err := m.resolver.Apply(tx, localID, meta, pending, conflict.RemoteVersion{
			Table:     rc.Table,
			ServerID:  rc.ServerID,
			Fields:    rc.Fields,
			UpdatedAt: rc.UpdatedAt,
			Deleted:   rc.Deleted,
		})
		if err != nil {
			return err
		}

		switch outcome {
		case conflict.OutcomeFlagged:
			m.metrics.ConflictFlagged()
		case conflict.OutcomeMerged:
			m.metrics.CountersMerged()
		}

		logging.Debug("remote change reconciled", logging.Fields{
			"table":     rc.Table,
			"server_id": rc.ServerID,
			"outcome":   outcome,
		})
		return m.store.SetPullCursor(tx, rc.UpdatedAt)
	})
}

// Status returns a snapshot of the manager and the store's sync bookkeeping.
func (m *Manager) Status() (*Status, error) {
	m.mu.Lock()
	st := &Status{
		State:      m.state,
		LastSyncAt: m.lastSyncAt,
		LastError:  m.lastError,
	}
	m.mu.Unlock()

	st.Online = m.monitor.Online()

	size, err := m.queue.Size()
	if err != nil {
		return nil, err
	}
	st.QueueSize = size

	st.Records = make(map[string]map[models.SyncStatus]int, len(models.DomainTables))
	for _, table := range models.DomainTables {
		counts, err := m.store.CountByStatus(table)
		if err != nil {
			return nil, err
		}
		st.Records[table] = counts
	}
	st.Metrics = m.metrics.Snapshot()
	return st, nil
}

// Metrics exposes the engine counters.
func (m *Manager) Metrics() *telemetry.Metrics {
	return m.metrics
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
