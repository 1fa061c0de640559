package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/brewlog/core/internal/config"
	"github.com/brewlog/core/internal/connectivity"
	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/models"
	"github.com/brewlog/core/internal/sync/conflict"
	"github.com/brewlog/core/internal/sync/queue"
	"github.com/brewlog/core/internal/uuid"
)

// fakeRemote is an in-memory RemoteStore recording every push.
type fakeRemote struct {
	mu      stdsync.Mutex
	pushes  []PushChange
	pushFn  func(change PushChange) (*PushResult, error)
	changes []RemoteChange
}

func (f *fakeRemote) Push(ctx context.Context, change PushChange) (*PushResult, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, change)
	fn := f.pushFn
	f.mu.Unlock()

	if fn != nil {
		return fn(change)
	}
	return &PushResult{ServerID: "srv_" + change.LocalID, UpdatedAt: models.NowMillis()}, nil
}

func (f *fakeRemote) PullChanges(ctx context.Context, sinceCursor int64) ([]RemoteChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RemoteChange
	for _, rc := range f.changes {
		if rc.UpdatedAt > sinceCursor {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (f *fakeRemote) pushed() []PushChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PushChange(nil), f.pushes...)
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Interval:        time.Hour,
		PushTimeout:     5 * time.Second,
		PullTimeout:     5 * time.Second,
		PushParallelism: 1,
		BatchSize:       10,
		BackoffBase:     time.Second,
		BackoffMax:      time.Minute,
		MaxRetries:      3,
	}
}

func newTestManager(t *testing.T, remote RemoteStore) (*Manager, *db.Store, *queue.Queue, *connectivity.Monitor) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := db.NewStore(database)
	cfg := testSyncConfig()
	q := queue.New(store, queue.Config{
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		MaxRetries:  cfg.MaxRetries,
	})
	resolver := conflict.NewResolver(store)
	monitor := connectivity.NewMonitor(nil, time.Minute)
	monitor.SetOnline(true)

	m := NewManager(store, q, resolver, remote, monitor, cfg)
	return m, store, q, monitor
}

func seedPost(t *testing.T, store *db.Store, localID string, status models.SyncStatus) {
	t.Helper()
	now := models.NowMillis()
	serverID := uuid.NewPlaceholder()
	if status != models.SyncStatusPending {
		serverID = "srv_" + localID
	}
	err := store.WriteTx(func(tx *db.Tx) error {
		return store.InsertPost(tx, &models.Post{
			Meta: models.Meta{
				LocalID:    localID,
				ServerID:   serverID,
				SyncStatus: status,
				CreatedAt:  now,
				UpdatedAt:  now,
			},
			AuthorID: "user-1",
			Title:    "V60 notes",
		})
	})
	if err != nil {
		t.Fatalf("failed to seed post: %v", err)
	}
}

func seedEntry(t *testing.T, store *db.Store, q *queue.Queue, e *models.QueueEntry) *models.QueueEntry {
	t.Helper()
	var surviving *models.QueueEntry
	err := store.WriteTx(func(tx *db.Tx) error {
		var err error
		surviving, err = q.Enqueue(tx, e)
		return err
	})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	return surviving
}

func TestCycleSyncsOfflineCreate(t *testing.T) {
	remote := &fakeRemote{
		pushFn: func(change PushChange) (*PushResult, error) {
			return &PushResult{ServerID: "srv_123", UpdatedAt: models.NowMillis()}, nil
		},
	}
	m, store, q, _ := newTestManager(t, remote)

	seedPost(t, store, "p1", models.SyncStatusPending)
	entry := seedEntry(t, store, q, &models.QueueEntry{
		TableName:     models.TablePosts,
		RecordLocalID: "p1",
		Action:        models.ActionCreate,
		Payload:       models.MutationPayload{Fields: map[string]interface{}{"title": "V60 notes"}},
		Priority:      models.PriorityNormal,
	})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	meta, err := store.GetMeta(models.TablePosts, "p1")
	if err != nil {
		t.Fatalf("failed to read meta: %v", err)
	}
	if meta.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %s, want synced", meta.SyncStatus)
	}
	if meta.ServerID != "srv_123" {
		t.Errorf("server_id = %q, want srv_123", meta.ServerID)
	}
	if meta.LastSyncedAt == 0 {
		t.Error("last_synced_at not stamped")
	}
	if n, _ := q.Size(); n != 0 {
		t.Errorf("queue size = %d, want 0", n)
	}

	pushes := remote.pushed()
	if len(pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(pushes))
	}
	if pushes[0].ChangeID != entry.ID {
		t.Errorf("change id = %q, want the entry id %q", pushes[0].ChangeID, entry.ID)
	}
	if pushes[0].ServerID != "" {
		t.Errorf("create must not carry a placeholder server id, got %q", pushes[0].ServerID)
	}
	if pushes[0].LocalID != "p1" {
		t.Errorf("local id = %q, want p1", pushes[0].LocalID)
	}
}

func TestTransientFailureRetriesWithSameChangeID(t *testing.T) {
	fail := true
	remote := &fakeRemote{}
	remote.pushFn = func(change PushChange) (*PushResult, error) {
		if fail {
			return nil, errors.New(errors.ErrSyncTransient, "connection reset")
		}
		return &PushResult{ServerID: "srv_1", UpdatedAt: models.NowMillis()}, nil
	}
	m, store, q, _ := newTestManager(t, remote)

	clock := time.Now()
	q.SetClock(func() time.Time { return clock })

	seedPost(t, store, "p1", models.SyncStatusSynced)
	seedEntry(t, store, q, &models.QueueEntry{
		TableName:     models.TablePosts,
		RecordLocalID: "p1",
		Action:        models.ActionUpdate,
		Payload:       models.MutationPayload{Fields: map[string]interface{}{"title": "edited"}},
		Priority:      models.PriorityNormal,
	})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	// Recorded failure, entry backed off but alive, record still pending.
	after, err := q.PendingForRecord(models.TablePosts, "p1")
	if err != nil || after == nil {
		t.Fatalf("entry must survive a transient failure: %v", err)
	}
	if after.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", after.RetryCount)
	}
	meta, _ := store.GetMeta(models.TablePosts, "p1")
	if meta.SyncStatus != models.SyncStatusPending {
		t.Errorf("status = %s, want pending", meta.SyncStatus)
	}

	// Past the backoff window the retry replays the same change id.
	fail = false
	clock = clock.Add(time.Hour)
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	pushes := remote.pushed()
	if len(pushes) != 2 {
		t.Fatalf("pushes = %d, want 2", len(pushes))
	}
	if pushes[0].ChangeID != pushes[1].ChangeID {
		t.Errorf("retry change id %q != original %q", pushes[1].ChangeID, pushes[0].ChangeID)
	}
	if n, _ := q.Size(); n != 0 {
		t.Errorf("queue size = %d, want 0", n)
	}
}

func TestRejectionWithoutHandlerFlagsRecord(t *testing.T) {
	remote := &fakeRemote{
		pushFn: func(change PushChange) (*PushResult, error) {
			return nil, errors.New(errors.ErrSyncRejected, "title too long")
		},
	}
	m, store, q, _ := newTestManager(t, remote)

	seedPost(t, store, "p1", models.SyncStatusSynced)
	seedEntry(t, store, q, &models.QueueEntry{
		TableName:     models.TablePosts,
		RecordLocalID: "p1",
		Action:        models.ActionUpdate,
		Payload:       models.MutationPayload{Fields: map[string]interface{}{"title": "edited"}},
		Priority:      models.PriorityNormal,
	})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	meta, _ := store.GetMeta(models.TablePosts, "p1")
	if meta.SyncStatus != models.SyncStatusConflict {
		t.Errorf("status = %s, want conflict", meta.SyncStatus)
	}
	if n, _ := q.Size(); n != 0 {
		t.Errorf("queue size = %d, want 0", n)
	}

	logs, _ := store.UnresolvedConflicts(models.TablePosts, "p1")
	if len(logs) != 1 || logs[0].Resolution != models.ResolutionRejected {
		t.Errorf("conflict logs = %+v, want one rejected entry", logs)
	}
}

func TestConflictedRecordIsSkipped(t *testing.T) {
	remote := &fakeRemote{}
	m, store, q, _ := newTestManager(t, remote)

	seedPost(t, store, "p1", models.SyncStatusSynced)
	seedEntry(t, store, q, &models.QueueEntry{
		TableName:     models.TablePosts,
		RecordLocalID: "p1",
		Action:        models.ActionUpdate,
		Payload:       models.MutationPayload{Fields: map[string]interface{}{"title": "edited"}},
		Priority:      models.PriorityNormal,
	})
	// Flag the record after the entry exists, as a failed pull would.
	err := store.WriteTx(func(tx *db.Tx) error {
		return store.SetStatus(tx, models.TablePosts, "p1", models.SyncStatusConflict)
	})
	if err != nil {
		t.Fatalf("failed to flag record: %v", err)
	}

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if len(remote.pushed()) != 0 {
		t.Error("conflicted record must not be pushed")
	}
	if n, _ := q.Size(); n != 1 {
		t.Errorf("queue size = %d, entry must wait for resolution", n)
	}
}

func TestOrphanedEntryIsDropped(t *testing.T) {
	remote := &fakeRemote{}
	m, store, q, _ := newTestManager(t, remote)

	seedPost(t, store, "p1", models.SyncStatusSynced)
	seedEntry(t, store, q, &models.QueueEntry{
		TableName:     models.TablePosts,
		RecordLocalID: "p1",
		Action:        models.ActionUpdate,
		Payload:       models.MutationPayload{Fields: map[string]interface{}{"title": "edited"}},
		Priority:      models.PriorityNormal,
	})
	err := store.WriteTx(func(tx *db.Tx) error {
		return store.DeleteRecord(tx, models.TablePosts, "p1")
	})
	if err != nil {
		t.Fatalf("failed to delete record: %v", err)
	}

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(remote.pushed()) != 0 {
		t.Error("orphaned entry must not be pushed")
	}
	if n, _ := q.Size(); n != 0 {
		t.Errorf("queue size = %d, want 0", n)
	}
}

func TestMidFlightCoalesceKeepsEntryAlive(t *testing.T) {
	var m *Manager
	var store *db.Store
	var q *queue.Queue

	coalesced := false
	remote := &fakeRemote{}
	remote.pushFn = func(change PushChange) (*PushResult, error) {
		if !coalesced {
			coalesced = true
			// A local edit lands while the create is on the wire.
			err := store.WriteTx(func(tx *db.Tx) error {
				_, err := q.Enqueue(tx, &models.QueueEntry{
					TableName:     models.TablePosts,
					RecordLocalID: "p1",
					Action:        models.ActionUpdate,
					Payload:       models.MutationPayload{Fields: map[string]interface{}{"body": "late edit"}},
					Priority:      models.PriorityNormal,
				})
				return err
			})
			if err != nil {
				return nil, err
			}
		}
		return &PushResult{ServerID: "srv_9", UpdatedAt: models.NowMillis()}, nil
	}
	m, store, q, _ = newTestManager(t, remote)

	seedPost(t, store, "p1", models.SyncStatusPending)
	seedEntry(t, store, q, &models.QueueEntry{
		TableName:     models.TablePosts,
		RecordLocalID: "p1",
		Action:        models.ActionCreate,
		Payload:       models.MutationPayload{Fields: map[string]interface{}{"title": "V60 notes"}},
		Priority:      models.PriorityNormal,
	})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	pushes := remote.pushed()
	if len(pushes) != 2 {
		t.Fatalf("pushes = %d, want the create then the surviving update", len(pushes))
	}
	if pushes[0].Action != models.ActionCreate || pushes[1].Action != models.ActionUpdate {
		t.Errorf("push actions = %s, %s", pushes[0].Action, pushes[1].Action)
	}
	if pushes[1].ServerID != "srv_9" {
		t.Errorf("follow-up update must carry the assigned server id, got %q", pushes[1].ServerID)
	}
	if pushes[1].ChangeID == pushes[0].ChangeID {
		t.Error("converted entry must get a fresh change id")
	}
	if pushes[1].Payload.Fields["body"] != "late edit" {
		t.Errorf("follow-up payload = %v", pushes[1].Payload.Fields)
	}

	meta, _ := store.GetMeta(models.TablePosts, "p1")
	if meta.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %s, want synced after both pushes landed", meta.SyncStatus)
	}
	if n, _ := q.Size(); n != 0 {
		t.Errorf("queue size = %d, want 0", n)
	}
}

func TestConflictDetectionSurvivesClockSkew(t *testing.T) {
	// The server clock runs half an hour behind the device clock. The sync
	// base must follow the server's updated_at, or every remote edit made
	// since the last push looks stale.
	const serverBase = int64(1_000_000)

	failPush := false
	remote := &fakeRemote{}
	remote.pushFn = func(change PushChange) (*PushResult, error) {
		if failPush {
			return nil, errors.New(errors.ErrSyncTransient, "connection reset")
		}
		return &PushResult{ServerID: "srv_p1", UpdatedAt: serverBase}, nil
	}
	m, store, q, _ := newTestManager(t, remote)
	m.SetClock(func() time.Time { return time.Now().Add(time.Hour) })

	seedPost(t, store, "p1", models.SyncStatusPending)
	seedEntry(t, store, q, &models.QueueEntry{
		TableName:     models.TablePosts,
		RecordLocalID: "p1",
		Action:        models.ActionCreate,
		Payload:       models.MutationPayload{Fields: map[string]interface{}{"title": "V60 notes"}},
		Priority:      models.PriorityNormal,
	})
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	meta, err := store.GetMeta(models.TablePosts, "p1")
	if err != nil {
		t.Fatalf("failed to read meta: %v", err)
	}
	if meta.LastSyncedAt != serverBase {
		t.Fatalf("last_synced_at = %d, want the server timestamp %d", meta.LastSyncedAt, serverBase)
	}

	// A local edit waits in the queue while another device edits the same
	// post thirty server-minutes after the base.
	seedEntry(t, store, q, &models.QueueEntry{
		TableName:     models.TablePosts,
		RecordLocalID: "p1",
		Action:        models.ActionUpdate,
		Payload:       models.MutationPayload{Fields: map[string]interface{}{"title": "local edit"}},
		Priority:      models.PriorityNormal,
	})
	failPush = true
	remote.mu.Lock()
	remote.changes = []RemoteChange{{
		Table:     models.TablePosts,
		ServerID:  "srv_p1",
		Fields:    map[string]interface{}{"title": "edited elsewhere"},
		UpdatedAt: serverBase + 30*time.Minute.Milliseconds(),
	}}
	remote.mu.Unlock()

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	meta, _ = store.GetMeta(models.TablePosts, "p1")
	if meta.SyncStatus != models.SyncStatusConflict {
		t.Errorf("status = %s, want conflict for a remote edit newer than the base", meta.SyncStatus)
	}
	logs, _ := store.UnresolvedConflicts(models.TablePosts, "p1")
	if len(logs) != 1 {
		t.Errorf("conflict logs = %d, want 1", len(logs))
	}
}

func TestDeleteDuringInFlightCreateRemovesRemoteRow(t *testing.T) {
	var m *Manager
	var store *db.Store
	var q *queue.Queue

	deleted := false
	remote := &fakeRemote{}
	remote.pushFn = func(change PushChange) (*PushResult, error) {
		if change.Action == models.ActionCreate && !deleted {
			deleted = true
			// The user deletes the post while its create is on the wire.
			// Locally the delete cancels the queued create and drops the row.
			err := store.WriteTx(func(tx *db.Tx) error {
				if _, err := q.Enqueue(tx, &models.QueueEntry{
					TableName:     models.TablePosts,
					RecordLocalID: "p1",
					Action:        models.ActionDelete,
					Priority:      models.PriorityNormal,
				}); err != nil {
					return err
				}
				return store.DeleteRecord(tx, models.TablePosts, "p1")
			})
			if err != nil {
				return nil, err
			}
		}
		return &PushResult{ServerID: "srv_p1", UpdatedAt: models.NowMillis()}, nil
	}
	m, store, q, _ = newTestManager(t, remote)

	seedPost(t, store, "p1", models.SyncStatusPending)
	seedEntry(t, store, q, &models.QueueEntry{
		TableName:     models.TablePosts,
		RecordLocalID: "p1",
		Action:        models.ActionCreate,
		Payload:       models.MutationPayload{Fields: map[string]interface{}{"title": "V60 notes"}},
		Priority:      models.PriorityNormal,
	})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	// The create landed remotely after the row died locally, so a delete
	// carrying the assigned server id must follow it in the same cycle.
	pushes := remote.pushed()
	if len(pushes) != 2 {
		t.Fatalf("pushes = %d, want the create then the follow-up delete", len(pushes))
	}
	if pushes[1].Action != models.ActionDelete {
		t.Errorf("second push action = %s, want delete", pushes[1].Action)
	}
	if pushes[1].ServerID != "srv_p1" {
		t.Errorf("delete server id = %q, want srv_p1", pushes[1].ServerID)
	}

	if n, _ := q.Size(); n != 0 {
		t.Errorf("queue size = %d, want 0", n)
	}
	if _, err := store.GetMeta(models.TablePosts, "p1"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("deleted post came back: %v", err)
	}
}

func TestPullInsertsAndAdvancesCursor(t *testing.T) {
	remote := &fakeRemote{changes: []RemoteChange{
		{Table: models.TablePosts, ServerID: "srv_a", Fields: map[string]interface{}{"title": "first"}, UpdatedAt: 1000},
		{Table: models.TablePosts, ServerID: "srv_b", Fields: map[string]interface{}{"title": "second"}, UpdatedAt: 2000},
	}}
	m, store, _, _ := newTestManager(t, remote)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	for _, serverID := range []string{"srv_a", "srv_b"} {
		if _, err := store.FindLocalIDByServerID(models.TablePosts, serverID); err != nil {
			t.Errorf("pulled record %s not found: %v", serverID, err)
		}
	}
	cursor, err := store.PullCursor()
	if err != nil {
		t.Fatalf("failed to read cursor: %v", err)
	}
	if cursor != 2000 {
		t.Errorf("cursor = %d, want 2000", cursor)
	}

	// Replaying the cycle pulls nothing new.
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	records, _ := store.Read(models.TablePosts, db.Query{})
	if len(records) != 2 {
		t.Errorf("records = %d, want 2 (no duplicates on replay)", len(records))
	}
}

func TestPullErrorKeepsCursorBeforeFailedChange(t *testing.T) {
	remote := &fakeRemote{changes: []RemoteChange{
		{Table: models.TablePosts, ServerID: "srv_a", Fields: map[string]interface{}{"title": "ok"}, UpdatedAt: 1000},
		{Table: "bogus_table", ServerID: "srv_b", UpdatedAt: 2000},
	}}
	m, store, _, _ := newTestManager(t, remote)

	if err := m.RunCycle(context.Background()); err == nil {
		t.Fatal("cycle should surface the pull failure")
	}

	cursor, _ := store.PullCursor()
	if cursor != 1000 {
		t.Errorf("cursor = %d, want 1000 so the failed change is retried", cursor)
	}
}

func TestRunCycleOfflineSuspends(t *testing.T) {
	remote := &fakeRemote{}
	m, store, q, monitor := newTestManager(t, remote)
	monitor.SetOnline(false)

	seedPost(t, store, "p1", models.SyncStatusSynced)
	seedEntry(t, store, q, &models.QueueEntry{
		TableName:     models.TablePosts,
		RecordLocalID: "p1",
		Action:        models.ActionUpdate,
		Payload:       models.MutationPayload{Fields: map[string]interface{}{"title": "offline edit"}},
		Priority:      models.PriorityNormal,
	})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("offline cycle must not error: %v", err)
	}
	if len(remote.pushed()) != 0 {
		t.Error("nothing may be pushed while offline")
	}

	status, err := m.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.State != StateSuspended {
		t.Errorf("state = %s, want suspended", status.State)
	}
	if status.QueueSize != 1 {
		t.Errorf("queue size = %d, entry must wait for connectivity", status.QueueSize)
	}
}

func TestTriggerSyncCoalesces(t *testing.T) {
	m, _, _, _ := newTestManager(t, &fakeRemote{})

	if !m.TriggerSync() {
		t.Error("first trigger should be accepted")
	}
	if m.TriggerSync() {
		t.Error("second trigger should coalesce")
	}
	if m.TriggerSync() {
		t.Error("third trigger should coalesce too")
	}
	if !m.followUp.Load() {
		t.Error("coalesced triggers must request a follow-up cycle")
	}
}

func TestStatusSnapshot(t *testing.T) {
	remote := &fakeRemote{}
	m, store, q, _ := newTestManager(t, remote)

	seedPost(t, store, "p1", models.SyncStatusSynced)
	seedPost(t, store, "p2", models.SyncStatusSynced)
	seedEntry(t, store, q, &models.QueueEntry{
		TableName:     models.TablePosts,
		RecordLocalID: "p2",
		Action:        models.ActionUpdate,
		Payload:       models.MutationPayload{Fields: map[string]interface{}{"title": "edited"}},
		Priority:      models.PriorityNormal,
	})

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	status, err := m.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.State != StateIdle {
		t.Errorf("state = %s, want idle", status.State)
	}
	if !status.Online {
		t.Error("online = false, want true")
	}
	if status.QueueSize != 0 {
		t.Errorf("queue size = %d, want 0", status.QueueSize)
	}
	if status.LastSyncAt == 0 {
		t.Error("last sync not stamped")
	}
	if status.Records[models.TablePosts][models.SyncStatusSynced] != 2 {
		t.Errorf("synced posts = %d, want 2", status.Records[models.TablePosts][models.SyncStatusSynced])
	}
	if status.Metrics["cycles"] != 1 {
		t.Errorf("cycles metric = %d, want 1", status.Metrics["cycles"])
	}
	if status.Metrics["push_succeeded"] != 1 {
		t.Errorf("push_succeeded metric = %d, want 1", status.Metrics["push_succeeded"])
	}
}
