package conflict

import (
	"testing"
	"time"

	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/models"
	"github.com/brewlog/core/internal/uuid"
)

func newTestResolver(t *testing.T) (*Resolver, *db.Store) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := db.NewStore(database)
	return NewResolver(store), store
}

func insertPost(t *testing.T, store *db.Store, p *models.Post) {
	t.Helper()
	err := store.WriteTx(func(tx *db.Tx) error {
		return store.InsertPost(tx, p)
	})
	if err != nil {
		t.Fatalf("failed to insert post: %v", err)
	}
}

func apply(t *testing.T, r *Resolver, store *db.Store, localID string, pending *models.QueueEntry, rv RemoteVersion) Outcome {
	t.Helper()
	var (
		outcome Outcome
		meta    *models.Meta
	)
	if localID != "" {
		var err error
		meta, err = store.GetMeta(rv.Table, localID)
		if err != nil {
			t.Fatalf("failed to read meta: %v", err)
		}
	}
	err := store.WriteTx(func(tx *db.Tx) error {
		var err error
		outcome, err = r.Apply(tx, localID, meta, pending, rv)
		return err
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	return outcome
}

func TestApplyInsertsUnknownRecord(t *testing.T) {
	r, store := newTestResolver(t)

	outcome := apply(t, r, store, "", nil, RemoteVersion{
		Table:     models.TablePosts,
		ServerID:  "srv_42",
		Fields:    map[string]interface{}{"title": "Gesha Village", "author_id": "user-2"},
		UpdatedAt: 1000,
	})
	if outcome != OutcomeInserted {
		t.Fatalf("outcome = %s, want inserted", outcome)
	}

	localID, err := store.FindLocalIDByServerID(models.TablePosts, "srv_42")
	if err != nil {
		t.Fatalf("inserted record not findable: %v", err)
	}
	meta, err := store.GetMeta(models.TablePosts, localID)
	if err != nil {
		t.Fatalf("failed to read meta: %v", err)
	}
	if meta.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %s, want synced", meta.SyncStatus)
	}

	post, err := store.GetPost(localID)
	if err != nil {
		t.Fatalf("failed to read post: %v", err)
	}
	if post.Title != "Gesha Village" {
		t.Errorf("title = %q", post.Title)
	}
}

func TestApplyIgnoresDeleteOfUnknownRecord(t *testing.T) {
	r, store := newTestResolver(t)

	outcome := apply(t, r, store, "", nil, RemoteVersion{
		Table:    models.TablePosts,
		ServerID: "srv_gone",
		Deleted:  true,
	})
	if outcome != OutcomeIgnored {
		t.Errorf("outcome = %s, want ignored", outcome)
	}
}

func TestApplyRemoteWinsOnSyncedRecord(t *testing.T) {
	r, store := newTestResolver(t)
	insertPost(t, store, &models.Post{
		Meta: models.Meta{
			LocalID: "p1", ServerID: "srv_1", SyncStatus: models.SyncStatusSynced,
			CreatedAt: 500, UpdatedAt: 500, LastSyncedAt: 500,
		},
		Title: "old title",
	})

	outcome := apply(t, r, store, "p1", nil, RemoteVersion{
		Table:     models.TablePosts,
		ServerID:  "srv_1",
		Fields:    map[string]interface{}{"title": "new title"},
		UpdatedAt: 2000,
	})
	if outcome != OutcomeOverwritten {
		t.Fatalf("outcome = %s, want overwritten", outcome)
	}

	post, _ := store.GetPost("p1")
	if post.Title != "new title" {
		t.Errorf("title = %q, want the remote version", post.Title)
	}
	if post.SyncStatus != models.SyncStatusSynced {
		t.Errorf("status = %s, want synced", post.SyncStatus)
	}
	if post.UpdatedAt != 2000 {
		t.Errorf("updated_at = %d, want 2000", post.UpdatedAt)
	}
}

func TestApplyStampsBaseInRemoteClock(t *testing.T) {
	r, store := newTestResolver(t)
	// A device clock running far ahead must never leak into the sync base:
	// staleness is decided against remote updated_at values.
	r.SetClock(func() time.Time { return time.UnixMilli(9_000_000) })

	insertPost(t, store, &models.Post{
		Meta: models.Meta{
			LocalID: "p1", ServerID: "srv_1", SyncStatus: models.SyncStatusSynced,
			CreatedAt: 500, UpdatedAt: 500, LastSyncedAt: 500,
		},
		Title: "old title",
	})

	outcome := apply(t, r, store, "p1", nil, RemoteVersion{
		Table:     models.TablePosts,
		ServerID:  "srv_1",
		Fields:    map[string]interface{}{"title": "new title"},
		UpdatedAt: 2000,
	})
	if outcome != OutcomeOverwritten {
		t.Fatalf("outcome = %s, want overwritten", outcome)
	}

	meta, _ := store.GetMeta(models.TablePosts, "p1")
	if meta.LastSyncedAt != 2000 {
		t.Errorf("last_synced_at = %d, want the remote timestamp 2000", meta.LastSyncedAt)
	}

	// A remote edit made after the new base must still register as newer.
	pending := &models.QueueEntry{
		ID: uuid.New(), TableName: models.TablePosts, RecordLocalID: "p1",
		Action:  models.ActionUpdate,
		Payload: models.MutationPayload{Fields: map[string]interface{}{"title": "local edit"}},
	}
	err := store.WriteTx(func(tx *db.Tx) error {
		return store.SetStatus(tx, models.TablePosts, "p1", models.SyncStatusPending)
	})
	if err != nil {
		t.Fatalf("failed to mark pending: %v", err)
	}
	outcome = apply(t, r, store, "p1", pending, RemoteVersion{
		Table:     models.TablePosts,
		ServerID:  "srv_1",
		Fields:    map[string]interface{}{"title": "edited elsewhere"},
		UpdatedAt: 3800,
	})
	if outcome != OutcomeFlagged {
		t.Errorf("outcome = %s, want flagged (newer remote edit against a pending one)", outcome)
	}
}

func TestApplyRemoteDeleteOnSyncedRecord(t *testing.T) {
	r, store := newTestResolver(t)
	insertPost(t, store, &models.Post{
		Meta: models.Meta{
			LocalID: "p1", ServerID: "srv_1", SyncStatus: models.SyncStatusSynced,
			CreatedAt: 500, UpdatedAt: 500, LastSyncedAt: 500,
		},
	})

	outcome := apply(t, r, store, "p1", nil, RemoteVersion{
		Table:     models.TablePosts,
		ServerID:  "srv_1",
		UpdatedAt: 2000,
		Deleted:   true,
	})
	if outcome != OutcomeDeleted {
		t.Fatalf("outcome = %s, want deleted", outcome)
	}
	if _, err := store.GetMeta(models.TablePosts, "p1"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("record should be gone, got %v", err)
	}
}

func TestApplyIgnoresStaleRemoteOnPendingRecord(t *testing.T) {
	r, store := newTestResolver(t)
	insertPost(t, store, &models.Post{
		Meta: models.Meta{
			LocalID: "p1", ServerID: "srv_1", SyncStatus: models.SyncStatusPending,
			CreatedAt: 500, UpdatedAt: 900, LastSyncedAt: 800,
		},
		Title: "local edit",
	})
	pending := &models.QueueEntry{
		ID: uuid.New(), TableName: models.TablePosts, RecordLocalID: "p1",
		Action:  models.ActionUpdate,
		Payload: models.MutationPayload{Fields: map[string]interface{}{"title": "local edit"}},
	}

	// Remote version not newer than the base of our pending edit.
	outcome := apply(t, r, store, "p1", pending, RemoteVersion{
		Table:     models.TablePosts,
		ServerID:  "srv_1",
		Fields:    map[string]interface{}{"title": "older remote"},
		UpdatedAt: 800,
	})
	if outcome != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", outcome)
	}

	post, _ := store.GetPost("p1")
	if post.Title != "local edit" {
		t.Errorf("title = %q, local edit must survive", post.Title)
	}
	if post.SyncStatus != models.SyncStatusPending {
		t.Errorf("status = %s, want pending", post.SyncStatus)
	}
}

func TestApplyFlagsDivergedPendingRecord(t *testing.T) {
	r, store := newTestResolver(t)
	r.SetClock(func() time.Time { return time.UnixMilli(5000) })

	insertPost(t, store, &models.Post{
		Meta: models.Meta{
			LocalID: "p1", ServerID: "srv_1", SyncStatus: models.SyncStatusPending,
			CreatedAt: 500, UpdatedAt: 900, LastSyncedAt: 800,
		},
		Title: "local edit",
	})
	pending := &models.QueueEntry{
		ID: uuid.New(), TableName: models.TablePosts, RecordLocalID: "p1",
		Action:  models.ActionUpdate,
		Payload: models.MutationPayload{Fields: map[string]interface{}{"title": "local edit"}},
	}

	outcome := apply(t, r, store, "p1", pending, RemoteVersion{
		Table:     models.TablePosts,
		ServerID:  "srv_1",
		Fields:    map[string]interface{}{"title": "remote edit"},
		UpdatedAt: 2000,
	})
	if outcome != OutcomeFlagged {
		t.Fatalf("outcome = %s, want flagged", outcome)
	}

	post, _ := store.GetPost("p1")
	if post.SyncStatus != models.SyncStatusConflict {
		t.Errorf("status = %s, want conflict", post.SyncStatus)
	}
	// The remote version lands in the domain fields so the UI can offer both
	// sides; the local payload stays safe in the queue entry and the log.
	if post.Title != "remote edit" {
		t.Errorf("title = %q, want the remote version staged", post.Title)
	}

	logs, err := store.UnresolvedConflicts(models.TablePosts, "p1")
	if err != nil {
		t.Fatalf("failed to list conflicts: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("conflict log entries = %d, want 1", len(logs))
	}
	if logs[0].Resolution != models.ResolutionFlagged {
		t.Errorf("resolution = %s", logs[0].Resolution)
	}
	if logs[0].LocalPayload == "" || logs[0].RemotePayload == "" {
		t.Errorf("both payloads must be recorded: local=%q remote=%q",
			logs[0].LocalPayload, logs[0].RemotePayload)
	}
}

func TestApplyFlagsRemoteDeleteAgainstPendingEdit(t *testing.T) {
	r, store := newTestResolver(t)
	insertPost(t, store, &models.Post{
		Meta: models.Meta{
			LocalID: "p1", ServerID: "srv_1", SyncStatus: models.SyncStatusPending,
			CreatedAt: 500, UpdatedAt: 900, LastSyncedAt: 800,
		},
		Title: "local edit",
	})
	pending := &models.QueueEntry{
		ID: uuid.New(), TableName: models.TablePosts, RecordLocalID: "p1",
		Action:  models.ActionUpdate,
		Payload: models.MutationPayload{Fields: map[string]interface{}{"title": "local edit"}},
	}

	outcome := apply(t, r, store, "p1", pending, RemoteVersion{
		Table:     models.TablePosts,
		ServerID:  "srv_1",
		UpdatedAt: 2000,
		Deleted:   true,
	})
	if outcome != OutcomeFlagged {
		t.Fatalf("outcome = %s, want flagged", outcome)
	}

	// The row survives: a remote delete never silently discards a local edit.
	post, err := store.GetPost("p1")
	if err != nil {
		t.Fatalf("record must survive a flagged delete: %v", err)
	}
	if post.Title != "local edit" {
		t.Errorf("title = %q, local fields must be untouched", post.Title)
	}
	if post.SyncStatus != models.SyncStatusConflict {
		t.Errorf("status = %s, want conflict", post.SyncStatus)
	}
}

func TestApplyMergesCounterOnlyEdit(t *testing.T) {
	r, store := newTestResolver(t)
	insertPost(t, store, &models.Post{
		Meta: models.Meta{
			LocalID: "p1", ServerID: "srv_1", SyncStatus: models.SyncStatusPending,
			CreatedAt: 500, UpdatedAt: 900, LastSyncedAt: 800,
		},
		Title:     "stays",
		LikeCount: 4, // 3 remote at last sync + our unpushed like
	})
	pending := &models.QueueEntry{
		ID: uuid.New(), TableName: models.TablePosts, RecordLocalID: "p1",
		Action:  models.ActionUpdate,
		Payload: models.MutationPayload{Deltas: map[string]int64{"like_count": 1}},
	}

	// Someone else liked the post too: the remote now says 7.
	outcome := apply(t, r, store, "p1", pending, RemoteVersion{
		Table:     models.TablePosts,
		ServerID:  "srv_1",
		Fields:    map[string]interface{}{"like_count": int64(7)},
		UpdatedAt: 2000,
	})
	if outcome != OutcomeMerged {
		t.Fatalf("outcome = %s, want merged", outcome)
	}

	post, _ := store.GetPost("p1")
	if post.LikeCount != 8 {
		t.Errorf("like_count = %d, want remote 7 plus local delta 1", post.LikeCount)
	}
	// The delta still has to reach the remote.
	if post.SyncStatus != models.SyncStatusPending {
		t.Errorf("status = %s, want pending", post.SyncStatus)
	}

	logs, _ := store.UnresolvedConflicts(models.TablePosts, "p1")
	if len(logs) != 0 {
		t.Errorf("counter merges must not raise conflicts, got %d", len(logs))
	}

	// The merge advanced the base, so replaying the same remote version is a
	// no-op instead of a double count.
	meta, _ := store.GetMeta(models.TablePosts, "p1")
	if meta.LastSyncedAt != 2000 {
		t.Errorf("last_synced_at = %d, want 2000 after the merge", meta.LastSyncedAt)
	}
	outcome = apply(t, r, store, "p1", pending, RemoteVersion{
		Table:     models.TablePosts,
		ServerID:  "srv_1",
		Fields:    map[string]interface{}{"like_count": int64(7)},
		UpdatedAt: 2000,
	})
	if outcome != OutcomeIgnored {
		t.Errorf("replay outcome = %s, want ignored", outcome)
	}
	post, _ = store.GetPost("p1")
	if post.LikeCount != 8 {
		t.Errorf("like_count = %d after replay, want 8", post.LikeCount)
	}
}

func TestApplyNeverClearsOpenConflict(t *testing.T) {
	r, store := newTestResolver(t)
	insertPost(t, store, &models.Post{
		Meta: models.Meta{
			LocalID: "p1", ServerID: "srv_1", SyncStatus: models.SyncStatusConflict,
			CreatedAt: 500, UpdatedAt: 900, LastSyncedAt: 800,
		},
		Title: "conflicted",
	})

	outcome := apply(t, r, store, "p1", nil, RemoteVersion{
		Table:     models.TablePosts,
		ServerID:  "srv_1",
		Fields:    map[string]interface{}{"title": "yet another remote edit"},
		UpdatedAt: 9000,
	})
	if outcome != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", outcome)
	}

	post, _ := store.GetPost("p1")
	if post.SyncStatus != models.SyncStatusConflict {
		t.Errorf("status = %s, conflict must stay until explicit resolution", post.SyncStatus)
	}
	if post.Title != "conflicted" {
		t.Errorf("title = %q, fields must be untouched", post.Title)
	}
}
