// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libbrewlog.so (Android) / brewlog.framework (iOS).
// All exported functions use the C calling convention and are callable from
// Dart FFI; returned strings must be released with FreeString.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"unsafe"

	"github.com/brewlog/core/internal/config"
	"github.com/brewlog/core/internal/connectivity"
	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/export"
	"github.com/brewlog/core/internal/logging"
	"github.com/brewlog/core/internal/remote"
	"github.com/brewlog/core/internal/services"
	syncengine "github.com/brewlog/core/internal/sync"
)

var (
	once     sync.Once
	database *db.DB
	engine   *syncengine.Engine
	posts    *services.PostService
	backups  *export.Service
	feed     *remote.Feed
	cancel   context.CancelFunc

	lastErr string
	lastMu  sync.RWMutex
)

//export Init
// Init starts the engine with the database under dataDir. Remote and sync
// settings come from the environment (the host app sets them before calling).
// Returns 0 on success.
func Init(dataDir *C.char) int32 {
	once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			setLastError(fmt.Sprintf("Failed to load config: %v", err))
			return
		}
		if dir := C.GoString(dataDir); dir != "" {
			cfg.Data.Dir = dir
		}

		logging.Init(logging.Options{
			Level:      cfg.Logging.Level,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})

		database, err = db.Open(cfg.Data.Dir)
		if err != nil {
			setLastError(fmt.Sprintf("Failed to open database: %v", err))
			return
		}

		store := db.NewStore(database)
		if cfg.Remote.AuthToken == "" {
			// fall back to the token sealed in the local store
			if token, err := store.AuthToken(); err == nil {
				cfg.Remote.AuthToken = token
			}
		}
		monitor := connectivity.NewMonitor(&connectivity.HTTPProber{
			URL:     cfg.Probe.URL,
			Timeout: cfg.Probe.Timeout,
		}, cfg.Probe.Interval)
		client := remote.NewClient(cfg.Remote)
		engine = syncengine.New(store, client, monitor, cfg)
		posts = services.NewPostService(store, engine)
		backups = export.NewService(store)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		engine.Start(ctx)
		if feed = remote.NewFeed(cfg.Remote, engine.Manager, monitor); feed != nil {
			feed.Start(ctx)
		}
	})
	if engine == nil {
		return 1
	}
	return 0
}

//export Shutdown
// Shutdown stops sync and closes the database.
func Shutdown() {
	if cancel != nil {
		cancel()
	}
	if feed != nil {
		feed.Stop()
	}
	if engine != nil {
		engine.Stop()
	}
	if database != nil {
		database.Close()
	}
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

func setLastError(err string) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err
}

// =====================================================
// Post Operations
// =====================================================

//export PostCreate
// PostCreate creates a post from a JSON draft and returns the stored post as
// JSON. The post is visible immediately; sync happens in the background.
func PostCreate(draftJSON *C.char) *C.char {
	if posts == nil {
		setLastError("Engine not initialized")
		return nil
	}

	var draft services.PostDraft
	if err := json.Unmarshal([]byte(C.GoString(draftJSON)), &draft); err != nil {
		setLastError(fmt.Sprintf("Invalid draft: %v", err))
		return nil
	}

	p, err := posts.Create(context.Background(), draft)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to create post: %v", err))
		return nil
	}
	return marshal(p)
}

//export PostUpdate
// PostUpdate applies a partial edit (JSON, nulls leave fields untouched) and
// returns the edited post as JSON.
func PostUpdate(localID, updateJSON *C.char) *C.char {
	if posts == nil {
		setLastError("Engine not initialized")
		return nil
	}

	var update services.PostUpdate
	if err := json.Unmarshal([]byte(C.GoString(updateJSON)), &update); err != nil {
		setLastError(fmt.Sprintf("Invalid update: %v", err))
		return nil
	}

	p, err := posts.Update(context.Background(), C.GoString(localID), update)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to update post: %v", err))
		return nil
	}
	return marshal(p)
}

//export PostDelete
// PostDelete deletes a post. Returns 0 on success.
func PostDelete(localID *C.char) int32 {
	if posts == nil {
		setLastError("Engine not initialized")
		return 1
	}
	if err := posts.Delete(context.Background(), C.GoString(localID)); err != nil {
		setLastError(fmt.Sprintf("Failed to delete post: %v", err))
		return 1
	}
	return 0
}

//export PostLike
// PostLike adjusts the like counter: +1 to like, -1 to unlike.
// Returns 0 on success.
func PostLike(localID *C.char, delta int32) int32 {
	if posts == nil {
		setLastError("Engine not initialized")
		return 1
	}
	if err := posts.Like(context.Background(), C.GoString(localID), int64(delta)); err != nil {
		setLastError(fmt.Sprintf("Failed to adjust like: %v", err))
		return 1
	}
	return 0
}

//export PostGet
// PostGet returns one post as JSON.
func PostGet(localID *C.char) *C.char {
	if posts == nil {
		setLastError("Engine not initialized")
		return nil
	}
	p, err := posts.Get(C.GoString(localID))
	if err != nil {
		setLastError(fmt.Sprintf("Failed to get post: %v", err))
		return nil
	}
	return marshal(p)
}

//export PostList
// PostList returns posts newest first as a JSON object {"items":[...],"total":n}.
func PostList(limit, offset int32) *C.char {
	if posts == nil {
		setLastError("Engine not initialized")
		return nil
	}
	records, err := posts.List(int(limit), int(offset))
	if err != nil {
		setLastError(fmt.Sprintf("Failed to list posts: %v", err))
		return nil
	}
	return marshal(map[string]interface{}{
		"items": records,
		"total": len(records),
	})
}

// =====================================================
// Sync Operations
// =====================================================

//export SyncNow
// SyncNow requests an immediate sync cycle. Returns 1 if a cycle was queued,
// 0 if one was already in flight (a follow-up will run).
func SyncNow() int32 {
	if engine == nil {
		setLastError("Engine not initialized")
		return 0
	}
	if engine.Manager.TriggerSync() {
		return 1
	}
	return 0
}

//export SyncStatus
// SyncStatus returns the engine snapshot as JSON: state, queue depth and
// per-table record counts by sync status.
func SyncStatus() *C.char {
	if engine == nil {
		setLastError("Engine not initialized")
		return nil
	}
	status, err := engine.Status()
	if err != nil {
		setLastError(fmt.Sprintf("Failed to read status: %v", err))
		return nil
	}
	return marshal(status)
}

//export ConflictList
// ConflictList returns the open conflicts for one record as a JSON array.
func ConflictList(table, localID *C.char) *C.char {
	if engine == nil {
		setLastError("Engine not initialized")
		return nil
	}
	logs, err := engine.Store.UnresolvedConflicts(C.GoString(table), C.GoString(localID))
	if err != nil {
		setLastError(fmt.Sprintf("Failed to list conflicts: %v", err))
		return nil
	}
	return marshal(logs)
}

//export ConflictResolve
// ConflictResolve settles a flagged record; choice is "local" or "remote".
// Returns 0 on success.
func ConflictResolve(table, localID, choice *C.char) int32 {
	if engine == nil {
		setLastError("Engine not initialized")
		return 1
	}
	err := engine.ResolveConflict(C.GoString(table), C.GoString(localID),
		syncengine.Choice(C.GoString(choice)))
	if err != nil {
		setLastError(fmt.Sprintf("Failed to resolve conflict: %v", err))
		return 1
	}
	return 0
}

//export SetAuthToken
// SetAuthToken seals the backend auth token into the local store. It takes
// effect on the next engine start.
func SetAuthToken(token *C.char) int32 {
	if engine == nil {
		setLastError("Engine not initialized")
		return 1
	}
	if err := engine.Store.SetAuthToken(C.GoString(token)); err != nil {
		setLastError(fmt.Sprintf("Failed to store token: %v", err))
		return 1
	}
	return 0
}

//export SetOnline
// SetOnline feeds the OS reachability callback into the connectivity monitor
// so sync reacts faster than the next probe.
func SetOnline(online int32) {
	if engine == nil {
		return
	}
	engine.Monitor.SetOnline(online != 0)
}

// =====================================================
// Backup Operations
// =====================================================

//export BackupExport
// BackupExport writes a backup archive to path (empty picks a default name)
// and returns the result as JSON.
func BackupExport(path *C.char) *C.char {
	if backups == nil {
		setLastError("Engine not initialized")
		return nil
	}
	result, err := backups.Export(C.GoString(path))
	if err != nil {
		setLastError(fmt.Sprintf("Failed to export backup: %v", err))
		return nil
	}
	return marshal(result)
}

//export BackupImport
// BackupImport restores records from a backup archive and returns the result
// as JSON. Existing local records always win over the archive.
func BackupImport(path *C.char) *C.char {
	if backups == nil {
		setLastError("Engine not initialized")
		return nil
	}
	result, err := backups.Import(C.GoString(path))
	if err != nil {
		setLastError(fmt.Sprintf("Failed to import backup: %v", err))
		return nil
	}
	return marshal(result)
}

// =====================================================
// Memory Management Helpers
// =====================================================

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func marshal(v interface{}) *C.char {
	data, err := json.Marshal(v)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to serialize: %v", err))
		return nil
	}
	return C.CString(string(data))
}

func main() {
	// Main entry point for shared library
	// Not used when loaded as library
}
