// Package services provides the app-facing operations over the sync engine:
// each call applies locally first, queues the remote mutation, and registers
// the rollback that runs if the remote permanently rejects it.
package services

import (
	"context"

	"github.com/brewlog/core/internal/db"
	"github.com/brewlog/core/internal/models"
	"github.com/brewlog/core/internal/sync"
	"github.com/brewlog/core/internal/uuid"
)

// PostService owns the post lifecycle: drafts, edits, likes, deletes.
type PostService struct {
	store  *db.Store
	engine *sync.Engine
}

// NewPostService creates a PostService.
func NewPostService(store *db.Store, engine *sync.Engine) *PostService {
	return &PostService{store: store, engine: engine}
}

// PostDraft is the user's input for a new post.
type PostDraft struct {
	AuthorID    string   `json:"author_id"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Tags        []string `json:"tags"`
	Images      []string `json:"images"`
	FlavorNotes []string `json:"flavor_notes"`
}

// PostUpdate is a partial edit; nil pointers leave the field untouched.
type PostUpdate struct {
	Title       *string   `json:"title"`
	Body        *string   `json:"body"`
	Tags        *[]string `json:"tags"`
	Images      *[]string `json:"images"`
	FlavorNotes *[]string `json:"flavor_notes"`
}

// Create publishes a new post optimistically. The post is visible locally
// right away with a placeholder server id; the queued create carries the
// local id as the client reference so a replay never duplicates the row.
func (s *PostService) Create(ctx context.Context, draft PostDraft) (*models.Post, error) {
	now := models.NowMillis()
	p := &models.Post{
		Meta: models.Meta{
			LocalID:    uuid.New(),
			ServerID:   uuid.NewPlaceholder(),
			SyncStatus: models.SyncStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		AuthorID:    draft.AuthorID,
		Title:       draft.Title,
		Body:        draft.Body,
		Tags:        models.StringList(draft.Tags),
		Images:      models.StringList(draft.Images),
		FlavorNotes: models.StringList(draft.FlavorNotes),
	}

	_, err := s.engine.Perform(ctx, sync.Mutation{
		Table:     models.TablePosts,
		LocalID:   p.LocalID,
		Action:    models.ActionCreate,
		Payload:   models.MutationPayload{Fields: p.Fields()},
		Immediate: true,
	},
		func(tx *db.Tx) error { return s.store.InsertPost(tx, p) },
		func(tx *db.Tx) error { return s.store.DeleteRecord(tx, models.TablePosts, p.LocalID) },
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Update edits a post optimistically. Only the touched fields travel in the
// payload, so two devices editing different fields do not collide.
func (s *PostService) Update(ctx context.Context, localID string, update PostUpdate) (*models.Post, error) {
	prior, err := s.store.GetPost(localID)
	if err != nil {
		return nil, err
	}

	edited := *prior
	fields := make(map[string]interface{})
	if update.Title != nil {
		edited.Title = *update.Title
		fields["title"] = edited.Title
	}
	if update.Body != nil {
		edited.Body = *update.Body
		fields["body"] = edited.Body
	}
	if update.Tags != nil {
		edited.Tags = models.StringList(*update.Tags)
		fields["tags"] = *update.Tags
	}
	if update.Images != nil {
		edited.Images = models.StringList(*update.Images)
		fields["images"] = *update.Images
	}
	if update.FlavorNotes != nil {
		edited.FlavorNotes = models.StringList(*update.FlavorNotes)
		fields["flavor_notes"] = *update.FlavorNotes
	}
	if len(fields) == 0 {
		return prior, nil
	}

	restore := *prior
	_, err = s.engine.Perform(ctx, sync.Mutation{
		Table:   models.TablePosts,
		LocalID: localID,
		Action:  models.ActionUpdate,
		Payload: models.MutationPayload{Fields: fields},
	},
		func(tx *db.Tx) error { return s.store.UpdatePost(tx, &edited) },
		func(tx *db.Tx) error { return s.store.UpdatePost(tx, &restore) },
	)
	if err != nil {
		return nil, err
	}
	return &edited, nil
}

// Like adjusts the like counter by delta (+1 like, -1 unlike). Deltas merge
// additively on the remote and cancel out locally, so a like followed by an
// unlike before the next cycle sends nothing at all.
func (s *PostService) Like(ctx context.Context, localID string, delta int64) error {
	_, err := s.engine.Perform(ctx, sync.Mutation{
		Table:   models.TablePosts,
		LocalID: localID,
		Action:  models.ActionUpdate,
		Payload: models.MutationPayload{Deltas: map[string]int64{"like_count": delta}},
	},
		func(tx *db.Tx) error { return s.store.AdjustPostCounter(tx, localID, "like_count", delta) },
		func(tx *db.Tx) error { return s.store.AdjustPostCounter(tx, localID, "like_count", -delta) },
	)
	return err
}

// Delete removes a post optimistically. If the post's create never reached
// the remote the two cancel and the row disappears immediately; otherwise the
// row stays (marked pending) until the remote confirms the delete.
func (s *PostService) Delete(ctx context.Context, localID string) error {
	pending, err := s.engine.Queue.PendingForRecord(models.TablePosts, localID)
	if err != nil {
		return err
	}

	var apply sync.Apply
	if pending != nil && pending.Action == models.ActionCreate {
		// cancels the unsent create; the row goes with it
		apply = func(tx *db.Tx) error {
			return s.store.DeleteRecord(tx, models.TablePosts, localID)
		}
	}

	_, err = s.engine.Perform(ctx, sync.Mutation{
		Table:   models.TablePosts,
		LocalID: localID,
		Action:  models.ActionDelete,
	}, apply, nil)
	return err
}

// Get reads one post by local id.
func (s *PostService) Get(localID string) (*models.Post, error) {
	return s.store.GetPost(localID)
}

// List returns posts newest first. Posts with a pending delete are hidden;
// they are already gone as far as the user is concerned. A limit of zero or
// less means no limit.
func (s *PostService) List(limit, offset int) ([]db.Record, error) {
	q := db.Query{OrderBy: "created_at DESC"}
	if limit > 0 {
		q.Limit = limit + offset
	}
	records, err := s.store.Read(models.TablePosts, q)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if offset >= len(records) {
			return nil, nil
		}
		records = records[offset:]
	}

	visible := records[:0]
	for _, rec := range records {
		if rec.SyncStatus == models.SyncStatusPending {
			pending, err := s.engine.Queue.PendingForRecord(models.TablePosts, rec.LocalID)
			if err != nil {
				return nil, err
			}
			if pending != nil && pending.Action == models.ActionDelete {
				continue
			}
		}
		visible = append(visible, rec)
	}
	return visible, nil
}

// Rate records a tasting score for a post.
func (s *PostService) Rate(ctx context.Context, postLocalID string, score int, note string) (*models.Rating, error) {
	now := models.NowMillis()
	r := &models.Rating{
		Meta: models.Meta{
			LocalID:    uuid.New(),
			ServerID:   uuid.NewPlaceholder(),
			SyncStatus: models.SyncStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		PostLocalID: postLocalID,
		Score:       score,
		Note:        note,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	_, err := s.engine.Perform(ctx, sync.Mutation{
		Table:   models.TableRatings,
		LocalID: r.LocalID,
		Action:  models.ActionCreate,
		Payload: models.MutationPayload{Fields: r.Fields()},
	},
		func(tx *db.Tx) error { return s.store.InsertRating(tx, r) },
		func(tx *db.Tx) error { return s.store.DeleteRecord(tx, models.TableRatings, r.LocalID) },
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}
