// Package handlers provides the localhost REST API the desktop UI talks to.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/services"
)

// PostsHandler exposes the post lifecycle over HTTP.
type PostsHandler struct {
	posts *services.PostService
}

// NewPostsHandler creates a PostsHandler.
func NewPostsHandler(posts *services.PostService) *PostsHandler {
	return &PostsHandler{posts: posts}
}

// ServeHTTP routes /api/posts and /api/posts/{id}[/like|/rating].
func (h *PostsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/posts")
	rest = strings.Trim(rest, "/")

	switch {
	case rest == "" && r.Method == http.MethodGet:
		h.list(w, r)
	case rest == "" && r.Method == http.MethodPost:
		h.create(w, r)
	default:
		parts := strings.SplitN(rest, "/", 2)
		localID := parts[0]
		sub := ""
		if len(parts) == 2 {
			sub = parts[1]
		}
		h.routeItem(w, r, localID, sub)
	}
}

func (h *PostsHandler) routeItem(w http.ResponseWriter, r *http.Request, localID, sub string) {
	switch {
	case sub == "" && r.Method == http.MethodGet:
		h.get(w, localID)
	case sub == "" && r.Method == http.MethodPatch:
		h.update(w, r, localID)
	case sub == "" && r.Method == http.MethodDelete:
		h.delete(w, r, localID)
	case sub == "like" && r.Method == http.MethodPost:
		h.like(w, r, localID)
	case sub == "rating" && r.Method == http.MethodPost:
		h.rate(w, r, localID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *PostsHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	records, err := h.posts.List(limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": records,
		"total": len(records),
	})
}

func (h *PostsHandler) create(w http.ResponseWriter, r *http.Request) {
	var draft services.PostDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	p, err := h.posts.Create(r.Context(), draft)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *PostsHandler) get(w http.ResponseWriter, localID string) {
	p, err := h.posts.Get(localID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PostsHandler) update(w http.ResponseWriter, r *http.Request, localID string) {
	var update services.PostUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	p, err := h.posts.Update(r.Context(), localID, update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PostsHandler) delete(w http.ResponseWriter, r *http.Request, localID string) {
	if err := h.posts.Delete(r.Context(), localID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *PostsHandler) like(w http.ResponseWriter, r *http.Request, localID string) {
	var body struct {
		Delta int64 `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.Delta != 1 && body.Delta != -1 {
		http.Error(w, "delta must be 1 or -1", http.StatusBadRequest)
		return
	}

	if err := h.posts.Like(r.Context(), localID, body.Delta); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *PostsHandler) rate(w http.ResponseWriter, r *http.Request, localID string) {
	var body struct {
		Score int    `json:"score"`
		Note  string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rating, err := h.posts.Rate(r.Context(), localID, body.Score, body.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.Code(err) {
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrInvalid, errors.ErrValidation:
		status = http.StatusBadRequest
	case errors.ErrDuplicate:
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
