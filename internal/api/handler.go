package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/podushkina/iiifimport/internal/importer"
	"github.com/podushkina/iiifimport/internal/task"
	"github.com/podushkina/iiifimport/internal/taskstore"
)

type Handler struct {
	store *taskstore.Store
}

func NewHandler(s *taskstore.Store) *Handler {
	return &Handler{store: s}
}

type ImportManifestRequest struct {
	Manifest string `json:"manifest"`
	UserID   int    `json:"user_id"`
}

type ImportCollectionRequest struct {
	Collection string `json:"collection"`
	UserID     int    `json:"user_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.store.Create(r.Context(), &t)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) AddSubtasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var subtasks []*task.Task
	if err := json.NewDecoder(r.Body).Decode(&subtasks); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.store.AddSubtasks(r.Context(), id, subtasks)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := taskstore.Filter{Type: q.Get("type")}

	if s := q.Get("status"); s != "" {
		status, err := strconv.Atoi(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "status must be an integer")
			return
		}
		f.Status = &status
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = limit
	}

	tasks, err := h.store.List(r.Context(), f)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, tasks)
}

func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var p task.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.store.Update(r.Context(), id, p)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) AcceptTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.store.Accept(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) Watching(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.Watching(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ids)
}

func (h *Handler) Unwatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.Unwatch(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ImportManifest(w http.ResponseWriter, r *http.Request) {
	var req ImportManifestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validURL(req.Manifest) {
		respondError(w, http.StatusBadRequest, "manifest must be an http(s) url")
		return
	}

	t, err := h.store.Create(r.Context(), importer.NewManifestTask(req.Manifest, req.UserID))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	log.Printf("import requested task=%s type=%s url=%s user=%d", t.ID, t.Type, req.Manifest, req.UserID)

	respondJSON(w, http.StatusCreated, t)
}

func (h *Handler) ImportCollection(w http.ResponseWriter, r *http.Request) {
	var req ImportCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validURL(req.Collection) {
		respondError(w, http.StatusBadRequest, "collection must be an http(s) url")
		return
	}

	t, err := h.store.Create(r.Context(), importer.NewCollectionTask(req.Collection, req.UserID))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	log.Printf("import requested task=%s type=%s url=%s user=%d", t.ID, t.Type, req.Collection, req.UserID)

	respondJSON(w, http.StatusCreated, t)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, taskstore.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, taskstore.ErrInvalidTask):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
