package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/liverelay/internal/domain"
	"github.com/ashureev/liverelay/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

type userRequest struct {
	TikTokID string `json:"tiktok_id" validate:"required,max=64"`
	Nickname string `json:"nickname" validate:"omitempty,max=128"`
	Reason   string `json:"reason" validate:"omitempty,max=500"`
}

// ListFriends returns the friend list.
func (h *Handler) ListFriends(w http.ResponseWriter, r *http.Request) {
	users, err := h.repo.ListFriends(r.Context())
	if err != nil {
		slog.Error("Failed to list friends", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list friends")
		return
	}
	JSON(w, http.StatusOK, nonNil(users))
}

// ListUndesirables returns the undesirable list.
func (h *Handler) ListUndesirables(w http.ResponseWriter, r *http.Request) {
	users, err := h.repo.ListUndesirables(r.Context())
	if err != nil {
		slog.Error("Failed to list undesirables", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list undesirables")
		return
	}
	JSON(w, http.StatusOK, nonNil(users))
}

// AddFriend puts a user on the friend list.
func (h *Handler) AddFriend(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readUser(w, r)
	if !ok {
		return
	}
	if err := h.repo.AddFriend(r.Context(), req.TikTokID, req.Nickname); err != nil {
		h.writeStoreError(w, "add friend", req.TikTokID, err)
		return
	}
	slog.Info("Friend added", "tiktok_id", req.TikTokID)
	JSON(w, http.StatusCreated, map[string]string{"status": "added", "tiktok_id": req.TikTokID})
}

// AddUndesirable puts a user on the undesirable list.
func (h *Handler) AddUndesirable(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readUser(w, r)
	if !ok {
		return
	}
	if err := h.repo.AddUndesirable(r.Context(), req.TikTokID, req.Nickname, req.Reason); err != nil {
		h.writeStoreError(w, "add undesirable", req.TikTokID, err)
		return
	}
	slog.Info("Undesirable added", "tiktok_id", req.TikTokID)
	JSON(w, http.StatusCreated, map[string]string{"status": "added", "tiktok_id": req.TikTokID})
}

// RemoveFriend takes a user off the friend list.
func (h *Handler) RemoveFriend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.RemoveFriend(r.Context(), id); err != nil {
		h.writeStoreError(w, "remove friend", id, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// RemoveUndesirable takes a user off the undesirable list.
func (h *Handler) RemoveUndesirable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.RemoveUndesirable(r.Context(), id); err != nil {
		h.writeStoreError(w, "remove undesirable", id, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// Search finds known users by id or nickname.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		JSON(w, http.StatusOK, []domain.User{})
		return
	}
	limit := defaultSearchLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxSearchLimit)
	}
	users, err := h.repo.Search(r.Context(), query, limit)
	if err != nil {
		slog.Error("User search failed", "error", err)
		Error(w, http.StatusInternalServerError, "search failed")
		return
	}
	JSON(w, http.StatusOK, nonNil(users))
}

// Status reports list membership for one user.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.repo.Status(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, "user status", id, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// GetPreferences returns every stored preference.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.repo.GetPreferences(r.Context())
	if err != nil {
		slog.Error("Failed to load preferences", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	if prefs == nil {
		prefs = map[string]string{}
	}
	JSON(w, http.StatusOK, prefs)
}

// SavePreferences upserts the posted preferences.
func (h *Handler) SavePreferences(w http.ResponseWriter, r *http.Request) {
	var prefs map[string]string
	if err := decode(w, r, &prefs); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.repo.SavePreferences(r.Context(), prefs); err != nil {
		slog.Error("Failed to save preferences", "error", err)
		Error(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (h *Handler) readUser(w http.ResponseWriter, r *http.Request) (userRequest, bool) {
	var req userRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	req.TikTokID = strings.TrimPrefix(strings.TrimSpace(req.TikTokID), "@")
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return req, false
	}
	return req, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "user not found")
	case errors.Is(err, store.ErrInvalidUser):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("User list operation failed", "op", op, "tiktok_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func nonNil(users []domain.User) []domain.User {
	if users == nil {
		return []domain.User{}
	}
	return users
}
