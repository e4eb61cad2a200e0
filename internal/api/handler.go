// Package api provides HTTP handlers for the relay's REST surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/liverelay/internal/provider"
	"github.com/ashureev/liverelay/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 64 << 10

// ModelLister lists self-hosted models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]provider.Model, error)
}

// Handler provides common handler utilities.
type Handler struct {
	repo          store.Repository
	models        ModelLister
	validate      *validator.Validate
	healthTimeout time.Duration
}

// NewHandler creates a new Handler. models may be nil.
func NewHandler(repo store.Repository, models ModelLister) *Handler {
	return &Handler{
		repo:          repo,
		models:        models,
		validate:      validator.New(),
		healthTimeout: 5 * time.Second,
	}
}

// RegisterRoutes registers every REST route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/models", h.ListModels)

		r.Route("/users", func(r chi.Router) {
			r.Get("/friends", h.ListFriends)
			r.Post("/friends", h.AddFriend)
			r.Delete("/friends/{id}", h.RemoveFriend)
			r.Get("/undesirables", h.ListUndesirables)
			r.Post("/undesirables", h.AddUndesirable)
			r.Delete("/undesirables/{id}", h.RemoveUndesirable)
			r.Get("/search", h.Search)
			r.Get("/{id}/status", h.Status)
		})

		r.Get("/preferences", h.GetPreferences)
		r.Post("/preferences", h.SavePreferences)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}
