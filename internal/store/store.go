// Package store persists the streamer's friend and undesirable lists and
// dashboard preferences.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/liverelay/internal/domain"
)

var (
	// ErrNotFound is returned when a user is not on the targeted list.
	ErrNotFound = errors.New("user not found")
	// ErrInvalidUser is returned for an empty user id.
	ErrInvalidUser = errors.New("tiktok id is required")
)

// UserLookup answers per-identity list membership questions.
type UserLookup interface {
	// IsFriend reports whether the user is on the friend list.
	IsFriend(ctx context.Context, tiktokID string) (bool, error)

	// IsUndesirable reports whether the user is on the undesirable list.
	IsUndesirable(ctx context.Context, tiktokID string) (bool, error)

	// Status returns both memberships and the undesirable reason at once.
	Status(ctx context.Context, tiktokID string) (domain.UserStatus, error)
}

// Repository defines the interface for persisting user lists and preferences.
type Repository interface {
	UserLookup

	// ListFriends returns all friends, most recently updated first.
	ListFriends(ctx context.Context) ([]domain.User, error)

	// ListUndesirables returns all undesirable users, most recently updated first.
	ListUndesirables(ctx context.Context) ([]domain.User, error)

	// AddFriend marks a user as friend, removing them from the undesirable list.
	AddFriend(ctx context.Context, tiktokID, nickname string) error

	// AddUndesirable marks a user as undesirable, removing them from the friend list.
	AddUndesirable(ctx context.Context, tiktokID, nickname, reason string) error

	// RemoveFriend takes a user off the friend list.
	RemoveFriend(ctx context.Context, tiktokID string) error

	// RemoveUndesirable takes a user off the undesirable list.
	RemoveUndesirable(ctx context.Context, tiktokID string) error

	// Search finds known users by id or nickname substring.
	Search(ctx context.Context, query string, limit int) ([]domain.User, error)

	// GetPreferences returns every stored preference.
	GetPreferences(ctx context.Context) (map[string]string, error)

	// SavePreferences upserts the given preferences.
	SavePreferences(ctx context.Context, prefs map[string]string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
