package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/liverelay/internal/domain"
	"github.com/ashureev/liverelay/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts = 3
	writeBackoff  = 100 * time.Millisecond
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL journal, 5s busy timeout.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		tiktok_id TEXT PRIMARY KEY,
		nickname TEXT NOT NULL DEFAULT '',
		is_friend INTEGER NOT NULL DEFAULT 0,
		is_undesirable INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_friend ON users(updated_at) WHERE is_friend = 1;
	CREATE INDEX IF NOT EXISTS idx_users_undesirable ON users(updated_at) WHERE is_undesirable = 1;

	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// IsFriend reports whether the user is on the friend list.
func (s *SQLiteStore) IsFriend(ctx context.Context, tiktokID string) (bool, error) {
	st, err := s.Status(ctx, tiktokID)
	return st.IsFriend, err
}

// IsUndesirable reports whether the user is on the undesirable list.
func (s *SQLiteStore) IsUndesirable(ctx context.Context, tiktokID string) (bool, error) {
	st, err := s.Status(ctx, tiktokID)
	return st.IsUndesirable, err
}

// Status returns the list membership of a user. Unknown users are on no list.
func (s *SQLiteStore) Status(ctx context.Context, tiktokID string) (domain.UserStatus, error) {
	status := domain.UserStatus{UniqueID: tiktokID}
	if tiktokID == "" {
		return status, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT is_friend, is_undesirable, reason FROM users WHERE tiktok_id = ?`, tiktokID)
	err := row.Scan(&status.IsFriend, &status.IsUndesirable, &status.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("scan user status: %w", err)
	}
	return status, nil
}

// ListFriends returns all friends, most recently updated first.
func (s *SQLiteStore) ListFriends(ctx context.Context) ([]domain.User, error) {
	return s.queryUsers(ctx, `
		SELECT tiktok_id, nickname, is_friend, is_undesirable, reason, created_at, updated_at
		FROM users WHERE is_friend = 1 ORDER BY updated_at DESC, tiktok_id`)
}

// ListUndesirables returns all undesirable users, most recently updated first.
func (s *SQLiteStore) ListUndesirables(ctx context.Context) ([]domain.User, error) {
	return s.queryUsers(ctx, `
		SELECT tiktok_id, nickname, is_friend, is_undesirable, reason, created_at, updated_at
		FROM users WHERE is_undesirable = 1 ORDER BY updated_at DESC, tiktok_id`)
}

// Search finds users whose id or nickname contains query.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]domain.User, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	return s.queryUsers(ctx, `
		SELECT tiktok_id, nickname, is_friend, is_undesirable, reason, created_at, updated_at
		FROM users
		WHERE tiktok_id LIKE ? ESCAPE '\' OR nickname LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC, tiktok_id
		LIMIT ?`, pattern, pattern, limit)
}

// AddFriend marks a user as friend and clears any undesirable flag.
func (s *SQLiteStore) AddFriend(ctx context.Context, tiktokID, nickname string) error {
	if tiktokID == "" {
		return ErrInvalidUser
	}
	query := `
	INSERT INTO users (tiktok_id, nickname, is_friend, is_undesirable, reason, created_at, updated_at)
	VALUES (?, ?, 1, 0, '', ?, ?)
	ON CONFLICT(tiktok_id) DO UPDATE SET
		nickname = CASE WHEN excluded.nickname = '' THEN users.nickname ELSE excluded.nickname END,
		is_friend = 1,
		is_undesirable = 0,
		reason = '',
		updated_at = excluded.updated_at`

	now := s.now().Unix()
	return s.write(ctx, "add friend", tiktokID, func() error {
		_, err := s.db.ExecContext(ctx, query, tiktokID, nickname, now, now)
		return err
	})
}

// AddUndesirable marks a user as undesirable and clears any friend flag.
func (s *SQLiteStore) AddUndesirable(ctx context.Context, tiktokID, nickname, reason string) error {
	if tiktokID == "" {
		return ErrInvalidUser
	}
	query := `
	INSERT INTO users (tiktok_id, nickname, is_friend, is_undesirable, reason, created_at, updated_at)
	VALUES (?, ?, 0, 1, ?, ?, ?)
	ON CONFLICT(tiktok_id) DO UPDATE SET
		nickname = CASE WHEN excluded.nickname = '' THEN users.nickname ELSE excluded.nickname END,
		is_friend = 0,
		is_undesirable = 1,
		reason = excluded.reason,
		updated_at = excluded.updated_at`

	now := s.now().Unix()
	return s.write(ctx, "add undesirable", tiktokID, func() error {
		_, err := s.db.ExecContext(ctx, query, tiktokID, nickname, reason, now, now)
		return err
	})
}

// RemoveFriend takes a user off the friend list.
func (s *SQLiteStore) RemoveFriend(ctx context.Context, tiktokID string) error {
	return s.removeFlag(ctx, "remove friend", `
		UPDATE users SET is_friend = 0, updated_at = ?
		WHERE tiktok_id = ? AND is_friend = 1`, tiktokID)
}

// RemoveUndesirable takes a user off the undesirable list.
func (s *SQLiteStore) RemoveUndesirable(ctx context.Context, tiktokID string) error {
	return s.removeFlag(ctx, "remove undesirable", `
		UPDATE users SET is_undesirable = 0, reason = '', updated_at = ?
		WHERE tiktok_id = ? AND is_undesirable = 1`, tiktokID)
}

// GetPreferences returns every stored preference.
func (s *SQLiteStore) GetPreferences(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM preferences`)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close preference rows", "error", closeErr)
		}
	}()

	prefs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan preference row: %w", err)
		}
		prefs[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preferences: %w", err)
	}
	return prefs, nil
}

// SavePreferences upserts prefs in a single transaction.
func (s *SQLiteStore) SavePreferences(ctx context.Context, prefs map[string]string) error {
	if len(prefs) == 0 {
		return nil
	}
	now := s.now().Unix()
	return s.write(ctx, "save preferences", "", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for k, v := range prefs {
			if _, err := stmt.ExecContext(ctx, k, v, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) removeFlag(ctx context.Context, op, query, tiktokID string) error {
	if tiktokID == "" {
		return ErrInvalidUser
	}
	var affected int64
	err := s.write(ctx, op, tiktokID, func() error {
		result, err := s.db.ExecContext(ctx, query, s.now().Unix(), tiktokID)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return err
		}
		// Forget users that are no longer on any list.
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM users WHERE tiktok_id = ? AND is_friend = 0 AND is_undesirable = 0`, tiktokID)
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// write runs fn, retrying with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) write(ctx context.Context, op, tiktokID string, fn func() error) error {
	attempt := 0
	err := shared.RetryOnConflict(ctx, writeAttempts, writeBackoff, func() error {
		attempt++
		err := fn()
		if err != nil && shared.IsSQLiteConflictError(err) && attempt < writeAttempts {
			slog.Debug("SQLite busy, retrying", "op", op, "tiktok_id", tiktokID, "attempt", attempt)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLiteStore) queryUsers(ctx context.Context, query string, args ...any) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close user rows", "error", closeErr)
		}
	}()

	users := []domain.User{}
	for rows.Next() {
		var user domain.User
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&user.TikTokID, &user.Nickname, &user.IsFriend, &user.IsUndesirable,
			&user.Reason, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		user.CreatedAt = time.Unix(createdAt, 0)
		user.UpdatedAt = time.Unix(updatedAt, 0)
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
