// Package store provides storage backends for MealReady.
//
// This file implements the SQLite-backed store for session state and
// notification records.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/grovli/mealready/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists pipeline state in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetSessionState(userID string) (models.GenerationSessionState, error) {
	row := s.db.QueryRow(`SELECT is_generating, is_complete, has_been_viewed, current_plan_id, background_task_id, attempt_id, plan_json, updated_at
		FROM session_states WHERE user_id = ?`, userID)
	state, err := scanSessionState(row)
	if err == sql.ErrNoRows {
		return models.GenerationSessionState{}, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSessionState failed", "error", err, "userID", userID)
		return models.GenerationSessionState{}, fmt.Errorf("failed to query session state: %w", err)
	}
	return state, nil
}

func (s *SQLiteStore) PutSessionState(userID string, state models.GenerationSessionState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	state.UpdatedAt = time.Now()
	planJSON, err := marshalPlan(state.Plan)
	if err != nil {
		slog.Error("SQLiteStore PutSessionState plan marshal failed", "error", err, "userID", userID)
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO session_states
		(user_id, is_generating, is_complete, has_been_viewed, current_plan_id, background_task_id, attempt_id, plan_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, state.IsGenerating, state.IsComplete, state.HasBeenViewed,
		state.CurrentPlanID, state.BackgroundTaskID, state.AttemptID, planJSON, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore PutSessionState failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to save session state: %w", err)
	}
	slog.Debug("SQLiteStore PutSessionState succeeded", "userID", userID, "planID", state.CurrentPlanID)
	return nil
}

func (s *SQLiteStore) UpdateSessionState(userID string, mutate func(*models.GenerationSessionState) error) (models.GenerationSessionState, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return models.GenerationSessionState{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT is_generating, is_complete, has_been_viewed, current_plan_id, background_task_id, attempt_id, plan_json, updated_at
		FROM session_states WHERE user_id = ?`, userID)
	current, err := scanSessionState(row)
	if err != nil && err != sql.ErrNoRows {
		slog.Error("SQLiteStore UpdateSessionState query failed", "error", err, "userID", userID)
		return models.GenerationSessionState{}, fmt.Errorf("failed to query session state: %w", err)
	}

	state := current
	if err := mutate(&state); err != nil {
		if errors.Is(err, models.ErrStaleState) {
			slog.Debug("SQLiteStore UpdateSessionState dropped stale update", "userID", userID)
			return current, nil
		}
		return current, err
	}
	if err := state.Validate(); err != nil {
		return current, err
	}

	state.UpdatedAt = time.Now()
	planJSON, err := marshalPlan(state.Plan)
	if err != nil {
		return current, err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO session_states
		(user_id, is_generating, is_complete, has_been_viewed, current_plan_id, background_task_id, attempt_id, plan_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, state.IsGenerating, state.IsComplete, state.HasBeenViewed,
		state.CurrentPlanID, state.BackgroundTaskID, state.AttemptID, planJSON, state.UpdatedAt); err != nil {
		slog.Error("SQLiteStore UpdateSessionState write failed", "error", err, "userID", userID)
		return current, fmt.Errorf("failed to save session state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("failed to commit session state: %w", err)
	}
	slog.Debug("SQLiteStore UpdateSessionState succeeded", "userID", userID, "planID", state.CurrentPlanID)
	return state, nil
}

func (s *SQLiteStore) GeneratingSessions() (map[string]models.GenerationSessionState, error) {
	rows, err := s.db.Query(`SELECT user_id, is_generating, is_complete, has_been_viewed, current_plan_id, background_task_id, attempt_id, plan_json, updated_at
		FROM session_states WHERE is_generating = 1`)
	if err != nil {
		slog.Error("SQLiteStore GeneratingSessions failed", "error", err)
		return nil, fmt.Errorf("failed to query generating sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.GenerationSessionState)
	for rows.Next() {
		var userID string
		var state models.GenerationSessionState
		var planJSON sql.NullString
		if err := rows.Scan(&userID, &state.IsGenerating, &state.IsComplete, &state.HasBeenViewed,
			&state.CurrentPlanID, &state.BackgroundTaskID, &state.AttemptID, &planJSON, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session state: %w", err)
		}
		out[userID] = state
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResetSessionState(userID string) error {
	_, err := s.db.Exec(`DELETE FROM session_states WHERE user_id = ?`, userID)
	if err != nil {
		slog.Error("SQLiteStore ResetSessionState failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to reset session state: %w", err)
	}
	slog.Debug("SQLiteStore ResetSessionState succeeded", "userID", userID)
	return nil
}

func (s *SQLiteStore) PutNotification(rec models.NotificationRecord) error {
	// Coalesce with an existing unhandled record for the same (user, plan):
	// the partial unique index rejects a second unhandled row, so refresh in
	// place when the insert conflicts.
	_, err := s.db.Exec(`INSERT INTO notifications (id, user_id, meal_plan_id, session_id, handled, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, meal_plan_id) WHERE handled = 0
		DO UPDATE SET session_id = excluded.session_id, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		rec.ID, rec.UserID, rec.MealPlanID, rec.SessionID, rec.Handled, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		slog.Error("SQLiteStore PutNotification failed", "error", err, "userID", rec.UserID, "planID", rec.MealPlanID)
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	slog.Debug("SQLiteStore PutNotification succeeded", "userID", rec.UserID, "planID", rec.MealPlanID)
	return nil
}

func (s *SQLiteStore) UnhandledNotification(userID string, now time.Time) (*models.NotificationRecord, error) {
	row := s.db.QueryRow(`SELECT id, user_id, meal_plan_id, session_id, handled, created_at, expires_at
		FROM notifications WHERE user_id = ? AND handled = 0 AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`, userID, now)
	var rec models.NotificationRecord
	err := row.Scan(&rec.ID, &rec.UserID, &rec.MealPlanID, &rec.SessionID, &rec.Handled, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore UnhandledNotification failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query notification: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) MarkNotificationHandled(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE notifications SET handled = 1 WHERE id = ? AND handled = 0`, id)
	if err != nil {
		slog.Error("SQLiteStore MarkNotificationHandled failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to mark notification handled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) PurgeExpiredNotifications(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM notifications WHERE expires_at <= ?`, now)
	if err != nil {
		slog.Error("SQLiteStore PurgeExpiredNotifications failed", "error", err)
		return 0, fmt.Errorf("failed to purge notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		slog.Debug("SQLiteStore PurgeExpiredNotifications succeeded", "purged", n)
	}
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
