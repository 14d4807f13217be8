// Package store provides storage backends for MealReady.
//
// This file implements the PostgreSQL-backed store for session state and
// notification records.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/grovli/mealready/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists pipeline state in a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

const postgresSessionSelect = `SELECT is_generating, is_complete, has_been_viewed, current_plan_id, background_task_id, attempt_id, plan_json, updated_at
	FROM session_states WHERE user_id = $1`

const postgresSessionUpsert = `INSERT INTO session_states
	(user_id, is_generating, is_complete, has_been_viewed, current_plan_id, background_task_id, attempt_id, plan_json, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (user_id) DO UPDATE SET
		is_generating = EXCLUDED.is_generating,
		is_complete = EXCLUDED.is_complete,
		has_been_viewed = EXCLUDED.has_been_viewed,
		current_plan_id = EXCLUDED.current_plan_id,
		background_task_id = EXCLUDED.background_task_id,
		attempt_id = EXCLUDED.attempt_id,
		plan_json = EXCLUDED.plan_json,
		updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) GetSessionState(userID string) (models.GenerationSessionState, error) {
	state, err := scanSessionState(s.db.QueryRow(postgresSessionSelect, userID))
	if err == sql.ErrNoRows {
		return models.GenerationSessionState{}, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSessionState failed", "error", err, "userID", userID)
		return models.GenerationSessionState{}, fmt.Errorf("failed to query session state: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) PutSessionState(userID string, state models.GenerationSessionState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	state.UpdatedAt = time.Now()
	planJSON, err := marshalPlan(state.Plan)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(postgresSessionUpsert,
		userID, state.IsGenerating, state.IsComplete, state.HasBeenViewed,
		state.CurrentPlanID, state.BackgroundTaskID, state.AttemptID, planJSON, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore PutSessionState failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to save session state: %w", err)
	}
	slog.Debug("PostgresStore PutSessionState succeeded", "userID", userID, "planID", state.CurrentPlanID)
	return nil
}

func (s *PostgresStore) UpdateSessionState(userID string, mutate func(*models.GenerationSessionState) error) (models.GenerationSessionState, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return models.GenerationSessionState{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanSessionState(tx.QueryRow(postgresSessionSelect+" FOR UPDATE", userID))
	if err != nil && err != sql.ErrNoRows {
		slog.Error("PostgresStore UpdateSessionState query failed", "error", err, "userID", userID)
		return models.GenerationSessionState{}, fmt.Errorf("failed to query session state: %w", err)
	}

	state := current
	if err := mutate(&state); err != nil {
		if errors.Is(err, models.ErrStaleState) {
			slog.Debug("PostgresStore UpdateSessionState dropped stale update", "userID", userID)
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
	if _, err := tx.Exec(postgresSessionUpsert,
		userID, state.IsGenerating, state.IsComplete, state.HasBeenViewed,
		state.CurrentPlanID, state.BackgroundTaskID, state.AttemptID, planJSON, state.UpdatedAt); err != nil {
		slog.Error("PostgresStore UpdateSessionState write failed", "error", err, "userID", userID)
		return current, fmt.Errorf("failed to save session state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("failed to commit session state: %w", err)
	}
	slog.Debug("PostgresStore UpdateSessionState succeeded", "userID", userID, "planID", state.CurrentPlanID)
	return state, nil
}

func (s *PostgresStore) GeneratingSessions() (map[string]models.GenerationSessionState, error) {
	rows, err := s.db.Query(`SELECT user_id, is_generating, is_complete, has_been_viewed, current_plan_id, background_task_id, attempt_id, plan_json, updated_at
		FROM session_states WHERE is_generating = TRUE`)
	if err != nil {
		slog.Error("PostgresStore GeneratingSessions failed", "error", err)
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

func (s *PostgresStore) ResetSessionState(userID string) error {
	_, err := s.db.Exec(`DELETE FROM session_states WHERE user_id = $1`, userID)
	if err != nil {
		slog.Error("PostgresStore ResetSessionState failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to reset session state: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutNotification(rec models.NotificationRecord) error {
	_, err := s.db.Exec(`INSERT INTO notifications (id, user_id, meal_plan_id, session_id, handled, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, meal_plan_id) WHERE handled = FALSE
		DO UPDATE SET session_id = EXCLUDED.session_id, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		rec.ID, rec.UserID, rec.MealPlanID, rec.SessionID, rec.Handled, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		slog.Error("PostgresStore PutNotification failed", "error", err, "userID", rec.UserID, "planID", rec.MealPlanID)
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnhandledNotification(userID string, now time.Time) (*models.NotificationRecord, error) {
	row := s.db.QueryRow(`SELECT id, user_id, meal_plan_id, session_id, handled, created_at, expires_at
		FROM notifications WHERE user_id = $1 AND handled = FALSE AND expires_at > $2
		ORDER BY created_at DESC LIMIT 1`, userID, now)
	var rec models.NotificationRecord
	err := row.Scan(&rec.ID, &rec.UserID, &rec.MealPlanID, &rec.SessionID, &rec.Handled, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore UnhandledNotification failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query notification: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) MarkNotificationHandled(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE notifications SET handled = TRUE WHERE id = $1 AND handled = FALSE`, id)
	if err != nil {
		slog.Error("PostgresStore MarkNotificationHandled failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to mark notification handled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) PurgeExpiredNotifications(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM notifications WHERE expires_at <= $1`, now)
	if err != nil {
		slog.Error("PostgresStore PurgeExpiredNotifications failed", "error", err)
		return 0, fmt.Errorf("failed to purge notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
