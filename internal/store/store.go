// Package store provides storage backends for MealReady.
//
// It persists generation session state and "plan ready" notification records
// across process restarts. Backends exist for SQLite, PostgreSQL, and an
// in-memory store for tests. Every mutating operation is atomic with respect
// to readers: a reader never observes a partially applied update.
package store

import (
	"time"

	"github.com/grovli/mealready/internal/models"
)

// Store is the persistence contract shared by the pipeline components.
type Store interface {
	// GetSessionState returns the session state for a user. A user with no
	// recorded session gets the zero state, not an error.
	GetSessionState(userID string) (models.GenerationSessionState, error)

	// PutSessionState replaces the session state for a user in one atomic write.
	PutSessionState(userID string, state models.GenerationSessionState) error

	// UpdateSessionState applies mutate to the current state under the store's
	// write lock and persists the result atomically. If mutate returns
	// models.ErrStaleState the update is dropped without error; any other
	// error aborts the update and is returned. The state actually stored
	// (or left in place) is returned.
	UpdateSessionState(userID string, mutate func(*models.GenerationSessionState) error) (models.GenerationSessionState, error)

	// ResetSessionState clears a user's session back to the zero state.
	// Resetting an absent or already-clear session is not an error.
	ResetSessionState(userID string) error

	// GeneratingSessions returns the sessions currently marked as
	// generating, keyed by user. Startup recovery uses it to re-arm
	// polling for waits that were in flight when the process stopped.
	GeneratingSessions() (map[string]models.GenerationSessionState, error)

	// PutNotification upserts a notification record keyed on (user, plan),
	// preserving the at-most-one-unhandled-record invariant. Re-publishing an
	// unhandled (user, plan) pair refreshes the existing record.
	PutNotification(rec models.NotificationRecord) error

	// UnhandledNotification returns the zero-or-one unhandled, unexpired
	// record for a user. Nil with no error means nothing is pending.
	UnhandledNotification(userID string, now time.Time) (*models.NotificationRecord, error)

	// MarkNotificationHandled flips the handled flag. It returns true only
	// for the first caller; concurrent duplicates observe false, which is the
	// at-most-once hinge preventing double materialization.
	MarkNotificationHandled(id string) (bool, error)

	// PurgeExpiredNotifications deletes records past their expiry and returns
	// how many were removed.
	PurgeExpiredNotifications(now time.Time) (int, error)

	// Close releases the backend's resources.
	Close() error
}
