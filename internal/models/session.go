// Package models defines state structures for the generation pipeline.
package models

import "time"

// GenerationSessionState is the durable record of one user's generation
// session. It survives process restarts and is the single source of truth
// the orchestrator, poller, and materializer coordinate through.
//
// Invariants: IsComplete implies CurrentPlanID != ""; HasBeenViewed implies
// IsComplete; at most one of IsGenerating/IsComplete is set at a time.
type GenerationSessionState struct {
	IsGenerating     bool      `json:"is_generating"`
	IsComplete       bool      `json:"is_complete"`
	HasBeenViewed    bool      `json:"has_been_viewed"`
	CurrentPlanID    string    `json:"current_plan_id,omitempty"`
	BackgroundTaskID string    `json:"background_task_id,omitempty"`
	Plan             *MealPlan `json:"plan,omitempty"`
	// AttemptID identifies the generate call that owns this session. Async
	// completions compare it before writing so a late response from a
	// superseded call is dropped instead of clobbering newer state.
	AttemptID string    `json:"attempt_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the session state invariants. Stores call it before
// persisting a mutated state.
func (s *GenerationSessionState) Validate() error {
	if s.IsGenerating && s.IsComplete {
		return ErrStateConflict
	}
	if s.IsComplete && s.CurrentPlanID == "" {
		return ErrCompleteWithoutPlan
	}
	if s.HasBeenViewed && !s.IsComplete {
		return ErrViewedBeforeComplete
	}
	return nil
}

// NotificationRecord is one "plan ready" event delivered by the backend
// webhook, held until the client consumes it or it expires. At most one
// unhandled record exists per (user, plan) pair.
type NotificationRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	MealPlanID string    `json:"meal_plan_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Handled    bool      `json:"handled"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record's TTL has elapsed at the given time.
func (n *NotificationRecord) Expired(now time.Time) bool {
	return !n.ExpiresAt.After(now)
}
