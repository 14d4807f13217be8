package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/grovli/mealready/internal/models"
)

// marshalPlan encodes a plan for the nullable plan_json column.
func marshalPlan(plan *models.MealPlan) (interface{}, error) {
	if plan == nil {
		return nil, nil
	}
	b, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan: %w", err)
	}
	return string(b), nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSessionState scans a session state row shared by the SQLite and
// PostgreSQL backends. Column order must match the SELECT statements.
func scanSessionState(row rowScanner) (models.GenerationSessionState, error) {
	var state models.GenerationSessionState
	var planJSON sql.NullString
	err := row.Scan(
		&state.IsGenerating, &state.IsComplete, &state.HasBeenViewed,
		&state.CurrentPlanID, &state.BackgroundTaskID, &state.AttemptID,
		&planJSON, &state.UpdatedAt,
	)
	if err != nil {
		return state, err
	}
	if planJSON.Valid && planJSON.String != "" {
		var plan models.MealPlan
		if err := json.Unmarshal([]byte(planJSON.String), &plan); err != nil {
			return state, fmt.Errorf("failed to unmarshal plan: %w", err)
		}
		state.Plan = &plan
	}
	return state, nil
}
