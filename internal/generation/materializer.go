package generation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grovli/mealready/internal/models"
	"github.com/grovli/mealready/internal/store"
)

// PlanFetcher fetches a finished plan by ID. *mealapi.Client implements it.
type PlanFetcher interface {
	PlanByID(ctx context.Context, planID string) (*models.MealPlan, error)
}

// Materializer fetches a confirmed-ready plan and installs it into session
// state atomically, emitting the same completion state the immediate path
// produces so consumers observe one unified "plan ready" event.
type Materializer struct {
	store   store.Store
	fetcher PlanFetcher
}

// NewMaterializer creates a materializer over the given store and fetcher.
func NewMaterializer(st store.Store, fetcher PlanFetcher) *Materializer {
	return &Materializer{store: st, fetcher: fetcher}
}

// Materialize fetches the plan and writes the completed session state. The
// expected meal type and day count, carried from the originating request,
// drive a shape check on full-day plans; a short or irregular plan is logged
// and delivered anyway, since downstream consumers tolerate it.
//
// The returned bool reports whether the state write was applied; a stale
// session (superseded by a newer attempt) drops the write silently.
func (m *Materializer) Materialize(ctx context.Context, userID, planID string, mealType models.MealType, numDays int) (*models.MealPlan, bool, error) {
	plan, err := m.fetcher.PlanByID(ctx, planID)
	if err != nil {
		slog.Error("Materializer.Materialize: plan fetch failed", "error", err, "userID", userID, "planID", planID)
		return nil, false, fmt.Errorf("failed to materialize plan %s: %w", planID, err)
	}

	if mealType != "" && numDays > 0 {
		if shapeErr := plan.ValidateShape(mealType, numDays); shapeErr != nil {
			slog.Warn("Materializer.Materialize: plan shape mismatch, delivering anyway", "error", shapeErr, "planID", planID)
		}
	}

	stored, err := m.store.UpdateSessionState(userID, func(s *models.GenerationSessionState) error {
		if s.CurrentPlanID != planID {
			return models.ErrStaleState
		}
		s.Plan = plan
		s.IsGenerating = false
		s.IsComplete = true
		s.HasBeenViewed = false
		return nil
	})
	if err != nil {
		slog.Error("Materializer.Materialize: state write failed", "error", err, "userID", userID, "planID", planID)
		return nil, false, err
	}

	applied := stored.IsComplete && stored.CurrentPlanID == planID
	if !applied {
		slog.Debug("Materializer.Materialize: dropped stale materialization", "userID", userID, "planID", planID)
	}
	return plan, applied, nil
}
