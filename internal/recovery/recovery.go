// Package recovery restores in-flight generation waits after an application
// restart. Background polling lives in process memory, so any session that was
// waiting on a meal plan when the process stopped would otherwise wait forever.
package recovery

import (
	"fmt"
	"log/slog"

	"github.com/grovli/mealready/internal/models"
	"github.com/grovli/mealready/internal/store"
)

// Resumer re-arms background polling for a persisted session.
type Resumer interface {
	Resume(userID, planID string)
}

// Manager scans the store on startup and reconciles persisted session state
// with the (empty) in-memory polling state.
type Manager struct {
	st      store.Store
	resumer Resumer
}

// NewManager creates a recovery manager over the given store and resumer.
func NewManager(st store.Store, resumer Resumer) *Manager {
	return &Manager{st: st, resumer: resumer}
}

// Recover re-arms polling for every session persisted as generating. Sessions
// that were generating but never received a plan ID died mid-request; their
// generating flag is cleared so the client sees a clean failure instead of a
// wait that can never complete.
func (m *Manager) Recover() error {
	sessions, err := m.st.GeneratingSessions()
	if err != nil {
		return fmt.Errorf("recovery: failed to list generating sessions: %w", err)
	}

	if len(sessions) == 0 {
		slog.Debug("Manager.Recover: no in-flight sessions to recover")
		return nil
	}

	resumed := 0
	cleared := 0
	for userID, state := range sessions {
		if state.CurrentPlanID == "" {
			if err := m.clearGenerating(userID); err != nil {
				slog.Error("Manager.Recover: failed to clear orphaned session", "error", err, "userID", userID)
				continue
			}
			cleared++
			continue
		}
		m.resumer.Resume(userID, state.CurrentPlanID)
		resumed++
	}

	slog.Info("Manager.Recover: recovery completed", "resumed", resumed, "cleared", cleared)
	return nil
}

func (m *Manager) clearGenerating(userID string) error {
	_, err := m.st.UpdateSessionState(userID, func(state *models.GenerationSessionState) error {
		state.IsGenerating = false
		return nil
	})
	return err
}
