package recovery

import (
	"testing"

	"github.com/grovli/mealready/internal/models"
	"github.com/grovli/mealready/internal/store"
)

type fakeResumer struct {
	resumed map[string]string
}

func newFakeResumer() *fakeResumer {
	return &fakeResumer{resumed: make(map[string]string)}
}

func (f *fakeResumer) Resume(userID, planID string) {
	f.resumed[userID] = planID
}

func seedSession(t *testing.T, st store.Store, userID string, state models.GenerationSessionState) {
	t.Helper()
	if err := st.PutSessionState(userID, state); err != nil {
		t.Fatalf("failed to seed session for %s: %v", userID, err)
	}
}

func TestRecoverResumesGeneratingSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	seedSession(t, st, "user-1", models.GenerationSessionState{
		IsGenerating:  true,
		CurrentPlanID: "mp-1",
	})
	seedSession(t, st, "user-2", models.GenerationSessionState{
		IsGenerating:  true,
		CurrentPlanID: "mp-2",
	})
	seedSession(t, st, "user-3", models.GenerationSessionState{
		IsComplete:    true,
		CurrentPlanID: "mp-3",
	})

	resumer := newFakeResumer()
	if err := NewManager(st, resumer).Recover(); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if len(resumer.resumed) != 2 {
		t.Fatalf("expected 2 resumed sessions, got %d", len(resumer.resumed))
	}
	if resumer.resumed["user-1"] != "mp-1" {
		t.Errorf("expected user-1 resumed with mp-1, got %q", resumer.resumed["user-1"])
	}
	if resumer.resumed["user-2"] != "mp-2" {
		t.Errorf("expected user-2 resumed with mp-2, got %q", resumer.resumed["user-2"])
	}
	if _, ok := resumer.resumed["user-3"]; ok {
		t.Error("completed session should not be resumed")
	}
}

func TestRecoverClearsOrphanedSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	seedSession(t, st, "user-1", models.GenerationSessionState{
		IsGenerating: true,
	})

	resumer := newFakeResumer()
	if err := NewManager(st, resumer).Recover(); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if len(resumer.resumed) != 0 {
		t.Fatalf("session without a plan ID should not be resumed, got %v", resumer.resumed)
	}
	state, err := st.GetSessionState("user-1")
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if state.IsGenerating {
		t.Error("expected generating flag cleared for orphaned session")
	}
}

func TestRecoverNoSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	resumer := newFakeResumer()
	if err := NewManager(st, resumer).Recover(); err != nil {
		t.Fatalf("Recover failed on empty store: %v", err)
	}
	if len(resumer.resumed) != 0 {
		t.Fatalf("expected no resumed sessions, got %v", resumer.resumed)
	}
}
