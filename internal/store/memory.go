package store

import (
	"errors"
	"sync"
	"time"

	"github.com/grovli/mealready/internal/models"
)

// InMemoryStore keeps session state and notifications in process memory.
// It is used by tests and by deployments that opt out of durability.
type InMemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]models.GenerationSessionState
	notifications map[string]models.NotificationRecord // keyed by record ID
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:      make(map[string]models.GenerationSessionState),
		notifications: make(map[string]models.NotificationRecord),
	}
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) GetSessionState(userID string) (models.GenerationSessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[userID], nil
}

func (s *InMemoryStore) PutSessionState(userID string, state models.GenerationSessionState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = time.Now()
	s.sessions[userID] = state
	return nil
}

func (s *InMemoryStore) UpdateSessionState(userID string, mutate func(*models.GenerationSessionState) error) (models.GenerationSessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[userID]
	if err := mutate(&state); err != nil {
		if errors.Is(err, models.ErrStaleState) {
			// Dropped silently: the caller's view of the session is outdated.
			return s.sessions[userID], nil
		}
		return s.sessions[userID], err
	}
	if err := state.Validate(); err != nil {
		return s.sessions[userID], err
	}
	state.UpdatedAt = time.Now()
	s.sessions[userID] = state
	return state, nil
}

func (s *InMemoryStore) GeneratingSessions() (map[string]models.GenerationSessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.GenerationSessionState)
	for userID, state := range s.sessions {
		if state.IsGenerating {
			out[userID] = state
		}
	}
	return out, nil
}

func (s *InMemoryStore) ResetSessionState(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

func (s *InMemoryStore) PutNotification(rec models.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Coalesce with an existing unhandled record for the same (user, plan).
	for id, existing := range s.notifications {
		if existing.UserID == rec.UserID && existing.MealPlanID == rec.MealPlanID && !existing.Handled {
			rec.ID = existing.ID
			s.notifications[id] = rec
			return nil
		}
	}
	s.notifications[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) UnhandledNotification(userID string, now time.Time) (*models.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *models.NotificationRecord
	for _, rec := range s.notifications {
		if rec.UserID != userID || rec.Handled || rec.Expired(now) {
			continue
		}
		if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
			r := rec
			newest = &r
		}
	}
	return newest, nil
}

func (s *InMemoryStore) MarkNotificationHandled(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.notifications[id]
	if !ok || rec.Handled {
		return false, nil
	}
	rec.Handled = true
	s.notifications[id] = rec
	return true, nil
}

func (s *InMemoryStore) PurgeExpiredNotifications(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, rec := range s.notifications {
		if rec.Expired(now) {
			delete(s.notifications, id)
			purged++
		}
	}
	return purged, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
