package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grovli/mealready/internal/mealapi"
	"github.com/grovli/mealready/internal/models"
	"github.com/grovli/mealready/internal/notify"
	"github.com/grovli/mealready/internal/store"
)

// fakeBackend scripts the generation API for orchestrator tests.
type fakeBackend struct {
	mu            sync.Mutex
	generate      []map[string]interface{} // queued responses, last repeats
	planMeals     map[string]int           // plan id -> meal count served by by_id
	generateCalls int
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mealplan/", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(b.planMeals) > 0 {
			if id, ok := planIDFromPath(r.URL.Path); ok {
				n, found := b.planMeals[id]
				if !found {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				json.NewEncoder(w).Encode(map[string]interface{}{"meal_plan": jsonMeals(n)})
				return
			}
		}
		b.generateCalls++
		resp := b.generate[0]
		if len(b.generate) > 1 {
			b.generate = b.generate[1:]
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func planIDFromPath(path string) (string, bool) {
	const prefix = "/mealplan/by_id/"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):], true
	}
	return "", false
}

func jsonMeals(n int) []map[string]interface{} {
	meals := make([]map[string]interface{}, n)
	for i := range meals {
		meals[i] = map[string]interface{}{
			"title":     "Meal",
			"nutrition": map[string]float64{"calories": 400},
		}
	}
	return meals
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generateCalls
}

// newTestOrchestrator builds the full pipeline over a fake backend with
// millisecond poll cadences.
func newTestOrchestrator(t *testing.T, backend *fakeBackend, opts ...Option) (*Orchestrator, *notify.Channel, store.Store) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	st := store.NewInMemoryStore()
	client, err := mealapi.NewClient(mealapi.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	channel := notify.NewChannel(st, notify.WithThrottleWindow(0), notify.WithRedeliveryWindow(0))

	opts = append([]Option{WithPollCadence(time.Millisecond, 5*time.Millisecond)}, opts...)
	o := NewOrchestrator(st, client, channel, opts...)
	t.Cleanup(o.Close)
	return o, channel, st
}

func backgroundRequest() models.GenerationRequest {
	return models.GenerationRequest{
		UserID:   "u1",
		MealType: models.MealTypeBreakfast,
		NumDays:  1,
		Targets:  models.Nutrition{Calories: 2000},
	}
}

func TestGenerateValidationFailsBeforeNetwork(t *testing.T) {
	backend := &fakeBackend{generate: []map[string]interface{}{{"status": "processing"}}}
	o, _, st := newTestOrchestrator(t, backend)

	req := backgroundRequest()
	req.NumDays = 3 // multi-day without pro

	out := o.Generate(context.Background(), req)
	if out.Kind != models.OutcomeFailure || !errors.Is(out.Err, models.ErrProRequired) {
		t.Fatalf("expected pro-required failure, got %+v", out)
	}
	if backend.calls() != 0 {
		t.Errorf("validation failure reached the network: %d calls", backend.calls())
	}

	// No session side effects either.
	state, _ := st.GetSessionState("u1")
	if state.IsGenerating || state.AttemptID != "" {
		t.Errorf("session touched by failed validation: %+v", state)
	}
}

func TestGenerateImmediatePlan(t *testing.T) {
	backend := &fakeBackend{generate: []map[string]interface{}{
		{"meal_plan": jsonMeals(1), "cached": true},
	}}
	o, _, st := newTestOrchestrator(t, backend)

	var readyPlan atomic.Value
	o.OnPlanReady(func(userID, planID string) { readyPlan.Store(planID) })

	out := o.Generate(context.Background(), backgroundRequest())
	if out.Kind != models.OutcomeImmediate {
		t.Fatalf("expected immediate outcome, got %+v", out)
	}
	if out.Plan.ID == "" {
		t.Error("inline plan without backend id should get a minted id")
	}

	state, _ := st.GetSessionState("u1")
	if !state.IsComplete || state.IsGenerating || state.HasBeenViewed {
		t.Errorf("unexpected session flags: %+v", state)
	}
	if state.CurrentPlanID != out.Plan.ID || state.Plan == nil {
		t.Errorf("plan not installed: %+v", state)
	}
	if got, _ := readyPlan.Load().(string); got != out.Plan.ID {
		t.Errorf("ready signal carried %q, want %q", got, out.Plan.ID)
	}
}

func TestGenerateBackgroundFlow(t *testing.T) {
	backend := &fakeBackend{
		generate: []map[string]interface{}{
			{"status": "processing", "meal_plan_id": "mp1", "request_hash": "hash-1"},
		},
		planMeals: map[string]int{"mp1": 1},
	}
	o, channel, st := newTestOrchestrator(t, backend)

	var ready int32
	o.OnPlanReady(func(userID, planID string) { atomic.AddInt32(&ready, 1) })

	out := o.Generate(context.Background(), backgroundRequest())
	if out.Kind != models.OutcomeBackground || out.PlanID != "mp1" || out.TaskID != "hash-1" {
		t.Fatalf("expected background outcome for mp1/hash-1, got %+v", out)
	}

	state, _ := st.GetSessionState("u1")
	if !state.IsGenerating || state.CurrentPlanID != "mp1" || state.BackgroundTaskID != "hash-1" {
		t.Fatalf("background session not recorded: %+v", state)
	}

	// The backend finishes and fires the webhook.
	if err := channel.Publish("u1", "mp1", "sess-1"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&ready) == 1 })

	state, _ = st.GetSessionState("u1")
	if !state.IsComplete || state.IsGenerating || state.HasBeenViewed {
		t.Errorf("unexpected flags after materialization: %+v", state)
	}
	if state.Plan == nil || len(state.Plan.Meals) != 1 {
		t.Errorf("plan not materialized: %+v", state.Plan)
	}

	// The completion signal fires exactly once.
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&ready); n != 1 {
		t.Errorf("ready signal fired %d times", n)
	}
}

func TestGenerateBackgroundTimeout(t *testing.T) {
	backend := &fakeBackend{generate: []map[string]interface{}{
		{"status": "processing", "meal_plan_id": "mp1"},
	}}
	o, _, st := newTestOrchestrator(t, backend,
		WithPollCadence(time.Hour, time.Hour), // never polls
		WithMaxWait(30*time.Millisecond))

	var reason atomic.Value
	o.OnFailure(func(userID, r string) { reason.Store(r) })

	out := o.Generate(context.Background(), backgroundRequest())
	if out.Kind != models.OutcomeBackground {
		t.Fatalf("expected background outcome, got %+v", out)
	}
	if out.TaskID != "mp1" {
		t.Errorf("task id should fall back to plan id, got %q", out.TaskID)
	}

	waitFor(t, 2*time.Second, func() bool {
		r, _ := reason.Load().(string)
		return r == models.ErrTimeout.Error()
	})

	state, _ := st.GetSessionState("u1")
	if state.IsGenerating {
		t.Error("generating flag survived the timeout")
	}
	// The plan reference is kept so a manual refetch can still recover it.
	if state.CurrentPlanID != "mp1" {
		t.Errorf("plan reference lost on timeout: %+v", state)
	}
}

func TestRefetchRecoversAfterTimeout(t *testing.T) {
	backend := &fakeBackend{
		generate:  []map[string]interface{}{{"status": "processing", "meal_plan_id": "mp1"}},
		planMeals: map[string]int{"mp1": 1},
	}
	o, _, st := newTestOrchestrator(t, backend,
		WithPollCadence(time.Hour, time.Hour),
		WithMaxWait(10*time.Millisecond))

	failed := make(chan struct{}, 1)
	o.OnFailure(func(userID, r string) { failed <- struct{}{} })

	o.Generate(context.Background(), backgroundRequest())
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout signal never fired")
	}

	plan, err := o.Refetch(context.Background(), "u1", "mp1")
	if err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}
	if plan == nil || len(plan.Meals) != 1 {
		t.Fatalf("unexpected refetched plan: %+v", plan)
	}

	state, _ := st.GetSessionState("u1")
	if !state.IsComplete || state.Plan == nil {
		t.Errorf("refetch did not complete the session: %+v", state)
	}
}

func TestNewGenerateSupersedesBackgroundWait(t *testing.T) {
	backend := &fakeBackend{
		generate: []map[string]interface{}{
			{"status": "processing", "meal_plan_id": "mp-a"},
			{"meal_plan": jsonMeals(1), "meal_plan_id": "mp-b"},
		},
		planMeals: map[string]int{"mp-a": 1},
	}
	o, channel, st := newTestOrchestrator(t, backend,
		WithPollCadence(time.Hour, time.Hour)) // first session never polls on its own

	out := o.Generate(context.Background(), backgroundRequest())
	if out.Kind != models.OutcomeBackground || out.PlanID != "mp-a" {
		t.Fatalf("expected background mp-a, got %+v", out)
	}

	// The user gives up waiting and generates again; this call wins.
	out = o.Generate(context.Background(), backgroundRequest())
	if out.Kind != models.OutcomeImmediate || out.Plan.ID != "mp-b" {
		t.Fatalf("expected immediate mp-b, got %+v", out)
	}

	// The superseded task's webhook arrives late. Nothing is polling for it
	// anymore and the session must keep the newer plan.
	if err := channel.Publish("u1", "mp-a", ""); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	state, _ := st.GetSessionState("u1")
	if state.CurrentPlanID != "mp-b" || !state.IsComplete {
		t.Errorf("superseded attempt clobbered the session: %+v", state)
	}
}

func TestMarkViewed(t *testing.T) {
	backend := &fakeBackend{generate: []map[string]interface{}{
		{"meal_plan": jsonMeals(1), "meal_plan_id": "mp1"},
	}}
	o, _, st := newTestOrchestrator(t, backend)

	// Viewing before any plan exists is rejected.
	if err := o.MarkViewed("u1"); !errors.Is(err, models.ErrViewedBeforeComplete) {
		t.Errorf("expected ErrViewedBeforeComplete, got %v", err)
	}

	o.Generate(context.Background(), backgroundRequest())
	if err := o.MarkViewed("u1"); err != nil {
		t.Fatalf("MarkViewed failed: %v", err)
	}

	state, _ := st.GetSessionState("u1")
	if !state.HasBeenViewed {
		t.Error("viewed flag not set")
	}
}

func TestResetClearsSessionAndStopsPolling(t *testing.T) {
	backend := &fakeBackend{
		generate:  []map[string]interface{}{{"status": "processing", "meal_plan_id": "mp1"}},
		planMeals: map[string]int{"mp1": 1},
	}
	o, channel, st := newTestOrchestrator(t, backend)

	o.Generate(context.Background(), backgroundRequest())
	if err := o.Reset("u1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	state, _ := st.GetSessionState("u1")
	if state.IsGenerating || state.CurrentPlanID != "" {
		t.Errorf("session not cleared: %+v", state)
	}

	// A webhook after reset must not resurrect the session.
	if err := channel.Publish("u1", "mp1", ""); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	state, _ = st.GetSessionState("u1")
	if state.IsComplete || state.Plan != nil {
		t.Errorf("reset session resurrected: %+v", state)
	}

	// Resetting again is a no-op.
	if err := o.Reset("u1"); err != nil {
		t.Errorf("second Reset errored: %v", err)
	}
}

func TestGenerateAuthFailureClearsGenerating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	st := store.NewInMemoryStore()
	client, err := mealapi.NewClient(mealapi.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	channel := notify.NewChannel(st, notify.WithThrottleWindow(0))
	o := NewOrchestrator(st, client, channel)
	t.Cleanup(o.Close)

	out := o.Generate(context.Background(), backgroundRequest())
	if out.Kind != models.OutcomeFailure || !errors.Is(out.Err, models.ErrAuthFailed) {
		t.Fatalf("expected auth failure, got %+v", out)
	}

	state, _ := st.GetSessionState("u1")
	if state.IsGenerating {
		t.Error("generating flag left set after failed request")
	}
}

func TestGenerateUnrecognizedResponse(t *testing.T) {
	backend := &fakeBackend{generate: []map[string]interface{}{
		{"status": "weird"},
	}}
	o, _, st := newTestOrchestrator(t, backend)

	out := o.Generate(context.Background(), backgroundRequest())
	if out.Kind != models.OutcomeFailure || !errors.Is(out.Err, models.ErrInvalidFormat) {
		t.Fatalf("expected invalid-format failure, got %+v", out)
	}

	state, _ := st.GetSessionState("u1")
	if state.IsGenerating {
		t.Error("generating flag left set after unrecognized response")
	}
}

func TestCloseStopsActiveSessions(t *testing.T) {
	backend := &fakeBackend{
		generate:  []map[string]interface{}{{"status": "processing", "meal_plan_id": "mp1"}},
		planMeals: map[string]int{"mp1": 1},
	}
	o, channel, st := newTestOrchestrator(t, backend)

	o.Generate(context.Background(), backgroundRequest())
	o.Close()

	// A webhook after Close goes nowhere.
	if err := channel.Publish("u1", "mp1", ""); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	state, _ := st.GetSessionState("u1")
	if state.IsComplete {
		t.Errorf("session completed after Close: %+v", state)
	}
}
