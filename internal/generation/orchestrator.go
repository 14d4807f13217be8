package generation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grovli/mealready/internal/mealapi"
	"github.com/grovli/mealready/internal/models"
	"github.com/grovli/mealready/internal/store"
)

// DefaultMaxWait bounds how long a background generation may stay pending
// before the orchestrator gives up and surfaces a timeout.
const DefaultMaxWait = 10 * time.Minute

// statusProcessing is the backend's marker for a background-task response.
const statusProcessing = "processing"

// Opts holds configuration options for the orchestrator.
type Opts struct {
	InitialDelay time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
}

// Option defines a configuration option for the orchestrator.
type Option func(*Opts)

// WithPollCadence sets the coordinator's initial delay and steady interval.
func WithPollCadence(initialDelay, interval time.Duration) Option {
	return func(o *Opts) {
		o.InitialDelay = initialDelay
		o.PollInterval = interval
	}
}

// WithMaxWait sets the outer bound on a background generation.
func WithMaxWait(d time.Duration) Option {
	return func(o *Opts) { o.MaxWait = d }
}

// session tracks the live resources of one user's background wait.
type session struct {
	coordinator *PollingCoordinator
	outer       *time.Timer
}

// Orchestrator drives the generation state machine: it starts attempts,
// classifies backend responses, hands background tasks to a polling
// coordinator, and emits a single unified completion signal for both the
// immediate and the materialized paths.
type Orchestrator struct {
	store        store.Store
	client       *mealapi.Client
	checker      PlanChecker
	materializer *Materializer
	initialDelay time.Duration
	pollInterval time.Duration
	maxWait      time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	readyFns []func(userID, planID string)
	failFns  []func(userID, reason string)
	closed   bool
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(st store.Store, client *mealapi.Client, checker PlanChecker, opts ...Option) *Orchestrator {
	cfg := Opts{
		InitialDelay: DefaultInitialDelay,
		PollInterval: DefaultPollInterval,
		MaxWait:      DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		store:        st,
		client:       client,
		checker:      checker,
		materializer: NewMaterializer(st, client),
		initialDelay: cfg.InitialDelay,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		sessions:     make(map[string]*session),
	}
}

// OnPlanReady registers a callback invoked once per completed generation,
// regardless of whether the plan arrived inline or via the background path.
func (o *Orchestrator) OnPlanReady(fn func(userID, planID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readyFns = append(o.readyFns, fn)
}

// OnFailure registers a callback for failures that happen after Generate has
// returned (timeout, failed materialization).
func (o *Orchestrator) OnFailure(fn func(userID, reason string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failFns = append(o.failFns, fn)
}

// Generate runs one generation attempt. Precondition violations fail before
// any network call or state mutation. A new call supersedes any attempt
// still in flight for the user: last call wins, and late responses from
// superseded calls are dropped by the attempt-id guard.
func (o *Orchestrator) Generate(ctx context.Context, req models.GenerationRequest) models.GenerationOutcome {
	if err := req.Validate(); err != nil {
		slog.Warn("Orchestrator.Generate: validation failed", "error", err, "userID", req.UserID)
		return models.FailureOutcome(err)
	}

	attemptID := uuid.NewString()
	o.stopSession(req.UserID)

	if err := o.store.PutSessionState(req.UserID, models.GenerationSessionState{
		IsGenerating: true,
		AttemptID:    attemptID,
	}); err != nil {
		slog.Error("Orchestrator.Generate: failed to start session", "error", err, "userID", req.UserID)
		return models.FailureOutcome(err)
	}
	slog.Info("Orchestrator.Generate: generation started", "userID", req.UserID, "mealType", req.MealType, "numDays", req.NumDays)

	res, err := o.client.Generate(ctx, req)
	if err != nil {
		o.clearGenerating(req.UserID, attemptID)
		if errors.Is(err, models.ErrAuthFailed) {
			slog.Warn("Orchestrator.Generate: authentication failed", "userID", req.UserID, "error", err)
			return models.FailureOutcome(models.ErrAuthFailed)
		}
		slog.Error("Orchestrator.Generate: request failed", "error", err, "userID", req.UserID)
		return models.FailureOutcome(err)
	}

	switch {
	case len(res.MealPlan) > 0:
		plan := &models.MealPlan{ID: res.MealPlanID, Meals: res.MealPlan}
		if plan.ID == "" {
			// Cached inline responses may omit the id; mint one so the
			// completed-session invariant holds.
			plan.ID = uuid.NewString()
		}
		applied := o.completeInline(req.UserID, attemptID, plan)
		if applied {
			o.emitReady(req.UserID, plan.ID)
		}
		slog.Info("Orchestrator.Generate: immediate plan received", "userID", req.UserID, "planID", plan.ID, "meals", len(plan.Meals))
		return models.ImmediateOutcome(plan)

	case res.Status == statusProcessing && res.MealPlanID != "":
		taskID := res.TaskID()
		applied := false
		if _, err := o.store.UpdateSessionState(req.UserID, func(s *models.GenerationSessionState) error {
			if s.AttemptID != attemptID {
				return models.ErrStaleState
			}
			s.CurrentPlanID = res.MealPlanID
			s.BackgroundTaskID = taskID
			applied = true
			return nil
		}); err != nil {
			slog.Error("Orchestrator.Generate: failed to record background task", "error", err, "userID", req.UserID)
			return models.FailureOutcome(err)
		}
		if applied {
			o.startSession(req.UserID, res.MealPlanID, req.MealType, req.NumDays)
		}
		slog.Info("Orchestrator.Generate: background task started", "userID", req.UserID, "planID", res.MealPlanID, "taskID", taskID)
		return models.BackgroundOutcome(res.MealPlanID, taskID)

	default:
		o.clearGenerating(req.UserID, attemptID)
		slog.Error("Orchestrator.Generate: unrecognized response shape", "userID", req.UserID, "status", res.Status)
		return models.FailureOutcome(models.ErrInvalidFormat)
	}
}

// SessionState exposes the read-only session state for UI binding.
func (o *Orchestrator) SessionState(userID string) (models.GenerationSessionState, error) {
	return o.store.GetSessionState(userID)
}

// MarkViewed records that the user has seen the completed plan.
func (o *Orchestrator) MarkViewed(userID string) error {
	_, err := o.store.UpdateSessionState(userID, func(s *models.GenerationSessionState) error {
		if !s.IsComplete {
			return models.ErrViewedBeforeComplete
		}
		s.HasBeenViewed = true
		return nil
	})
	return err
}

// Reset discards the session: polling stops, timers are released, and the
// stored state returns to its initial empty value. Resetting twice in a row
// is a no-op the second time.
func (o *Orchestrator) Reset(userID string) error {
	o.stopSession(userID)
	return o.store.ResetSessionState(userID)
}

// Refetch re-materializes a plan by id on explicit caller request. This is
// the recovery path after a timeout or a failed materialization: the stored
// CurrentPlanID survives both, so the plan remains reachable.
func (o *Orchestrator) Refetch(ctx context.Context, userID, planID string) (*models.MealPlan, error) {
	plan, applied, err := o.materializer.Materialize(ctx, userID, planID, "", 0)
	if err != nil {
		return nil, err
	}
	if applied {
		o.emitReady(userID, planID)
	}
	return plan, nil
}

// Resume re-arms the polling coordinator and outer timeout for a background
// wait that was in flight when the process stopped. The originating request
// parameters are gone, so the materializer's shape check is skipped.
func (o *Orchestrator) Resume(userID, planID string) {
	slog.Info("Orchestrator.Resume: resuming background wait", "userID", userID, "planID", planID)
	o.startSession(userID, planID, "", 0)
}

// Close stops all active polling sessions and outer timers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	sessions := o.sessions
	o.sessions = make(map[string]*session)
	o.closed = true
	o.mu.Unlock()
	for _, s := range sessions {
		s.coordinator.Stop()
		s.outer.Stop()
	}
	slog.Debug("Orchestrator.Close: stopped all sessions", "count", len(sessions))
}

// startSession arms the polling coordinator and the outer timeout for a
// background wait.
func (o *Orchestrator) startSession(userID, planID string, mealType models.MealType, numDays int) {
	coordinator := NewPollingCoordinator(o.checker, o.initialDelay, o.pollInterval, func(rec *models.NotificationRecord) {
		o.handleReady(userID, planID, mealType, numDays)
	})

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	outer := time.AfterFunc(o.maxWait, func() { o.handleTimeout(userID, planID) })
	o.sessions[userID] = &session{coordinator: coordinator, outer: outer}
	o.mu.Unlock()

	coordinator.Start(userID, planID)
}

// stopSession releases the polling coordinator and outer timer, if any.
func (o *Orchestrator) stopSession(userID string) {
	o.mu.Lock()
	s := o.sessions[userID]
	delete(o.sessions, userID)
	o.mu.Unlock()
	if s != nil {
		s.coordinator.Stop()
		s.outer.Stop()
	}
}

// handleReady runs after the coordinator consumed a notification. Consume
// and materialize form one logical transaction: if materialization fails
// here, the plan is recoverable only through an explicit Refetch.
func (o *Orchestrator) handleReady(userID, planID string, mealType models.MealType, numDays int) {
	o.stopSession(userID)

	ctx, cancel := context.WithTimeout(context.Background(), mealapi.DefaultRequestTimeout)
	defer cancel()

	plan, applied, err := o.materializer.Materialize(ctx, userID, planID, mealType, numDays)
	if err != nil {
		slog.Error("Orchestrator.handleReady: materialization failed", "error", err, "userID", userID, "planID", planID)
		o.emitFailure(userID, err.Error())
		return
	}
	if applied {
		slog.Info("Orchestrator.handleReady: plan materialized", "userID", userID, "planID", planID, "meals", len(plan.Meals))
		o.emitReady(userID, planID)
	}
}

// handleTimeout fires when the outer bound expires before a notification
// arrived. The recorded CurrentPlanID is kept so a later manual refetch by
// id remains possible.
func (o *Orchestrator) handleTimeout(userID, planID string) {
	o.stopSession(userID)

	if _, err := o.store.UpdateSessionState(userID, func(s *models.GenerationSessionState) error {
		if s.CurrentPlanID != planID {
			return models.ErrStaleState
		}
		s.IsGenerating = false
		return nil
	}); err != nil {
		slog.Error("Orchestrator.handleTimeout: state write failed", "error", err, "userID", userID)
	}
	slog.Warn("Orchestrator.handleTimeout: background wait exceeded bound", "userID", userID, "planID", planID, "maxWait", o.maxWait)
	o.emitFailure(userID, models.ErrTimeout.Error())
}

// clearGenerating resets the generating flag after a failed attempt without
// touching CurrentPlanID. The attempt-id guard keeps a late failure from a
// superseded call from clobbering a newer session.
func (o *Orchestrator) clearGenerating(userID, attemptID string) {
	if _, err := o.store.UpdateSessionState(userID, func(s *models.GenerationSessionState) error {
		if s.AttemptID != attemptID {
			return models.ErrStaleState
		}
		s.IsGenerating = false
		return nil
	}); err != nil {
		slog.Error("Orchestrator.clearGenerating: state write failed", "error", err, "userID", userID)
	}
}

// completeInline writes an inline plan as the completed session in one
// atomic update, guarded by the attempt id.
func (o *Orchestrator) completeInline(userID, attemptID string, plan *models.MealPlan) bool {
	applied := false
	if _, err := o.store.UpdateSessionState(userID, func(s *models.GenerationSessionState) error {
		if s.AttemptID != attemptID {
			return models.ErrStaleState
		}
		s.Plan = plan
		s.CurrentPlanID = plan.ID
		s.IsGenerating = false
		s.IsComplete = true
		s.HasBeenViewed = false
		applied = true
		return nil
	}); err != nil {
		slog.Error("Orchestrator.completeInline: state write failed", "error", err, "userID", userID)
		return false
	}
	return applied
}

func (o *Orchestrator) emitReady(userID, planID string) {
	o.mu.Lock()
	fns := make([]func(string, string), len(o.readyFns))
	copy(fns, o.readyFns)
	o.mu.Unlock()
	for _, fn := range fns {
		fn(userID, planID)
	}
}

func (o *Orchestrator) emitFailure(userID, reason string) {
	o.mu.Lock()
	fns := make([]func(string, string), len(o.failFns))
	copy(fns, o.failFns)
	o.mu.Unlock()
	for _, fn := range fns {
		fn(userID, reason)
	}
}
