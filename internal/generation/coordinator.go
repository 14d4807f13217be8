// Package generation implements the asynchronous meal plan generation
// pipeline: the orchestrator that starts a generation attempt, the polling
// coordinator that watches the notification channel for background results,
// and the materializer that installs a finished plan into session state.
package generation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/grovli/mealready/internal/models"
	"github.com/grovli/mealready/internal/notify"
)

// Polling cadence defaults: one early check shortly after the background
// task starts, then a slower steady interval.
const (
	DefaultInitialDelay = 5 * time.Second
	DefaultPollInterval = 15 * time.Second
)

// PlanChecker is the slice of the notification channel the coordinator
// polls. *notify.Channel implements it.
type PlanChecker interface {
	Check(userID string) (notify.CheckResult, error)
	Consume(rec *models.NotificationRecord) (bool, error)
}

// PollingCoordinator polls the notification channel for one background
// generation session. Every Start is paired with a guaranteed Stop: on a
// consumed notification, on supersession by a newer attempt, on the
// orchestrator's outer timeout, and on shutdown. Stop is idempotent and safe
// to call from any goroutine.
type PollingCoordinator struct {
	checker      PlanChecker
	onReady      func(rec *models.NotificationRecord)
	initialDelay time.Duration
	interval     time.Duration

	mu      sync.Mutex
	initial *time.Timer
	ticker  *time.Ticker
	done    chan struct{}
	userID  string
	planID  string
	active  bool
}

// NewPollingCoordinator creates a coordinator. onReady runs at most once per
// Start, after the matching notification has been consumed.
func NewPollingCoordinator(checker PlanChecker, initialDelay, interval time.Duration, onReady func(rec *models.NotificationRecord)) *PollingCoordinator {
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollingCoordinator{
		checker:      checker,
		onReady:      onReady,
		initialDelay: initialDelay,
		interval:     interval,
	}
}

// Start begins polling for the given session, superseding any polling
// already in progress.
func (c *PollingCoordinator) Start(userID, planID string) {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	slog.Debug("PollingCoordinator.Start", "userID", userID, "planID", planID,
		"initialDelay", c.initialDelay, "interval", c.interval)

	c.userID = userID
	c.planID = planID
	c.active = true
	done := make(chan struct{})
	c.done = done

	c.initial = time.AfterFunc(c.initialDelay, func() { c.check(done) })
	ticker := time.NewTicker(c.interval)
	c.ticker = ticker
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.check(done)
			}
		}
	}()
}

// Stop cancels both timers synchronously. Calling Stop on an idle or
// already-stopped coordinator is a no-op.
func (c *PollingCoordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.active = false
	if c.initial != nil {
		c.initial.Stop()
		c.initial = nil
	}
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	close(c.done)
	slog.Debug("PollingCoordinator.Stop", "userID", c.userID, "planID", c.planID)
}

// Active reports whether the coordinator is currently polling.
func (c *PollingCoordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// check performs one poll. A failed check is logged and swallowed; polling
// continues until a stop condition is met.
func (c *PollingCoordinator) check(done chan struct{}) {
	c.mu.Lock()
	if !c.active || c.done != done {
		c.mu.Unlock()
		return
	}
	userID, planID := c.userID, c.planID
	c.mu.Unlock()

	res, err := c.checker.Check(userID)
	if err != nil {
		slog.Warn("PollingCoordinator.check: check failed, will retry", "error", err, "userID", userID)
		return
	}
	if res.Throttled || res.Duplicate || res.Notification == nil {
		return
	}
	rec := res.Notification
	if rec.MealPlanID != planID {
		slog.Debug("PollingCoordinator.check: notification for a different plan", "userID", userID, "got", rec.MealPlanID, "want", planID)
		return
	}

	// Consume before materializing: overlapping checks race on the handled
	// flag and only the winner proceeds.
	first, err := c.checker.Consume(rec)
	if err != nil {
		slog.Warn("PollingCoordinator.check: consume failed, will retry", "error", err, "planID", planID)
		return
	}
	if !first {
		return
	}

	c.Stop()
	slog.Info("PollingCoordinator.check: plan ready", "userID", userID, "planID", planID)
	if c.onReady != nil {
		c.onReady(rec)
	}
}
