// Package notify implements the "plan ready" notification channel.
//
// The generation backend calls the meal-ready webhook when a background task
// finishes; the channel records that event durably and the polling
// coordinator consumes it exactly once. Records expire after a fixed TTL so
// a client that never polls does not accumulate stale events.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grovli/mealready/internal/models"
	"github.com/grovli/mealready/internal/store"
)

// Defaults mirroring the original channel behavior: notifications live for
// hours, per-user checks are throttled, and a just-delivered plan is
// suppressed for a short window to avoid duplicate delivery.
const (
	DefaultTTL               = 6 * time.Hour
	DefaultThrottleWindow    = 30 * time.Second
	DefaultRedeliveryWindow  = 2 * time.Minute
	recentlyNotifiedCapacity = 256
)

// Opts holds configuration options for the channel.
type Opts struct {
	TTL              time.Duration
	ThrottleWindow   time.Duration
	RedeliveryWindow time.Duration
	Clock            func() time.Time
}

// Option defines a configuration option for the channel.
type Option func(*Opts)

// WithTTL sets how long an unconsumed notification stays queryable.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// WithThrottleWindow sets the minimum interval between effective checks per user.
func WithThrottleWindow(d time.Duration) Option {
	return func(o *Opts) { o.ThrottleWindow = d }
}

// WithRedeliveryWindow sets how long a consumed (user, plan) pair is
// suppressed from re-delivery.
func WithRedeliveryWindow(d time.Duration) Option {
	return func(o *Opts) { o.RedeliveryWindow = d }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Channel records and serves plan-ready notifications backed by the store.
type Channel struct {
	store            store.Store
	ttl              time.Duration
	throttleWindow   time.Duration
	redeliveryWindow time.Duration
	clock            func() time.Time

	mu               sync.Mutex
	lastCheck        map[string]time.Time // user -> last effective check
	recentlyNotified map[string]time.Time // user:plan -> consumed at
}

// NewChannel creates a notification channel over the given store.
func NewChannel(st store.Store, opts ...Option) *Channel {
	cfg := Opts{
		TTL:              DefaultTTL,
		ThrottleWindow:   DefaultThrottleWindow,
		RedeliveryWindow: DefaultRedeliveryWindow,
		Clock:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Channel{
		store:            st,
		ttl:              cfg.TTL,
		throttleWindow:   cfg.ThrottleWindow,
		redeliveryWindow: cfg.RedeliveryWindow,
		clock:            cfg.Clock,
		lastCheck:        make(map[string]time.Time),
		recentlyNotified: make(map[string]time.Time),
	}
}

// Publish records a plan-ready event for a user. Publishing the same
// (user, plan) pair again before it is consumed refreshes the existing
// record rather than queuing a duplicate.
func (c *Channel) Publish(userID, mealPlanID, sessionID string) error {
	if userID == "" || mealPlanID == "" {
		return fmt.Errorf("user id and meal plan id are required")
	}
	now := c.clock()
	rec := models.NotificationRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		MealPlanID: mealPlanID,
		SessionID:  sessionID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.ttl),
	}
	if err := c.store.PutNotification(rec); err != nil {
		slog.Error("Channel.Publish: failed to store notification", "error", err, "userID", userID, "planID", mealPlanID)
		return err
	}
	slog.Info("Channel.Publish: plan ready notification recorded", "userID", userID, "planID", mealPlanID)
	return nil
}

// CheckResult is the outcome of one poll against the channel.
type CheckResult struct {
	Notification *models.NotificationRecord
	Throttled    bool
	Duplicate    bool
}

// Check returns the pending unhandled notification for a user, if any.
// Checks inside the throttle window return Throttled without touching the
// store; a record whose (user, plan) pair was consumed within the
// redelivery window is reported as Duplicate and withheld.
func (c *Channel) Check(userID string) (CheckResult, error) {
	now := c.clock()

	c.mu.Lock()
	if last, ok := c.lastCheck[userID]; ok && now.Sub(last) < c.throttleWindow {
		c.mu.Unlock()
		slog.Debug("Channel.Check: throttled", "userID", userID)
		return CheckResult{Throttled: true}, nil
	}
	c.lastCheck[userID] = now
	c.mu.Unlock()

	rec, err := c.store.UnhandledNotification(userID, now)
	if err != nil {
		slog.Error("Channel.Check: store query failed", "error", err, "userID", userID)
		return CheckResult{}, err
	}
	if rec == nil {
		return CheckResult{}, nil
	}

	c.mu.Lock()
	consumedAt, seen := c.recentlyNotified[deliveryKey(rec.UserID, rec.MealPlanID)]
	c.mu.Unlock()
	if seen && now.Sub(consumedAt) < c.redeliveryWindow {
		slog.Debug("Channel.Check: suppressing duplicate delivery", "userID", userID, "planID", rec.MealPlanID)
		return CheckResult{Duplicate: true}, nil
	}

	return CheckResult{Notification: rec}, nil
}

// Consume marks a notification handled. It returns true for exactly one
// caller per record; overlapping consumers observe false and must not
// materialize.
func (c *Channel) Consume(rec *models.NotificationRecord) (bool, error) {
	first, err := c.store.MarkNotificationHandled(rec.ID)
	if err != nil {
		slog.Error("Channel.Consume: failed to mark handled", "error", err, "id", rec.ID)
		return false, err
	}
	if !first {
		slog.Debug("Channel.Consume: already handled", "id", rec.ID, "planID", rec.MealPlanID)
		return false, nil
	}

	c.mu.Lock()
	c.recentlyNotified[deliveryKey(rec.UserID, rec.MealPlanID)] = c.clock()
	// The map only guards a short redelivery window; cap it rather than
	// tracking precise expiry per entry.
	if len(c.recentlyNotified) > recentlyNotifiedCapacity {
		cutoff := c.clock().Add(-c.redeliveryWindow)
		for k, t := range c.recentlyNotified {
			if t.Before(cutoff) {
				delete(c.recentlyNotified, k)
			}
		}
	}
	c.mu.Unlock()

	slog.Info("Channel.Consume: notification consumed", "userID", rec.UserID, "planID", rec.MealPlanID)
	return true, nil
}

// PurgeExpired removes notifications past their TTL. Wired to the cron
// scheduler in the service bootstrap.
func (c *Channel) PurgeExpired() (int, error) {
	n, err := c.store.PurgeExpiredNotifications(c.clock())
	if err != nil {
		slog.Error("Channel.PurgeExpired failed", "error", err)
		return 0, err
	}
	if n > 0 {
		slog.Info("Channel.PurgeExpired removed expired notifications", "count", n)
	}
	return n, nil
}

func deliveryKey(userID, planID string) string {
	return userID + ":" + planID
}
