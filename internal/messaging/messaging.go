// Package messaging delivers out-of-app "plan ready" notifications.
//
// The pipeline's completion signal is in-process; this package adds an
// optional SMS hop on top of it so a user who navigated away still learns
// their plan is done.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

// Sender sends a text message to a recipient.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

var phoneNumberRegex = regexp.MustCompile(`[^0-9+]`)

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone
// number by stripping everything but digits and a leading plus.
func ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" || canonical == "+" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	digits := len(canonical)
	if canonical[0] == '+' {
		digits--
	}
	if digits < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("messaging canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// PlanReadyNotifier sends an SMS when a generation completes. Subscribe it
// to the orchestrator's completion signal.
type PlanReadyNotifier struct {
	sender Sender
	to     string
}

// NewPlanReadyNotifier creates a notifier for a fixed recipient.
func NewPlanReadyNotifier(sender Sender, to string) (*PlanReadyNotifier, error) {
	canonical, err := ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return nil, err
	}
	return &PlanReadyNotifier{sender: sender, to: canonical}, nil
}

// PlanReady sends the notification. Matches the orchestrator's OnPlanReady
// callback signature.
func (n *PlanReadyNotifier) PlanReady(userID, planID string) {
	ctx := context.Background()
	body := "Your meal plan is ready. Open MealReady to view it."
	if err := n.sender.SendMessage(ctx, n.to, body); err != nil {
		slog.Error("PlanReadyNotifier: failed to send notification", "error", err, "userID", userID, "planID", planID)
		return
	}
	slog.Info("PlanReadyNotifier: notification sent", "userID", userID, "planID", planID)
}

// MockSender records messages instead of sending them. Used by tests.
type MockSender struct {
	mu       sync.Mutex
	Messages []MockMessage
	Err      error
}

// MockMessage is one recorded send.
type MockMessage struct {
	To   string
	Body string
}

// SendMessage records the message and returns the configured error, if any.
func (m *MockSender) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, MockMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockSender) Sent() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}
