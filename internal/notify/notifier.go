// Package notify turns plan lifecycle events into notifications for the
// pharmacist and patient, and sends daily dose reminders to patients with
// active plans. Delivery goes through an external notification gateway.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/internal/infrastructure/kafka"
	"github.com/apotheca/go-tpc/pkg/idempotency"
)

// PlanEvent is the payload relayed from the plan outbox onto plan.events.
type PlanEvent struct {
	EventType    string `json:"event_type"`
	PlanID       string `json:"plan_id"`
	Number       string `json:"number"`
	Status       string `json:"status"`
	PharmacistID string `json:"pharmacist_id"`
	PatientID    string `json:"patient_id"`
	OccurredAt   string `json:"occurred_at"`
}

// Notification is one message bound for a user's device or mailbox.
type Notification struct {
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// Notification kinds.
const (
	KindPlanClaimed   = "plan.claimed"
	KindPlanStarted   = "plan.started"
	KindPlanCompleted = "plan.completed"
	KindPlanExpired   = "plan.expired"
	KindDoseReminder  = "dose.reminder"
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// Notifier consumes plan events and fans notifications out through the
// sender. The stream is at-least-once, so every event passes through the
// idempotency inbox before anything is sent.
type Notifier struct {
	inbox  *idempotency.Inbox
	sender Sender
	logger *zap.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(inbox *idempotency.Inbox, sender Sender, logger *zap.Logger) (*Notifier, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{inbox: inbox, sender: sender, logger: logger}, nil
}

// HandleEvent is the consumer's message handler. A returned error leaves the
// offset uncommitted so the event is redelivered; the inbox absorbs the
// resulting duplicates.
func (n *Notifier) HandleEvent(ctx context.Context, msg *kafka.ConsumedMessage) error {
	var event PlanEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Malformed payloads never become valid; log and commit past them.
		n.logger.Error("dropping malformed plan event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, event.OccurredAt)
	if err != nil {
		occurredAt = msg.Timestamp
	}
	key := idempotency.GenerateKey(event.EventType, event.Number, occurredAt)

	_, err = n.inbox.Process(ctx, key, "plan-notifier", msg.Value,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, n.dispatch(ctx, &event)
		})
	if err != nil {
		if errors.Is(err, idempotency.ErrDuplicateMessage) || errors.Is(err, idempotency.ErrMessageInProgress) {
			return nil
		}
		return fmt.Errorf("process plan event: %w", err)
	}
	return nil
}

// dispatch maps one event to its notifications and sends them.
func (n *Notifier) dispatch(ctx context.Context, event *PlanEvent) error {
	for _, notification := range notificationsFor(event) {
		if err := n.sender.Send(ctx, notification); err != nil {
			return fmt.Errorf("send %s to %s: %w", notification.Kind, notification.Recipient, err)
		}
		n.logger.Info("notification sent",
			zap.String("kind", notification.Kind),
			zap.String("recipient", notification.Recipient),
			zap.String("plan", event.Number))
	}
	return nil
}

// notificationsFor maps a lifecycle transition to the parties who care about
// it. Creation itself is silent: the pharmacist hands the claim token over in
// person, and no patient is attached yet.
func notificationsFor(event *PlanEvent) []*Notification {
	switch {
	case event.EventType == "PlanClaimed":
		return []*Notification{{
			Recipient: event.PharmacistID,
			Kind:      KindPlanClaimed,
			Title:     "Treatment plan claimed",
			Body:      fmt.Sprintf("Plan %s was claimed by its patient.", event.Number),
		}}
	case event.EventType == "PlanStatusChanged" && event.Status == "started":
		return []*Notification{{
			Recipient: event.PharmacistID,
			Kind:      KindPlanStarted,
			Title:     "Treatment started",
			Body:      fmt.Sprintf("The patient started treatment on plan %s.", event.Number),
		}}
	case event.EventType == "PlanStatusChanged" && event.Status == "completed":
		return []*Notification{{
			Recipient: event.PatientID,
			Kind:      KindPlanCompleted,
			Title:     "Treatment plan completed",
			Body:      fmt.Sprintf("Your pharmacist closed plan %s with final advice.", event.Number),
		}}
	case event.EventType == "PlanStatusChanged" && event.Status == "expired":
		return []*Notification{{
			Recipient: event.PharmacistID,
			Kind:      KindPlanExpired,
			Title:     "Treatment plan expired",
			Body:      fmt.Sprintf("Plan %s expired unclaimed.", event.Number),
		}}
	default:
		return nil
	}
}
