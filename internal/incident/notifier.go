package incident

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/zero-day-ai/vigil/internal/database"
	"github.com/zero-day-ai/vigil/internal/events"
)

// AdminNotifier delivers an escalated incident to a human-facing channel.
// Implementations must tolerate being called at most once per agent per
// cooldown; the detector treats every error as non-fatal.
type AdminNotifier interface {
	Notify(ctx context.Context, incident *database.IncidentRecord) error
}

// EventNotifier is the default notifier: it logs the incident summary at
// error level and publishes an admin_notify event so external channels
// (chat bridges, pagers) can pick it up from the store. A token-bucket
// limiter guards against notification storms when many agents escalate at
// once.
type EventNotifier struct {
	store   *events.Store
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NotifierOption is a functional option for configuring an EventNotifier.
type NotifierOption func(*EventNotifier)

// WithNotifierLogger sets the structured logger. Default: slog.Default().
func WithNotifierLogger(logger *slog.Logger) NotifierOption {
	return func(n *EventNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithNotifierRateLimit overrides the notification token bucket.
// Default: 1 notification per minute with a burst of 5.
func WithNotifierRateLimit(limit rate.Limit, burst int) NotifierOption {
	return func(n *EventNotifier) {
		n.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewEventNotifier creates the default log-and-publish notifier.
func NewEventNotifier(store *events.Store, opts ...NotifierOption) *EventNotifier {
	n := &EventNotifier{
		store:   store,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Limit(1.0/60.0), 5),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var _ AdminNotifier = (*EventNotifier)(nil)

// Notify logs the incident and publishes an admin_notify event.
func (n *EventNotifier) Notify(ctx context.Context, incident *database.IncidentRecord) error {
	if !n.limiter.Allow() {
		return fmt.Errorf("notification rate limit exceeded for agent %s", incident.Agent)
	}

	summary := fmt.Sprintf("Incident escalated: agent %s had %d failures within %d minutes. %s",
		incident.Agent, incident.Count, int(incident.Window.Minutes()), incident.RootCauseHint)

	n.logger.Error("admin notification",
		"agent", incident.Agent,
		"count", incident.Count,
		"summary", summary)

	_, err := n.store.Publish(ctx, events.EventAdminNotify, map[string]any{
		"type":    "incident",
		"agent":   incident.Agent,
		"summary": summary,
	})
	if err != nil {
		return fmt.Errorf("failed to publish admin notification: %w", err)
	}
	return nil
}
