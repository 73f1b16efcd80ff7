package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments the event store, subscription
// runtime, incident detector, and plugin manager record into.
//
// The zero value (a nil *Metrics) is valid and records nothing, so components
// can carry a *Metrics field without nil checks at every call site. The
// caller chooses the exporter by supplying a meter from whatever MeterProvider
// it has installed; Vigil never opens network connections of its own.
type Metrics struct {
	eventsPublished     metric.Int64Counter
	eventsDelivered     metric.Int64Counter
	eventsDropped       metric.Int64Counter
	handlerErrors       metric.Int64Counter
	incidentsEscalated  metric.Int64Counter
	incidentsSuppressed metric.Int64Counter
	pluginLoads         metric.Int64Counter
	pluginFailures      metric.Int64Counter
}

// NewMetrics creates the Vigil instrument set on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.eventsPublished, err = meter.Int64Counter("vigil.events.published",
		metric.WithDescription("Events appended to the store")); err != nil {
		return nil, fmt.Errorf("failed to create events.published counter: %w", err)
	}
	if m.eventsDelivered, err = meter.Int64Counter("vigil.events.delivered",
		metric.WithDescription("Events dispatched to subscription handlers")); err != nil {
		return nil, fmt.Errorf("failed to create events.delivered counter: %w", err)
	}
	if m.eventsDropped, err = meter.Int64Counter("vigil.events.dropped",
		metric.WithDescription("Events dropped for slow channel subscribers")); err != nil {
		return nil, fmt.Errorf("failed to create events.dropped counter: %w", err)
	}
	if m.handlerErrors, err = meter.Int64Counter("vigil.events.handler_errors",
		metric.WithDescription("Handler errors and panics isolated by the runtime")); err != nil {
		return nil, fmt.Errorf("failed to create events.handler_errors counter: %w", err)
	}
	if m.incidentsEscalated, err = meter.Int64Counter("vigil.incidents.escalated",
		metric.WithDescription("Incidents escalated past the retry limit")); err != nil {
		return nil, fmt.Errorf("failed to create incidents.escalated counter: %w", err)
	}
	if m.incidentsSuppressed, err = meter.Int64Counter("vigil.incidents.suppressed",
		metric.WithDescription("Escalations suppressed by the cooldown gate")); err != nil {
		return nil, fmt.Errorf("failed to create incidents.suppressed counter: %w", err)
	}
	if m.pluginLoads, err = meter.Int64Counter("vigil.plugins.loads",
		metric.WithDescription("Successful plugin loads and reloads")); err != nil {
		return nil, fmt.Errorf("failed to create plugins.loads counter: %w", err)
	}
	if m.pluginFailures, err = meter.Int64Counter("vigil.plugins.failures",
		metric.WithDescription("Plugin load, self-test, and analysis failures")); err != nil {
		return nil, fmt.Errorf("failed to create plugins.failures counter: %w", err)
	}

	return m, nil
}

// AddEventPublished records one appended event of the given type.
func (m *Metrics) AddEventPublished(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

// AddEventDelivered records one event dispatched to a handler.
func (m *Metrics) AddEventDelivered(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

// AddEventDropped records one event dropped for a slow channel subscriber.
func (m *Metrics) AddEventDropped(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

// AddHandlerError records one isolated handler error or panic.
func (m *Metrics) AddHandlerError(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

// AddIncidentEscalated records one escalated incident for an agent.
func (m *Metrics) AddIncidentEscalated(ctx context.Context, agent string) {
	if m == nil {
		return
	}
	m.incidentsEscalated.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.name", agent)))
}

// AddIncidentSuppressed records one escalation suppressed by cooldown.
func (m *Metrics) AddIncidentSuppressed(ctx context.Context, agent string) {
	if m == nil {
		return
	}
	m.incidentsSuppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.name", agent)))
}

// AddPluginLoad records one successful plugin load or reload.
func (m *Metrics) AddPluginLoad(ctx context.Context, plugin string) {
	if m == nil {
		return
	}
	m.pluginLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("plugin.name", plugin)))
}

// AddPluginFailure records one plugin failure at the given stage
// (import, self_test, static_analysis, hook).
func (m *Metrics) AddPluginFailure(ctx context.Context, plugin, stage string) {
	if m == nil {
		return
	}
	m.pluginFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plugin.name", plugin),
		attribute.String("plugin.stage", stage),
	))
}
