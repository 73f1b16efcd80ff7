package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zero-day-ai/vigil/internal/database"
	"github.com/zero-day-ai/vigil/internal/events"
	"github.com/zero-day-ai/vigil/internal/observability"
)

// Config holds the detector's failure-policy knobs.
type Config struct {
	// Window bounds the rolling window of recent events per agent
	Window time.Duration

	// RetryLimit is the consecutive-failure count that triggers escalation
	RetryLimit int

	// NotifyCooldown is the minimum interval between escalations for the
	// same agent
	NotifyCooldown time.Duration

	// PollInterval is the detector subscription's store scan interval
	PollInterval time.Duration

	// CursorFile, when set, checkpoints the detector's subscription so a
	// restart does not re-count historical failures
	CursorFile string
}

// DefaultConfig returns the stock failure policy: a 30 minute window,
// escalation at 3 consecutive failures, and a 10 minute per-agent cooldown.
func DefaultConfig() Config {
	return Config{
		Window:         30 * time.Minute,
		RetryLimit:     3,
		NotifyCooldown: 10 * time.Minute,
		PollInterval:   events.DefaultPollInterval,
	}
}

// windowEntry is one observed event in an agent's rolling window.
type windowEntry struct {
	eventType events.EventType
	timestamp time.Time
	event     events.Event
}

// Detector is the stateful incident detector: a single long-lived consumer
// of failure and success events that maintains per-agent rolling windows and
// emits rate-limited escalations back into the event store.
//
// Per-agent state machine: NORMAL (counter 0) accumulates failures toward
// the retry limit; reaching the limit outside the cooldown escalates (emit
// incident, notify, reset); reaching it inside the cooldown suppresses (warn
// only, counter stays at the limit); any success event resets to NORMAL.
//
// The windows, counters, and cooldown timestamps are owned exclusively by
// the detector's processing loop. Running two detector instances against the
// same store double-counts failures.
type Detector struct {
	cfg      Config
	store    *events.Store
	runtime  *events.Runtime
	dao      database.IncidentDAO
	notifier AdminNotifier
	logger   *slog.Logger
	metrics  *observability.Metrics

	// now is swappable for tests
	now func() time.Time

	failureSet map[events.EventType]bool
	successSet map[events.EventType]bool

	windows        map[string][]windowEntry
	failCounts     map[string]int
	lastNotified   map[string]time.Time
	totalIncidents int
	lastIncidentAt string
}

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithConfig overrides the default failure policy.
func WithConfig(cfg Config) Option {
	return func(d *Detector) {
		if cfg.Window > 0 {
			d.cfg.Window = cfg.Window
		}
		if cfg.RetryLimit > 0 {
			d.cfg.RetryLimit = cfg.RetryLimit
		}
		if cfg.NotifyCooldown > 0 {
			d.cfg.NotifyCooldown = cfg.NotifyCooldown
		}
		if cfg.PollInterval > 0 {
			d.cfg.PollInterval = cfg.PollInterval
		}
		if cfg.CursorFile != "" {
			d.cfg.CursorFile = cfg.CursorFile
		}
	}
}

// WithDAO enables persistence of incident audit records, the metrics
// snapshot, and the cooldown map. Without a DAO the detector runs with
// in-memory state only.
func WithDAO(dao database.IncidentDAO) Option {
	return func(d *Detector) {
		d.dao = dao
	}
}

// WithNotifier sets the administrator notifier invoked on escalation.
// Default: an EventNotifier over the detector's store.
func WithNotifier(n AdminNotifier) Option {
	return func(d *Detector) {
		if n != nil {
			d.notifier = n
		}
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder. Default: no metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

// NewDetector creates an incident detector over the given store.
func NewDetector(store *events.Store, opts ...Option) *Detector {
	d := &Detector{
		cfg:          DefaultConfig(),
		store:        store,
		logger:       slog.Default(),
		now:          time.Now,
		failureSet:   make(map[events.EventType]bool),
		successSet:   make(map[events.EventType]bool),
		windows:      make(map[string][]windowEntry),
		failCounts:   make(map[string]int),
		lastNotified: make(map[string]time.Time),
	}
	for _, t := range events.FailureTypes() {
		d.failureSet[t] = true
	}
	for _, t := range events.SuccessTypes() {
		d.successSet[t] = true
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.notifier == nil {
		d.notifier = NewEventNotifier(store, WithNotifierLogger(d.logger))
	}
	d.runtime = events.NewRuntime(store,
		events.WithRuntimeLogger(d.logger),
		events.WithRuntimeMetrics(d.metrics),
	)
	return d
}

// Run restores cooldown state and blocks consuming failure and success
// events until ctx is cancelled. Only one Run may be active per store.
func (d *Detector) Run(ctx context.Context) error {
	if err := d.restoreCooldowns(ctx); err != nil {
		// Cooldown continuity is an observability side-channel; start
		// fresh rather than refuse to run.
		d.logger.Warn("failed to restore cooldown state", "error", err)
	}

	watched := append(events.FailureTypes(), events.SuccessTypes()...)
	d.logger.Info("incident detector listening",
		"window", d.cfg.Window, "retry_limit", d.cfg.RetryLimit, "cooldown", d.cfg.NotifyCooldown)

	opts := []events.SubscribeOption{events.WithPollInterval(d.cfg.PollInterval)}
	if d.cfg.CursorFile != "" {
		opts = append(opts, events.WithCursorFile(d.cfg.CursorFile))
	}

	return d.runtime.Run(ctx, events.Filter{Types: watched},
		func(ctx context.Context, event events.Event) error {
			d.OnEvent(ctx, event)
			return nil
		},
		opts...,
	)
}

// OnEvent processes a single event through the detector state machine. It is
// exported for callers that drive the detector from their own subscription;
// it must only ever be called from one goroutine.
func (d *Detector) OnEvent(ctx context.Context, event events.Event) {
	agent := event.Agent()
	now := d.now()

	d.observe(agent, event, now)

	switch {
	case d.failureSet[event.Type] && agent != "":
		d.onFailure(ctx, agent, event, now)
	case d.successSet[event.Type] && agent != "":
		// Any success resets the agent unconditionally.
		d.failCounts[agent] = 0
	}

	d.writeMetrics(ctx)
}

// observe appends the event to the agent's rolling window and drops entries
// that have aged out of the window across all agents. An entry at exactly
// window age is excluded.
func (d *Detector) observe(agent string, event events.Event, now time.Time) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = now
	}
	d.windows[agent] = append(d.windows[agent], windowEntry{
		eventType: event.Type,
		timestamp: ts,
		event:     event,
	})

	for name, window := range d.windows {
		kept := window[:0]
		for _, entry := range window {
			if now.Sub(entry.timestamp) < d.cfg.Window {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(d.windows, name)
			continue
		}
		d.windows[name] = kept
	}
}

// onFailure advances the agent's failure counter and escalates, suppresses,
// or warns depending on the threshold and cooldown gate.
func (d *Detector) onFailure(ctx context.Context, agent string, event events.Event, now time.Time) {
	count := d.failCounts[agent] + 1
	// The counter is capped at the retry limit so a long cooldown cannot
	// grow it without bound; it still never regresses except via the
	// explicit success or escalation resets.
	if count > d.cfg.RetryLimit {
		count = d.cfg.RetryLimit
	}
	d.failCounts[agent] = count

	if count < d.cfg.RetryLimit {
		d.logger.Warn("agent failure below threshold",
			"agent", agent, "count", count, "retry_limit", d.cfg.RetryLimit)
		if _, err := d.store.Publish(ctx, events.EventIncidentWarning,
			map[string]any{"agent": agent, "fail_count": count}); err != nil {
			d.logger.Warn("failed to publish incident warning", "agent", agent, "error", err)
		}
		return
	}

	if d.cooldownActive(agent, now) {
		d.logger.Warn("escalation suppressed by cooldown",
			"agent", agent, "count", count,
			"last_escalation", d.lastNotified[agent])
		d.metrics.AddIncidentSuppressed(ctx, agent)
		return
	}

	d.escalate(ctx, agent, event, count, now)
}

// escalate builds and persists the incident, emits incident_escalated,
// notifies administrators, arms the cooldown, and resets the counter.
func (d *Detector) escalate(ctx context.Context, agent string, event events.Event, count int, now time.Time) {
	incident := d.buildIncident(agent, event, count, now)

	if d.dao != nil {
		if err := d.dao.Append(ctx, incident); err != nil {
			d.logger.Error("failed to persist incident", "agent", agent, "error", err)
		}
	}

	var incidentPayload map[string]any
	if raw, err := json.Marshal(incident); err == nil {
		_ = json.Unmarshal(raw, &incidentPayload)
	}
	if _, err := d.store.Publish(ctx, events.EventIncidentEscalated,
		map[string]any{"agent": agent, "incident": incidentPayload}); err != nil {
		d.logger.Error("failed to publish escalation", "agent", agent, "error", err)
	}

	// Administrator notification is best-effort; a failed call never aborts
	// event processing.
	if err := d.notifier.Notify(ctx, incident); err != nil {
		d.logger.Warn("admin notification failed", "agent", agent, "error", err)
	}

	d.lastNotified[agent] = now
	if d.dao != nil {
		if err := d.dao.SetLastNotified(ctx, agent, now); err != nil {
			d.logger.Warn("failed to persist cooldown", "agent", agent, "error", err)
		}
	}

	d.failCounts[agent] = 0
	d.totalIncidents++
	d.lastIncidentAt = incident.DetectedAt
	d.metrics.AddIncidentEscalated(ctx, agent)

	d.logger.Error("incident escalated",
		"agent", agent, "count", count,
		"window_minutes", int(d.cfg.Window.Minutes()),
		"root_cause_hint", incident.RootCauseHint)
}

// buildIncident assembles the immutable audit record for an escalation.
func (d *Detector) buildIncident(agent string, event events.Event, count int, now time.Time) *database.IncidentRecord {
	var incidentContext map[string]any
	if c, ok := event.Data["context"].(map[string]any); ok {
		incidentContext = c
	}

	failureEvents := d.agentFailures(agent)
	var eventsBlob json.RawMessage
	if raw, err := json.Marshal(failureEvents); err == nil {
		eventsBlob = raw
	}

	return &database.IncidentRecord{
		Agent:            agent,
		EventType:        event.Type.String(),
		Count:            count,
		Window:           d.cfg.Window,
		FirstFailureTime: d.firstFailureTime(agent),
		Events:           eventsBlob,
		Parent:           event.ParentEvent,
		Context:          incidentContext,
		DetectedAt:       now.UTC().Format(time.RFC3339),
		RootCauseHint:    d.rootCauseHint(agent),
	}
}

// agentFailures returns the agent's window events matching a failure type,
// oldest first.
func (d *Detector) agentFailures(agent string) []events.Event {
	var failures []events.Event
	for _, entry := range d.windows[agent] {
		if d.failureSet[entry.eventType] {
			failures = append(failures, entry.event)
		}
	}
	return failures
}

// firstFailureTime returns the timestamp of the earliest failure in the
// agent's window, formatted RFC3339, or "" with no failures in window.
func (d *Detector) firstFailureTime(agent string) string {
	for _, entry := range d.windows[agent] {
		if d.failureSet[entry.eventType] {
			return entry.timestamp.UTC().Format(time.RFC3339)
		}
	}
	return ""
}

// rootCauseHint scans the agent's window most-recent-first for an event
// whose parent is a recent upgrade or deploy. This is a one-hop attribution
// heuristic, not a proof.
func (d *Detector) rootCauseHint(agent string) string {
	window := d.windows[agent]
	for i := len(window) - 1; i >= 0; i-- {
		parent := window[i].event.ParentEvent
		if parent == events.EventUpgradeApplied.String() || parent == events.EventDeploy.String() {
			return fmt.Sprintf("Likely caused by recent %s at %s",
				parent, window[i].timestamp.UTC().Format(time.RFC3339))
		}
	}
	return "No clear root cause found"
}

// cooldownActive reports whether the agent is inside its escalation cooldown.
func (d *Detector) cooldownActive(agent string, now time.Time) bool {
	last, ok := d.lastNotified[agent]
	if !ok {
		return false
	}
	return now.Sub(last) < d.cfg.NotifyCooldown
}

// restoreCooldowns loads the persisted last-notification map so cooldowns
// survive detector restarts.
func (d *Detector) restoreCooldowns(ctx context.Context) error {
	if d.dao == nil {
		return nil
	}
	cooldowns, err := d.dao.LastNotified(ctx)
	if err != nil {
		return err
	}
	for agent, at := range cooldowns {
		d.lastNotified[agent] = at
	}
	return nil
}

// writeMetrics persists the live metrics snapshot after every processed
// event. Failures are logged and swallowed: the snapshot is an observability
// side-channel, not the primary contract.
func (d *Detector) writeMetrics(ctx context.Context) {
	if d.dao == nil {
		return
	}

	counts := make(map[string]int, len(d.failCounts))
	for agent, count := range d.failCounts {
		counts[agent] = count
	}

	snapshot := database.MetricsSnapshot{
		TotalIncidents:     d.totalIncidents,
		LastIncidentTime:   d.lastIncidentAt,
		AgentFailureCounts: counts,
		UpdatedAt:          d.now(),
	}
	if err := d.dao.WriteMetrics(ctx, snapshot); err != nil {
		d.logger.Warn("failed to write metrics snapshot", "error", err)
	}
}
