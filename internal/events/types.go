package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the category and nature of an event in the Vigil system.
// The string values are the wire vocabulary shared with external collaborators:
// any producer may publish any type, but the types below are the ones the core
// interprets specially.
type EventType string

// Upgrade and Test Outcome Events
// Published by upgrade executors and test runners for each agent.
const (
	EventUpgradeApplied EventType = "upgrade_applied"
	EventUpgradeFailed  EventType = "upgrade_failed"
	EventTestPassed     EventType = "test_passed"
	EventTestFailed     EventType = "test_failed"
	EventRollback       EventType = "rollback"
	EventHealthFail     EventType = "health_fail"
	EventHealSucceeded  EventType = "heal_succeeded"
	EventDeploy         EventType = "deploy"
)

// Plugin Lifecycle Events
// Published by the plugin hot-reload manager.
const (
	EventPluginLoaded               EventType = "plugin_loaded"
	EventPluginReloaded             EventType = "plugin_reloaded"
	EventPluginUnloaded             EventType = "plugin_unloaded"
	EventPluginFailed               EventType = "plugin_failed"
	EventPluginStaticAnalysisFailed EventType = "plugin_static_analysis_failed"
)

// Derived Events
// Published by the incident detector and its notifier.
const (
	EventIncidentEscalated EventType = "incident_escalated"
	EventIncidentWarning   EventType = "incident_warning"
	EventAdminNotify       EventType = "admin_notify"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// FailureTypes returns the set of event types the incident detector counts
// as failures for an agent.
func FailureTypes() []EventType {
	return []EventType{
		EventUpgradeFailed,
		EventTestFailed,
		EventRollback,
		EventPluginFailed,
		EventHealthFail,
		EventPluginStaticAnalysisFailed,
	}
}

// SuccessTypes returns the set of event types that unconditionally reset an
// agent's failure counter.
func SuccessTypes() []EventType {
	return []EventType{
		EventUpgradeApplied,
		EventTestPassed,
		EventHealSucceeded,
	}
}

// Event is an immutable typed record in the Vigil event log.
//
// On the wire each event is a single JSON object with an epoch-seconds float
// timestamp, one file per record. Records are uniquely identified by their
// store key (type + millisecond timestamp + random suffix), never by content.
type Event struct {
	// Type identifies the category and nature of the event
	Type EventType

	// Timestamp records when the event was published
	Timestamp time.Time

	// Data contains producer-defined payload fields (no schema is enforced)
	Data map[string]any

	// CorrelationID links a request event to its eventual response(s)
	CorrelationID string

	// ParentEvent optionally names a causally-prior event type, used by the
	// incident detector's root-cause heuristic
	ParentEvent string

	// IsRequest marks the event as a request awaiting correlated responses
	IsRequest bool

	// IsResponse marks the event as a response to a correlated request
	IsResponse bool
}

// wireEvent is the JSON representation of an Event. The timestamp is an
// epoch-seconds float and parent_event serializes as null when absent, so
// records remain readable by non-Go collaborators.
type wireEvent struct {
	Type          EventType      `json:"type"`
	Timestamp     float64        `json:"timestamp"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlation_id"`
	ParentEvent   *string        `json:"parent_event"`
	IsRequest     bool           `json:"is_request"`
	IsResponse    bool           `json:"is_response"`
}

// MarshalJSON implements json.Marshaler using the wire format.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:          e.Type,
		Timestamp:     float64(e.Timestamp.UnixNano()) / float64(time.Second),
		Data:          e.Data,
		CorrelationID: e.CorrelationID,
		IsRequest:     e.IsRequest,
		IsResponse:    e.IsResponse,
	}
	if e.ParentEvent != "" {
		w.ParentEvent = &e.ParentEvent
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler using the wire format.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	sec, frac := int64(w.Timestamp), w.Timestamp-float64(int64(w.Timestamp))
	e.Type = w.Type
	e.Timestamp = time.Unix(sec, int64(frac*float64(time.Second)))
	e.Data = w.Data
	e.CorrelationID = w.CorrelationID
	e.ParentEvent = ""
	if w.ParentEvent != nil {
		e.ParentEvent = *w.ParentEvent
	}
	e.IsRequest = w.IsRequest
	e.IsResponse = w.IsResponse
	return nil
}

// Agent extracts the agent name an event refers to, checking the "agent",
// "plugin", and "target" data fields in that order. Returns "" when the
// event names no agent.
func (e Event) Agent() string {
	for _, key := range []string{"agent", "plugin", "target"} {
		if v, ok := e.Data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Filter defines criteria for filtering events in subscriptions.
// All filter fields use AND logic - an event must match all specified
// criteria. Empty fields act as wildcards (match all).
type Filter struct {
	// Types filters by event types (empty = all types)
	Types []EventType

	// CorrelationID filters to a single request/response exchange
	// (empty = all correlation ids)
	CorrelationID string
}

// Matches determines if the given event matches this filter's criteria.
// Empty filter fields act as wildcards that match any value.
func (f *Filter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		matched := false
		for _, t := range f.Types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f.CorrelationID != "" && event.CorrelationID != f.CorrelationID {
		return false
	}

	return true
}
