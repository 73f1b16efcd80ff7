package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zero-day-ai/vigil/internal/types"
)

// IncidentRecord is a persisted incident: the audit artifact created when an
// agent's failure rate crosses the retry limit outside its cooldown. Records
// are append-only and never mutated after creation.
type IncidentRecord struct {
	ID               types.ID        `json:"id"`
	Agent            string          `json:"agent"`
	EventType        string          `json:"event_type"`
	Count            int             `json:"count"`
	Window           time.Duration   `json:"window"`
	FirstFailureTime string          `json:"first_failure_time,omitempty"`
	Events           json.RawMessage `json:"events,omitempty"`
	Parent           string          `json:"parent,omitempty"`
	Context          map[string]any  `json:"context,omitempty"`
	DetectedAt       string          `json:"detected_at"`
	RootCauseHint    string          `json:"root_cause_hint"`
}

// MetricsSnapshot is the detector's live state summary, overwritten after
// every processed event.
type MetricsSnapshot struct {
	TotalIncidents     int            `json:"total_incidents"`
	LastIncidentTime   string         `json:"last_incident_time,omitempty"`
	AgentFailureCounts map[string]int `json:"agent_failure_counts"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// IncidentDAO provides database operations for incident audit artifacts:
// the append-only incident log, the metrics snapshot, and the per-agent
// cooldown map that survives detector restarts.
type IncidentDAO interface {
	// Append persists a new incident record
	Append(ctx context.Context, incident *IncidentRecord) error

	// List returns incidents, newest first, optionally filtered by agent.
	// limit <= 0 returns all.
	List(ctx context.Context, agent string, limit int) ([]*IncidentRecord, error)

	// Count returns the total number of persisted incidents
	Count(ctx context.Context) (int, error)

	// WriteMetrics overwrites the single metrics snapshot row
	WriteMetrics(ctx context.Context, snapshot MetricsSnapshot) error

	// ReadMetrics returns the current metrics snapshot, or nil if none
	// has been written yet
	ReadMetrics(ctx context.Context) (*MetricsSnapshot, error)

	// SetLastNotified records the last escalation time for an agent
	SetLastNotified(ctx context.Context, agent string, at time.Time) error

	// LastNotified returns the last escalation time for every agent
	LastNotified(ctx context.Context) (map[string]time.Time, error)
}

// incidentDAO implements IncidentDAO
type incidentDAO struct {
	db *DB
}

// NewIncidentDAO creates a new incident DAO
func NewIncidentDAO(db *DB) IncidentDAO {
	return &incidentDAO{db: db}
}

// Append persists a new incident record
func (d *incidentDAO) Append(ctx context.Context, incident *IncidentRecord) error {
	if incident.Agent == "" {
		return fmt.Errorf("incident agent cannot be empty")
	}
	if incident.ID == "" {
		incident.ID = types.NewID()
	}

	var contextJSON []byte
	var err error
	if incident.Context != nil {
		contextJSON, err = json.Marshal(incident.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal incident context: %w", err)
		}
	}

	query := `
		INSERT INTO incidents (
			id, agent, event_type, count, window_seconds, first_failure_time,
			events, parent, context, detected_at, root_cause_hint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = d.db.conn.ExecContext(
		ctx, query,
		incident.ID,
		incident.Agent,
		incident.EventType,
		incident.Count,
		int(incident.Window.Seconds()),
		nullString(incident.FirstFailureTime),
		nullString(string(incident.Events)),
		nullString(incident.Parent),
		nullString(string(contextJSON)),
		incident.DetectedAt,
		incident.RootCauseHint,
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// List returns incidents, newest first, optionally filtered by agent
func (d *incidentDAO) List(ctx context.Context, agent string, limit int) ([]*IncidentRecord, error) {
	query := `
		SELECT id, agent, event_type, count, window_seconds, first_failure_time,
		       events, parent, context, detected_at, root_cause_hint
		FROM incidents
	`
	var args []any
	if agent != "" {
		query += " WHERE agent = ?"
		args = append(args, agent)
	}
	query += " ORDER BY detected_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*IncidentRecord
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate incidents: %w", err)
	}
	return incidents, nil
}

// Count returns the total number of persisted incidents
func (d *incidentDAO) Count(ctx context.Context) (int, error) {
	var count int
	if err := d.db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM incidents").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count incidents: %w", err)
	}
	return count, nil
}

// WriteMetrics overwrites the single metrics snapshot row
func (d *incidentDAO) WriteMetrics(ctx context.Context, snapshot MetricsSnapshot) error {
	counts := snapshot.AgentFailureCounts
	if counts == nil {
		counts = map[string]int{}
	}
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("failed to marshal failure counts: %w", err)
	}

	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO incident_metrics (id, total_incidents, last_incident_time, agent_failure_counts, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_incidents = excluded.total_incidents,
			last_incident_time = excluded.last_incident_time,
			agent_failure_counts = excluded.agent_failure_counts,
			updated_at = excluded.updated_at
	`

	_, err = d.db.conn.ExecContext(ctx, query,
		snapshot.TotalIncidents,
		nullString(snapshot.LastIncidentTime),
		string(countsJSON),
		updatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write metrics snapshot: %w", err)
	}
	return nil
}

// ReadMetrics returns the current metrics snapshot, or nil if none exists
func (d *incidentDAO) ReadMetrics(ctx context.Context) (*MetricsSnapshot, error) {
	query := `
		SELECT total_incidents, last_incident_time, agent_failure_counts, updated_at
		FROM incident_metrics WHERE id = 1
	`

	var snapshot MetricsSnapshot
	var lastIncident sql.NullString
	var countsJSON, updatedAt string

	err := d.db.conn.QueryRowContext(ctx, query).Scan(
		&snapshot.TotalIncidents, &lastIncident, &countsJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics snapshot: %w", err)
	}

	snapshot.LastIncidentTime = lastIncident.String
	if err := json.Unmarshal([]byte(countsJSON), &snapshot.AgentFailureCounts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failure counts: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		snapshot.UpdatedAt = t
	}
	return &snapshot, nil
}

// SetLastNotified records the last escalation time for an agent
func (d *incidentDAO) SetLastNotified(ctx context.Context, agent string, at time.Time) error {
	if agent == "" {
		return fmt.Errorf("agent cannot be empty")
	}

	query := `
		INSERT INTO notify_cooldowns (agent, last_notified) VALUES (?, ?)
		ON CONFLICT(agent) DO UPDATE SET last_notified = excluded.last_notified
	`
	_, err := d.db.conn.ExecContext(ctx, query, agent, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record cooldown for %s: %w", agent, err)
	}
	return nil
}

// LastNotified returns the last escalation time for every agent
func (d *incidentDAO) LastNotified(ctx context.Context) (map[string]time.Time, error) {
	rows, err := d.db.conn.QueryContext(ctx, "SELECT agent, last_notified FROM notify_cooldowns")
	if err != nil {
		return nil, fmt.Errorf("failed to query cooldowns: %w", err)
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var agent, raw string
		if err := rows.Scan(&agent, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan cooldown row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid cooldown timestamp for %s: %w", agent, err)
		}
		result[agent] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cooldowns: %w", err)
	}
	return result, nil
}

// scanIncident decodes one incidents row
func scanIncident(rows *sql.Rows) (*IncidentRecord, error) {
	var incident IncidentRecord
	var windowSeconds int
	var firstFailure, eventsJSON, parent, contextJSON sql.NullString

	err := rows.Scan(
		&incident.ID,
		&incident.Agent,
		&incident.EventType,
		&incident.Count,
		&windowSeconds,
		&firstFailure,
		&eventsJSON,
		&parent,
		&contextJSON,
		&incident.DetectedAt,
		&incident.RootCauseHint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan incident row: %w", err)
	}

	incident.Window = time.Duration(windowSeconds) * time.Second
	incident.FirstFailureTime = firstFailure.String
	incident.Parent = parent.String
	if eventsJSON.Valid {
		incident.Events = json.RawMessage(eventsJSON.String)
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &incident.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal incident context: %w", err)
		}
	}
	return &incident, nil
}

// nullString converts "" to a SQL NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
