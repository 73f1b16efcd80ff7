package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zero-day-ai/vigil/internal/observability"
	"github.com/zero-day-ai/vigil/internal/types"
)

const (
	// recordPrefix and recordSuffix frame every record file name. Files that
	// do not match are ignored by readers, which is what makes temp-file
	// staging invisible to subscribers.
	recordPrefix = "event_"
	recordSuffix = ".json"
)

// Store is a durable, append-only log of immutable events, one JSON file per
// record. Every write creates a new, independently-readable record, so
// multiple producers (including separate processes) require no mutual
// locking. Readers only ever observe complete records: writes are staged to a
// temp file and committed with an atomic rename.
type Store struct {
	dir     string
	logger  *slog.Logger
	metrics *observability.Metrics
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the structured logger used for store diagnostics.
// Default: slog.Default().
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStoreMetrics sets the metrics recorder for publish accounting.
// Default: no metrics.
func WithStoreMetrics(m *observability.Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore opens (creating if necessary) an event store rooted at dir.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("event store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event store directory: %w", err)
	}

	s := &Store{
		dir:    dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// PublishOption is a functional option for a single publish call.
type PublishOption func(*Event)

// WithCorrelationID reuses the caller-supplied correlation id instead of
// generating a fresh one.
func WithCorrelationID(id string) PublishOption {
	return func(e *Event) {
		e.CorrelationID = id
	}
}

// WithParent records a causally-prior event type on the published record,
// used by the incident detector's root-cause heuristic.
func WithParent(parent string) PublishOption {
	return func(e *Event) {
		e.ParentEvent = parent
	}
}

// asRequest marks the event as a request. Internal; use PublishRequest.
func asRequest() PublishOption {
	return func(e *Event) {
		e.IsRequest = true
	}
}

// asResponse marks the event as a response. Internal; use PublishResponse.
func asResponse() PublishOption {
	return func(e *Event) {
		e.IsResponse = true
	}
}

// Publish appends a new immutable record to the store and returns its key.
// The timestamp is assigned at publish time; if no correlation id option is
// supplied a fresh unique id is generated. Data is persisted as-is with no
// schema validation.
func (s *Store) Publish(ctx context.Context, eventType EventType, data map[string]any, opts ...PublishOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if eventType == "" {
		return "", fmt.Errorf("event type cannot be empty")
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	for _, opt := range opts {
		opt(&event)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = types.NewID().String()
	}

	key := recordKey(eventType, event.Timestamp)
	if err := s.writeRecord(key, event); err != nil {
		return "", err
	}

	s.metrics.AddEventPublished(ctx, eventType.String())
	return key, nil
}

// PublishRequest publishes an event with is_request=true under a freshly
// generated correlation id and returns that id for the caller to track the
// eventual response(s).
func (s *Store) PublishRequest(ctx context.Context, eventType EventType, data map[string]any, opts ...PublishOption) (string, error) {
	correlationID := types.NewID().String()
	opts = append(opts, WithCorrelationID(correlationID), asRequest())
	if _, err := s.Publish(ctx, eventType, data, opts...); err != nil {
		return "", err
	}
	return correlationID, nil
}

// PublishResponse publishes an event with is_response=true, reusing the
// caller-supplied correlation id. This is how a reply is linked to its
// request without a central broker or per-request channel.
func (s *Store) PublishResponse(ctx context.Context, eventType EventType, data map[string]any, correlationID string, opts ...PublishOption) error {
	if correlationID == "" {
		return fmt.Errorf("correlation id cannot be empty for a response")
	}
	opts = append(opts, WithCorrelationID(correlationID), asResponse())
	_, err := s.Publish(ctx, eventType, data, opts...)
	return err
}

// Keys returns the keys of all records currently visible in the store,
// sorted lexicographically. This is the stable discovery order subscriptions
// iterate in.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list event store: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, recordPrefix) || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

// Read decodes a single record by key. A missing or partially-visible record
// returns an error; callers treat that as "not yet published" and retry.
func (s *Store) Read(key string) (Event, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if err != nil {
		return Event{}, fmt.Errorf("failed to read record %s: %w", key, err)
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return event, nil
}

// Health reports whether the store directory is reachable and writable.
func (s *Store) Health(ctx context.Context) types.HealthStatus {
	if err := ctx.Err(); err != nil {
		return types.Unhealthy(err.Error())
	}

	info, err := os.Stat(s.dir)
	if err != nil {
		return types.Unhealthy(fmt.Sprintf("store directory unavailable: %v", err))
	}
	if !info.IsDir() {
		return types.Unhealthy(fmt.Sprintf("store path %s is not a directory", s.dir))
	}

	probe, err := os.CreateTemp(s.dir, ".health-*")
	if err != nil {
		return types.Degraded(fmt.Sprintf("store directory not writable: %v", err))
	}
	probe.Close()
	os.Remove(probe.Name())

	return types.Healthy("event store writable")
}

// writeRecord persists a record atomically: the encoded event is staged to a
// temp file in the same directory and committed with a rename, so a reader
// never observes a partial record under a valid key.
func (s *Store) writeRecord(key string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".staging-*")
	if err != nil {
		return fmt.Errorf("failed to stage record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close staged record: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(s.dir, key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit record %s: %w", key, err)
	}
	return nil
}

// recordKey builds a unique record key from the event type, millisecond
// timestamp, and a random suffix. The suffix guards against collisions from
// concurrent producers publishing the same type in the same millisecond.
func recordKey(eventType EventType, ts time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s%s_%d_%s%s", recordPrefix, eventType, ts.UnixMilli(), suffix, recordSuffix)
}
