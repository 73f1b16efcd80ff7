package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zero-day-ai/vigil/internal/observability"
)

// DefaultPollInterval is the delay between store scans when a subscription
// does not specify its own.
const DefaultPollInterval = 1 * time.Second

// Handler processes a single delivered event. A non-nil error is logged and
// isolated per record; it never terminates the subscription loop.
type Handler func(ctx context.Context, event Event) error

// Runtime drives polling subscriptions over an event store.
//
// Semantics: broadcast (independent subscriptions each see every matching
// record), at-least-once per subscription lifetime, exactly-once within a
// single uninterrupted run. A restarted subscriber replays full history
// unless it opts into a durable cursor with WithCursorFile.
type Runtime struct {
	store   *Store
	logger  *slog.Logger
	metrics *observability.Metrics
}

// RuntimeOption is a functional option for configuring a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the structured logger for subscription diagnostics.
// Default: slog.Default().
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRuntimeMetrics sets the metrics recorder for delivery accounting.
// Default: no metrics.
func WithRuntimeMetrics(m *observability.Metrics) RuntimeOption {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// NewRuntime creates a subscription runtime over the given store.
func NewRuntime(store *Store, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// subscription holds the private state of one polling loop. It is owned by
// exactly one goroutine; nothing here needs locking.
type subscription struct {
	filter       Filter
	handler      Handler
	pollInterval time.Duration
	seen         map[string]struct{}
	cursor       *Cursor
}

// SubscribeOption is a functional option for a single subscription.
type SubscribeOption func(*subscription)

// WithPollInterval sets the delay between store scans.
// Default: DefaultPollInterval.
func WithPollInterval(d time.Duration) SubscribeOption {
	return func(s *subscription) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithCursorFile enables durable checkpointing of the subscription's seen
// set. On start the cursor file is loaded so already-delivered records are
// not replayed; after each poll the cursor is saved best-effort.
func WithCursorFile(path string) SubscribeOption {
	return func(s *subscription) {
		s.cursor = NewCursor(path)
	}
}

// Run executes a subscription loop until ctx is cancelled, scanning the
// store each poll interval and dispatching matching, not-yet-seen records to
// the handler in stable key order. It blocks; use Start for a background
// subscription. Returns ctx.Err() on cancellation.
func (r *Runtime) Run(ctx context.Context, filter Filter, handler Handler, opts ...SubscribeOption) error {
	if handler == nil {
		return fmt.Errorf("subscription handler cannot be nil")
	}

	sub := &subscription{
		filter:       filter,
		handler:      handler,
		pollInterval: DefaultPollInterval,
		seen:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	if sub.cursor != nil {
		keys, err := sub.cursor.Load()
		if err != nil {
			r.logger.Warn("cursor load failed, replaying history", "path", sub.cursor.Path(), "error", err)
		}
		for _, key := range keys {
			sub.seen[key] = struct{}{}
		}
	}

	ticker := time.NewTicker(sub.pollInterval)
	defer ticker.Stop()

	for {
		r.poll(ctx, sub)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Start launches Run in a background goroutine and returns a stop function
// that cancels the subscription and waits for the loop to exit.
func (r *Runtime) Start(ctx context.Context, filter Filter, handler Handler, opts ...SubscribeOption) func() {
	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := r.Run(subCtx, filter, handler, opts...); err != nil && err != context.Canceled {
			r.logger.Error("subscription loop exited", "error", err)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Events is the channel variant of Run: it returns a buffered channel that
// receives matching events and a cleanup function. If the consumer falls
// behind and the buffer fills, events are dropped for this subscription and
// counted; the polling loop is never blocked by a slow consumer. The channel
// is closed after cleanup is called.
func (r *Runtime) Events(ctx context.Context, filter Filter, buffer int, opts ...SubscribeOption) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan Event, buffer)

	handler := func(ctx context.Context, event Event) error {
		select {
		case ch <- event:
			return nil
		default:
			r.metrics.AddEventDropped(ctx, event.Type.String())
			return fmt.Errorf("dropped event for slow subscriber")
		}
	}

	stop := r.Start(ctx, filter, handler, opts...)
	cleanup := func() {
		stop()
		close(ch)
	}
	return ch, cleanup
}

// poll performs one scan over the store: dispatch unseen matching records,
// mark them seen, compact seen keys whose records have vanished from disk,
// and checkpoint the cursor when configured.
func (r *Runtime) poll(ctx context.Context, sub *subscription) {
	keys, err := r.store.Keys()
	if err != nil {
		r.logger.Warn("event store scan failed", "error", err)
		return
	}

	live := make(map[string]struct{}, len(keys))
	changed := false

	for _, key := range keys {
		live[key] = struct{}{}
		if _, ok := sub.seen[key]; ok {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		event, err := r.store.Read(key)
		if err != nil {
			// Malformed or partially-visible record: treat as not yet
			// published and retry on the next poll.
			continue
		}

		if sub.filter.Matches(event) {
			r.dispatch(ctx, sub, key, event)
		}

		sub.seen[key] = struct{}{}
		changed = true
	}

	// Compact: a seen key whose record no longer exists can never be
	// redelivered, so dropping it bounds the set to the live record count.
	for key := range sub.seen {
		if _, ok := live[key]; !ok {
			delete(sub.seen, key)
			changed = true
		}
	}

	if sub.cursor != nil && changed {
		if err := sub.cursor.Save(sub.seen); err != nil {
			r.logger.Warn("cursor checkpoint failed", "path", sub.cursor.Path(), "error", err)
		}
	}
}

// dispatch invokes the handler for one record, isolating errors and panics
// so a single bad event cannot terminate the loop.
func (r *Runtime) dispatch(ctx context.Context, sub *subscription, key string, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.AddHandlerError(ctx, event.Type.String())
			r.logger.Error("subscription handler panicked",
				"record", key, "event_type", event.Type, "panic", rec)
		}
	}()

	if err := sub.handler(ctx, event); err != nil {
		r.metrics.AddHandlerError(ctx, event.Type.String())
		r.logger.Error("subscription handler failed",
			"record", key, "event_type", event.Type, "error", err)
		return
	}

	r.metrics.AddEventDelivered(ctx, event.Type.String())
}
