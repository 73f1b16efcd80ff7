// Package events provides Vigil's durable event log and subscription runtime.
//
// The Store is an append-only, file-backed publish/subscribe log: every
// publish creates one immutable JSON record in the store directory, committed
// with an atomic rename so readers never observe a partial record. Because
// each write creates a distinct file, any number of producers - including
// separate processes - can publish concurrently without locking.
//
// The Runtime delivers records to consumers through polling subscriptions.
// Each subscription is an independent loop with its own seen set, so
// delivery is broadcast: many subscriptions each see the same record.
// Delivery is at-least-once per subscription lifetime and exactly-once
// within a single uninterrupted run; a restarted subscriber replays full
// history unless it checkpoints a Cursor.
//
// Request/response workflows ride on the same log. A requester publishes
// with PublishRequest and keeps the returned correlation id; responders
// publish with PublishResponse under that id; the requester subscribes with
// a Filter on the id to collect replies. No broker or per-request channel
// is involved.
//
//	store, _ := events.NewStore(dir)
//	runtime := events.NewRuntime(store)
//
//	correlationID, _ := store.PublishRequest(ctx, "upgrade_request",
//		map[string]any{"target": "agent_b"})
//
//	stop := runtime.Start(ctx, events.Filter{CorrelationID: correlationID},
//		func(ctx context.Context, e events.Event) error {
//			// handle the response
//			return nil
//		})
//	defer stop()
package events
