// Package tracelog provides an append-only store for raw trace stream
// frames, kept per run for audit and replay.
//
// The in-memory model already carries a bounded raw log on each run; the
// tracelog is the optional durable counterpart for deployments that keep
// traces open for hours and need the full history after the bounded log has
// dropped its oldest entries. The subscription manager tees every applied
// frame into the configured store.
package tracelog

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Event is a single immutable frame appended to the trace log.
	//
	// Store implementations assign the ID when persisting. IDs are opaque,
	// monotonically ordered within a run, and suitable for cursor-based
	// pagination.
	Event struct {
		// ID is the store-assigned opaque identifier for this event.
		ID string
		// RunID is the identifier of the run this event belongs to.
		RunID string
		// Kind is the stream event kind name.
		Kind string
		// Payload is the frame payload, persisted verbatim.
		Payload json.RawMessage
		// Timestamp is the event time.
		Timestamp time.Time
	}

	// Page is a forward page of trace events.
	Page struct {
		// Events are ordered oldest-first.
		Events []*Event
		// NextCursor fetches the next page; empty when exhausted.
		NextCursor string
	}

	// Store is an append-only event store for run replay and audit.
	//
	// Implementations must provide stable ordering within a run. Cursor
	// values are store-owned and opaque to callers.
	Store interface {
		// Append stores the event in the trace log. Implementations assign
		// the event ID and persist the payload verbatim.
		Append(ctx context.Context, e *Event) error

		// List returns the next forward page of events for the run. Cursor
		// is an opaque value from a previous List (or empty to start from
		// the beginning). Limit must be greater than zero.
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
	}
)
