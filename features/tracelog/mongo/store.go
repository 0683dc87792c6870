// Package mongo wires the tracelog.Store interface to the MongoDB client.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a tracelog.Store that persists append-only trace events.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/tracefold/runtrace/features/tracelog/mongo/clients/mongo"
	"github.com/tracefold/runtrace/trace/tracelog"
)

// Store implements tracelog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed trace log store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements tracelog.Store.
func (s *Store) Append(ctx context.Context, e *tracelog.Event) error {
	return s.client.Append(ctx, e)
}

// List implements tracelog.Store.
func (s *Store) List(ctx context.Context, runID string, cursor string, limit int) (tracelog.Page, error) {
	return s.client.List(ctx, runID, cursor, limit)
}
