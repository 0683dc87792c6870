// Package inmem provides an in-memory implementation of tracelog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/tracefold/runtrace/trace/tracelog"
)

type (
	// Store implements tracelog.Store in memory.
	Store struct {
		mu sync.Mutex
		// per-run monotonically increasing sequence.
		nextSeq map[string]int64
		// per-run ordered events, capped drop-oldest when a limit is set.
		events map[string][]*tracelog.Event
		cap    int
	}

	// Option configures the store.
	Option func(*Store)
)

// WithCap bounds the number of retained events per run; the oldest entries
// are dropped first. Zero (the default) retains everything.
func WithCap(n int) Option {
	return func(s *Store) { s.cap = n }
}

// New returns a new in-memory trace log store.
func New(opts ...Option) *Store {
	s := &Store{
		nextSeq: make(map[string]int64),
		events:  make(map[string][]*tracelog.Event),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append implements tracelog.Store.
func (s *Store) Append(_ context.Context, e *tracelog.Event) error {
	if e == nil {
		return fmt.Errorf("event is required")
	}
	if e.RunID == "" {
		return fmt.Errorf("run_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq[e.RunID] + 1
	s.nextSeq[e.RunID] = seq

	e.ID = strconv.FormatInt(seq, 10)
	ev := *e
	list := append(s.events[e.RunID], &ev)
	if s.cap > 0 && len(list) > s.cap {
		list = append([]*tracelog.Event(nil), list[len(list)-s.cap:]...)
	}
	s.events[e.RunID] = list
	return nil
}

// List implements tracelog.Store.
func (s *Store) List(_ context.Context, runID string, cursor string, limit int) (tracelog.Page, error) {
	if runID == "" {
		return tracelog.Page{}, fmt.Errorf("run_id is required")
	}
	if limit <= 0 {
		return tracelog.Page{}, fmt.Errorf("limit must be > 0")
	}

	var after int64
	if cursor != "" {
		id, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return tracelog.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		after = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[runID]
	start := 0
	for start < len(all) {
		id, _ := strconv.ParseInt(all[start].ID, 10, 64)
		if id > after {
			break
		}
		start++
	}
	if start >= len(all) {
		return tracelog.Page{}, nil
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	events := append([]*tracelog.Event(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = events[len(events)-1].ID
	}

	return tracelog.Page{Events: events, NextCursor: next}, nil
}
