// Package inmem provides an in-memory implementation of eventlog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"goa.design/ensemble/runtime/eventlog"
)

// Store implements eventlog.Store in memory.
type Store struct {
	mu sync.Mutex
	// per-session ordered events; position i holds sequence i+1.
	events map[string][]*eventlog.Event
}

// New returns a new in-memory event log store.
func New() *Store {
	return &Store{events: make(map[string][]*eventlog.Event)}
}

// Append implements eventlog.Store. Events must arrive in sequence order;
// anything else is a sequence conflict.
func (s *Store) Append(_ context.Context, e *eventlog.Event) error {
	if e == nil {
		return fmt.Errorf("event is required")
	}
	if e.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[e.SessionID]
	if e.Seq != int64(len(log))+1 {
		return fmt.Errorf("append seq %d after %d: %w", e.Seq, len(log), eventlog.ErrSequenceConflict)
	}
	ev := *e
	s.events[e.SessionID] = append(log, &ev)
	return nil
}

// List implements eventlog.Store.
func (s *Store) List(_ context.Context, sessionID, cursor string, limit int) (eventlog.Page, error) {
	if sessionID == "" {
		return eventlog.Page{}, fmt.Errorf("session_id is required")
	}
	if limit <= 0 {
		return eventlog.Page{}, fmt.Errorf("limit must be > 0")
	}

	var after int64
	if cursor != "" {
		seq, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return eventlog.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		after = seq
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[sessionID]
	if len(all) == 0 {
		return eventlog.Page{}, nil
	}

	start := 0
	if after > 0 {
		// Sequence numbers are 1-based, so the event after seq N sits at index N.
		start = int(after)
		if start >= len(all) {
			return eventlog.Page{}, nil
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	events := append([]*eventlog.Event(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = strconv.FormatInt(events[len(events)-1].Seq, 10)
	}

	return eventlog.Page{Events: events, NextCursor: next}, nil
}
