// Package inmem provides an in-memory implementation of memory.Store with
// naive text scoring. It is intended for tests and local development; the
// Mongo implementation under features/memory/mongo provides real text search.
package inmem

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/ensemble/runtime/memory"
)

// Store implements memory.Store in memory.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*memory.Entry
}

// New returns a new in-memory memory store.
func New() *Store {
	return &Store{entries: make(map[string]*memory.Entry)}
}

// Put implements memory.Store. An empty ID is assigned and a zero CreatedAt
// is stamped with the current time.
func (s *Store) Put(_ context.Context, e *memory.Entry) error {
	if e == nil {
		return errors.New("entry is required")
	}
	if e.Content == "" {
		return errors.New("content is required")
	}

	stored := *e
	stored.Tags = append([]string(nil), e.Tags...)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	} else {
		stored.CreatedAt = stored.CreatedAt.UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[stored.ID] = &stored

	// Reflect assigned fields back to the caller.
	e.ID = stored.ID
	e.CreatedAt = stored.CreatedAt
	return nil
}

// Search implements memory.Store. Entries are scored by the number of query
// terms found in their content or tags; ties break on recency. An empty query
// returns the namespace's entries most recent first, for proactive preloads.
func (s *Store) Search(_ context.Context, q memory.Query) ([]*memory.Entry, error) {
	terms := strings.Fields(strings.ToLower(q.Text))

	type scored struct {
		entry *memory.Entry
		score int
	}

	s.mu.RLock()
	matches := make([]scored, 0, len(s.entries))
	for _, e := range s.entries {
		if q.Namespace != "" && e.Namespace != q.Namespace {
			continue
		}
		score := scoreEntry(e, terms)
		if len(terms) > 0 && score == 0 {
			continue
		}
		matches = append(matches, scored{entry: e, score: score})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if !matches[i].entry.CreatedAt.Equal(matches[j].entry.CreatedAt) {
			return matches[i].entry.CreatedAt.After(matches[j].entry.CreatedAt)
		}
		return matches[i].entry.ID < matches[j].entry.ID
	})

	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	out := make([]*memory.Entry, len(matches))
	for i, m := range matches {
		clone := *m.entry
		clone.Tags = append([]string(nil), m.entry.Tags...)
		out[i] = &clone
	}
	return out, nil
}

func scoreEntry(e *memory.Entry, terms []string) int {
	if len(terms) == 0 {
		return 0
	}
	content := strings.ToLower(e.Content)
	score := 0
	for _, term := range terms {
		if strings.Contains(content, term) {
			score++
			continue
		}
		for _, tag := range e.Tags {
			if strings.EqualFold(tag, term) {
				score++
				break
			}
		}
	}
	return score
}
