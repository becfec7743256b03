// Package memory provides cross-session knowledge storage consumed by the
// context compiler's retrieval stage. Entries persist beyond the session that
// wrote them; retrieval is bounded by the compiler's per-invocation ceiling
// and a retrieval failure never fails a compilation.
package memory

import (
	"context"
	"time"
)

type (
	// Entry is one stored memory.
	Entry struct {
		// ID uniquely identifies the entry. Assigned on Put when empty.
		ID string `json:"id"`
		// Namespace groups entries, typically by workflow name.
		Namespace string `json:"namespace"`
		// Content is the retrievable text.
		Content string `json:"content"`
		// Tags label the entry for exact-match retrieval.
		Tags []string `json:"tags,omitempty"`
		// CreatedAt is the storage time. Stamped on Put when zero.
		CreatedAt time.Time `json:"created_at"`
	}

	// Query selects entries for retrieval.
	Query struct {
		// Namespace restricts the search to one namespace. Empty searches all.
		Namespace string
		// Text is the free-text query scored against content and tags.
		Text string
		// Limit caps the number of returned entries. Zero or negative means
		// no cap; the compiler always passes its retrieval ceiling.
		Limit int
	}

	// Store persists and retrieves memories. Search returns entries in
	// descending relevance order.
	Store interface {
		Put(ctx context.Context, e *Entry) error
		Search(ctx context.Context, q Query) ([]*Entry, error)
	}
)
