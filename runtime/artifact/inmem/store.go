// Package inmem provides an in-memory implementation of artifact.Store for
// tests and local development.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"goa.design/ensemble/runtime/artifact"
)

// Store implements artifact.Store in memory.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]*artifact.Artifact
}

// New returns a new in-memory artifact store.
func New() *Store {
	return &Store{artifacts: make(map[string]*artifact.Artifact)}
}

// Put implements artifact.Store.
func (s *Store) Put(_ context.Context, mediaType string, content []byte) (artifact.Ref, error) {
	if len(content) == 0 {
		return artifact.Ref{}, errors.New("content is required")
	}

	ref := artifact.Ref{
		ID:        uuid.NewString(),
		MediaType: mediaType,
		Size:      int64(len(content)),
	}
	stored := &artifact.Artifact{
		Ref:     ref,
		Content: append([]byte(nil), content...),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[ref.ID] = stored
	return ref, nil
}

// Get implements artifact.Store.
func (s *Store) Get(_ context.Context, id string) (*artifact.Artifact, error) {
	s.mu.RLock()
	stored, ok := s.artifacts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", artifact.ErrNotFound, id)
	}
	return &artifact.Artifact{
		Ref:     stored.Ref,
		Content: append([]byte(nil), stored.Content...),
	}, nil
}

// Resolve implements artifact.Store.
func (s *Store) Resolve(ctx context.Context, refs []artifact.Ref) ([]*artifact.Artifact, error) {
	out := make([]*artifact.Artifact, 0, len(refs))
	for _, ref := range refs {
		a, err := s.Get(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
