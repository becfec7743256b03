// Package mongo wires the eventlog.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/ensemble/features/eventlog/mongo/clients/mongo"
	"goa.design/ensemble/runtime/eventlog"
)

// Store implements eventlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed session event log store using the provided
// client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements eventlog.Store.
func (s *Store) Append(ctx context.Context, e *eventlog.Event) error {
	return s.client.Append(ctx, e)
}

// List implements eventlog.Store.
func (s *Store) List(ctx context.Context, sessionID string, cursor string, limit int) (eventlog.Page, error) {
	return s.client.List(ctx, sessionID, cursor, limit)
}
