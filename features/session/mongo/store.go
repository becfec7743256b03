package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "goa.design/ensemble/features/session/mongo/clients/mongo"
	"goa.design/ensemble/runtime/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Create implements session.Store.
func (s *Store) Create(ctx context.Context, sessionID, workflowRef string, startedAt time.Time) (session.Session, error) {
	return s.client.CreateSession(ctx, sessionID, workflowRef, startedAt)
}

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, sessionID string) (session.Session, error) {
	return s.client.LoadSession(ctx, sessionID)
}

// UpdateStatus implements session.Store.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, to session.Status) (session.Session, error) {
	return s.client.UpdateSessionStatus(ctx, sessionID, to)
}

// Complete implements session.Store.
func (s *Store) Complete(ctx context.Context, sessionID string, completion session.Completion) (session.Session, error) {
	return s.client.CompleteSession(ctx, sessionID, completion)
}

// UpsertWorker implements session.Store.
func (s *Store) UpsertWorker(ctx context.Context, meta session.WorkerMeta) error {
	return s.client.UpsertWorker(ctx, meta)
}

// LoadWorker implements session.Store.
func (s *Store) LoadWorker(ctx context.Context, invocationID string) (session.WorkerMeta, error) {
	return s.client.LoadWorker(ctx, invocationID)
}

// ListWorkers implements session.Store.
func (s *Store) ListWorkers(ctx context.Context, sessionID string, statuses []session.WorkerStatus) ([]session.WorkerMeta, error) {
	return s.client.ListWorkersBySession(ctx, sessionID, statuses)
}
