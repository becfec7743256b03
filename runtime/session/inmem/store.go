// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/ensemble/runtime/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]session.Session
		workers  map[string]session.WorkerMeta
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]session.Session),
		workers:  make(map[string]session.WorkerMeta),
	}
}

// Create implements session.Store.
func (s *Store) Create(_ context.Context, sessionID, workflowRef string, startedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if workflowRef == "" {
		return session.Session{}, errors.New("workflow ref is required")
	}
	if startedAt.IsZero() {
		return session.Session{}, errors.New("started_at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if ok {
		if existing.Status.Terminal() {
			return session.Session{}, session.ErrSessionTerminal
		}
		return cloneSession(existing), nil
	}

	out := session.Session{
		ID:          sessionID,
		WorkflowRef: workflowRef,
		Status:      session.StatusRunning,
		StartedAt:   startedAt.UTC(),
	}
	s.sessions[sessionID] = out
	return cloneSession(out), nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return cloneSession(existing), nil
}

// UpdateStatus implements session.Store.
func (s *Store) UpdateStatus(_ context.Context, sessionID string, to session.Status) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if existing.Status.Terminal() {
		return session.Session{}, session.ErrSessionTerminal
	}
	if to.Terminal() {
		return session.Session{}, session.ErrInvalidTransition
	}
	if !session.CanTransition(existing.Status, to) {
		return session.Session{}, session.ErrInvalidTransition
	}
	existing.Status = to
	s.sessions[sessionID] = existing
	return cloneSession(existing), nil
}

// Complete implements session.Store.
func (s *Store) Complete(_ context.Context, sessionID string, completion session.Completion) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if completion.EndedAt.IsZero() {
		return session.Session{}, errors.New("ended_at is required")
	}
	switch completion.Outcome {
	case session.OutcomeCompleted, session.OutcomeCompletedWithWarnings, session.OutcomeFailed:
	default:
		return session.Session{}, errors.New("unknown outcome")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if existing.Status.Terminal() {
		return session.Session{}, session.ErrSessionTerminal
	}
	at := completion.EndedAt.UTC()
	existing.Status = session.StatusFor(completion.Outcome)
	existing.EndedAt = &at
	existing.Outcome = completion.Outcome
	existing.Error = completion.Error
	existing.Counters = completion.Counters.Clone()
	s.sessions[sessionID] = existing
	return cloneSession(existing), nil
}

// UpsertWorker implements session.Store.
func (s *Store) UpsertWorker(_ context.Context, meta session.WorkerMeta) error {
	if meta.InvocationID == "" {
		return errors.New("invocation id is required")
	}
	if meta.AgentID == "" {
		return errors.New("agent id is required")
	}
	if meta.SessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.workers[meta.InvocationID]
	if ok && !existing.StartedAt.IsZero() {
		if meta.StartedAt.IsZero() {
			meta.StartedAt = existing.StartedAt
		} else if !meta.StartedAt.Equal(existing.StartedAt) {
			return errors.New("started_at is immutable")
		}
	} else if meta.StartedAt.IsZero() {
		meta.StartedAt = now
	}
	meta.UpdatedAt = now

	s.workers[meta.InvocationID] = meta
	return nil
}

// LoadWorker implements session.Store.
func (s *Store) LoadWorker(_ context.Context, invocationID string) (session.WorkerMeta, error) {
	if invocationID == "" {
		return session.WorkerMeta{}, errors.New("invocation id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.workers[invocationID]
	if !ok {
		return session.WorkerMeta{}, session.ErrWorkerNotFound
	}
	return meta, nil
}

// ListWorkers implements session.Store.
func (s *Store) ListWorkers(_ context.Context, sessionID string, statuses []session.WorkerStatus) ([]session.WorkerMeta, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	var allowed map[session.WorkerStatus]struct{}
	if len(statuses) > 0 {
		allowed = make(map[session.WorkerStatus]struct{}, len(statuses))
		for _, st := range statuses {
			allowed[st] = struct{}{}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.WorkerMeta, 0, len(s.workers))
	for _, meta := range s.workers {
		if meta.SessionID != sessionID {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[meta.Status]; !ok {
				continue
			}
		}
		out = append(out, meta)
	}
	return out, nil
}

func cloneSession(in session.Session) session.Session {
	out := in
	if in.EndedAt != nil {
		at := *in.EndedAt
		out.EndedAt = &at
	}
	out.Counters = in.Counters.Clone()
	return out
}
