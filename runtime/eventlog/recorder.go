package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"goa.design/ensemble"
)

// Recorder is the single writer of a session's event log. All components of a
// session share one Recorder; it serializes appends, assigns the gapless
// sequence, and timestamps events. A sequence number is only consumed when
// the store accepts the append, so a failed write never leaves a gap.
type Recorder struct {
	store     Store
	sessionID string
	clock     func() time.Time

	mu   sync.Mutex
	last int64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source used to stamp events. Tests use this to
// produce deterministic logs.
func WithClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRecorder constructs the recorder for one session backed by the given
// store. The store must be empty for this session; sessions own their log
// exclusively for their lifetime.
func NewRecorder(store Store, sessionID string, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionID returns the session this recorder writes for.
func (r *Recorder) SessionID() string { return r.sessionID }

// Record marshals payload, assigns the next sequence number and appends the
// event. It returns the persisted event. Concurrent callers are serialized;
// the resulting log is totally ordered and gapless.
func (r *Recorder) Record(ctx context.Context, typ EventType, agentID ensemble.AgentID, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = data
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := &Event{
		Seq:       r.last + 1,
		Type:      typ,
		SessionID: r.sessionID,
		AgentID:   agentID,
		Timestamp: r.clock().UTC(),
		Payload:   raw,
	}
	if err := r.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append %s event: %w", typ, err)
	}
	r.last = e.Seq
	return e, nil
}

// Last returns the highest sequence number successfully recorded so far.
func (r *Recorder) Last() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
