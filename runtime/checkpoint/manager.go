package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/ensemble/runtime/eventlog"
	"goa.design/ensemble/runtime/faults"
	"goa.design/ensemble/runtime/hooks"
	"goa.design/ensemble/runtime/session"
	"goa.design/ensemble/runtime/telemetry"
)

// StatusSetter flips the session status as paths suspend and resume.
// session.Store implements it.
type StatusSetter interface {
	UpdateStatus(ctx context.Context, sessionID string, to session.Status) (session.Session, error)
}

// Manager owns a session's checkpoints. It enforces the one-active-per
// trigger-point rule, suspends callers in Wait until a resolution or the
// timeout behavior applies, and records every open and close in the event
// log.
type Manager struct {
	sessionID string
	rec       *eventlog.Recorder
	bus       hooks.Bus
	status    StatusSetter
	logger    telemetry.Logger
	clock     func() time.Time

	mu          sync.Mutex
	checkpoints map[string]*entry
	active      map[string]string // trigger point -> active checkpoint id
}

type entry struct {
	cp   *Checkpoint
	done chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRecorder wires the event log recorder checkpoints are recorded in.
func WithRecorder(rec *eventlog.Recorder) ManagerOption {
	return func(m *Manager) {
		m.rec = rec
		if m.sessionID == "" {
			m.sessionID = rec.SessionID()
		}
	}
}

// WithBus wires the hooks bus checkpoint events are published on.
func WithBus(bus hooks.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithSessionStatus wires the session store that reflects suspension: the
// session shows waiting_checkpoint while any checkpoint is active.
func WithSessionStatus(sessionID string, status StatusSetter) ManagerOption {
	return func(m *Manager) {
		m.sessionID = sessionID
		m.status = status
	}
}

// WithLogger wires structured logging.
func WithLogger(logger telemetry.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source. Tests use this for deterministic
// deadlines.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager constructs a checkpoint manager for one session.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:      telemetry.NewNoopLogger(),
		clock:       time.Now,
		checkpoints: make(map[string]*entry),
		active:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// createdRecord is the audit payload for a checkpoint opening.
// SessionSuspended marks the open that moved the session to
// waiting_checkpoint, so replay can track suspension from the log alone.
type createdRecord struct {
	CheckpointID     string          `json:"checkpoint_id"`
	TriggerPoint     string          `json:"trigger_point"`
	Reason           string          `json:"reason,omitempty"`
	RequiredRoles    []string        `json:"required_roles,omitempty"`
	Behavior         TimeoutBehavior `json:"behavior"`
	Deadline         *time.Time      `json:"deadline,omitempty"`
	SessionSuspended bool            `json:"session_suspended,omitempty"`
}

// resolvedRecord is the audit payload for a checkpoint closing.
// SessionResumed marks the close that left no checkpoint active; with
// overlapping checkpoints only that close resumes the session.
type resolvedRecord struct {
	CheckpointID   string   `json:"checkpoint_id"`
	Status         Status   `json:"status"`
	Decision       Decision `json:"decision,omitempty"`
	ResolvedBy     string   `json:"resolved_by,omitempty"`
	Expired        bool     `json:"expired,omitempty"`
	SessionResumed bool     `json:"session_resumed,omitempty"`
}

// Create opens a checkpoint for the request's trigger point. It fails with
// ErrCheckpointActive while another checkpoint is active for the same trigger
// point. Opening the first active checkpoint moves the session to
// waiting_checkpoint.
func (m *Manager) Create(ctx context.Context, req Request) (*Checkpoint, error) {
	if req.TriggerPoint == "" {
		return nil, errors.New("checkpoint: trigger point is required")
	}
	behavior, err := normalizeBehavior(req.Timeout, req.OnTimeout)
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	cp := &Checkpoint{
		ID:            uuid.NewString(),
		SessionID:     m.sessionID,
		TriggerPoint:  req.TriggerPoint,
		Agent:         req.Agent,
		Reason:        req.Reason,
		Payload:       req.Payload,
		RequiredRoles: append([]string(nil), req.RequiredRoles...),
		Status:        StatusActive,
		CreatedAt:     now,
		OnTimeout:     behavior,
	}
	if req.Timeout > 0 {
		cp.Deadline = now.Add(req.Timeout)
	}

	m.mu.Lock()
	if existing, ok := m.active[cp.TriggerPoint]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s held by %s", ErrCheckpointActive, cp.TriggerPoint, existing)
	}
	m.checkpoints[cp.ID] = &entry{cp: cp, done: make(chan struct{})}
	m.active[cp.TriggerPoint] = cp.ID
	firstActive := len(m.active) == 1
	m.mu.Unlock()

	if m.rec != nil {
		rec := createdRecord{
			CheckpointID:     cp.ID,
			TriggerPoint:     cp.TriggerPoint,
			Reason:           cp.Reason,
			RequiredRoles:    cp.RequiredRoles,
			Behavior:         cp.OnTimeout,
			SessionSuspended: firstActive,
		}
		if !cp.Deadline.IsZero() {
			deadline := cp.Deadline
			rec.Deadline = &deadline
		}
		if _, err := m.rec.Record(ctx, eventlog.TypeCheckpointCreated, cp.Agent, rec); err != nil {
			m.release(cp.ID)
			return nil, fmt.Errorf("record checkpoint: %w", err)
		}
	}
	if m.bus != nil {
		evt := hooks.NewCheckpointCreatedEvent(m.sessionID, cp.ID, cp.Reason, string(cp.OnTimeout))
		if err := m.bus.Publish(ctx, evt); err != nil {
			m.release(cp.ID)
			return nil, fmt.Errorf("publish checkpoint: %w", err)
		}
	}

	if firstActive && m.status != nil {
		if _, err := m.status.UpdateStatus(ctx, m.sessionID, session.StatusWaitingCheckpoint); err != nil {
			m.release(cp.ID)
			return nil, fmt.Errorf("suspend session: %w", err)
		}
	}

	m.logger.Info(ctx, "checkpoint opened", "checkpoint", cp.ID, "trigger", cp.TriggerPoint, "behavior", string(cp.OnTimeout))
	return m.snapshot(cp), nil
}

// Wait suspends the caller until the checkpoint resolves or its timeout
// behavior applies. It returns the resolution for approvals and rejections
// (explicit or synthesized), a timeout fault when the behavior is Cancel, and
// the context error when ctx ends first. A context end leaves the checkpoint
// active for a later responder or audit.
func (m *Manager) Wait(ctx context.Context, id string) (*Resolution, error) {
	m.mu.Lock()
	e, ok := m.checkpoints[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := e.cp
	deadline := cp.Deadline
	m.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		remaining := deadline.Sub(m.clock())
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-e.done:
		return m.outcome(id)
	case <-timeout:
		if err := m.expire(ctx, id); err != nil {
			return nil, err
		}
		return m.outcome(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers a responder's decision to an active checkpoint and wakes
// the suspended path. The responder must hold one of the checkpoint's
// required roles.
func (m *Manager) Resolve(ctx context.Context, id string, res Resolution) error {
	if res.Decision != DecisionApproved && res.Decision != DecisionRejected {
		return fmt.Errorf("checkpoint: invalid decision %q", res.Decision)
	}

	m.mu.Lock()
	e, ok := m.checkpoints[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := e.cp
	if cp.Status != StatusActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotActive, id, cp.Status)
	}
	if !roleSatisfied(cp.RequiredRoles, res.ResponderRoles) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s requires one of %v", ErrRoleNotPermitted, id, cp.RequiredRoles)
	}

	res.ResolvedAt = m.clock().UTC()
	cp.Status = StatusResolved
	cp.Resolution = &res
	delete(m.active, cp.TriggerPoint)
	lastActive := len(m.active) == 0
	close(e.done)
	m.mu.Unlock()

	if err := m.closed(ctx, cp, false, lastActive); err != nil {
		return err
	}
	m.logger.Info(ctx, "checkpoint resolved", "checkpoint", id, "decision", string(res.Decision), "responder", res.ResponderIdentity)
	return nil
}

// Get returns a copy of the checkpoint.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.snapshot(e.cp), nil
}

// Pending returns the active checkpoints ordered by creation time. HITL
// responder frontends list these.
func (m *Manager) Pending() []*Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Checkpoint, 0, len(m.active))
	for _, id := range m.active {
		out = append(out, m.snapshot(m.checkpoints[id].cp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// expire applies the timeout behavior. A responder racing the deadline wins
// if Resolve committed first.
func (m *Manager) expire(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.checkpoints[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := e.cp
	if cp.Status != StatusActive {
		m.mu.Unlock()
		return nil
	}

	cp.Status = StatusTimeout
	switch cp.OnTimeout {
	case AutoApprove:
		cp.Resolution = &Resolution{Decision: DecisionApproved, ResponderIdentity: "timeout", ResolvedAt: m.clock().UTC()}
	case AutoReject:
		cp.Resolution = &Resolution{Decision: DecisionRejected, ResponderIdentity: "timeout", ResolvedAt: m.clock().UTC()}
	}
	delete(m.active, cp.TriggerPoint)
	lastActive := len(m.active) == 0
	close(e.done)
	m.mu.Unlock()

	if err := m.closed(ctx, cp, true, lastActive); err != nil {
		return err
	}
	m.logger.Info(ctx, "checkpoint expired", "checkpoint", id, "behavior", string(cp.OnTimeout))
	return nil
}

// outcome maps a closed checkpoint to Wait's return values.
func (m *Manager) outcome(id string) (*Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := e.cp
	if cp.Resolution != nil {
		res := *cp.Resolution
		return &res, nil
	}
	return nil, faults.Errorf(faults.KindTimeout, "checkpoint %s canceled: no response within the window", id)
}

// closed records and publishes a checkpoint's terminal transition and
// resumes the session when no other checkpoint remains active.
func (m *Manager) closed(ctx context.Context, cp *Checkpoint, expired, lastActive bool) error {
	decision := Decision("")
	resolvedBy := ""
	if cp.Resolution != nil {
		decision = cp.Resolution.Decision
		resolvedBy = cp.Resolution.ResponderIdentity
	}
	resolution := string(decision)
	if resolution == "" {
		resolution = "canceled"
	}

	if m.rec != nil {
		rec := resolvedRecord{
			CheckpointID:   cp.ID,
			Status:         cp.Status,
			Decision:       decision,
			ResolvedBy:     resolvedBy,
			Expired:        expired,
			SessionResumed: lastActive,
		}
		if _, err := m.rec.Record(ctx, eventlog.TypeCheckpointResolved, cp.Agent, rec); err != nil {
			return fmt.Errorf("record checkpoint resolution: %w", err)
		}
	}
	if m.bus != nil {
		evt := hooks.NewCheckpointResolvedEvent(m.sessionID, cp.ID, resolution, resolvedBy, expired)
		if err := m.bus.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish checkpoint resolution: %w", err)
		}
	}

	if lastActive && m.status != nil {
		if _, err := m.status.UpdateStatus(ctx, m.sessionID, session.StatusRunning); err != nil {
			// The session may have ended while suspended; resumption is then
			// moot.
			if !errors.Is(err, session.ErrSessionTerminal) {
				return fmt.Errorf("resume session: %w", err)
			}
		}
	}
	return nil
}

// release drops a checkpoint that failed to open completely.
func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.checkpoints[id]
	if !ok {
		return
	}
	delete(m.active, e.cp.TriggerPoint)
	delete(m.checkpoints, id)
}

func (m *Manager) snapshot(cp *Checkpoint) *Checkpoint {
	clone := *cp
	clone.RequiredRoles = append([]string(nil), cp.RequiredRoles...)
	if cp.Resolution != nil {
		res := *cp.Resolution
		clone.Resolution = &res
	}
	return &clone
}

func normalizeBehavior(timeout time.Duration, behavior TimeoutBehavior) (TimeoutBehavior, error) {
	switch behavior {
	case AutoApprove, AutoReject, Cancel:
		if timeout <= 0 {
			return "", fmt.Errorf("checkpoint: behavior %s requires a timeout", behavior)
		}
		return behavior, nil
	case WaitIndefinitely, "":
		if timeout > 0 {
			return "", errors.New("checkpoint: a timeout requires an auto_approve, auto_reject or cancel behavior")
		}
		return WaitIndefinitely, nil
	default:
		return "", fmt.Errorf("checkpoint: unknown timeout behavior %q", behavior)
	}
}

func roleSatisfied(required, held []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		for _, h := range held {
			if r == h {
				return true
			}
		}
	}
	return false
}
