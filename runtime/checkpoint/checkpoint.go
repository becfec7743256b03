// Package checkpoint implements human-in-the-loop pause points. A checkpoint
// suspends the workflow path that created it until a responder delivers a
// decision or the configured timeout window closes; the session shows
// waiting_checkpoint while any checkpoint is active. At most one checkpoint
// can be active per trigger point.
package checkpoint

import (
	"encoding/json"
	"errors"
	"time"

	"goa.design/ensemble"
)

var (
	// ErrCheckpointActive indicates a Create for a trigger point that already
	// has an active checkpoint.
	ErrCheckpointActive = errors.New("checkpoint: trigger point already has an active checkpoint")

	// ErrNotFound indicates an unknown checkpoint identifier.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrNotActive indicates a resolution for a checkpoint that has already
	// been resolved or timed out.
	ErrNotActive = errors.New("checkpoint: not active")

	// ErrRoleNotPermitted indicates a responder whose roles do not satisfy the
	// checkpoint's required roles.
	ErrRoleNotPermitted = errors.New("checkpoint: responder lacks a required role")
)

// Status is the lifecycle state of a checkpoint.
type Status string

const (
	// StatusActive marks a checkpoint awaiting resolution.
	StatusActive Status = "active"
	// StatusResolved marks a checkpoint resolved by a responder.
	StatusResolved Status = "resolved"
	// StatusTimeout marks a checkpoint whose window closed unanswered.
	StatusTimeout Status = "timeout"
)

// TimeoutBehavior selects what happens when a checkpoint's window closes
// without a resolution.
type TimeoutBehavior string

const (
	// AutoApprove resolves the checkpoint as approved on timeout.
	AutoApprove TimeoutBehavior = "auto_approve"
	// AutoReject resolves the checkpoint as rejected on timeout.
	AutoReject TimeoutBehavior = "auto_reject"
	// Cancel aborts the suspended path on timeout.
	Cancel TimeoutBehavior = "cancel"
	// WaitIndefinitely disables the timeout; the checkpoint stays active
	// until resolved.
	WaitIndefinitely TimeoutBehavior = "wait_indefinitely"
)

// Decision is a responder's verdict.
type Decision string

const (
	// DecisionApproved allows the suspended path to proceed.
	DecisionApproved Decision = "approved"
	// DecisionRejected refuses the pending action; the path proceeds with the
	// rejection recorded.
	DecisionRejected Decision = "rejected"
)

type (
	// Request describes a pause point to open.
	Request struct {
		// TriggerPoint names the workflow location pausing, e.g.
		// "before_publish". At most one checkpoint can be active per trigger
		// point.
		TriggerPoint string
		// Agent is the agent whose path suspends.
		Agent ensemble.AgentID
		// Reason is the human-facing explanation for the pause.
		Reason string
		// Payload is the material the responder reviews.
		Payload json.RawMessage
		// RequiredRoles restricts who may resolve. Empty permits anyone.
		RequiredRoles []string
		// Timeout bounds how long the checkpoint stays open. Zero means no
		// window; OnTimeout must then be WaitIndefinitely or empty.
		Timeout time.Duration
		// OnTimeout selects the behavior applied when the window closes.
		OnTimeout TimeoutBehavior
	}

	// Checkpoint is one pause point instance.
	Checkpoint struct {
		// ID uniquely identifies the checkpoint.
		ID string `json:"id"`
		// SessionID is the owning session.
		SessionID string `json:"session_id"`
		// TriggerPoint names the paused workflow location.
		TriggerPoint string `json:"trigger_point"`
		// Agent is the suspended agent.
		Agent ensemble.AgentID `json:"agent,omitempty"`
		// Reason is the human-facing explanation for the pause.
		Reason string `json:"reason,omitempty"`
		// Payload is the material under review.
		Payload json.RawMessage `json:"payload,omitempty"`
		// RequiredRoles restricts who may resolve.
		RequiredRoles []string `json:"required_roles,omitempty"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// CreatedAt is when the checkpoint opened.
		CreatedAt time.Time `json:"created_at"`
		// Deadline is when the window closes. Zero when waiting indefinitely.
		Deadline time.Time `json:"deadline,omitzero"`
		// OnTimeout is the behavior applied at the deadline.
		OnTimeout TimeoutBehavior `json:"on_timeout"`
		// Resolution is the delivered or synthesized decision, nil while
		// active and for canceled timeouts.
		Resolution *Resolution `json:"resolution,omitempty"`
	}

	// Resolution is a delivered response, or the synthesized one applied on
	// timeout for auto-approve and auto-reject.
	Resolution struct {
		// Decision is the verdict.
		Decision Decision `json:"decision"`
		// Data is optional structured guidance from the responder, handed to
		// the suspended path.
		Data json.RawMessage `json:"data,omitempty"`
		// ResponderIdentity identifies who decided, or "timeout" for
		// synthesized resolutions.
		ResponderIdentity string `json:"responder_identity"`
		// ResponderRoles are the responder's roles, checked against
		// RequiredRoles.
		ResponderRoles []string `json:"responder_roles,omitempty"`
		// ResolvedAt is when the decision was recorded.
		ResolvedAt time.Time `json:"resolved_at"`
	}
)
