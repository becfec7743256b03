// Package tools provides the tool gateway: the single path through which
// worker loops invoke tools. The gateway checks governance before anything
// else, validates parameters and results against the catalog's compiled
// schemas, serves idempotent calls from an optional result cache, and records
// every call in the session event log.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/ensemble"
	"goa.design/ensemble/registry"
)

// ErrNoHandler indicates an invocation of a catalog tool that has no
// registered in-process handler.
var ErrNoHandler = errors.New("tools: no handler registered")

type (
	// Call is one tool invocation request, as decoded from a model directive.
	Call struct {
		// ID is the tool call identifier assigned by the model. The gateway
		// assigns one when the model omitted it.
		ID string `json:"id"`
		// Agent is the invoking agent.
		Agent ensemble.AgentID `json:"agent"`
		// Tool is the catalog tool to invoke.
		Tool ensemble.ToolID `json:"tool"`
		// Params are the invocation parameters as JSON.
		Params json.RawMessage `json:"params,omitempty"`
	}

	// Result is the outcome of one permitted tool invocation.
	Result struct {
		// CallID echoes the call identifier.
		CallID string `json:"call_id"`
		// Tool echoes the invoked tool.
		Tool ensemble.ToolID `json:"tool"`
		// Payload is the tool's result as JSON.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Cached reports whether the result was served from the idempotency
		// cache instead of executing the tool.
		Cached bool `json:"cached,omitempty"`
		// Duration is the wall-clock execution time. Near zero for cached
		// results.
		Duration time.Duration `json:"duration"`
	}

	// Handler executes an in-process tool. The returned payload must satisfy
	// the tool's output schema.
	Handler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

	// Invoker abstracts the execution transport behind the gateway. The
	// in-process Registry implements it for demo and test tools; remote
	// transports implement it for endpoint-backed tools.
	Invoker interface {
		Invoke(ctx context.Context, tool *registry.Tool, params json.RawMessage) (json.RawMessage, error)
	}

	// Cache stores results of idempotent tool calls keyed by CacheKey.
	// Implementations may evict at any time; a miss is never an error.
	Cache interface {
		Get(ctx context.Context, key string) (json.RawMessage, bool, error)
		Set(ctx context.Context, key string, result json.RawMessage) error
	}
)

// Registry maps tool identifiers to in-process handlers. It implements
// Invoker for tools executed inside the runtime process.
type Registry struct {
	mu       sync.RWMutex
	handlers map[ensemble.ToolID]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[ensemble.ToolID]Handler)}
}

// Register binds a handler to a tool identifier. Registering a nil handler or
// the same identifier twice is an error.
func (r *Registry) Register(id ensemble.ToolID, h Handler) error {
	if h == nil {
		return fmt.Errorf("tools: nil handler for %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[id]; ok {
		return fmt.Errorf("tools: handler already registered for %q", id)
	}
	r.handlers[id] = h
	return nil
}

// Invoke executes the registered handler for the tool.
func (r *Registry) Invoke(ctx context.Context, tool *registry.Tool, params json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	h, ok := r.handlers[tool.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, tool.ID)
	}
	return h(ctx, params)
}

// CanonicalJSON re-encodes raw with object keys sorted so logically equal
// payloads compare byte-equal. Empty input canonicalizes to JSON null.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// CacheKey derives the cache identity of an idempotent call: the tool
// identifier joined with a digest of the canonical parameter encoding.
func CacheKey(tool ensemble.ToolID, params json.RawMessage) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s params: %w", tool, err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s", tool, hex.EncodeToString(sum[:])), nil
}
