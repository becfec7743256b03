package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/ensemble"
	"goa.design/ensemble/registry"
	"goa.design/ensemble/runtime/eventlog"
	"goa.design/ensemble/runtime/faults"
	"goa.design/ensemble/runtime/governance"
	"goa.design/ensemble/runtime/hooks"
	"goa.design/ensemble/runtime/telemetry"
)

// Catalog resolves tool definitions. *registry.Snapshot implements it.
type Catalog interface {
	Tool(id ensemble.ToolID) (*registry.Tool, bool)
}

// Gateway is the single invocation path for tools. Every call is checked
// against governance before anything else happens, validated against the
// catalog schemas on both sides, and recorded in the session event log.
// Idempotent tools may be served from the result cache, but only after the
// governance checks have passed.
type Gateway struct {
	catalog  Catalog
	enforcer *governance.Enforcer
	invoker  Invoker
	cache    Cache
	rec      *eventlog.Recorder
	bus      hooks.Bus
	logger   telemetry.Logger
	metrics  telemetry.Metrics
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithCache wires the idempotency result cache.
func WithCache(cache Cache) GatewayOption {
	return func(g *Gateway) { g.cache = cache }
}

// WithRecorder wires the event log recorder that persists tool calls.
func WithRecorder(rec *eventlog.Recorder) GatewayOption {
	return func(g *Gateway) { g.rec = rec }
}

// WithBus wires the hooks bus scheduled calls and results are published on.
func WithBus(bus hooks.Bus) GatewayOption {
	return func(g *Gateway) { g.bus = bus }
}

// WithLogger wires structured logging.
func WithLogger(logger telemetry.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics wires the metrics sink.
func WithMetrics(metrics telemetry.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = metrics }
}

// NewGateway constructs a Gateway over the given catalog, governance enforcer
// and execution transport. Telemetry defaults to noop implementations.
func NewGateway(catalog Catalog, enforcer *governance.Enforcer, invoker Invoker, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		catalog:  catalog,
		enforcer: enforcer,
		invoker:  invoker,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// callRecord is the audit payload for one tool call event.
type callRecord struct {
	CallID     string           `json:"call_id"`
	Tool       ensemble.ToolID  `json:"tool"`
	Agent      ensemble.AgentID `json:"agent"`
	Params     json.RawMessage  `json:"params,omitempty"`
	Result     json.RawMessage  `json:"result,omitempty"`
	Cached     bool             `json:"cached,omitempty"`
	DurationMS int64            `json:"duration_ms"`
	Error      *faults.Fault    `json:"error,omitempty"`
}

// Invoke runs one tool call end to end and returns its result. On failure the
// returned error carries the fault classification: governance denials,
// validation failures on parameters or results, timeouts and transport
// failures. Every call that passes governance is recorded in the event log,
// including failed ones.
func (g *Gateway) Invoke(ctx context.Context, call Call) (Result, error) {
	tool, ok := g.catalog.Tool(call.Tool)
	if !ok {
		return Result{}, faults.Errorf(faults.KindValidationFailure, "unknown tool %q", call.Tool)
	}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	// Governance first. A denial is recorded by the enforcer itself and the
	// cache below is never consulted.
	if err := g.enforcer.AllowTool(ctx, call.Agent, call.Tool); err != nil {
		return Result{}, err
	}
	if err := g.enforcer.ReserveToolCall(ctx, call.Agent); err != nil {
		return Result{}, err
	}

	if g.bus != nil {
		evt := hooks.NewToolCallScheduledEvent(g.sessionID(), call.Agent, call.Tool, call.ID, call.Params)
		if err := g.bus.Publish(ctx, evt); err != nil {
			return Result{}, fmt.Errorf("publish tool call: %w", err)
		}
	}

	if f := validate(tool.InputSchema, call.Params, call.Tool, "parameters"); f != nil {
		if err := g.finish(ctx, call, Result{CallID: call.ID, Tool: call.Tool}, f); err != nil {
			return Result{}, err
		}
		return Result{}, f
	}

	var key string
	if tool.Idempotent && g.cache != nil {
		k, err := CacheKey(call.Tool, call.Params)
		if err != nil {
			g.logger.Warn(ctx, "tool cache key", "tool", string(call.Tool), "err", err.Error())
		} else {
			key = k
			payload, hit, err := g.cache.Get(ctx, key)
			if err != nil {
				g.logger.Warn(ctx, "tool cache get", "tool", string(call.Tool), "err", err.Error())
			} else if hit {
				res := Result{CallID: call.ID, Tool: call.Tool, Payload: payload, Cached: true}
				if err := g.finish(ctx, call, res, nil); err != nil {
					return Result{}, err
				}
				g.metrics.IncCounter("tool_cache_hits", 1, "tool", string(call.Tool))
				return res, nil
			}
		}
	}

	start := time.Now()
	payload, err := g.invoker.Invoke(ctx, tool, call.Params)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		fault := classify(call.Tool, err)
		res := Result{CallID: call.ID, Tool: call.Tool, Duration: elapsed}
		// The call's own deadline may have expired; the audit record is
		// written regardless.
		if ferr := g.finish(context.WithoutCancel(ctx), call, res, fault); ferr != nil {
			return Result{}, ferr
		}
		return Result{}, fault
	}

	if f := validate(tool.OutputSchema, payload, call.Tool, "result"); f != nil {
		res := Result{CallID: call.ID, Tool: call.Tool, Duration: elapsed}
		if err := g.finish(ctx, call, res, f); err != nil {
			return Result{}, err
		}
		return Result{}, f
	}

	if key != "" {
		if err := g.cache.Set(ctx, key, payload); err != nil {
			g.logger.Warn(ctx, "tool cache set", "tool", string(call.Tool), "err", err.Error())
		}
	}

	res := Result{CallID: call.ID, Tool: call.Tool, Payload: payload, Duration: elapsed}
	if err := g.finish(ctx, call, res, nil); err != nil {
		return Result{}, err
	}
	return res, nil
}

// finish records the call in the event log, publishes the result on the bus
// and emits telemetry. Recording failures surface to the caller: a call that
// cannot be audited is reported as failed even when the tool succeeded.
func (g *Gateway) finish(ctx context.Context, call Call, res Result, fault *faults.Fault) error {
	if g.rec != nil {
		rec := callRecord{
			CallID:     call.ID,
			Tool:       call.Tool,
			Agent:      call.Agent,
			Params:     call.Params,
			Result:     res.Payload,
			Cached:     res.Cached,
			DurationMS: res.Duration.Milliseconds(),
			Error:      fault,
		}
		if _, err := g.rec.Record(ctx, eventlog.TypeToolCall, call.Agent, rec); err != nil {
			return fmt.Errorf("record tool call: %w", err)
		}
	}
	if g.bus != nil {
		evt := hooks.NewToolResultReceivedEvent(g.sessionID(), call.Agent, call.Tool, call.ID, res.Payload, res.Duration, fault)
		if err := g.bus.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish tool result: %w", err)
		}
	}
	outcome := "ok"
	if fault != nil {
		outcome = string(fault.Kind)
	}
	g.metrics.IncCounter("tool_calls", 1, "tool", string(call.Tool), "outcome", outcome)
	g.metrics.RecordTimer("tool_call_duration", res.Duration, "tool", string(call.Tool))
	if fault != nil {
		g.logger.Info(ctx, "tool call failed", "tool", string(call.Tool), "call_id", call.ID, "kind", string(fault.Kind), "err", fault.Message)
	} else {
		g.logger.Debug(ctx, "tool call completed", "tool", string(call.Tool), "call_id", call.ID, "cached", res.Cached, "duration", res.Duration.String())
	}
	return nil
}

func (g *Gateway) sessionID() string {
	if g.rec != nil {
		return g.rec.SessionID()
	}
	return ""
}

// validate checks raw against schema. A nil schema accepts anything.
func validate(schema *jsonschema.Schema, raw json.RawMessage, tool ensemble.ToolID, what string) *faults.Fault {
	if schema == nil {
		return nil
	}
	var doc any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return faults.WithCause(faults.KindValidationFailure, fmt.Sprintf("tool %s %s: invalid JSON", tool, what), err)
		}
	}
	if err := schema.Validate(doc); err != nil {
		return faults.WithCause(faults.KindValidationFailure, fmt.Sprintf("tool %s %s: schema violation", tool, what), err)
	}
	return nil
}

// classify maps transport errors into the fault taxonomy. Deadline expiry is
// a timeout; anything without an existing classification is a provider error.
func classify(tool ensemble.ToolID, err error) *faults.Fault {
	var f *faults.Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.WithCause(faults.KindTimeout, fmt.Sprintf("tool %s: deadline exceeded", tool), err)
	}
	return faults.WithCause(faults.KindProviderError, fmt.Sprintf("tool %s failed", tool), err)
}
