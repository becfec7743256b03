package gateway

import (
	"context"
	"fmt"

	"goa.design/ensemble/runtime/model"
)

type (
	// Router implements model.Client by dispatching each request to the
	// adapter registered for its provider, after passing it through the
	// configured middleware chain.
	//
	// Applications typically register one adapter per provider referenced by
	// the registry's model profiles (WithProvider), optionally set a fallback
	// for requests that name no provider (WithDefault), and add middleware
	// (WithMiddleware) for cross-cutting concerns such as rate limiting or
	// logging. Middleware is applied in registration order: the first
	// middleware registered wraps all subsequent ones, forming an onion
	// structure where the innermost layer invokes the selected adapter.
	Router struct {
		handler   Handler
		providers map[string]model.Client
		fallback  model.Client
	}

	// Handler processes a single model completion request and returns the
	// response. This signature is used both by the base routing handler and
	// by middleware that compose additional behavior around it.
	Handler func(ctx context.Context, req *model.Request) (*model.Response, error)

	// Middleware wraps a Handler to add behavior before, after, or around the
	// handler invocation. Middleware receives the next handler in the chain
	// and returns a new handler that typically calls next after performing
	// setup, or delegates to next conditionally.
	Middleware func(next Handler) Handler

	// Option configures a Router during construction.
	Option func(*config)

	config struct {
		providers map[string]model.Client
		fallback  model.Client
		mw        []Middleware
	}
)

// WithProvider returns an Option that registers an adapter under the given
// provider name. Requests whose Provider field matches the name are dispatched
// to this adapter.
func WithProvider(name string, c model.Client) Option {
	return func(cfg *config) {
		if cfg.providers == nil {
			cfg.providers = make(map[string]model.Client)
		}
		cfg.providers[name] = c
	}
}

// WithDefault returns an Option that sets the adapter used when a request
// names no provider.
func WithDefault(c model.Client) Option {
	return func(cfg *config) { cfg.fallback = c }
}

// WithMiddleware returns an Option that appends middleware to the routing
// chain. Middleware are applied in the order they are registered across all
// WithMiddleware calls, with the first middleware forming the outermost layer.
func WithMiddleware(mw ...Middleware) Option {
	return func(cfg *config) { cfg.mw = append(cfg.mw, mw...) }
}

// New constructs a Router from the provided options. At least one adapter
// must be registered via WithProvider or WithDefault; otherwise New returns
// ErrProviderRequired.
func New(opts ...Option) (*Router, error) {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	if len(cfg.providers) == 0 && cfg.fallback == nil {
		return nil, ErrProviderRequired
	}
	r := &Router{providers: cfg.providers, fallback: cfg.fallback}
	base := func(ctx context.Context, req *model.Request) (*model.Response, error) {
		target, err := r.resolve(req.Provider)
		if err != nil {
			return nil, err
		}
		return target.Complete(ctx, req)
	}
	handler := base
	for i := len(cfg.mw) - 1; i >= 0; i-- {
		handler = cfg.mw[i](handler)
	}
	r.handler = handler
	return r, nil
}

// Complete dispatches the request through the middleware chain to the adapter
// registered for its provider. The context is propagated through the chain
// and can be used for cancellation and timeouts.
func (r *Router) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return r.handler(ctx, req)
}

func (r *Router) resolve(provider string) (model.Client, error) {
	if provider == "" {
		if r.fallback != nil {
			return r.fallback, nil
		}
		return nil, fmt.Errorf("%w: request names no provider and no default is configured", ErrUnknownProvider)
	}
	if c, ok := r.providers[provider]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
}
