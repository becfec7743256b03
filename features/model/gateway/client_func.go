package gateway

import (
	"context"

	"goa.design/ensemble/runtime/model"
)

// ClientFunc adapts a function to the model.Client interface. This keeps the
// router agnostic of the concrete transport: callers can register RPC-backed
// completion functions without writing a named adapter type.
type ClientFunc func(ctx context.Context, req *model.Request) (*model.Response, error)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return f(ctx, req)
}
