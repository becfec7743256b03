package gateway

import "errors"

// ErrProviderRequired indicates that at least one provider adapter must be
// supplied.
var ErrProviderRequired = errors.New("model gateway: provider is required")

// ErrUnknownProvider indicates a request named a provider no adapter is
// registered for.
var ErrUnknownProvider = errors.New("model gateway: unknown provider")
