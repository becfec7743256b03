package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProviderErrorUnwrapsToSentinel(t *testing.T) {
	err := NewProviderError("anthropic", "messages.create", 429, ProviderErrorKindRateLimited, "rate_limit_error", "too many requests", "req_123", nil)

	require.True(t, errors.Is(err, ErrRateLimited))
	require.True(t, err.Retryable())

	wrapped := fmt.Errorf("complete: %w", err)
	pe, ok := AsProviderError(wrapped)
	require.True(t, ok)
	require.Equal(t, "anthropic", pe.Provider())
	require.Equal(t, 429, pe.HTTPStatus())
}

func TestProviderErrorKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewProviderError("bedrock", "converse", 0, ProviderErrorKindUnavailable, "", "", "", cause)

	require.ErrorIs(t, err, cause)
	require.True(t, err.Retryable())
	require.Contains(t, err.Error(), "connection reset")
}

func TestProviderErrorNotRetryable(t *testing.T) {
	err := NewProviderError("openai", "chat.completions", 400, ProviderErrorKindInvalidRequest, "invalid_request_error", "bad schema", "", nil)

	require.False(t, err.Retryable())
	require.False(t, errors.Is(err, ErrRateLimited))
	require.Contains(t, err.Error(), "openai invalid_request 400 (chat.completions)")
}
