package middleware

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"goa.design/ensemble/runtime/model"
)

type fakeClient struct {
	completeErr error

	completeCalls int
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.completeCalls++
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &model.Response{Content: "ok"}, nil
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60000, 60000)

	initialTPM := limiter.currentTPM

	client := &fakeClient{
		completeErr: model.ErrRateLimited,
	}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
		MaxTokens: 10,
	}

	_, err := wrapped.Complete(context.Background(), &req)
	if err == nil || !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_BackoffOnProviderError(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60000, 60000)

	initialTPM := limiter.currentTPM

	client := &fakeClient{
		completeErr: model.NewProviderError(
			"anthropic", "complete", 429, model.ProviderErrorKindRateLimited,
			"rate_limit_error", "Number of request tokens has exceeded your per-minute rate limit", "req_1", nil),
	}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
		MaxTokens: 10,
	}

	_, err := wrapped.Complete(context.Background(), &req)
	if err == nil || !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected provider error carrying ErrRateLimited, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
		MaxTokens: 10,
	}

	_, err := wrapped.Complete(context.Background(), &req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_RespectsContextWhenQueued(t *testing.T) {
	t.Helper()

	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	limiter.currentTPM = 60
	// Configure an impossible limiter so any non-zero token request fails
	// immediately. This exercises the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	longText := make([]byte, 600)
	for i := range longText {
		longText[i] = 'a'
	}

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: string(longText)},
		},
		MaxTokens: 10,
	}

	_, err := wrapped.Complete(context.Background(), &req)
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if client.completeCalls != 0 {
		t.Fatalf("expected underlying client not to be called, got %d calls",
			client.completeCalls)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	t.Helper()

	smallReq := &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "short"},
		},
	}
	bigReq := &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "this is a much longer message"},
		},
	}

	small := estimateTokens(smallReq)
	big := estimateTokens(bigReq)

	if small <= 0 {
		t.Fatalf("expected positive token estimate for small request, got %d",
			small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d",
			small, big)
	}
}

func TestEstimateTokensChargesCompletionCap(t *testing.T) {
	t.Helper()

	base := &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
	}
	capped := &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "hello"},
		},
		MaxTokens: 4096,
	}

	if got, want := estimateTokens(capped)-estimateTokens(base), 4096; got != want {
		t.Fatalf("expected completion cap to add %d tokens, got %d", want, got)
	}
}
