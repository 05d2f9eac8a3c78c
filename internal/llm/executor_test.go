package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClient scripts a sequence of responses/errors for Executor tests.
type fakeClient struct {
	results []fakeResult
	calls   int
}

type fakeResult struct {
	resp *ChatResponse
	err  error
}

func (f *fakeClient) next() (*ChatResponse, error) {
	if f.calls >= len(f.results) {
		return nil, errors.New("fakeClient: no more scripted results")
	}
	r := f.results[f.calls]
	f.calls++
	return r.resp, r.err
}

func (f *fakeClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f.next()
}

func (f *fakeClient) ChatStream(ctx context.Context, req ChatRequest, cb StreamCallback) (*ChatResponse, error) {
	resp, err := f.next()
	if err == nil && cb != nil {
		cb(StreamEvent{Kind: KindToken, Token: resp.Message.Content})
		cb(StreamEvent{Kind: KindDone, Response: resp})
	}
	return resp, err
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func newTestExecutor(c Client, attempts int) *Executor {
	e := NewExecutor(c, attempts, 20*time.Second, nil)
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func TestExecutor_SucceedsFirstTry(t *testing.T) {
	fc := &fakeClient{results: []fakeResult{
		{resp: &ChatResponse{Message: Message{Role: "assistant", Content: "hi"}}},
	}}
	e := newTestExecutor(fc, 3)

	resp, err := e.Execute(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "hi" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if fc.calls != 1 {
		t.Errorf("calls = %d, want 1", fc.calls)
	}
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	rateLimited := &ProviderError{Status: 429, Type: "rate_limit_error", Message: "slow down"}
	fc := &fakeClient{results: []fakeResult{
		{err: rateLimited},
		{err: rateLimited},
		{resp: &ChatResponse{Message: Message{Role: "assistant", Content: "finally"}}},
	}}
	e := newTestExecutor(fc, 3)

	resp, err := e.Execute(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "finally" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if fc.calls != 3 {
		t.Errorf("calls = %d, want 3", fc.calls)
	}
}

func TestExecutor_ExhaustionReturnsOriginalError(t *testing.T) {
	rateLimited := &ProviderError{Status: 429, Type: "rate_limit_error", Message: "slow down"}
	fc := &fakeClient{results: []fakeResult{
		{err: rateLimited},
		{err: rateLimited},
		{err: rateLimited},
	}}
	e := newTestExecutor(fc, 3)

	_, err := e.Execute(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	// The provider error must come back unchanged, not wrapped or replaced.
	if !errors.Is(err, rateLimited) {
		t.Errorf("expected original error, got %v", err)
	}
	if fc.calls != 3 {
		t.Errorf("calls = %d, want 3", fc.calls)
	}
}

func TestExecutor_FatalNotRetried(t *testing.T) {
	bad := &ProviderError{Status: 400, Type: "invalid_request_error", Message: "bad"}
	fc := &fakeClient{results: []fakeResult{{err: bad}}}
	e := newTestExecutor(fc, 3)

	_, err := e.Execute(context.Background(), ChatRequest{})
	if !errors.Is(err, bad) {
		t.Fatalf("expected fatal error back, got %v", err)
	}
	if fc.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on fatal)", fc.calls)
	}
}

func TestExecutor_NonProviderErrorNotRetried(t *testing.T) {
	boom := errors.New("connection reset")
	fc := &fakeClient{results: []fakeResult{{err: boom}}}
	e := newTestExecutor(fc, 3)

	_, err := e.Execute(context.Background(), ChatRequest{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected error back, got %v", err)
	}
	if fc.calls != 1 {
		t.Errorf("calls = %d, want 1", fc.calls)
	}
}

func TestExecutor_SleepCancelled(t *testing.T) {
	rateLimited := &ProviderError{Status: 429, Type: "rate_limit_error"}
	fc := &fakeClient{results: []fakeResult{
		{err: rateLimited},
		{resp: &ChatResponse{}},
	}}
	e := NewExecutor(fc, 3, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled during backoff, got %v", err)
	}
	if fc.calls != 1 {
		t.Errorf("calls = %d, want 1", fc.calls)
	}
}

func TestExecutor_StreamRetries(t *testing.T) {
	overloaded := &ProviderError{Status: 529, Type: "overloaded_error"}
	fc := &fakeClient{results: []fakeResult{
		{err: overloaded},
		{resp: &ChatResponse{Message: Message{Role: "assistant", Content: "streamed"}}},
	}}
	e := newTestExecutor(fc, 3)

	var tokens []string
	resp, err := e.ExecuteStream(context.Background(), ChatRequest{}, func(ev StreamEvent) {
		if ev.Kind == KindToken {
			tokens = append(tokens, ev.Token)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "streamed" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(tokens) != 1 || tokens[0] != "streamed" {
		t.Errorf("tokens = %v", tokens)
	}
	if fc.calls != 2 {
		t.Errorf("calls = %d, want 2", fc.calls)
	}
}

// midStreamClient emits a fragment and then fails with a retryable error.
type midStreamClient struct{ calls int }

func (m *midStreamClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return nil, errors.New("not used")
}

func (m *midStreamClient) ChatStream(ctx context.Context, req ChatRequest, cb StreamCallback) (*ChatResponse, error) {
	m.calls++
	if cb != nil {
		cb(StreamEvent{Kind: KindToken, Token: "partial"})
	}
	return nil, &ProviderError{Status: 500, Type: "api_error", Message: "mid-stream"}
}

func (m *midStreamClient) Ping(ctx context.Context) error { return nil }

func TestExecutor_NoRetryAfterFragmentsDelivered(t *testing.T) {
	mc := &midStreamClient{}
	e := newTestExecutor(mc, 3)

	_, err := e.ExecuteStream(context.Background(), ChatRequest{}, func(StreamEvent) {})
	if err == nil {
		t.Fatal("expected mid-stream error")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Message != "mid-stream" {
		t.Errorf("expected original mid-stream error, got %v", err)
	}
	if mc.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry once fragments flowed)", mc.calls)
	}
}
