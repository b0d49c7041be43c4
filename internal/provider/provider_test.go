package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestOpenAIProviderChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gpt-4o-mini" || len(req.Messages) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Hello there"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oa", Endpoint: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "Hello there" || resp.Usage.TotalTokens != 12 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestOpenAIProviderPathModel(t *testing.T) {
	p := NewOpenAIProvider(ProviderConfig{Endpoint: "http://x", Extra: map[string]string{"path_model": "true"}}, zap.NewNop())
	if got := p.chatURL("m1"); got != "http://x/m1/chat/completions" {
		t.Errorf("got %s", got)
	}
}

func TestOpenAIProviderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{Endpoint: srv.URL}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{Model: "m"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests {
		t.Fatalf("got %v, want APIError 429", err)
	}
}

func TestOpenAIProviderHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewOpenAIProvider(ProviderConfig{Endpoint: srv.URL}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Chat(ctx, &ChatRequest{Model: "m"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("request outlived its context")
	}
}

func TestAnthropicProviderChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ak" {
			t.Errorf("missing api key")
		}
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.System != "be Ann" || len(req.Messages) != 1 || req.MaxTokens != 4096 {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"model":       "claude",
			"content":     []map[string]string{{"type": "text", "text": "Hi "}, {"type": "text", "text": "friend"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 5, "output_tokens": 2},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "an", Endpoint: srv.URL, APIKey: "ak"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model:    "claude",
		Messages: []Message{{Role: "system", Content: "be Ann"}, {Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "Hi friend" || resp.Usage.TotalTokens != 7 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestProvidersRejectEmptyAnswers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			json.NewEncoder(w).Encode(map[string]any{"id": "c", "choices": []any{}})
		case "/messages":
			json.NewEncoder(w).Encode(map[string]any{"id": "m", "content": []any{}})
		}
	}))
	defer srv.Close()

	for _, p := range []Provider{
		NewOpenAIProvider(ProviderConfig{ID: "oa", Endpoint: srv.URL}, zap.NewNop()),
		NewAnthropicProvider(ProviderConfig{ID: "an", Endpoint: srv.URL}, zap.NewNop()),
	} {
		if _, err := p.Chat(context.Background(), &ChatRequest{Model: "m"}); !errors.Is(err, ErrEmptyCompletion) {
			t.Errorf("%s: got %v, want ErrEmptyCompletion", p.ID(), err)
		}
	}
}

func TestCallContext(t *testing.T) {
	ctx, cancel := callContext(context.Background(), time.Minute)
	defer cancel()
	if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > time.Minute {
		t.Errorf("no deadline applied: %v, %v", dl, ok)
	}

	parent, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	ctx, cancel = callContext(parent, time.Minute)
	defer cancel()
	if ctx != parent {
		t.Error("a sooner task deadline should be kept as is")
	}
}

func TestProviderTimeoutCapsCall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewAnthropicProvider(ProviderConfig{Endpoint: srv.URL, Timeout: 50 * time.Millisecond}, zap.NewNop())
	if _, err := p.Chat(context.Background(), &ChatRequest{Model: "m"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

// stubProvider answers with a fixed text or error.
type stubProvider struct {
	id    string
	text  string
	err   error
	calls atomic.Int32
	model atomic.Value
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.calls.Add(1)
	s.model.Store(req.Model)
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.text, Model: req.Model}, nil
}
func (s *stubProvider) HealthCheck(context.Context) error { return nil }

func TestRouterFallback(t *testing.T) {
	r := NewRouter(zap.NewNop())
	bad := &stubProvider{id: "bad", err: errors.New("down")}
	good := &stubProvider{id: "good", text: "ok"}
	r.Register(bad)
	r.Register(good)
	r.SetFallbacks("small", []string{"good"})

	resp, err := r.Route(context.Background(), "small", &ChatRequest{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Content != "ok" || bad.calls.Load() != 1 {
		t.Errorf("fallback not used: %+v", resp)
	}
}

func TestRouterNoProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if _, err := r.Route(context.Background(), "small", &ChatRequest{}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("got %v, want ErrNoProvider", err)
	}
}

func TestCompleterTiers(t *testing.T) {
	r := NewRouter(zap.NewNop())
	small := &stubProvider{id: "small-p", text: "  reply  "}
	large := &stubProvider{id: "large-p", text: "plan"}
	r.Register(small)
	r.Register(large)
	r.Bind(string(TierLarge), "large-p")

	c := NewCompleter(r, Models{Small: "mini", Large: "big"}, zap.NewNop())

	got, err := c.Complete(context.Background(), "sys", "user", TierSmall)
	if err != nil || got != "reply" {
		t.Fatalf("small: %q, %v", got, err)
	}
	if small.model.Load() != "mini" {
		t.Errorf("small model = %v", small.model.Load())
	}

	got, err = c.Complete(context.Background(), "", "user", TierLarge)
	if err != nil || got != "plan" {
		t.Fatalf("large: %q, %v", got, err)
	}
	if large.model.Load() != "big" {
		t.Errorf("large model = %v", large.model.Load())
	}
}

func TestCompleterEmpty(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&stubProvider{id: "p", text: "   "})
	c := NewCompleter(r, Models{Small: "m"}, zap.NewNop())
	if _, err := c.Complete(context.Background(), "", "u", TierSmall); !errors.Is(err, ErrEmptyCompletion) {
		t.Errorf("got %v, want ErrEmptyCompletion", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	for typ, want := range map[string]string{"": "*provider.OpenAIProvider", "openai": "*provider.OpenAIProvider", "anthropic": "*provider.AnthropicProvider"} {
		p, err := NewFromConfig(ProviderConfig{Type: typ}, zap.NewNop())
		if err != nil {
			t.Fatalf("type %q: %v", typ, err)
		}
		if got := typeName(p); got != want {
			t.Errorf("type %q: got %s", typ, got)
		}
	}
	if _, err := NewFromConfig(ProviderConfig{Type: "gemini"}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown type")
	}
}

func typeName(p Provider) string {
	switch p.(type) {
	case *OpenAIProvider:
		return "*provider.OpenAIProvider"
	case *AnthropicProvider:
		return "*provider.AnthropicProvider"
	}
	return "?"
}
