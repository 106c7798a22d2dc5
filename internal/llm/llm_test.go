package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseLLMFlag(t *testing.T) {
	tests := []struct {
		name     string
		flag     string
		provider string
		model    string
		wantErr  bool
	}{
		{name: "empty defaults to google", flag: "", provider: "google", model: "gemini-2.5-flash"},
		{name: "google", flag: "google/gemini-2.5-flash", provider: "google", model: "gemini-2.5-flash"},
		{name: "openrouter nested model", flag: "openrouter/openai/gpt-4o-mini", provider: "openrouter", model: "openai/gpt-4o-mini"},
		{name: "missing model", flag: "google", wantErr: true},
		{name: "unknown provider", flag: "acme/model", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseLLMFlag(tt.flag)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLLMFlag() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Provider != tt.provider || cfg.Model != tt.model {
				t.Errorf("got %s/%s, want %s/%s", cfg.Provider, cfg.Model, tt.provider, tt.model)
			}
		})
	}
}

func newOpenRouter(url string) *openrouterProvider {
	return &openrouterProvider{apiKey: "test-key", model: "test-model", baseURL: url}
}

func TestOpenRouterComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req orRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Temperature != 0 {
			t.Errorf("Temperature = %v, want 0", req.Temperature)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("ResponseFormat = %+v, want json_object", req.ResponseFormat)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"title\": \"Cooking recipes\"}"}}]}`)
	}))
	defer srv.Close()

	got, err := newOpenRouter(srv.URL).Complete(context.Background(), "prompt", CompletionOpts{Format: "json"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != `{"title": "Cooking recipes"}` {
		t.Errorf("Complete = %q", got)
	}
}

func TestOpenRouterRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newOpenRouter(srv.URL).Complete(context.Background(), "prompt", CompletionOpts{})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", rl.RetryAfter)
	}
	if !IsRetryable(err) {
		t.Errorf("rate limit should be retryable")
	}
}

func TestGoogleComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}`)
	}))
	defer srv.Close()

	g := &googleProvider{apiKey: "k", model: "gemini-2.5-flash", baseURL: srv.URL}
	got, err := g.Complete(context.Background(), "prompt", CompletionOpts{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "hello" {
		t.Errorf("Complete = %q, want %q", got, "hello")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Errorf("plain errors are not retryable")
	}
	if !IsRetryable(&TimeoutError{Provider: "p", Err: fmt.Errorf("timeout")}) {
		t.Errorf("timeouts are retryable")
	}
	wrapped := fmt.Errorf("labeling cluster: %w", &RateLimitError{Provider: "p"})
	if !IsRetryable(wrapped) {
		t.Errorf("wrapped rate limits are retryable")
	}
}
