package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(srv.URL, "test-key")
	c.PollInterval = time.Millisecond
	c.PollDeadline = 2 * time.Second
	c.BackoffBase = time.Millisecond
	return c
}

func writeSSE(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, f := range frames {
		fmt.Fprintf(w, "data: %s\n\n", f)
	}
}

func TestGenerateStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		writeSSE(w,
			`{"type":"response.output_text.delta","delta":"hello "}`,
			`{"type":"response.output_text.delta","delta":"world"}`,
			`{"type":"response.reasoning_summary_text.delta","delta":"thought"}`,
			`{"type":"response.completed","response":{"id":"r1","status":"completed"}}`,
		)
	}))
	defer srv.Close()

	resp, err := testClient(t, srv).Generate(context.Background(), Request{Model: "m", Input: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.OutputText != "hello world" {
		t.Errorf("output = %q", resp.OutputText)
	}
	if resp.ReasoningSummary != "thought" {
		t.Errorf("reasoning = %q", resp.ReasoningSummary)
	}
	if resp.Status != "completed" || resp.ID != "r1" {
		t.Errorf("status=%s id=%s", resp.Status, resp.ID)
	}
}

func TestGenerateFallsBackToPolling(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			n := polls.Add(1)
			status := "in_progress"
			if n >= 2 {
				status = "completed"
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "r2", "status": status, "output_text": "polled result",
			})
			return
		}
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), `"background":true`) {
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "r2", "status": "queued"})
			return
		}
		// Truncated stream: deltas but no terminal frame.
		writeSSE(w, `{"type":"response.output_text.delta","delta":"partial"}`)
	}))
	defer srv.Close()

	resp, err := testClient(t, srv).Generate(context.Background(), Request{Model: "m", Input: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.OutputText != "polled result" {
		t.Errorf("output = %q", resp.OutputText)
	}
	if polls.Load() < 2 {
		t.Errorf("polls = %d, want >= 2", polls.Load())
	}
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, `{"error":{"message":"slow down"}}`, http.StatusTooManyRequests)
			return
		}
		writeSSE(w, `{"type":"response.completed","response":{"id":"r3","status":"completed","output_text":"ok"}}`)
	}))
	defer srv.Close()

	resp, err := testClient(t, srv).Generate(context.Background(), Request{Model: "m", Input: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.OutputText != "ok" {
		t.Errorf("output = %q", resp.OutputText)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestGenerateDoesNotRetryAuthFailure(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).Generate(context.Background(), Request{Model: "m", Input: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	var authErr *AuthenticationError
	if !asError(err, &authErr) {
		t.Errorf("error type = %T", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestGenerateGrowsTokenBudgetOnce(t *testing.T) {
	var budgets []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if v, ok := body["max_output_tokens"].(float64); ok {
			budgets = append(budgets, int64(v))
		}
		if len(budgets) == 1 {
			writeSSE(w, `{"type":"response.incomplete","response":{"id":"r4","status":"incomplete","incomplete_details":{"reason":"max_output_tokens"}}}`)
			return
		}
		writeSSE(w, `{"type":"response.completed","response":{"id":"r4","status":"completed","output_text":"done"}}`)
	}))
	defer srv.Close()

	resp, err := testClient(t, srv).Generate(context.Background(), Request{Model: "m", Input: "hi", MaxOutputTokens: 8000})
	if err != nil {
		t.Fatal(err)
	}
	if resp.OutputText != "done" {
		t.Errorf("output = %q", resp.OutputText)
	}
	if len(budgets) != 2 || budgets[0] != 8000 || budgets[1] != 16000 {
		t.Errorf("budgets = %v, want [8000 16000]", budgets)
	}
}

func TestGenerateBudgetCapped(t *testing.T) {
	var budgets []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if v, ok := body["max_output_tokens"].(float64); ok {
			budgets = append(budgets, int64(v))
		}
		writeSSE(w, `{"type":"response.incomplete","response":{"id":"r5","status":"incomplete","incomplete_details":{"reason":"max_output_tokens"}}}`)
	}))
	defer srv.Close()

	resp, err := testClient(t, srv).Generate(context.Background(), Request{Model: "m", Input: "hi", MaxOutputTokens: 60000})
	if err != nil {
		t.Fatal(err)
	}
	// Second incomplete is returned to the caller; budget growth happens once.
	if resp.Status != "incomplete" {
		t.Errorf("status = %s", resp.Status)
	}
	if len(budgets) != 2 || budgets[1] != 65000 {
		t.Errorf("budgets = %v", budgets)
	}
}

func TestNewFromEnvRequiresKey(t *testing.T) {
	t.Setenv("AOS_API_KEY", "")
	if _, err := NewFromEnv(""); err == nil {
		t.Error("blank key accepted")
	}
	t.Setenv("AOS_API_KEY", "k")
	c, err := NewFromEnv("")
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL == "" {
		t.Error("default base URL missing")
	}
}

func TestGenerateFailedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `{"type":"response.failed","response":{"id":"r6","status":"failed","error":{"message":"provider exploded"}}}`)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).Generate(context.Background(), Request{Model: "m", Input: "hi"})
	if err == nil || !strings.Contains(err.Error(), "provider exploded") {
		t.Errorf("err = %v", err)
	}
}
