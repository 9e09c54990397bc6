// Package llm is the transport to the external text-generation service:
// stream-first submission with a background+poll fallback, bounded retries,
// and a payload-size guard in front of every JSON parse.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/strongdm/aos/internal/config"
)

type Request struct {
	Model           string
	Instructions    string
	Input           string
	MaxOutputTokens int
	Temperature     *float64
	ReasoningEffort string
}

// Response is the terminal envelope, identical for the streaming and the
// polling paths.
type Response struct {
	ID               string
	Status           string // completed | incomplete | failed
	IncompleteReason string
	OutputText       string
	ReasoningSummary string
	Raw              map[string]any
}

type Client struct {
	BaseURL string
	APIKey  string
	// Avoid short client-level timeouts; rely on request context deadlines.
	HTTP *http.Client

	// Overridable in tests.
	PollInterval time.Duration
	PollDeadline time.Duration
	BackoffBase  time.Duration
	MaxRetries   int
}

// NewFromEnv builds a client from the process environment. A missing or
// blank API key fails fast, before any network use.
func NewFromEnv(baseURL string) (*Client, error) {
	key := strings.TrimSpace(os.Getenv(config.EnvAPIKey))
	if key == "" {
		return nil, fmt.Errorf("%s is required", config.EnvAPIKey)
	}
	return New(baseURL, key), nil
}

func New(baseURL, apiKey string) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	return &Client{
		BaseURL:      base,
		APIKey:       strings.TrimSpace(apiKey),
		HTTP:         &http.Client{Timeout: 0},
		PollInterval: config.LLMPollInterval,
		PollDeadline: config.LLMPollDeadline,
		BackoffBase:  config.LLMRetryBackoffBase,
		MaxRetries:   config.LLMMaxRetries,
	}
}

// Generate submits the request, preferring a streaming read and falling back
// to background+poll on transport errors. Retryable HTTP failures are
// retried with linear backoff honoring Retry-After; a terminal
// incomplete/max_output_tokens response is retried once with a doubled token
// budget (capped).
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	budgetGrown := false
	attempt := 0
	for {
		attempt++
		resp, err := c.stream(ctx, req)
		var te *TransportError
		if errors.As(err, &te) {
			resp, err = c.background(ctx, req)
		}
		if err != nil {
			var le Error
			if errors.As(err, &le) && le.Retryable() && attempt <= c.MaxRetries {
				delay := c.BackoffBase * time.Duration(attempt)
				if ra := le.RetryAfter(); ra != nil && *ra > delay {
					delay = *ra
				}
				if !sleepCtx(ctx, delay) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}
		if resp.Status == "incomplete" && resp.IncompleteReason == "max_output_tokens" && !budgetGrown {
			budget := req.MaxOutputTokens
			if budget <= 0 {
				budget = config.LLMMaxOutputTokens / 2
			}
			budget *= 2
			if budget > config.LLMMaxOutputTokens {
				budget = config.LLMMaxOutputTokens
			}
			req.MaxOutputTokens = budget
			budgetGrown = true
			attempt-- // budget growth does not consume a transport retry
			continue
		}
		if resp.Status == "failed" {
			return nil, fmt.Errorf("llm response failed: %s", failureMessage(resp.Raw))
		}
		return resp, nil
	}
}

func (c *Client) requestBody(req Request, stream, background bool) map[string]any {
	body := map[string]any{
		"model": req.Model,
		"input": req.Input,
		"store": background,
	}
	if strings.TrimSpace(req.Instructions) != "" {
		body["instructions"] = req.Instructions
	}
	if req.MaxOutputTokens > 0 {
		body["max_output_tokens"] = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.ReasoningEffort != "" {
		body["reasoning"] = map[string]any{"effort": req.ReasoningEffort, "summary": "auto"}
	}
	if stream {
		body["stream"] = true
	}
	if background {
		body["background"] = true
	}
	return body
}

func (c *Client) post(ctx context.Context, body map[string]any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/responses", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// stream POSTs with stream=true and accumulates deltas until the terminal
// frame. The streaming read shares the polling deadline.
func (c *Client) stream(ctx context.Context, req Request) (*Response, error) {
	sctx, cancel := context.WithTimeout(ctx, c.PollDeadline)
	defer cancel()

	resp, err := c.post(sctx, c.requestBody(req, true, false))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	var (
		text      strings.Builder
		reasoning strings.Builder
		terminal  *Response
	)
	err = ParseSSE(sctx, resp.Body, func(ev SSEEvent) error {
		if len(ev.Data) == 0 {
			return nil
		}
		var payload map[string]any
		if err := DecodeBounded(ev.Data, &payload); err != nil {
			return nil // tolerate malformed frames
		}
		typ, _ := payload["type"].(string)
		if typ == "" {
			typ = ev.Event
		}
		switch typ {
		case "response.output_text.delta":
			if delta, _ := payload["delta"].(string); delta != "" {
				text.WriteString(delta)
			}
		case "response.reasoning_summary_text.delta":
			if delta, _ := payload["delta"].(string); delta != "" {
				reasoning.WriteString(delta)
			}
		case "response.completed", "response.incomplete", "response.failed":
			raw, _ := payload["response"].(map[string]any)
			if raw == nil {
				raw = payload
			}
			terminal = responseFromRaw(raw)
		}
		return nil
	})
	if err != nil && terminal == nil {
		return nil, &TransportError{Err: err}
	}
	if terminal == nil {
		return nil, &TransportError{Err: fmt.Errorf("stream ended without terminal frame")}
	}
	if strings.TrimSpace(terminal.OutputText) == "" {
		terminal.OutputText = text.String()
	}
	if strings.TrimSpace(terminal.ReasoningSummary) == "" {
		terminal.ReasoningSummary = reasoning.String()
	}
	return terminal, nil
}

// background POSTs with background=true and polls the response id until a
// terminal status or the polling deadline.
func (c *Client) background(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.post(ctx, c.requestBody(req, false, true))
	if err != nil {
		return nil, err
	}
	raw, err := c.decodeBody(resp)
	if err != nil {
		return nil, err
	}
	id, _ := raw["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("background submit returned no response id")
	}

	deadline := time.Now().Add(c.PollDeadline)
	for {
		r := responseFromRaw(raw)
		switch r.Status {
		case "completed", "incomplete", "failed", "cancelled":
			return r, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("llm poll deadline exceeded after %s (response id %s)", c.PollDeadline, id)
		}
		if !sleepCtx(ctx, c.PollInterval) {
			return nil, ctx.Err()
		}
		raw, err = c.getResponse(ctx, id)
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) getResponse(ctx context.Context, id string) (map[string]any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/responses/"+id, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return c.decodeBody(resp)
}

func (c *Client) decodeBody(resp *http.Response) (map[string]any, error) {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxJSONPayloadBytes+1))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	var raw map[string]any
	if err := DecodeBounded(body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return ErrorFromHTTPStatus(resp.StatusCode, msg, ra)
}

func responseFromRaw(raw map[string]any) *Response {
	r := &Response{Raw: raw}
	r.ID, _ = raw["id"].(string)
	r.Status, _ = raw["status"].(string)
	if det, ok := raw["incomplete_details"].(map[string]any); ok {
		r.IncompleteReason, _ = det["reason"].(string)
	}
	r.OutputText = ExtractOutputText(raw)
	r.ReasoningSummary = ExtractReasoningSummary(raw)
	return r
}

func failureMessage(raw map[string]any) string {
	if e, ok := raw["error"].(map[string]any); ok {
		if msg, _ := e["message"].(string); msg != "" {
			return msg
		}
	}
	return "unknown provider failure"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
