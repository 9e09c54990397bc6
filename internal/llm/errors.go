package llm

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error interface returned by the transport.
type Error interface {
	error
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type httpErrorBase struct {
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("llm error (status=%d): %s", e.statusCode, msg)
}
func (e *httpErrorBase) StatusCode() int            { return e.statusCode }
func (e *httpErrorBase) Retryable() bool            { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// TransportError wraps protocol errors, read timeouts, and connection errors
// that justify falling back from streaming to background polling.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string             { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error             { return e.Err }
func (e *TransportError) StatusCode() int           { return 0 }
func (e *TransportError) Retryable() bool           { return true }
func (e *TransportError) RetryAfter() *time.Duration { return nil }

// ErrorFromHTTPStatus classifies a non-2xx response. Retryable statuses are
// 429, 502, 503, 504.
func ErrorFromHTTPStatus(statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{statusCode: statusCode, message: message, retryAfter: retryAfter}
	switch statusCode {
	case 401, 403:
		return &AuthenticationError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	case 400, 404, 413, 422:
		return &InvalidRequestError{base}
	default:
		return &UnknownHTTPError{base}
	}
}

// ParseRetryAfter parses a Retry-After header: integer seconds or an
// HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
