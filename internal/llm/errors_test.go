package llm

import (
	"errors"
	"testing"
	"time"
)

// asError exists so tests read like errors.As call sites.
func asError(err error, target any) bool { return errors.As(err, target) }

func TestErrorFromHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{422, false},
		{429, true},
		{500, false},
		{502, true},
		{503, true},
		{504, true},
	}
	for _, tc := range cases {
		err := ErrorFromHTTPStatus(tc.status, "x", nil)
		var le Error
		if !errors.As(err, &le) {
			t.Fatalf("status %d: not an llm.Error", tc.status)
		}
		if le.Retryable() != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, le.Retryable(), tc.retryable)
		}
		if le.StatusCode() != tc.status {
			t.Errorf("status %d: StatusCode = %d", tc.status, le.StatusCode())
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if d := ParseRetryAfter("7", now); d == nil || *d != 7*time.Second {
		t.Errorf("seconds form: %v", d)
	}
	if d := ParseRetryAfter("Sun, 01 Jun 2025 12:00:30 GMT", now); d == nil || *d != 30*time.Second {
		t.Errorf("date form: %v", d)
	}
	if d := ParseRetryAfter("Sun, 01 Jun 2025 11:00:00 GMT", now); d == nil || *d != 0 {
		t.Errorf("past date should clamp to zero: %v", d)
	}
	if d := ParseRetryAfter("", now); d != nil {
		t.Errorf("empty header: %v", d)
	}
	if d := ParseRetryAfter("garbage", now); d != nil {
		t.Errorf("garbage header: %v", d)
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	te := &TransportError{Err: inner}
	if !errors.Is(te, inner) {
		t.Error("Unwrap lost inner error")
	}
	if !te.Retryable() {
		t.Error("transport errors are retryable")
	}
}
