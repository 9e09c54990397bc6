package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
)

// SSEEvent is one server-sent-events frame.
type SSEEvent struct {
	Event string
	Data  []byte
}

// ParseSSE reads event-stream frames from r and invokes fn for each. It
// returns when the stream ends, the context is canceled, or fn errors.
func ParseSSE(ctx context.Context, r io.Reader, fn func(SSEEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev SSEEvent
	var data bytes.Buffer
	flush := func() error {
		if ev.Event == "" && data.Len() == 0 {
			return nil
		}
		ev.Data = append([]byte{}, data.Bytes()...)
		err := fn(ev)
		ev = SSEEvent{}
		data.Reset()
		return err
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}
