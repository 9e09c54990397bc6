package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/strongdm/aos/internal/store"
)

// ssePollInterval controls how often the stream handler checks the store for
// new events. Overridable in tests.
var ssePollInterval = time.Second

func isTerminalStatus(status string) bool {
	switch status {
	case store.StatusSucceeded, store.StatusFailed, store.StatusCanceled:
		return true
	}
	return false
}

// handleStreamEvents streams a run's events as Server-Sent Events. Events are
// read from the store in (id) order, so a reconnecting client can resume with
// Last-Event-ID or ?after=. The stream ends with an "end" event once the run
// reaches a terminal status and the backlog is drained.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	run := s.runFromPath(w, r)
	if run == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	after := parseAfter(r)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		var id int64
		if _, err := fmt.Sscanf(v, "%d", &id); err == nil && id > after {
			after = id
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()

	terminal := isTerminalStatus(run.Status)
	for {
		events, err := s.store.ListEvents(ctx, run.ID, after, 0)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: {\"error\":%q}\n\n", err.Error())
			flusher.Flush()
			return
		}
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, data)
			after = ev.ID
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		// Check terminal status after the drain so the RUN_END event is
		// delivered before the stream closes.
		if terminal && len(events) == 0 {
			fmt.Fprint(w, "event: end\ndata: {}\n\n")
			flusher.Flush()
			return
		}
		if !terminal {
			cur, err := s.store.GetRun(ctx, run.ID)
			if err == nil {
				terminal = isTerminalStatus(cur.Status)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
