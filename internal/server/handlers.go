package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/strongdm/aos/internal/config"
	"github.com/strongdm/aos/internal/plan"
	"github.com/strongdm/aos/internal/sanitize"
	"github.com/strongdm/aos/internal/store"
)

// validRunID matches ULIDs and other safe identifiers. Only alphanumeric,
// dashes, and underscores are allowed.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// CreateRunRequest is the POST /runs body.
type CreateRunRequest struct {
	RepoURL        string           `json:"repo_url"`
	RepoRef        string           `json:"repo_ref,omitempty"`
	WorkOrder      json.RawMessage  `json:"work_order"`
	WorkOrderBody  string           `json:"work_order_body,omitempty"`
	Params         store.Params     `json:"params,omitempty"`
	Writeback      *store.Writeback `json:"writeback,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready only when both the store and the queue answer.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	if err := s.queue.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxJSONPayloadBytes)
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	if err := sanitize.RepoURL(req.RepoURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RepoRef != "" {
		if err := sanitize.Ref(req.RepoRef); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Writeback != nil && req.Writeback.BranchName != "" {
		if err := sanitize.BranchName(req.Writeback.BranchName); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if len(req.WorkOrder) == 0 {
		writeError(w, http.StatusBadRequest, "work_order is required")
		return
	}
	wo, err := plan.ParseWorkOrder(req.WorkOrder)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	normalized, err := json.Marshal(wo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	in := store.NewRun{
		RepoURL:       req.RepoURL,
		RepoRef:       req.RepoRef,
		WorkOrder:     normalized,
		WorkOrderBody: req.WorkOrderBody,
		Params:        req.Params,
		Writeback:     req.Writeback,
	}
	if req.IdempotencyKey != "" {
		in.IdempotencyKey = &req.IdempotencyKey
	}

	run, err := s.store.CreateRun(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create run: %v", err))
		return
	}

	// An idempotency-key replay returns the existing run without enqueueing
	// a second job.
	if run.Status == store.StatusPending && run.RQJobID == nil {
		jobID, err := s.queue.Enqueue(r.Context(), run.ID)
		if err != nil {
			// A run we cannot enqueue must not sit PENDING forever.
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("enqueue: %v", err))
			return
		}
		if err := s.store.SetRQJobID(r.Context(), run.ID, jobID); err != nil {
			s.logger.Printf("run %s: set job id: %v", run.ID, err)
		}
		runsCreatedTotal.Inc()
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     run.ID,
		"status": run.Status,
	})
}

func (s *Server) runFromPath(w http.ResponseWriter, r *http.Request) *store.Run {
	id := chi.URLParam(r, "id")
	if !validRunID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "run id must be alphanumeric with dashes/underscores, 1-128 chars")
		return nil
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil
	}
	return run
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run := s.runFromPath(w, r)
	if run == nil {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run := s.runFromPath(w, r)
	if run == nil {
		return
	}
	flipped, err := s.store.CancelRun(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if flipped {
		runsCanceledTotal.Inc()
		run.Status = store.StatusCanceled
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       run.ID,
		"status":   run.Status,
		"canceled": flipped,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	run := s.runFromPath(w, r)
	if run == nil {
		return
	}
	after := parseAfter(r)
	events, err := s.store.ListEvents(r.Context(), run.ID, after, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	run := s.runFromPath(w, r)
	if run == nil {
		return
	}
	name := chi.URLParam(r, "name")
	a, err := s.store.GetArtifact(r.Context(), run.ID, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("artifact %s not found", name))
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if a.ContentType != nil {
		w.Header().Set("Content-Type", *a.ContentType)
	}
	http.ServeFile(w, r, a.Path)
}

func parseAfter(r *http.Request) int64 {
	v := r.URL.Query().Get("after")
	if v == "" {
		return 0
	}
	after, err := strconv.ParseInt(v, 10, 64)
	if err != nil || after < 0 {
		return 0
	}
	return after
}
