package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/strongdm/aos/internal/store"
)

// fakeStore is an in-memory RunStore for handler tests.
type fakeStore struct {
	pingErr   error
	runs      map[string]*store.Run
	events    map[string][]store.Event
	artifacts map[string]*store.Artifact
	enqueued  []string
	nextID    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:      map[string]*store.Run{},
		events:    map[string][]store.Event{},
		artifacts: map[string]*store.Artifact{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) CreateRun(_ context.Context, in store.NewRun) (*store.Run, error) {
	if in.IdempotencyKey != nil {
		for _, r := range f.runs {
			if r.IdempotencyKey != nil && *r.IdempotencyKey == *in.IdempotencyKey {
				return r, nil
			}
		}
	}
	f.nextID++
	r := &store.Run{
		ID:             fmt.Sprintf("run-%d", f.nextID),
		Status:         store.StatusPending,
		IdempotencyKey: in.IdempotencyKey,
		RepoURL:        in.RepoURL,
		RepoRef:        in.RepoRef,
		WorkOrder:      in.WorkOrder,
		Params:         in.Params,
		Writeback:      in.Writeback,
	}
	f.runs[r.ID] = r
	f.events[r.ID] = []store.Event{
		{ID: 1, RunID: r.ID, Kind: store.KindRunCreated, Level: store.LevelInfo, Payload: []byte(`{}`)},
	}
	return r, nil
}

func (f *fakeStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) CancelRun(_ context.Context, id string) (bool, error) {
	r, ok := f.runs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.Status != store.StatusPending && r.Status != store.StatusRunning {
		return false, nil
	}
	r.Status = store.StatusCanceled
	return true, nil
}

func (f *fakeStore) SetRQJobID(_ context.Context, id, jobID string) error {
	if r, ok := f.runs[id]; ok {
		r.RQJobID = &jobID
	}
	return nil
}

func (f *fakeStore) ListEvents(_ context.Context, runID string, afterID int64, limit int) ([]store.Event, error) {
	var out []store.Event
	for _, e := range f.events[runID] {
		if e.ID > afterID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetArtifact(_ context.Context, runID, name string) (*store.Artifact, error) {
	a, ok := f.artifacts[runID+"/"+name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

type fakeQueue struct {
	store      *fakeStore
	enqueueErr error
}

func (q *fakeQueue) Ping(context.Context) error { return nil }

func (q *fakeQueue) Enqueue(_ context.Context, runID string) (string, error) {
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	q.store.enqueued = append(q.store.enqueued, runID)
	return "job:" + runID, nil
}

func testServer(t *testing.T) (*Server, *fakeStore, *fakeQueue) {
	t.Helper()
	st := newFakeStore()
	q := &fakeQueue{store: st}
	return New(Config{Addr: ":0"}, st, q), st, q
}

func validWorkOrder() map[string]any {
	return map[string]any{
		"id":                  "WO-01",
		"title":               "add greeting module",
		"intent":              "create pkg/greet.py with a greet function",
		"allowed_files":       []string{"pkg/greet.py"},
		"acceptance_commands": []string{"pytest tests/test_greet.py"},
	}
}

func postRun(t *testing.T, srv *Server, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestReadyzReportsStoreOutage(t *testing.T) {
	srv, st, _ := testServer(t)
	st.pingErr = errors.New("connection refused")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", rec.Code)
	}
}

func TestCreateRunEnqueues(t *testing.T) {
	srv, st, _ := testServer(t)
	rec := postRun(t, srv, map[string]any{
		"repo_url":   "https://github.com/acme/widgets.git",
		"repo_ref":   "main",
		"work_order": validWorkOrder(),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != store.StatusPending {
		t.Errorf("status = %q", resp["status"])
	}
	if len(st.enqueued) != 1 || st.enqueued[0] != resp["id"] {
		t.Errorf("enqueued = %v, want [%s]", st.enqueued, resp["id"])
	}
	run := st.runs[resp["id"]]
	if run.RQJobID == nil || *run.RQJobID != "job:"+resp["id"] {
		t.Errorf("job id not recorded: %v", run.RQJobID)
	}
}

func TestCreateRunRejectsBadRepoURL(t *testing.T) {
	srv, st, _ := testServer(t)
	rec := postRun(t, srv, map[string]any{
		"repo_url":   "ext::sh -c whoami",
		"work_order": validWorkOrder(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(st.enqueued) != 0 {
		t.Errorf("rejected request was enqueued")
	}
}

func TestCreateRunRejectsBadWorkOrder(t *testing.T) {
	srv, _, _ := testServer(t)
	wo := validWorkOrder()
	delete(wo, "acceptance_commands")
	rec := postRun(t, srv, map[string]any{
		"repo_url":   "https://github.com/acme/widgets.git",
		"work_order": wo,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestCreateRunIdempotencyReplaySkipsEnqueue(t *testing.T) {
	srv, st, _ := testServer(t)
	body := map[string]any{
		"repo_url":        "https://github.com/acme/widgets.git",
		"work_order":      validWorkOrder(),
		"idempotency_key": "key-1",
	}
	first := postRun(t, srv, body)
	second := postRun(t, srv, body)
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("statuses = %d, %d", first.Code, second.Code)
	}
	var a, b map[string]string
	_ = json.Unmarshal(first.Body.Bytes(), &a)
	_ = json.Unmarshal(second.Body.Bytes(), &b)
	if a["id"] != b["id"] {
		t.Errorf("replay created a new run: %s vs %s", a["id"], b["id"])
	}
	if len(st.enqueued) != 1 {
		t.Errorf("enqueued %d times, want 1", len(st.enqueued))
	}
}

func TestCreateRunEnqueueFailureIsNotSilent(t *testing.T) {
	srv, _, q := testServer(t)
	q.enqueueErr = errors.New("redis down")
	rec := postRun(t, srv, map[string]any{
		"repo_url":   "https://github.com/acme/widgets.git",
		"work_order": validWorkOrder(),
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/no-such-run", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelRunFlipsOnce(t *testing.T) {
	srv, st, _ := testServer(t)
	rec := postRun(t, srv, map[string]any{
		"repo_url":   "https://github.com/acme/widgets.git",
		"work_order": validWorkOrder(),
	})
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	id := resp["id"]

	cancel := func() map[string]any {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/"+id+"/cancel", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("cancel status = %d", rec.Code)
		}
		var out map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		return out
	}

	first := cancel()
	if first["canceled"] != true || first["status"] != store.StatusCanceled {
		t.Errorf("first cancel = %v", first)
	}
	second := cancel()
	if second["canceled"] != false {
		t.Errorf("second cancel flipped again: %v", second)
	}
	if st.runs[id].Status != store.StatusCanceled {
		t.Errorf("run status = %s", st.runs[id].Status)
	}
}

func TestListEventsAfterCursor(t *testing.T) {
	srv, st, _ := testServer(t)
	st.runs["r1"] = &store.Run{ID: "r1", Status: store.StatusRunning}
	st.events["r1"] = []store.Event{
		{ID: 1, RunID: "r1", Kind: store.KindRunCreated, Payload: []byte(`{}`)},
		{ID: 2, RunID: "r1", Kind: store.KindRunStart, Payload: []byte(`{}`)},
		{ID: 3, RunID: "r1", Kind: store.KindSEOutput, Payload: []byte(`{}`)},
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r1/events?after=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var events []store.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].ID != 2 || events[1].ID != 3 {
		t.Errorf("events = %+v", events)
	}
}

func TestGetArtifactServesBytes(t *testing.T) {
	srv, st, _ := testServer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "run_summary.json")
	if err := os.WriteFile(path, []byte(`{"verdict":"PASS"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	ct := "application/json"
	st.runs["r1"] = &store.Run{ID: "r1", Status: store.StatusSucceeded}
	st.artifacts["r1/run_summary.json"] = &store.Artifact{
		RunID: "r1", Name: "run_summary.json", Path: path, ContentType: &ct,
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r1/artifacts/run_summary.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"verdict":"PASS"`) {
		t.Errorf("body = %s", rec.Body)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r1/artifacts/missing.json", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing artifact status = %d, want 404", rec.Code)
	}
}

func TestStreamEventsEndsAfterTerminalDrain(t *testing.T) {
	srv, st, _ := testServer(t)
	st.runs["r1"] = &store.Run{ID: "r1", Status: store.StatusSucceeded}
	st.events["r1"] = []store.Event{
		{ID: 1, RunID: "r1", Kind: store.KindRunCreated, Payload: []byte(`{}`)},
		{ID: 2, RunID: "r1", Kind: store.KindRunEnd, Payload: []byte(`{}`)},
	}

	old := ssePollInterval
	ssePollInterval = 5 * time.Millisecond
	defer func() { ssePollInterval = old }()

	req := httptest.NewRequest(http.MethodGet, "/runs/r1/events/stream", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "id: 1\n") || !strings.Contains(body, "id: 2\n") {
		t.Errorf("stream missing events:\n%s", body)
	}
	if !strings.Contains(body, "event: end") {
		t.Errorf("stream missing end marker:\n%s", body)
	}
	if strings.Index(body, "id: 2") > strings.Index(body, "event: end") {
		t.Errorf("end marker emitted before backlog drained:\n%s", body)
	}
}

func TestStreamEventsResumesFromLastEventID(t *testing.T) {
	srv, st, _ := testServer(t)
	st.runs["r1"] = &store.Run{ID: "r1", Status: store.StatusFailed}
	st.events["r1"] = []store.Event{
		{ID: 1, RunID: "r1", Kind: store.KindRunCreated, Payload: []byte(`{}`)},
		{ID: 2, RunID: "r1", Kind: store.KindRunEnd, Payload: []byte(`{}`)},
	}

	old := ssePollInterval
	ssePollInterval = 5 * time.Millisecond
	defer func() { ssePollInterval = old }()

	req := httptest.NewRequest(http.MethodGet, "/runs/r1/events/stream", nil)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Errorf("replayed an acknowledged event:\n%s", body)
	}
	if !strings.Contains(body, "id: 2\n") {
		t.Errorf("missing unacknowledged event:\n%s", body)
	}
}

func TestParseAfter(t *testing.T) {
	for _, tc := range []struct {
		query string
		want  int64
	}{
		{"", 0},
		{"after=7", 7},
		{"after=junk", 0},
		{"after=-3", 0},
	} {
		r := httptest.NewRequest(http.MethodGet, "/runs/r1/events?"+tc.query, nil)
		if got := parseAfter(r); got != tc.want {
			t.Errorf("parseAfter(%q) = %d, want %d", tc.query, got, tc.want)
		}
	}
}
