package store

import (
	"encoding/json"
	"time"
)

// Run lifecycle statuses.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusCanceled  = "CANCELED"
)

// Event kinds.
const (
	KindRunCreated     = "RUN_CREATED"
	KindRunStart       = "RUN_START"
	KindRunEnd         = "RUN_END"
	KindRunCanceled    = "RUN_CANCELED"
	KindSEOutput       = "SE_OUTPUT"
	KindTRApply        = "TR_APPLY"
	KindPOResult       = "PO_RESULT"
	KindErrorException = "ERROR_EXCEPTION"
)

// Event levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Writeback controls what happens to a passing change.
type Writeback struct {
	Mode       string `json:"mode"` // push_branch
	BranchName string `json:"branch_name,omitempty"`
}

// Params are the per-run execution knobs.
type Params struct {
	MaxIterations     int    `json:"max_iterations,omitempty"`
	Model             string `json:"model,omitempty"`
	AllowVerifyExempt bool   `json:"allow_verify_exempt,omitempty"`
}

// Run is one persisted work-order execution.
type Run struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	RepoURL        string          `json:"repo_url"`
	RepoRef        string          `json:"repo_ref"`
	GitSHA         *string         `json:"git_sha,omitempty"`
	WorkOrder      json.RawMessage `json:"work_order"`
	WorkOrderBody  string          `json:"work_order_body,omitempty"`
	Params         Params          `json:"params"`
	Iteration      int             `json:"iteration"`
	Writeback      *Writeback      `json:"writeback,omitempty"`
	RQJobID        *string         `json:"rq_job_id,omitempty"`
	ResultSummary  *string         `json:"result_summary,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	ArtifactRoot   *string         `json:"artifact_root,omitempty"`
}

// Event is one append-only record bound to a run, totally ordered by
// (ts, id) with id monotonically increasing.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	TS        time.Time       `json:"ts"`
	Level     string          `json:"level"`
	Kind      string          `json:"kind"`
	Iteration *int            `json:"iteration,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Artifact indexes bytes that live on disk.
type Artifact struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	ContentType *string   `json:"content_type,omitempty"`
	Bytes       *int64    `json:"bytes,omitempty"`
	SHA256      *string   `json:"sha256,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
