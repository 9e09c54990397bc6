// Package factory executes one work order against a repository as a
// transaction: propose (SE), apply (TR), verify and accept (PO), with
// rollback to the baseline commit on every failed attempt.
package factory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/strongdm/aos/internal/config"
	"github.com/strongdm/aos/internal/llm"
	"github.com/strongdm/aos/internal/pathsafe"
	"github.com/strongdm/aos/internal/subproc"
)

// Failure stages, from earliest to latest in the attempt.
const (
	StagePreflight        = "preflight"
	StageLLMOutputInvalid = "llm_output_invalid"
	StageScopeViolation   = "write_scope_violation"
	StageStaleContext     = "stale_context"
	StageWriteFailed      = "write_failed"
	StageVerifyFailed     = "verify_failed"
	StageAcceptanceFailed = "acceptance_failed"
	StageException        = "exception"
)

// Write is one hash-guarded file write in a proposal.
type Write struct {
	Path       string `json:"path"`
	BaseSHA256 string `json:"base_sha256"`
	Content    string `json:"content"`
}

// Proposal is the model's output for one attempt.
type Proposal struct {
	Summary string  `json:"summary"`
	Writes  []Write `json:"writes"`
}

// ParseProposal strips fences, decodes under the payload guard, normalizes
// paths, and enforces the size and uniqueness invariants.
func ParseProposal(raw string) (*Proposal, error) {
	var p Proposal
	if err := llm.DecodeBounded([]byte(llm.StripCodeFences(raw)), &p); err != nil {
		return nil, fmt.Errorf("proposal parse: %w", err)
	}
	if len(p.Writes) == 0 {
		return nil, fmt.Errorf("proposal has no writes")
	}
	seen := make(map[string]bool, len(p.Writes))
	total := 0
	for i := range p.Writes {
		w := &p.Writes[i]
		norm, err := pathsafe.Normalize(w.Path)
		if err != nil {
			return nil, fmt.Errorf("write path %q: %w", w.Path, err)
		}
		w.Path = norm
		if seen[norm] {
			return nil, fmt.Errorf("duplicate write path %q", norm)
		}
		seen[norm] = true
		if len(w.Content) > config.MaxWriteBytes {
			return nil, fmt.Errorf("write %q is %d bytes (limit %d)", norm, len(w.Content), config.MaxWriteBytes)
		}
		total += len(w.Content)
	}
	if total > config.MaxProposalBytes {
		return nil, fmt.Errorf("proposal is %d bytes across writes (limit %d)", total, config.MaxProposalBytes)
	}
	return &p, nil
}

// FailureBrief is the bounded, stage-tagged failure record fed back to the
// model on retry.
type FailureBrief struct {
	Stage               string `json:"stage"`
	Command             string `json:"command,omitempty"`
	ExitCode            *int   `json:"exit_code,omitempty"`
	Excerpt             string `json:"excerpt,omitempty"`
	ConstraintsReminder string `json:"constraints_reminder"`
}

func newBrief(stage, excerpt string) *FailureBrief {
	return &FailureBrief{
		Stage:               stage,
		Excerpt:             subproc.Truncate(excerpt),
		ConstraintsReminder: config.ConstraintsReminder,
	}
}

func newCommandBrief(stage, command string, exitCode int, excerpt string) *FailureBrief {
	b := newBrief(stage, excerpt)
	b.Command = command
	b.ExitCode = &exitCode
	return b
}

// AttemptRecord is the append-only record of one SE→TR→PO iteration.
type AttemptRecord struct {
	AttemptIndex   int                `json:"attempt_index"`
	BaselineCommit string             `json:"baseline_commit"`
	ProposalPath   string             `json:"proposal_path,omitempty"`
	TouchedFiles   []string           `json:"touched_files,omitempty"`
	WriteOK        bool               `json:"write_ok"`
	Verify         []subproc.CmdResult `json:"verify,omitempty"`
	Acceptance     []subproc.CmdResult `json:"acceptance,omitempty"`
	RepoTreeHash   string             `json:"repo_tree_hash_after,omitempty"`
	Drift          []string           `json:"drift,omitempty"`
	FailureBrief   *FailureBrief      `json:"failure_brief"`
}

// Verdicts.
const (
	VerdictPass  = "PASS"
	VerdictFail  = "FAIL"
	VerdictError = "ERROR"
)

// RunSummary is the terminal record written as run_summary.json.
type RunSummary struct {
	RunID             string          `json:"run_id"`
	WorkOrderID       string          `json:"work_order_id"`
	Verdict           string          `json:"verdict"`
	TotalAttempts     int             `json:"total_attempts"`
	BaselineCommit    string          `json:"baseline_commit"`
	RepoTreeHashAfter string          `json:"repo_tree_hash_after,omitempty"`
	RollbackFailed    bool            `json:"rollback_failed"`
	RollbackAdvice    string          `json:"rollback_advice,omitempty"`
	Error             string          `json:"error,omitempty"`
	ErrorTraceback    string          `json:"error_traceback,omitempty"`
	Attempts          []AttemptRecord `json:"attempts"`
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
