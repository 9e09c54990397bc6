package factory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/strongdm/aos/internal/artifacts"
	"github.com/strongdm/aos/internal/config"
	"github.com/strongdm/aos/internal/gitws"
	"github.com/strongdm/aos/internal/llm"
	"github.com/strongdm/aos/internal/pathsafe"
	"github.com/strongdm/aos/internal/plan"
	"github.com/strongdm/aos/internal/runtimeenv"
	"github.com/strongdm/aos/internal/sanitize"
	"github.com/strongdm/aos/internal/subproc"
)

// Generator is the model call the engine depends on.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ErrCanceled reports that the external cancel check asked the engine to
// stop between attempts. The workspace is already rolled back when Run
// returns it.
var ErrCanceled = errors.New("run canceled")

// Engine runs one work order to a verdict.
type Engine struct {
	Gen Generator
	Env *runtimeenv.Manager

	Model             string
	Temperature       float64 // 0 by default, deliberately
	MaxAttempts       int
	AllowVerifyExempt bool

	// CheckCancel, when set, is polled at the top of every attempt. A true
	// return rolls back and stops the run with ErrCanceled.
	CheckCancel func(ctx context.Context) bool
}

type RunInput struct {
	RunID     string
	RepoRoot  string
	WorkOrder *plan.WorkOrder
	OutDir    string
}

// Run executes the SE→TR→PO loop. Every failed attempt rolls the working
// tree back to the baseline commit; an escaped panic is converted into a
// verdict=ERROR summary after a best-effort rollback. The returned error is
// non-nil only for interruption or for failures before the loop could start.
func (e *Engine) Run(ctx context.Context, in RunInput) (sum *RunSummary, err error) {
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxAttempts
	}
	w := in.WorkOrder

	baseline, err := gitws.BaselineCommit(ctx, in.RepoRoot)
	if err != nil {
		return nil, err
	}
	sum = &RunSummary{
		RunID:          in.RunID,
		WorkOrderID:    w.ID,
		BaselineCommit: baseline,
		Attempts:       []AttemptRecord{},
	}
	if err := artifacts.WriteJSON(filepath.Join(in.OutDir, config.WorkOrderFile), w); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			sum.Verdict = VerdictError
			sum.Error = fmt.Sprint(r)
			sum.ErrorTraceback = string(debug.Stack())
			sum.TotalAttempts = len(sum.Attempts)
			e.rollback(sum, in.RepoRoot, baseline)
			_ = artifacts.WriteJSON(filepath.Join(in.OutDir, config.RunSummaryFile), sum)
			err = nil
		}
	}()

	var prev *FailureBrief
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			e.rollback(sum, in.RepoRoot, baseline)
			sum.TotalAttempts = len(sum.Attempts)
			_ = artifacts.WriteJSON(filepath.Join(in.OutDir, config.RunSummaryFile), sum)
			return sum, ctx.Err()
		}
		if e.CheckCancel != nil && e.CheckCancel(ctx) {
			e.rollback(sum, in.RepoRoot, baseline)
			sum.TotalAttempts = len(sum.Attempts)
			_ = artifacts.WriteJSON(filepath.Join(in.OutDir, config.RunSummaryFile), sum)
			return sum, ErrCanceled
		}

		attemptDir := artifacts.AttemptDir(in.OutDir, attempt)
		rec := AttemptRecord{AttemptIndex: attempt, BaselineCommit: baseline}

		brief, proposal := e.propose(ctx, in, attemptDir, prev)
		var touched []string
		if brief == nil {
			rec.ProposalPath = filepath.Join(attemptDir, config.ProposalFile)
			brief, touched = e.apply(in, proposal, attemptDir)
			rec.TouchedFiles = touched
			rec.WriteOK = brief == nil
		}
		if brief == nil {
			brief = e.verifyAndAccept(ctx, in, attemptDir, touched, &rec)
		}

		if len(touched) > 0 {
			if th, herr := gitws.ScopedTreeHash(ctx, in.RepoRoot, touched); herr == nil {
				rec.RepoTreeHash = th
			}
		}
		rec.FailureBrief = brief
		sum.Attempts = append(sum.Attempts, rec)
		sum.TotalAttempts = len(sum.Attempts)

		if brief == nil {
			sum.Verdict = VerdictPass
			sum.RepoTreeHashAfter = rec.RepoTreeHash
			if err := artifacts.WriteJSON(filepath.Join(in.OutDir, config.RunSummaryFile), sum); err != nil {
				return nil, err
			}
			return sum, nil
		}

		_ = artifacts.WriteJSON(filepath.Join(attemptDir, config.FailureBriefFile), brief)
		e.rollback(sum, in.RepoRoot, baseline)
		prev = brief
	}

	sum.Verdict = VerdictFail
	if err := artifacts.WriteJSON(filepath.Join(in.OutDir, config.RunSummaryFile), sum); err != nil {
		return nil, err
	}
	return sum, nil
}

// rollback restores the baseline and records failure in the summary instead
// of propagating. Detached from the caller's context so cancellation cannot
// leave a dirty tree.
func (e *Engine) rollback(sum *RunSummary, repoRoot, baseline string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*config.GitCommandTimeout)
	defer cancel()
	if err := gitws.Rollback(ctx, repoRoot, baseline); err != nil {
		sum.RollbackFailed = true
		sum.RollbackAdvice = fmt.Sprintf(
			"run 'git reset --hard %s && git clean -fdx -e %s' in %s",
			baseline, config.HarnessEnvDir, repoRoot)
	}
}

// propose is the SE node: precondition gate, prompt, model call, proposal
// parse. It never touches the working tree.
func (e *Engine) propose(ctx context.Context, in RunInput, attemptDir string, prev *FailureBrief) (*FailureBrief, *Proposal) {
	w := in.WorkOrder

	for _, c := range w.Preconditions {
		full, err := pathsafe.SafeJoin(in.RepoRoot, c.Path)
		if err != nil {
			return newBrief(StagePreflight, fmt.Sprintf("planner-contract bug: precondition path %q: %v", c.Path, err)), nil
		}
		_, statErr := os.Stat(full)
		exists := statErr == nil
		if (c.Kind == plan.CondFileExists && !exists) || (c.Kind == plan.CondFileAbsent && exists) {
			return newBrief(StagePreflight, fmt.Sprintf(
				"planner-contract bug: precondition %s(%q) does not hold on disk", c.Kind, c.Path)), nil
		}
	}

	listing, err := repoListing(in.RepoRoot)
	if err != nil {
		return newBrief(StageException, sanitize.Redact(err.Error())), nil
	}
	prompt, err := sePrompt(w, listing, readContextFiles(in.RepoRoot, w.ContextFiles), prev)
	if err != nil {
		return newBrief(StageException, err.Error()), nil
	}
	if err := artifacts.WriteFileAtomic(filepath.Join(attemptDir, config.SEPromptFile), []byte(prompt)); err != nil {
		return newBrief(StageException, err.Error()), nil
	}

	temp := e.Temperature
	resp, err := e.Gen.Generate(ctx, llm.Request{
		Model:           e.Model,
		Input:           prompt,
		Temperature:     &temp,
		MaxOutputTokens: config.LLMMaxOutputTokens,
	})
	if err != nil {
		return newBrief(StageException, sanitize.Redact(err.Error())), nil
	}
	raw := resp.Raw
	if raw == nil {
		raw = map[string]any{"output_text": resp.OutputText}
	}
	if err := artifacts.WriteJSON(filepath.Join(attemptDir, config.RawResponseFile), raw); err != nil {
		return newBrief(StageException, err.Error()), nil
	}

	p, err := ParseProposal(resp.OutputText)
	if err != nil {
		return newBrief(StageLLMOutputInvalid, err.Error()), nil
	}
	if err := artifacts.WriteJSON(filepath.Join(attemptDir, config.ProposalFile), p); err != nil {
		return newBrief(StageException, err.Error()), nil
	}
	return nil, p
}

type writeResult struct {
	WriteOK      bool     `json:"write_ok"`
	TouchedFiles []string `json:"touched_files"`
	Errors       []string `json:"errors"`
}

// apply is the TR node. Either every write in the proposal lands on disk or
// none does: scope and base-hash checks run before the first byte is
// written, and a mid-apply failure restores the captured pre-images.
func (e *Engine) apply(in RunInput, p *Proposal, attemptDir string) (*FailureBrief, []string) {
	w := in.WorkOrder
	writeResultPath := filepath.Join(attemptDir, config.WriteResultFile)
	fail := func(stage, msg string) *FailureBrief {
		_ = artifacts.WriteJSON(writeResultPath, writeResult{Errors: []string{msg}})
		return newBrief(stage, msg)
	}

	allowed := make(map[string]bool, len(w.AllowedFiles))
	for _, f := range w.AllowedFiles {
		allowed[f] = true
	}
	for _, wr := range p.Writes {
		if !allowed[wr.Path] {
			return fail(StageScopeViolation, fmt.Sprintf("write path %q is not in allowed_files", wr.Path)), nil
		}
	}

	// Pre-images double as the stale-context check and the undo log. A nil
	// entry means the file did not exist.
	pre := make(map[string][]byte, len(p.Writes))
	fullPaths := make(map[string]string, len(p.Writes))
	for _, wr := range p.Writes {
		full, err := pathsafe.SafeJoin(in.RepoRoot, wr.Path)
		if err != nil {
			return fail(StageScopeViolation, fmt.Sprintf("write path %q: %v", wr.Path, err)), nil
		}
		fullPaths[wr.Path] = full
		data, err := os.ReadFile(full)
		if err != nil {
			if !os.IsNotExist(err) {
				return fail(StageWriteFailed, fmt.Sprintf("read %q: %v", wr.Path, err)), nil
			}
			data = nil
		}
		if hashBytes(data) != strings.ToLower(strings.TrimSpace(wr.BaseSHA256)) {
			return fail(StageStaleContext, fmt.Sprintf(
				"base_sha256 mismatch for %q: the file changed since the proposal was built", wr.Path)), nil
		}
		pre[wr.Path] = data
	}

	var applied []string
	for _, wr := range p.Writes {
		if err := artifacts.WriteFileAtomic(fullPaths[wr.Path], []byte(wr.Content)); err != nil {
			for _, path := range applied {
				if pre[path] == nil {
					_ = os.Remove(fullPaths[path])
				} else {
					_ = artifacts.WriteFileAtomic(fullPaths[path], pre[path])
				}
			}
			return fail(StageWriteFailed, fmt.Sprintf("write %q: %v", wr.Path, err)), nil
		}
		applied = append(applied, wr.Path)
	}

	_ = artifacts.WriteJSON(writeResultPath, writeResult{WriteOK: true, TouchedFiles: applied, Errors: []string{}})
	return nil, applied
}

// verifyAndAccept is the PO node: global verify, acceptance commands in
// order, then on-disk postconditions. The first non-zero exit or unsatisfied
// postcondition stops the phase.
func (e *Engine) verifyAndAccept(ctx context.Context, in RunInput, attemptDir string, touched []string, rec *AttemptRecord) *FailureBrief {
	w := in.WorkOrder

	defer func() {
		_ = artifacts.WriteJSON(filepath.Join(attemptDir, config.VerifyResultFile), rec.Verify)
		_ = artifacts.WriteJSON(filepath.Join(attemptDir, config.AcceptResultFile), rec.Acceptance)
	}()

	envRoot, err := e.Env.Ensure(ctx, in.RepoRoot)
	if err != nil {
		return newBrief(StageException, sanitize.Redact(err.Error()))
	}
	env := runtimeenv.EnvFor(envRoot, subproc.SandboxEnv())

	run := func(argv []string, prefix string, n int) (subproc.CmdResult, error) {
		return subproc.Run(ctx, argv, in.RepoRoot, config.SubprocTimeout,
			filepath.Join(attemptDir, fmt.Sprintf("%s_stdout_%d.txt", prefix, n)),
			filepath.Join(attemptDir, fmt.Sprintf("%s_stderr_%d.txt", prefix, n)),
			env)
	}

	for i, argv := range e.verifyCommands(in.RepoRoot, w, touched) {
		res, err := run(argv, "verify", i+1)
		if err != nil {
			return newBrief(StageException, sanitize.Redact(err.Error()))
		}
		rec.Verify = append(rec.Verify, res)
		if res.ExitCode != 0 {
			return newCommandBrief(StageVerifyFailed, strings.Join(argv, " "), res.ExitCode,
				sanitize.Redact(subproc.PrimaryExcerpt(res)))
		}
	}

	for i, cmd := range w.AcceptanceCommands {
		argv, err := pathsafe.SplitCommand(cmd)
		if err == nil {
			if tok := pathsafe.RejectShellOperators(argv); tok != "" {
				err = fmt.Errorf("command contains shell operator %q", tok)
			}
		}
		if err != nil {
			return newCommandBrief(StageAcceptanceFailed, cmd, -1, err.Error())
		}
		res, err := run(argv, "acceptance", i+1)
		if err != nil {
			return newBrief(StageException, sanitize.Redact(err.Error()))
		}
		rec.Acceptance = append(rec.Acceptance, res)
		if res.ExitCode != 0 {
			return newCommandBrief(StageAcceptanceFailed, cmd, res.ExitCode,
				sanitize.Redact(subproc.PrimaryExcerpt(res)))
		}
	}

	for _, c := range w.Postconditions {
		full, err := pathsafe.SafeJoin(in.RepoRoot, c.Path)
		if err != nil {
			return newBrief(StageAcceptanceFailed, fmt.Sprintf("postcondition path %q: %v", c.Path, err))
		}
		if _, err := os.Stat(full); err != nil {
			return newBrief(StageAcceptanceFailed, fmt.Sprintf("postcondition file_exists(%q) not satisfied", c.Path))
		}
	}

	dctx, cancel := context.WithTimeout(ctx, config.GitCommandTimeout)
	defer cancel()
	if drift, err := gitws.Drift(dctx, in.RepoRoot, touched); err == nil {
		rec.Drift = drift
	}
	return nil
}

// verifyCommands selects the global verify sequence. A verify-exempt work
// order (when the operator allows it) gets a syntax check of the touched
// sources instead of the full verify.
func (e *Engine) verifyCommands(repoRoot string, w *plan.WorkOrder, touched []string) [][]string {
	if w.VerifyExempt && e.AllowVerifyExempt {
		var cmds [][]string
		for _, f := range touched {
			if strings.HasSuffix(f, ".py") {
				cmds = append(cmds, []string{"python", "-m", "py_compile", f})
			}
		}
		return cmds
	}
	script := filepath.Join(repoRoot, "scripts", "verify.sh")
	if _, err := os.Stat(script); err == nil {
		return [][]string{{"bash", "scripts/verify.sh"}}
	}
	return [][]string{
		{"python", "-m", "compileall", "-q", "."},
		{"pip", "--version"},
		{"python", "-m", "pytest", "-q"},
	}
}
