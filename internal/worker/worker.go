// Package worker consumes run jobs from the queue and drives them through
// clone, factory execution, artifact registration, and writeback.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/strongdm/aos/internal/artifacts"
	"github.com/strongdm/aos/internal/config"
	"github.com/strongdm/aos/internal/factory"
	"github.com/strongdm/aos/internal/gitws"
	"github.com/strongdm/aos/internal/plan"
	"github.com/strongdm/aos/internal/queue"
	"github.com/strongdm/aos/internal/runtimeenv"
	"github.com/strongdm/aos/internal/sanitize"
	"github.com/strongdm/aos/internal/store"
)

var logger = log.New(os.Stderr, "[worker] ", log.LstdFlags|log.Lmsgprefix)

type Worker struct {
	Store *store.Store
	Queue *queue.Queue
	Gen   factory.Generator
	Env   *runtimeenv.Manager
	Cfg   *config.Config
}

// Loop consumes jobs until the context is canceled. One worker runs one job
// at a time.
func (w *Worker) Loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := w.Queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Printf("dequeue: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		if err := w.RunJob(ctx, job.RunID); err != nil {
			logger.Printf("run %s: %v", job.RunID, err)
		}
	}
}

// RunJob executes one run end to end. Errors that mark the run FAILED are
// absorbed; the returned error means the job could not even be accounted for.
func (w *Worker) RunJob(ctx context.Context, runID string) error {
	run, err := w.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.StatusCanceled {
		return nil
	}
	started, err := w.Store.MarkRunning(ctx, runID)
	if err != nil {
		return err
	}
	if !started {
		// Canceled before pickup, or a duplicate delivery.
		return nil
	}
	if _, err := w.Store.AppendEvent(ctx, runID, store.LevelInfo, store.KindRunStart, nil, nil); err != nil {
		return err
	}

	jobCtx, cancel := context.WithTimeout(ctx, config.QueueJobTimeout)
	defer cancel()

	if err := w.execute(jobCtx, run); err != nil {
		w.failRun(ctx, runID, err)
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, run *store.Run) error {
	runID := run.ID

	workspace := filepath.Join(w.Cfg.Artifacts.WorkspaceRoot, runID, "repo")
	cloneURL := injectToken(run.RepoURL, os.Getenv(config.EnvGitToken))
	if err := gitws.Clone(ctx, cloneURL, run.RepoRef, workspace); err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	sha, err := gitws.BaselineCommit(ctx, workspace)
	if err != nil {
		return err
	}
	if err := w.Store.SetGitSHA(ctx, runID, sha); err != nil {
		return err
	}

	if canceled, err := w.handleCancellation(ctx, runID, workspace, sha); canceled || err != nil {
		return err
	}

	var wo plan.WorkOrder
	if err := json.Unmarshal(run.WorkOrder, &wo); err != nil {
		return fmt.Errorf("decode work order: %w", err)
	}
	wo.Normalize()

	outDir := artifacts.FactoryRunDir(w.Cfg.Artifacts.Root, runID)
	if err := w.Store.SetArtifactRoot(ctx, runID, outDir); err != nil {
		return err
	}

	model := run.Params.Model
	if model == "" {
		model = w.Cfg.LLM.Model
	}
	engine := &factory.Engine{
		Gen:               w.Gen,
		Env:               w.Env,
		Model:             model,
		Temperature:       w.Cfg.LLM.Temperature,
		MaxAttempts:       run.Params.MaxIterations,
		AllowVerifyExempt: run.Params.AllowVerifyExempt,
		CheckCancel:       cancelCheck(w.Store, runID),
	}

	sum, err := engine.Run(ctx, factory.RunInput{
		RunID:     runID,
		RepoRoot:  workspace,
		WorkOrder: &wo,
		OutDir:    outDir,
	})
	if err != nil {
		if errors.Is(err, factory.ErrCanceled) {
			// The engine already rolled back; the run row is terminal.
			return nil
		}
		if ctx.Err() != nil {
			_, herr := w.handleCancellation(context.WithoutCancel(ctx), runID, workspace, sha)
			if herr != nil {
				return herr
			}
			return nil
		}
		return err
	}

	w.recordAttempts(ctx, runID, outDir, sum)

	if sum.Verdict == factory.VerdictPass && run.Writeback != nil && run.Writeback.Mode == "push_branch" {
		w.pushBranch(ctx, run, workspace, cloneURL, sum)
	}

	status := store.StatusFailed
	var errPayload json.RawMessage
	if sum.Verdict == factory.VerdictPass {
		status = store.StatusSucceeded
	} else {
		errPayload = summaryErrorPayload(sum)
	}
	return w.Store.FinishRun(ctx, runID, status, sum.Verdict, errPayload)
}

// statusGetter is the slice of the store the cancel poll needs.
type statusGetter interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
}

// cancelCheck polls the run's status between factory attempts. Store errors
// count as not canceled so a transient outage cannot kill a healthy run.
func cancelCheck(st statusGetter, runID string) func(context.Context) bool {
	return func(ctx context.Context) bool {
		run, err := st.GetRun(ctx, runID)
		return err == nil && run.Status == store.StatusCanceled
	}
}

// handleCancellation checks for a CANCELED flip, restores the workspace, and
// reports whether the run should stop.
func (w *Worker) handleCancellation(ctx context.Context, runID, workspace, baseline string) (bool, error) {
	run, err := w.Store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status != store.StatusCanceled {
		return false, nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*config.GitCommandTimeout)
	defer cancel()
	if err := gitws.Rollback(rctx, workspace, baseline); err != nil {
		logger.Printf("run %s: rollback after cancel: %v", runID, err)
	}
	return true, nil
}

// recordAttempts persists per-iteration events and the phase artifacts.
func (w *Worker) recordAttempts(ctx context.Context, runID, outDir string, sum *factory.RunSummary) {
	for _, att := range sum.Attempts {
		iter := att.AttemptIndex
		attemptDir := artifacts.AttemptDir(outDir, iter)

		sePayload := map[string]any{"proposal_path": att.ProposalPath}
		trPayload := map[string]any{
			"write_ok":      att.WriteOK,
			"touched_files": att.TouchedFiles,
		}
		poPayload := map[string]any{"pass": att.FailureBrief == nil}
		if att.FailureBrief != nil {
			poPayload["failure_brief"] = att.FailureBrief
		}
		w.appendEvent(ctx, runID, store.LevelInfo, store.KindSEOutput, &iter, sePayload)
		w.appendEvent(ctx, runID, store.LevelInfo, store.KindTRApply, &iter, trPayload)
		w.appendEvent(ctx, runID, store.LevelInfo, store.KindPOResult, &iter, poPayload)
		appendProgress(outDir, store.KindSEOutput, &iter, sePayload)
		appendProgress(outDir, store.KindTRApply, &iter, trPayload)
		appendProgress(outDir, store.KindPOResult, &iter, poPayload)

		w.registerArtifact(ctx, runID, fmt.Sprintf("se_packet_iter_%d.json", iter),
			filepath.Join(attemptDir, config.ProposalFile))
		w.registerArtifact(ctx, runID, fmt.Sprintf("tool_report_iter_%d.json", iter),
			filepath.Join(attemptDir, config.WriteResultFile))
		w.registerArtifact(ctx, runID, fmt.Sprintf("po_report_iter_%d.json", iter),
			filepath.Join(attemptDir, config.AcceptResultFile))

		if err := w.Store.SetIteration(ctx, runID, iter); err != nil {
			logger.Printf("run %s: set iteration: %v", runID, err)
		}
	}
	w.registerArtifact(ctx, runID, config.RunSummaryFile, filepath.Join(outDir, config.RunSummaryFile))
	w.registerArtifact(ctx, runID, "progress.ndjson", filepath.Join(outDir, "progress.ndjson"))
}

func (w *Worker) appendEvent(ctx context.Context, runID, level, kind string, iter *int, payload any) {
	if _, err := w.Store.AppendEvent(ctx, runID, level, kind, iter, payload); err != nil {
		logger.Printf("run %s: append %s: %v", runID, kind, err)
	}
}

// appendProgress mirrors an event into the run's progress.ndjson so the
// artifact tree is inspectable without the store.
func appendProgress(outDir, kind string, iter *int, payload any) {
	f, err := os.OpenFile(filepath.Join(outDir, "progress.ndjson"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	line := map[string]any{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"kind":    kind,
		"payload": payload,
	}
	if iter != nil {
		line["iteration"] = *iter
	}
	enc := json.NewEncoder(f)
	_ = enc.Encode(line)
}

func (w *Worker) registerArtifact(ctx context.Context, runID, name, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	size := info.Size()
	contentType := "application/json"
	if err := w.Store.AddArtifact(ctx, store.Artifact{
		RunID:       runID,
		Name:        name,
		Path:        path,
		ContentType: &contentType,
		Bytes:       &size,
	}); err != nil {
		logger.Printf("run %s: register artifact %s: %v", runID, name, err)
	}
}

// pushBranch commits the passing change and pushes it. Push failure is
// logged as a WARN event and never changes the run's verdict.
func (w *Worker) pushBranch(ctx context.Context, run *store.Run, workspace, cloneURL string, sum *factory.RunSummary) {
	branch := run.Writeback.BranchName
	if branch == "" {
		branch = "aos/run-" + shortID(run.ID)
	}
	if err := sanitize.BranchName(branch); err != nil {
		w.appendEvent(ctx, run.ID, store.LevelWarn, store.KindErrorException, nil,
			map[string]any{"phase": "writeback", "error": err.Error()})
		return
	}

	var touched []string
	if n := len(sum.Attempts); n > 0 {
		touched = sum.Attempts[n-1].TouchedFiles
	}
	err := gitws.CheckoutBranch(ctx, workspace, branch)
	if err == nil {
		_, err = gitws.Commit(ctx, workspace, "aos: "+sum.WorkOrderID, touched)
	}
	if err == nil {
		err = gitws.Push(ctx, workspace, cloneURL, branch)
	}
	if err != nil {
		w.appendEvent(ctx, run.ID, store.LevelWarn, store.KindErrorException, nil,
			map[string]any{"phase": "writeback", "error": sanitize.Redact(err.Error())})
	}
}

func (w *Worker) failRun(ctx context.Context, runID string, cause error) {
	msg := sanitize.Redact(cause.Error())
	w.appendEvent(ctx, runID, store.LevelError, store.KindErrorException, nil, map[string]any{"error": msg})
	payload, _ := json.Marshal(map[string]string{"error": msg})
	if err := w.Store.FinishRun(ctx, runID, store.StatusFailed, "", payload); err != nil {
		logger.Printf("run %s: finish after failure: %v", runID, err)
	}
}

func summaryErrorPayload(sum *factory.RunSummary) json.RawMessage {
	out := map[string]any{"verdict": sum.Verdict}
	if sum.Error != "" {
		out["error"] = sum.Error
	}
	if n := len(sum.Attempts); n > 0 && sum.Attempts[n-1].FailureBrief != nil {
		out["failure_brief"] = sum.Attempts[n-1].FailureBrief
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return json.RawMessage(`{"verdict":"FAIL"}`)
	}
	return payload
}

func shortID(runID string) string {
	id := strings.ToLower(runID)
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// injectToken prefixes HTTPS credentials in the x-access-token form. An
// empty token leaves the URL unchanged.
func injectToken(repoURL, token string) string {
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	return "https://x-access-token:" + token + "@" + strings.TrimPrefix(repoURL, "https://")
}
