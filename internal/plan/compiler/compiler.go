// Package compiler turns a product specification into a validated plan of
// work orders: render the prompt, invoke the model, validate, and retry with
// structured error feedback until the plan is accepted or the attempt budget
// runs out.
package compiler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/strongdm/aos/internal/artifacts"
	"github.com/strongdm/aos/internal/config"
	"github.com/strongdm/aos/internal/gitws"
	"github.com/strongdm/aos/internal/llm"
	"github.com/strongdm/aos/internal/plan"
)

// Sentinel errors the CLI maps to distinct exit codes.
var (
	// ErrValidationExhausted: every attempt produced hard validation errors.
	ErrValidationExhausted = errors.New("plan validation failed after all attempts")
	// ErrParseExhausted: every attempt failed to parse as JSON.
	ErrParseExhausted = errors.New("model output was not parseable JSON after all attempts")
	// ErrOutputExists: outdir already holds plan files and overwrite is off.
	ErrOutputExists = errors.New("output directory already contains plan files")
)

// Generator is the model call the compiler depends on.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

type Options struct {
	SpecPath     string
	OutDir       string // defaults to the compile artifact directory
	TemplatePath string // defaults to the built-in template
	ArtifactsDir string
	RepoPath     string // optional; seeds the initial file state from tracked files
	Overwrite    bool

	Model           string
	ReasoningEffort string
	MaxAttempts     int // defaults to config.MaxCompileAttempts
}

// Event reports attempt progress to the CLI. Kind is one of start, pass,
// fail (retrying), FAIL (final).
type Event struct {
	Kind        string
	Attempt     int
	Errors      []string
	ArtifactDir string
}

type Result struct {
	CompileHash string
	Attempts    int
	OutDir      string
	ArtifactDir string
	Manifest    *plan.Manifest
}

type summary struct {
	CompileHash string `json:"compile_hash"`
	Attempts    int    `json:"attempts"`
	Outcome     string `json:"outcome"`
	OutDir      string `json:"out_dir"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
	DurationMS  int64  `json:"duration_ms"`
}

// CompileHash content-addresses a compile run: identical (spec, template,
// model, reasoning effort) always map to the same artifact directory.
func CompileHash(specBytes, templateBytes []byte, model, reasoningEffort string) string {
	h := blake3.New()
	_, _ = h.Write(specBytes)
	_, _ = h.Write(templateBytes)
	_, _ = h.Write([]byte(model))
	_, _ = h.Write([]byte(reasoningEffort))
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Compile runs the attempt loop. events may be nil.
func Compile(ctx context.Context, gen Generator, opts Options, events func(Event)) (*Result, error) {
	if events == nil {
		events = func(Event) {}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.MaxCompileAttempts
	}

	specBytes, err := os.ReadFile(opts.SpecPath)
	if err != nil {
		return nil, err
	}
	template := defaultTemplate
	if opts.TemplatePath != "" {
		tb, err := os.ReadFile(opts.TemplatePath)
		if err != nil {
			return nil, err
		}
		template = string(tb)
	}
	prompt, err := renderTemplate(template, string(specBytes))
	if err != nil {
		return nil, err
	}

	hash := CompileHash(specBytes, []byte(template), opts.Model, opts.ReasoningEffort)
	compileDir := artifacts.PlannerCompileDir(opts.ArtifactsDir, hash)
	outDir := opts.OutDir
	if outDir == "" {
		outDir = compileDir
	}
	if err := prepareOutDir(outDir, opts.Overwrite); err != nil {
		return nil, err
	}

	initial := plan.NewFileState(nil)
	if opts.RepoPath != "" && gitws.IsRepo(ctx, opts.RepoPath) {
		tracked, err := gitws.TrackedFiles(ctx, opts.RepoPath)
		if err != nil {
			return nil, err
		}
		initial = plan.NewFileState(tracked)
	}

	started := time.Now()
	res := &Result{CompileHash: hash, OutDir: outDir, ArtifactDir: compileDir}
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		events(Event{Kind: "start", Attempt: attempt, ArtifactDir: compileDir})

		if err := artifacts.WriteFileAtomic(
			filepath.Join(compileDir, fmt.Sprintf("prompt_attempt_%d.txt", attempt)), []byte(prompt)); err != nil {
			return nil, err
		}

		resp, err := gen.Generate(ctx, llm.Request{
			Model:           opts.Model,
			Input:           prompt,
			MaxOutputTokens: config.LLMMaxOutputTokens,
			ReasoningEffort: opts.ReasoningEffort,
		})
		if err != nil {
			return res, err
		}
		raw := resp.OutputText
		if err := artifacts.WriteFileAtomic(
			filepath.Join(compileDir, fmt.Sprintf("llm_raw_response_attempt_%d.txt", attempt)), []byte(raw)); err != nil {
			return nil, err
		}

		manifest, findings := plan.DecodeManifest([]byte(llm.StripCodeFences(raw)))
		if manifest != nil {
			findings = append(findings, plan.ValidateStructural(manifest)...)
			findings = append(findings, plan.ValidateChain(manifest, initial)...)
		}

		if plan.HasHardErrors(findings) || manifest == nil {
			msgs := findingMessages(findings)
			if err := artifacts.WriteJSON(
				filepath.Join(compileDir, fmt.Sprintf("validation_errors_attempt_%d.json", attempt)), findings); err != nil {
				return nil, err
			}
			if manifest == nil {
				lastErr = ErrParseExhausted
			} else {
				lastErr = ErrValidationExhausted
			}
			kind := "fail"
			if attempt == maxAttempts {
				kind = "FAIL"
			}
			events(Event{Kind: kind, Attempt: attempt, Errors: msgs, ArtifactDir: compileDir})
			prompt = revisionPrompt(msgs, raw, string(specBytes))
			continue
		}

		// Accepted. Stamp verify_exempt, persist per-WO files, manifest last.
		if err := artifacts.WriteFileAtomic(filepath.Join(compileDir, "manifest_raw.json"), []byte(llm.StripCodeFences(raw))); err != nil {
			return nil, err
		}
		plan.StampVerifyExempt(manifest, initial)
		if err := artifacts.WriteJSON(filepath.Join(compileDir, "manifest_normalized.json"), manifest); err != nil {
			return nil, err
		}
		for i := range manifest.WorkOrders {
			name := plan.WOID(i+1) + ".json"
			if err := artifacts.WriteJSON(filepath.Join(outDir, name), &manifest.WorkOrders[i]); err != nil {
				return nil, err
			}
		}
		if err := artifacts.WriteJSON(filepath.Join(outDir, config.ManifestFile), manifest); err != nil {
			return nil, err
		}
		res.Manifest = manifest
		if err := writeSummary(compileDir, hash, attempt, "pass", outDir, started); err != nil {
			return nil, err
		}
		events(Event{Kind: "pass", Attempt: attempt, ArtifactDir: compileDir})
		return res, nil
	}

	if err := writeSummary(compileDir, hash, res.Attempts, "fail", outDir, started); err != nil {
		return nil, err
	}
	return res, lastErr
}

func writeSummary(compileDir, hash string, attempts int, outcome, outDir string, started time.Time) error {
	now := time.Now()
	return artifacts.WriteJSON(filepath.Join(compileDir, config.CompileSummaryFile), summary{
		CompileHash: hash,
		Attempts:    attempts,
		Outcome:     outcome,
		OutDir:      outDir,
		StartedAt:   started.UTC().Format(time.RFC3339),
		FinishedAt:  now.UTC().Format(time.RFC3339),
		DurationMS:  now.Sub(started).Milliseconds(),
	})
}

func findingMessages(findings []plan.ValidationError) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Error()
	}
	return out
}

// prepareOutDir enforces the overwrite policy: existing WO-*.json files or a
// manifest block the compile unless overwrite is set, in which case only
// those files are removed.
func prepareOutDir(outDir string, overwrite bool) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	matches, err := filepath.Glob(filepath.Join(outDir, "WO-*.json"))
	if err != nil {
		return err
	}
	manifestPath := filepath.Join(outDir, config.ManifestFile)
	if _, err := os.Stat(manifestPath); err == nil {
		matches = append(matches, manifestPath)
	}
	if len(matches) == 0 {
		return nil
	}
	if !overwrite {
		return fmt.Errorf("%w: %s", ErrOutputExists, outDir)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return err
		}
	}
	return nil
}
