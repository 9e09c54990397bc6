package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fatih/color"

	"github.com/strongdm/aos/internal/config"
	"github.com/strongdm/aos/internal/llm"
	"github.com/strongdm/aos/internal/plan/compiler"
)

// Plan exit codes.
const (
	planExitOK         = 0
	planExitOther      = 1
	planExitValidation = 2
	planExitTransport  = 3
	planExitParse      = 4
)

func cmdPlan(args []string) int {
	var (
		specPath        string
		outDir          string
		repoPath        string
		artifactsDir    string
		templatePath    string
		model           string
		reasoningEffort string
		maxAttempts     int
		overwrite       bool
		printSummary    bool
		quiet           bool
		verbose         bool
		noColor         bool
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--spec":
			specPath = flagValue(args, &i, "--spec")
		case "--outdir":
			outDir = flagValue(args, &i, "--outdir")
		case "--repo":
			repoPath = flagValue(args, &i, "--repo")
		case "--artifacts-dir":
			artifactsDir = flagValue(args, &i, "--artifacts-dir")
		case "--template":
			templatePath = flagValue(args, &i, "--template")
		case "--model":
			model = flagValue(args, &i, "--model")
		case "--reasoning-effort":
			reasoningEffort = flagValue(args, &i, "--reasoning-effort")
		case "--max-attempts":
			n, err := strconv.Atoi(flagValue(args, &i, "--max-attempts"))
			if err != nil || n < 1 {
				fmt.Fprintln(os.Stderr, "--max-attempts requires a positive integer")
				return planExitOther
			}
			maxAttempts = n
		case "--overwrite":
			overwrite = true
		case "--print-summary":
			printSummary = true
		case "--quiet":
			quiet = true
		case "--verbose":
			verbose = true
		case "--no-color":
			noColor = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return planExitOther
		}
	}
	if specPath == "" {
		usage()
		return planExitOther
	}
	if quiet && verbose {
		fmt.Fprintln(os.Stderr, "--quiet and --verbose are mutually exclusive")
		return planExitOther
	}
	setupColor(noColor)

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return planExitOther
	}
	if model == "" {
		model = cfg.LLM.Model
	}
	if reasoningEffort == "" {
		reasoningEffort = cfg.LLM.ReasoningEffort
	}

	client, err := llm.NewFromEnv(cfg.LLM.BaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return planExitOther
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := compiler.Compile(ctx, client, compiler.Options{
		SpecPath:        specPath,
		OutDir:          outDir,
		TemplatePath:    templatePath,
		ArtifactsDir:    config.ArtifactsRoot(artifactsDir),
		RepoPath:        repoPath,
		Overwrite:       overwrite,
		Model:           model,
		ReasoningEffort: reasoningEffort,
		MaxAttempts:     maxAttempts,
	}, planEventDisplay(quiet, verbose))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		switch {
		case errors.Is(err, compiler.ErrValidationExhausted):
			return planExitValidation
		case errors.Is(err, compiler.ErrParseExhausted):
			return planExitParse
		default:
			var apiErr llm.Error
			if errors.As(err, &apiErr) {
				return planExitTransport
			}
			return planExitOther
		}
	}

	if !quiet {
		color.Green("plan: %d work orders written to %s", len(res.Manifest.WorkOrders), res.OutDir)
	}
	if printSummary {
		fmt.Printf("compile_hash=%s\n", res.CompileHash)
		fmt.Printf("attempts=%d\n", res.Attempts)
		fmt.Printf("work_orders=%d\n", len(res.Manifest.WorkOrders))
		fmt.Printf("out_dir=%s\n", res.OutDir)
		fmt.Printf("artifact_dir=%s\n", res.ArtifactDir)
	}
	return planExitOK
}

// planEventDisplay renders attempt progress. Intermediate failures show a
// retry indication; the final failure is uppercase.
func planEventDisplay(quiet, verbose bool) func(compiler.Event) {
	if quiet {
		return nil
	}
	return func(ev compiler.Event) {
		switch ev.Kind {
		case "start":
			fmt.Fprintf(os.Stderr, "attempt %d: compiling plan...\n", ev.Attempt)
		case "pass":
			color.New(color.FgGreen).Fprintf(os.Stderr, "attempt %d: pass\n", ev.Attempt)
		case "fail":
			color.New(color.FgYellow).Fprintf(os.Stderr, "attempt %d: fail (%d findings, retrying)\n", ev.Attempt, len(ev.Errors))
			printFindings(ev.Errors, verbose)
		case "FAIL":
			color.New(color.FgRed).Fprintf(os.Stderr, "attempt %d: FAIL (%d findings)\n", ev.Attempt, len(ev.Errors))
			printFindings(ev.Errors, verbose)
			fmt.Fprintf(os.Stderr, "artifacts: %s\n", ev.ArtifactDir)
		}
	}
}

func printFindings(findings []string, verbose bool) {
	const shown = 5
	for i, msg := range findings {
		if !verbose && i == shown {
			fmt.Fprintf(os.Stderr, "  ... %d more (use --verbose)\n", len(findings)-shown)
			return
		}
		fmt.Fprintf(os.Stderr, "  %s\n", msg)
	}
}

// setupColor honors NO_COLOR and FORCE_COLOR on top of the library's tty
// detection.
func setupColor(noColorFlag bool) {
	if noColorFlag || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
		return
	}
	if os.Getenv("FORCE_COLOR") != "" {
		color.NoColor = false
	}
}
