package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/oklog/ulid/v2"

	"github.com/strongdm/aos/internal/artifacts"
	"github.com/strongdm/aos/internal/config"
	"github.com/strongdm/aos/internal/factory"
	"github.com/strongdm/aos/internal/gitws"
	"github.com/strongdm/aos/internal/llm"
	"github.com/strongdm/aos/internal/plan"
	"github.com/strongdm/aos/internal/runtimeenv"
	"github.com/strongdm/aos/internal/sanitize"
)

// Run exit codes: the work order's own outcome maps to 0/1, harness crashes
// to 2, interruption to 130.
const (
	runExitPass        = 0
	runExitFail        = 1
	runExitCrash       = 2
	runExitInterrupted = 130
)

type runFlags struct {
	repo              string
	workOrderPath     string
	configPath        string
	branch            string
	createBranch      bool
	reuseBranch       bool
	maxAttempts       int
	model             string
	allowVerifyExempt bool
	artifactsDir      string
	noColor           bool
}

func parseRunFlags(args []string) (*runFlags, int) {
	var f runFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--repo":
			f.repo = flagValue(args, &i, "--repo")
		case "--work-order":
			f.workOrderPath = flagValue(args, &i, "--work-order")
		case "--config":
			f.configPath = flagValue(args, &i, "--config")
		case "--branch":
			f.branch = flagValue(args, &i, "--branch")
		case "--create-branch":
			f.createBranch = true
		case "--reuse-branch":
			f.reuseBranch = true
		case "--max-attempts":
			n, err := strconv.Atoi(flagValue(args, &i, "--max-attempts"))
			if err != nil || n < 1 {
				fmt.Fprintln(os.Stderr, "--max-attempts requires a positive integer")
				return nil, runExitCrash
			}
			f.maxAttempts = n
		case "--llm-model":
			f.model = flagValue(args, &i, "--llm-model")
		case "--allow-verify-exempt":
			f.allowVerifyExempt = true
		case "--artifacts-dir":
			f.artifactsDir = flagValue(args, &i, "--artifacts-dir")
		case "--no-color":
			f.noColor = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return nil, runExitCrash
		}
	}
	if f.repo == "" || f.workOrderPath == "" {
		usage()
		return nil, runExitCrash
	}
	if f.createBranch && f.reuseBranch {
		fmt.Fprintln(os.Stderr, "--create-branch and --reuse-branch are mutually exclusive")
		return nil, runExitCrash
	}
	return &f, runExitPass
}

func cmdRun(args []string) int {
	f, code := parseRunFlags(args)
	if f == nil {
		return code
	}
	return runOne(f)
}

func runOne(f *runFlags) int {
	setupColor(f.noColor)

	temperature := 0.0
	if f.configPath != "" {
		rc, err := factory.LoadRunConfigFile(f.configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return runExitCrash
		}
		if f.model == "" {
			f.model = rc.LLM.Model
		}
		temperature = rc.LLM.Temperature
		if f.maxAttempts == 0 {
			f.maxAttempts = rc.MaxAttempts
		}
		if rc.AllowVerifyExempt {
			f.allowVerifyExempt = true
		}
		if f.branch == "" && rc.Branch.Name != "" {
			f.branch = rc.Branch.Name
			f.createBranch = f.createBranch || rc.Branch.Create
		}
	}

	svcCfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return runExitCrash
	}
	if f.model == "" {
		f.model = svcCfg.LLM.Model
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !gitws.IsRepo(ctx, f.repo) {
		fmt.Fprintf(os.Stderr, "%s is not a git repository\n", f.repo)
		return runExitCrash
	}
	if f.branch != "" {
		if err := sanitize.BranchName(f.branch); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return runExitCrash
		}
		if f.reuseBranch {
			err = gitws.SwitchBranch(ctx, f.repo, f.branch)
		} else {
			err = gitws.CheckoutBranch(ctx, f.repo, f.branch)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return runExitCrash
		}
	}

	w, err := plan.LoadWorkOrder(f.workOrderPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return runExitCrash
	}

	client, err := llm.NewFromEnv(svcCfg.LLM.BaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return runExitCrash
	}

	runID := ulid.Make().String()
	outDir := artifacts.FactoryRunDir(config.ArtifactsRoot(f.artifactsDir), runID)

	engine := &factory.Engine{
		Gen:               client,
		Env:               runtimeenv.NewManager(),
		Model:             f.model,
		Temperature:       temperature,
		MaxAttempts:       f.maxAttempts,
		AllowVerifyExempt: f.allowVerifyExempt,
	}

	sum, err := engine.Run(ctx, factory.RunInput{
		RunID:     runID,
		RepoRoot:  f.repo,
		WorkOrder: w,
		OutDir:    outDir,
	})
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "%s: interrupted, workspace rolled back\n", w.ID)
			return runExitInterrupted
		}
		fmt.Fprintln(os.Stderr, err)
		return runExitCrash
	}

	fmt.Fprintf(os.Stderr, "run_summary: %s\n", filepath.Join(outDir, config.RunSummaryFile))
	switch sum.Verdict {
	case factory.VerdictPass:
		color.Green("%s: PASS (%d attempt(s))", w.ID, sum.TotalAttempts)
		return runExitPass
	case factory.VerdictFail:
		msg := fmt.Sprintf("%s: FAIL (%d attempt(s))", w.ID, sum.TotalAttempts)
		if n := len(sum.Attempts); n > 0 && sum.Attempts[n-1].FailureBrief != nil {
			msg += " stage=" + sum.Attempts[n-1].FailureBrief.Stage
		}
		color.Red("%s", msg)
		return runExitFail
	default:
		color.Red("%s: ERROR: %s", w.ID, sum.Error)
		if sum.RollbackFailed {
			fmt.Fprintln(os.Stderr, sum.RollbackAdvice)
		}
		return runExitCrash
	}
}

var workOrderFileRe = regexp.MustCompile(`^WO-(\d{2,})\.json$`)

// runValueFlags are the forwarded run flags that consume a value.
var runValueFlags = map[string]bool{
	"--config":        true,
	"--max-attempts":  true,
	"--llm-model":     true,
	"--artifacts-dir": true,
}

// cmdRunAll executes every WO-NN.json in a directory in numeric order,
// stopping at the first failure. Branch lifecycle is centralized here: one
// branch is created before the first work order and reused for the rest, so
// the whole batch lands as a single line of commits.
func cmdRunAll(args []string) int {
	var (
		repo      string
		workdir   string
		branch    string
		forwarded []string
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--repo":
			repo = flagValue(args, &i, "--repo")
		case "--workdir":
			workdir = flagValue(args, &i, "--workdir")
		case "--branch":
			branch = flagValue(args, &i, "--branch")
		case "--create-branch", "--reuse-branch":
			// Owned by the driver; a single branch spans the batch.
		default:
			forwarded = append(forwarded, args[i])
			if runValueFlags[args[i]] {
				forwarded = append(forwarded, flagValue(args, &i, args[i]))
			}
		}
	}
	if repo == "" || workdir == "" {
		usage()
		return runExitCrash
	}
	if branch == "" {
		branch = "aos/batch-" + shortULID()
	}

	entries, err := os.ReadDir(workdir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return runExitCrash
	}
	type woFile struct {
		n    int
		path string
	}
	var files []woFile
	for _, e := range entries {
		m := workOrderFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		files = append(files, woFile{n: n, path: filepath.Join(workdir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].n < files[j].n })
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no WO-NN.json files in %s\n", workdir)
		return runExitCrash
	}

	for i, wo := range files {
		runArgs := []string{"--repo", repo, "--work-order", wo.path, "--branch", branch}
		if i > 0 {
			runArgs = append(runArgs, "--reuse-branch")
		}
		runArgs = append(runArgs, forwarded...)

		f, code := parseRunFlags(runArgs)
		if f == nil {
			return code
		}
		if code := runOne(f); code != runExitPass {
			fmt.Fprintf(os.Stderr, "stopping: %s exited %d\n", filepath.Base(wo.path), code)
			return code
		}
	}
	color.Green("run-all: %d work order(s) passed on %s", len(files), branch)
	return runExitPass
}

func shortULID() string {
	id := ulid.Make().String()
	return id[len(id)-8:]
}
