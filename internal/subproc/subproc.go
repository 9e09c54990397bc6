// Package subproc executes acceptance and verify commands: argv only (no
// shell), hard timeout with process-group kill, full output captured to
// files, truncated excerpts in the result.
package subproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/strongdm/aos/internal/config"
)

// ExitTimeout is the synthetic exit code reported when a command is killed at
// its deadline, matching the shell convention for SIGKILL-after-timeout.
const ExitTimeout = 124

// CmdResult records one command execution.
type CmdResult struct {
	Argv       []string `json:"argv"`
	ExitCode   int      `json:"exit_code"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	StdoutPath string   `json:"stdout_path"`
	StderrPath string   `json:"stderr_path"`
	DurationMS int64    `json:"duration_ms"`
}

// Truncate bounds s to config.MaxExcerptChars, appending a marker when cut.
func Truncate(s string) string {
	if len(s) <= config.MaxExcerptChars {
		return s
	}
	return s[:config.MaxExcerptChars] + "…[truncated]"
}

// SandboxEnv synthesizes a minimal environment for command execution when the
// caller does not supply one: interpreter bytecode and cache writes are
// disabled so verification cannot pollute the working tree.
func SandboxEnv() []string {
	env := []string{
		"PYTHONDONTWRITEBYTECODE=1",
		"PIP_NO_CACHE_DIR=1",
		"PIP_DISABLE_PIP_VERSION_CHECK=1",
	}
	for _, key := range []string{"PATH", "HOME", "LANG", "TMPDIR"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// Run executes argv in cwd without a shell. Full stdout/stderr go to the
// given files; the result carries truncated excerpts. On timeout the whole
// process group is killed and the result reports exit code 124 with a
// "timed out" stderr.
func Run(ctx context.Context, argv []string, cwd string, timeout time.Duration, stdoutPath, stderrPath string, env []string) (CmdResult, error) {
	if len(argv) == 0 {
		return CmdResult{}, fmt.Errorf("empty argv")
	}
	res := CmdResult{Argv: argv, StdoutPath: stdoutPath, StderrPath: stderrPath}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, p := range []string{stdoutPath, stderrPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return res, err
		}
	}
	outFile, err := os.Create(stdoutPath)
	if err != nil {
		return res, err
	}
	defer func() { _ = outFile.Close() }()
	errFile, err := os.Create(stderrPath)
	if err != nil {
		return res, err
	}
	defer func() { _ = errFile.Close() }()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Stdout = outFile
	cmd.Stderr = errFile
	if env == nil {
		env = SandboxEnv()
	}
	cmd.Env = env
	// Own process group so the whole tree dies on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	res.DurationMS = time.Since(start).Milliseconds()

	timedOut := cctx.Err() == context.DeadlineExceeded
	switch {
	case runErr == nil:
		res.ExitCode = 0
	case timedOut:
		res.ExitCode = ExitTimeout
	default:
		if ee, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
		} else {
			return res, runErr
		}
	}

	outBytes, _ := os.ReadFile(stdoutPath)
	errBytes, _ := os.ReadFile(stderrPath)
	res.Stdout = Truncate(string(outBytes))
	res.Stderr = Truncate(string(errBytes))
	if timedOut {
		msg := fmt.Sprintf("timed out after %s", timeout)
		if res.Stderr != "" {
			msg += "\n" + res.Stderr
		}
		res.Stderr = Truncate(msg)
	}
	return res, nil
}

// PrimaryExcerpt picks the most useful error text from a result: stderr when
// present, otherwise stdout.
func PrimaryExcerpt(res CmdResult) string {
	if strings.TrimSpace(res.Stderr) != "" {
		return res.Stderr
	}
	return res.Stdout
}
