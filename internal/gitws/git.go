// Package gitws wraps the git operations the factory relies on: baseline
// capture, cleanliness checks with the harness-dir allowlist, scoped staging,
// rollback, and the scoped tree hash used as a change fingerprint.
package gitws

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/strongdm/aos/internal/config"
	"github.com/strongdm/aos/internal/sanitize"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(sanitize.Redact(e.Stderr))
	}
	return msg
}

func runGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, config.GitCommandTimeout)
	defer cancel()
	// Disable git's background auto-maintenance so frequent scoped staging
	// and rollbacks stay deterministic and don't spawn helper processes.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(ctx context.Context, dir string) bool {
	out, _, err := runGit(ctx, dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func BaselineCommit(ctx context.Context, dir string) (string, error) {
	out, _, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// statusEntries parses `git status --porcelain -z` output into the reported
// paths. Rename/copy entries carry two NUL-terminated fields; only the new
// path is reported.
func statusEntries(out string) []string {
	fields := strings.Split(out, "\x00")
	var paths []string
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if entry == "" {
			continue
		}
		if len(entry) < 4 {
			continue
		}
		xy := entry[:2]
		paths = append(paths, entry[3:])
		if strings.ContainsAny(xy, "RC") {
			// Skip the original path field.
			i++
		}
	}
	return paths
}

// inHarnessDir reports whether a status path is the harness-managed
// environment directory or lies within it. The check is on the first path
// segment, not a string prefix: a top-level file named ".aos_envX" is NOT
// ignored.
func inHarnessDir(path string) bool {
	first := path
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		first = path[:idx]
	}
	return first == config.HarnessEnvDir
}

// IsClean reports whether the working tree has no changes outside the
// harness-managed environment directory.
func IsClean(ctx context.Context, dir string) (bool, error) {
	out, _, err := runGit(ctx, dir, "status", "--porcelain", "-z")
	if err != nil {
		return false, err
	}
	for _, p := range statusEntries(out) {
		if !inHarnessDir(p) {
			return false, nil
		}
	}
	return true, nil
}

// Rollback restores the working tree to baseline: reset --hard followed by
// clean -fdx excluding the harness-managed directory. After a successful
// rollback IsClean holds.
func Rollback(ctx context.Context, dir, baseline string) error {
	if _, _, err := runGit(ctx, dir, "reset", "--hard", baseline); err != nil {
		return err
	}
	if _, _, err := runGit(ctx, dir, "clean", "-fdx", "-e", config.HarnessEnvDir); err != nil {
		return err
	}
	clean, err := IsClean(ctx, dir)
	if err != nil {
		return err
	}
	if !clean {
		return fmt.Errorf("working tree still dirty after rollback to %s", baseline)
	}
	return nil
}

// ScopedTreeHash stages only the named files, writes a tree object, and
// resets the index. The hash is a reproducibility fingerprint of the changes,
// not a commit.
func ScopedTreeHash(ctx context.Context, dir string, touched []string) (string, error) {
	if len(touched) == 0 {
		out, _, err := runGit(ctx, dir, "write-tree")
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(out), nil
	}
	addArgs := append([]string{"add", "--"}, touched...)
	if _, _, err := runGit(ctx, dir, addArgs...); err != nil {
		return "", err
	}
	out, _, err := runGit(ctx, dir, "write-tree")
	if err != nil {
		return "", err
	}
	hash := strings.TrimSpace(out)
	if _, _, err := runGit(ctx, dir, "reset"); err != nil {
		return "", err
	}
	return hash, nil
}

// Commit stages the named files and commits. When nothing is staged the
// current HEAD is returned without error.
func Commit(ctx context.Context, dir, message string, touched []string) (string, error) {
	if len(touched) > 0 {
		addArgs := append([]string{"add", "--"}, touched...)
		if _, _, err := runGit(ctx, dir, addArgs...); err != nil {
			return "", err
		}
	}
	staged, _, err := runGit(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(staged) == "" {
		return BaselineCommit(ctx, dir)
	}
	_, _, err = runGit(ctx, dir, "commit", "-m", message)
	if err != nil && needsIdentityFallback(err) {
		// Retry once with an explicit committer identity, without mutating
		// repo config.
		_, _, err = runGit(ctx, dir,
			"-c", "user.name=aos-factory",
			"-c", "user.email=aos-factory@local",
			"commit", "-m", message,
		)
	}
	if err != nil {
		return "", err
	}
	return BaselineCommit(ctx, dir)
}

func needsIdentityFallback(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Author identity unknown") ||
		strings.Contains(msg, "Please tell me who you are") ||
		strings.Contains(msg, "unable to auto-detect email address")
}

// Drift returns the paths that are modified or untracked but neither in
// touched nor inside the harness-managed directory. Non-empty drift signals
// verification-time side effects.
func Drift(ctx context.Context, dir string, touched []string) ([]string, error) {
	out, _, err := runGit(ctx, dir, "status", "--porcelain", "-z")
	if err != nil {
		return nil, err
	}
	declared := make(map[string]bool, len(touched))
	for _, t := range touched {
		declared[t] = true
	}
	var drift []string
	for _, p := range statusEntries(out) {
		if declared[p] || inHarnessDir(p) {
			continue
		}
		drift = append(drift, p)
	}
	return drift, nil
}

// TrackedFiles returns the repository's tracked file set, the initial file
// state for plan validation.
func TrackedFiles(ctx context.Context, dir string) ([]string, error) {
	out, _, err := runGit(ctx, dir, "ls-files", "-z")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, p := range strings.Split(out, "\x00") {
		if p != "" {
			files = append(files, p)
		}
	}
	return files, nil
}

// CheckoutBranch creates or resets a branch at HEAD and switches to it.
// Creation is idempotent; branch lifecycle across work orders is owned by
// the run-all driver.
func CheckoutBranch(ctx context.Context, dir, branch string) error {
	_, _, err := runGit(ctx, dir, "checkout", "-B", branch)
	return err
}

// SwitchBranch switches to an existing branch.
func SwitchBranch(ctx context.Context, dir, branch string) error {
	_, _, err := runGit(ctx, dir, "switch", branch)
	return err
}

// Clone clones url at ref into dest. The caller is responsible for credential
// injection in the URL; stderr in errors is token-redacted.
func Clone(ctx context.Context, url, ref, dest string) error {
	ctx2, cancel := context.WithTimeout(ctx, config.QueueJobTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx2, "git", "clone", "--quiet", url, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Args: []string{"clone"}, Stderr: stderr.String(), Err: err}
	}
	if ref != "" {
		if _, _, err := runGit(ctx, dest, "checkout", "--quiet", ref); err != nil {
			return err
		}
	}
	return nil
}

// Push pushes a branch to a remote URL or name. Failures carry redacted
// stderr and should be treated as non-fatal by writeback callers.
func Push(ctx context.Context, dir, remote, branch string) error {
	_, _, err := runGit(ctx, dir, "push", remote, fmt.Sprintf("HEAD:refs/heads/%s", branch))
	return err
}
