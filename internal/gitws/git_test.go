package gitws

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/strongdm/aos/internal/config"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test",
			"GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test",
			"GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIsRepo(t *testing.T) {
	ctx := context.Background()
	dir := initTestRepo(t)
	if !IsRepo(ctx, dir) {
		t.Error("IsRepo = false for a git repo")
	}
	if IsRepo(ctx, t.TempDir()) {
		t.Error("IsRepo = true for a plain dir")
	}
}

func TestIsCleanIgnoresHarnessDir(t *testing.T) {
	ctx := context.Background()
	dir := initTestRepo(t)

	clean, err := IsClean(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Fatal("fresh repo should be clean")
	}

	// Contents of the harness env dir are ignored.
	writeFile(t, dir, filepath.Join(config.HarnessEnvDir, "bin", "python"), "#!stub")
	clean, err = IsClean(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Error("harness env dir contents should not dirty the tree")
	}

	// A top-level file that merely shares the name prefix is NOT ignored.
	writeFile(t, dir, config.HarnessEnvDir+"_extra", "x")
	clean, err = IsClean(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if clean {
		t.Error("prefix-named top-level file must count as dirty")
	}
}

func TestRollbackRestoresBaselineAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := initTestRepo(t)
	baseline, err := BaselineCommit(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "hello.txt", "changed\n")
	writeFile(t, dir, "untracked.txt", "junk\n")
	writeFile(t, dir, filepath.Join(config.HarnessEnvDir, "sentinel"), "keep")

	if err := Rollback(ctx, dir, baseline); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello\n" {
		t.Errorf("hello.txt = %q after rollback", b)
	}
	if _, err := os.Stat(filepath.Join(dir, "untracked.txt")); !os.IsNotExist(err) {
		t.Error("untracked file survived rollback")
	}
	// Harness env dir survives the clean.
	if _, err := os.Stat(filepath.Join(dir, config.HarnessEnvDir, "sentinel")); err != nil {
		t.Error("harness env dir did not survive rollback")
	}

	// Idempotent.
	if err := Rollback(ctx, dir, baseline); err != nil {
		t.Errorf("second rollback: %v", err)
	}
}

func TestScopedTreeHashStagesOnlyNamedFiles(t *testing.T) {
	ctx := context.Background()
	dir := initTestRepo(t)

	writeFile(t, dir, "a.txt", "a\n")
	writeFile(t, dir, "b.txt", "b\n")

	h1, err := ScopedTreeHash(ctx, dir, []string{"a.txt"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ScopedTreeHash(ctx, dir, []string{"a.txt", "b.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("tree hash should differ when scope differs")
	}
	// Index was reset; nothing staged.
	out, err := exec.Command("git", "-C", dir, "diff", "--cached", "--name-only").Output()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("index not reset: %s", out)
	}
	// Deterministic for identical scope + content.
	h3, err := ScopedTreeHash(ctx, dir, []string{"a.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h3 {
		t.Errorf("tree hash not reproducible: %s vs %s", h1, h3)
	}
}

func TestCommitNothingStagedReturnsHead(t *testing.T) {
	ctx := context.Background()
	dir := initTestRepo(t)
	head, err := BaselineCommit(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	sha, err := Commit(ctx, dir, "noop", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sha != head {
		t.Errorf("Commit with nothing staged = %s, want HEAD %s", sha, head)
	}

	writeFile(t, dir, "hello.txt", "hello world\n")
	sha2, err := Commit(ctx, dir, "change hello", []string{"hello.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if sha2 == head {
		t.Error("Commit with staged change should advance HEAD")
	}
}

func TestDrift(t *testing.T) {
	ctx := context.Background()
	dir := initTestRepo(t)

	writeFile(t, dir, "hello.txt", "edited\n")
	writeFile(t, dir, "side_effect.log", "oops\n")
	writeFile(t, dir, filepath.Join(config.HarnessEnvDir, "cache"), "c")

	drift, err := Drift(ctx, dir, []string{"hello.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if len(drift) != 1 || drift[0] != "side_effect.log" {
		t.Errorf("Drift = %v, want [side_effect.log]", drift)
	}
}

func TestStatusEntriesRenameParsing(t *testing.T) {
	// Rename entries carry two NUL-terminated fields; only the new path is
	// reported.
	out := "R  new.txt\x00old.txt\x00 M other.txt\x00"
	got := statusEntries(out)
	if len(got) != 2 || got[0] != "new.txt" || got[1] != "other.txt" {
		t.Errorf("statusEntries = %v", got)
	}
}
