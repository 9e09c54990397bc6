// Package runtimeenv provisions the per-repo isolated interpreter
// environment (<repo>/.aos_env) so verify and acceptance commands resolve
// python and pytest to a controlled install rather than whatever the harness
// host happens to carry.
package runtimeenv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/strongdm/aos/internal/config"
	"github.com/strongdm/aos/internal/sanitize"
	"github.com/strongdm/aos/internal/subproc"
)

const sentinelName = ".provisioned"

// Manager creates and caches per-repo environments. Safe for use from a
// single worker; Ensure is idempotent.
type Manager struct {
	mu    sync.Mutex
	ready map[string]string // repo root -> env root
}

func NewManager() *Manager {
	return &Manager{ready: map[string]string{}}
}

// EnvRoot returns the harness-managed environment directory for a repo.
func EnvRoot(repo string) string {
	return filepath.Join(repo, config.HarnessEnvDir)
}

func pythonBin(envRoot string) string {
	return filepath.Join(envRoot, "bin", "python")
}

// Ensure provisions the environment if needed and returns its root. A present
// sentinel with a missing interpreter binary (corruption, partial rollback)
// triggers a rebuild.
func (m *Manager) Ensure(ctx context.Context, repo string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	envRoot := EnvRoot(repo)
	if cached, ok := m.ready[repo]; ok {
		if _, err := os.Stat(pythonBin(cached)); err == nil {
			return cached, nil
		}
		delete(m.ready, repo)
	}

	sentinel := filepath.Join(envRoot, sentinelName)
	if _, err := os.Stat(sentinel); err == nil {
		if _, err := os.Stat(pythonBin(envRoot)); err == nil {
			m.ready[repo] = envRoot
			return envRoot, nil
		}
		// Sentinel without interpreter: rebuild from scratch.
		if err := os.RemoveAll(envRoot); err != nil {
			return "", fmt.Errorf("remove corrupt env: %w", err)
		}
	}

	if err := m.build(ctx, repo, envRoot); err != nil {
		return "", err
	}
	if err := os.WriteFile(sentinel, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return "", err
	}
	m.ready[repo] = envRoot
	return envRoot, nil
}

// build runs the three provisioning steps, each bounded by the env-build
// timeout: create the venv, upgrade pip, install pytest.
func (m *Manager) build(ctx context.Context, repo, envRoot string) error {
	steps := [][]string{
		{"python3", "-m", "venv", envRoot},
		{pythonBin(envRoot), "-m", "pip", "install", "--upgrade", "pip"},
		{pythonBin(envRoot), "-m", "pip", "install", "pytest"},
	}
	logDir := filepath.Join(envRoot, "provision_logs")
	for i, argv := range steps {
		res, err := subproc.Run(ctx, argv, repo, config.EnvBuildStepTimeout,
			filepath.Join(logDir, fmt.Sprintf("step_%d.out", i)),
			filepath.Join(logDir, fmt.Sprintf("step_%d.err", i)),
			subproc.SandboxEnv())
		if err != nil {
			return fmt.Errorf("env build step %d (%s): %w", i, argv[0], err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("env build step %d (%s) exited %d: %s",
				i, strings.Join(argv, " "), res.ExitCode,
				strings.TrimSpace(sanitize.Redact(subproc.PrimaryExcerpt(res))))
		}
	}
	return nil
}

// EnvFor returns an execution environment mapping with the env's bin
// directory prefixed onto PATH and VIRTUAL_ENV set, preserving the sandbox
// variables from base.
func EnvFor(envRoot string, base []string) []string {
	binDir := filepath.Join(envRoot, "bin")
	out := make([]string, 0, len(base)+2)
	sawPath := false
	for _, kv := range base {
		if strings.HasPrefix(kv, "PATH=") {
			out = append(out, "PATH="+binDir+string(os.PathListSeparator)+kv[len("PATH="):])
			sawPath = true
			continue
		}
		if strings.HasPrefix(kv, "VIRTUAL_ENV=") {
			continue
		}
		out = append(out, kv)
	}
	if !sawPath {
		out = append(out, "PATH="+binDir)
	}
	out = append(out, "VIRTUAL_ENV="+envRoot)
	return out
}
