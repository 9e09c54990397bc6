package factory

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/strongdm/aos/internal/artifacts"
	"github.com/strongdm/aos/internal/config"
	"github.com/strongdm/aos/internal/plan"
)

// Directory name patterns excluded from the repo listing shown to the model.
var listingExcludes = []string{
	".*",
	"__pycache__",
	"node_modules",
	"*.egg-info",
	"venv",
}

func excludedDir(name string) bool {
	for _, pat := range listingExcludes {
		if ok, _ := doublestar.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// repoListing walks the working tree and returns sorted relative paths,
// skipping hidden and cache directories and the harness env dir.
func repoListing(repoRoot string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(repoRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == repoRoot {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if excludedDir(name) || name == config.HarnessEnvDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		rel, err := filepath.Rel(repoRoot, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// sePrompt assembles the proposal prompt: the work order contract, the repo
// listing, read-only context file contents, and the previous failure brief
// when retrying.
func sePrompt(w *plan.WorkOrder, listing []string, contexts map[string]string, prev *FailureBrief) (string, error) {
	woJSON, err := artifacts.MarshalCanonical(w)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("You are implementing one work order against a repository.\n")
	sb.WriteString("Respond with a single JSON object: {\"summary\": string, \"writes\": ")
	sb.WriteString("[{\"path\": string, \"base_sha256\": string, \"content\": string}]}.\n")
	sb.WriteString("base_sha256 is the SHA-256 hex digest of the file's current bytes, ")
	sb.WriteString("or of the empty string for a new file. Write only files in allowed_files. ")
	sb.WriteString("No markdown fences.\n\nWORK ORDER:\n")
	sb.Write(woJSON)

	sb.WriteString("\nREPOSITORY FILES:\n")
	for _, f := range listing {
		sb.WriteString(f + "\n")
	}

	for _, p := range w.ContextFiles {
		content, ok := contexts[p]
		if !ok {
			continue
		}
		sb.WriteString("\nCONTEXT FILE " + p + ":\n")
		sb.WriteString(content)
		if !strings.HasSuffix(content, "\n") {
			sb.WriteString("\n")
		}
	}

	if prev != nil {
		briefJSON, err := artifacts.MarshalCanonical(prev)
		if err != nil {
			return "", err
		}
		sb.WriteString("\nYOUR PREVIOUS ATTEMPT FAILED:\n")
		sb.Write(briefJSON)
	}

	sb.WriteString("\n" + config.ConstraintsReminder + "\n")
	return sb.String(), nil
}

// readContextFiles loads the declared context files that exist on disk.
// Missing context files are skipped, not fatal.
func readContextFiles(repoRoot string, paths []string) map[string]string {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		full := filepath.Join(repoRoot, filepath.FromSlash(p))
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		out[p] = string(data)
	}
	return out
}
