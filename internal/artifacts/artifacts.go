// Package artifacts owns the on-disk artifact tree: the deterministic layout
// keyed by compile hash and run id, and the atomic JSON writer every
// component uses.
package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PlannerCompileDir returns <root>/planner/<hash>/compile.
func PlannerCompileDir(root, compileHash string) string {
	return filepath.Join(root, "planner", compileHash, "compile")
}

// FactoryRunDir returns <root>/factory/<runID>.
func FactoryRunDir(root, runID string) string {
	return filepath.Join(root, "factory", runID)
}

// AttemptDir returns <runDir>/attempt_<n>.
func AttemptDir(runDir string, attempt int) string {
	return filepath.Join(runDir, fmt.Sprintf("attempt_%d", attempt))
}

// WriteFileAtomic writes data to path via a temp file in the same directory,
// fsync, then rename.
func WriteFileAtomic(path string, data []byte) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	tmpPath = ""
	return nil
}

// WriteJSON writes v as canonical JSON: object keys sorted, 2-space indent,
// trailing newline, atomic replace.
func WriteJSON(path string, v any) error {
	b, err := MarshalCanonical(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, b)
}

// MarshalCanonical renders v with sorted keys, 2-space indent, and a trailing
// newline. Struct field order is normalized by a round-trip through the
// generic representation, where encoding/json sorts map keys.
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
