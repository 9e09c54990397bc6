package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteJSONCanonicalForm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	type payload struct {
		Zebra int    `json:"zebra"`
		Alpha string `json:"alpha"`
	}
	if err := WriteJSON(path, payload{Zebra: 1, Alpha: "x"}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.HasSuffix(s, "\n") {
		t.Error("missing trailing newline")
	}
	if strings.Index(s, `"alpha"`) > strings.Index(s, `"zebra"`) {
		t.Errorf("keys not sorted:\n%s", s)
	}
	if !strings.Contains(s, "  \"alpha\"") {
		t.Errorf("expected 2-space indent:\n%s", s)
	}
}

func TestWriteJSONReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	if err := WriteJSON(path, map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	if err := WriteJSON(path, map[string]int{"n": 2}); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), "2") {
		t.Errorf("second write not visible: %s", b)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestLayoutPaths(t *testing.T) {
	if got := PlannerCompileDir("/a", "deadbeefdeadbeef"); got != filepath.Join("/a", "planner", "deadbeefdeadbeef", "compile") {
		t.Errorf("PlannerCompileDir = %s", got)
	}
	if got := AttemptDir(FactoryRunDir("/a", "RID"), 2); got != filepath.Join("/a", "factory", "RID", "attempt_2") {
		t.Errorf("AttemptDir = %s", got)
	}
}
