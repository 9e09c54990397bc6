// Package plan defines work orders and manifests, their normalization, and
// the two-level validator (structural per work order, chained file-state
// across work orders).
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/strongdm/aos/internal/pathsafe"
)

// Condition kinds.
const (
	CondFileExists = "file_exists"
	CondFileAbsent = "file_absent"
)

// Condition is a tagged assertion over a normalized relative path.
type Condition struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// VerifyContract states that Command succeeds once every path in Requires
// exists.
type VerifyContract struct {
	Command  string      `json:"command"`
	Requires []Condition `json:"requires"`
}

// WorkOrder is the contract for one atomic change.
type WorkOrder struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	Intent             string      `json:"intent"`
	AllowedFiles       []string    `json:"allowed_files"`
	Forbidden          []string    `json:"forbidden,omitempty"`
	AcceptanceCommands []string    `json:"acceptance_commands"`
	ContextFiles       []string    `json:"context_files,omitempty"`
	Preconditions      []Condition `json:"preconditions,omitempty"`
	Postconditions     []Condition `json:"postconditions,omitempty"`
	VerifyExempt       bool        `json:"verify_exempt"`
	Notes              string      `json:"notes,omitempty"`
}

// Manifest is the ordered plan plus the optional global verify contract.
type Manifest struct {
	SystemOverview []string        `json:"system_overview,omitempty"`
	VerifyContract *VerifyContract `json:"verify_contract,omitempty"`
	WorkOrders     []WorkOrder     `json:"work_orders"`
}

// Normalize canonicalizes every path field in place: POSIX form via the path
// safety rules, list fields deduplicated preserving first-occurrence order.
// Invalid paths are left untouched for the validator to flag.
func (w *WorkOrder) Normalize() {
	w.ID = strings.TrimSpace(w.ID)
	w.Title = strings.TrimSpace(w.Title)
	w.AllowedFiles = normalizePathList(w.AllowedFiles)
	w.Forbidden = normalizePathList(w.Forbidden)
	w.ContextFiles = normalizePathList(w.ContextFiles)
	w.Preconditions = normalizeConditions(w.Preconditions)
	w.Postconditions = normalizeConditions(w.Postconditions)
}

// Normalize applies WorkOrder.Normalize to every work order and the verify
// contract's requirement paths.
func (m *Manifest) Normalize() {
	for i := range m.WorkOrders {
		m.WorkOrders[i].Normalize()
	}
	if m.VerifyContract != nil {
		m.VerifyContract.Command = strings.TrimSpace(m.VerifyContract.Command)
		m.VerifyContract.Requires = normalizeConditions(m.VerifyContract.Requires)
	}
}

func normalizePathList(paths []string) []string {
	if len(paths) == 0 {
		return paths
	}
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if n, err := pathsafe.Normalize(p); err == nil {
			p = n
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func normalizeConditions(conds []Condition) []Condition {
	if len(conds) == 0 {
		return conds
	}
	type key struct{ kind, path string }
	seen := make(map[key]bool, len(conds))
	out := conds[:0]
	for _, c := range conds {
		c.Kind = strings.TrimSpace(c.Kind)
		if n, err := pathsafe.Normalize(c.Path); err == nil {
			c.Path = n
		}
		k := key{c.Kind, c.Path}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}
	return out
}

// WOID formats the 1-based index as a contiguous work order id.
func WOID(index int) string {
	return fmt.Sprintf("WO-%02d", index)
}

// FileState is the set of logical paths treated as existing at a point in
// the plan.
type FileState map[string]struct{}

func NewFileState(paths []string) FileState {
	s := make(FileState, len(paths))
	for _, p := range paths {
		if n, err := pathsafe.Normalize(p); err == nil {
			s[n] = struct{}{}
		}
	}
	return s
}

func (s FileState) Has(path string) bool {
	_, ok := s[path]
	return ok
}

// Apply folds a work order's postconditions into the state.
func (s FileState) Apply(w *WorkOrder) {
	for _, c := range w.Postconditions {
		if c.Kind == CondFileExists {
			s[c.Path] = struct{}{}
		}
	}
}

// Satisfies reports whether every requirement holds in the current state.
func (s FileState) Satisfies(reqs []Condition) bool {
	for _, c := range reqs {
		switch c.Kind {
		case CondFileExists:
			if !s.Has(c.Path) {
				return false
			}
		case CondFileAbsent:
			if s.Has(c.Path) {
				return false
			}
		}
	}
	return true
}

// Clone returns an independent copy.
func (s FileState) Clone() FileState {
	out := make(FileState, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

// Paths returns the sorted member list, for deterministic output.
func (s FileState) Paths() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
