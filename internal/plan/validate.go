package plan

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/strongdm/aos/internal/llm"
	"github.com/strongdm/aos/internal/pathsafe"
)

// Validation codes. E-codes are hard errors; W-codes are warnings.
const (
	CodeShape          = "E000"
	CodeID             = "E001"
	CodeShellOperator  = "E003"
	CodeGlob           = "E004"
	CodeSchema         = "E005"
	CodeInlineSyntax   = "E006"
	CodeUnparseable    = "E007"
	CodePrecondition   = "E101"
	CodeContradiction  = "E102"
	CodePostOutOfScope = "E103"
	CodeUncoveredFile  = "E104"
	CodeVerifyOverlap  = "E105"
	CodeContractUnmet  = "E106"
	CodeImportUnknown  = "W101"
)

// ValidationError is one structured finding. Validation collects, it never
// throws.
type ValidationError struct {
	Code    string `json:"code"`
	WOID    string `json:"wo_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("[" + e.Code + "]")
	if e.WOID != "" {
		sb.WriteString(" " + e.WOID)
	}
	if e.Field != "" {
		sb.WriteString(" " + e.Field)
	}
	sb.WriteString(": " + e.Message)
	return sb.String()
}

// IsWarning reports whether the finding does not block plan acceptance.
func (e ValidationError) IsWarning() bool { return strings.HasPrefix(e.Code, "W") }

// HasHardErrors reports whether any finding is a hard error.
func HasHardErrors(errs []ValidationError) bool {
	for _, e := range errs {
		if !e.IsWarning() {
			return true
		}
	}
	return false
}

// DecodeManifest parses raw JSON bytes into a normalized manifest. Shape
// failures are reported as E000 and schema failures as E005; a manifest is
// returned whenever the top-level shape is usable, even with findings.
func DecodeManifest(data []byte) (*Manifest, []ValidationError) {
	var raw any
	if err := llm.DecodeBounded(data, &raw); err != nil {
		return nil, []ValidationError{{Code: CodeShape, Message: "JSON parse error: " + err.Error()}}
	}
	top, ok := raw.(map[string]any)
	if !ok {
		return nil, []ValidationError{{Code: CodeShape, Message: "top-level value is not an object"}}
	}
	wosAny, present := top["work_orders"]
	if !present {
		return nil, []ValidationError{{Code: CodeShape, Message: "missing work_orders"}}
	}
	wos, ok := wosAny.([]any)
	if !ok {
		return nil, []ValidationError{{Code: CodeShape, Field: "work_orders", Message: "work_orders is not a sequence"}}
	}

	var errs []ValidationError
	for i, el := range wos {
		if _, ok := el.(map[string]any); !ok {
			errs = append(errs, ValidationError{
				Code: CodeShape, WOID: WOID(i + 1),
				Message: fmt.Sprintf("work_orders[%d] is not an object", i),
			})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	for i, el := range wos {
		if err := workOrderSchema.Validate(el); err != nil {
			errs = append(errs, schemaFindings(WOID(i+1), err)...)
		}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		errs = append(errs, ValidationError{Code: CodeSchema, Message: "manifest decode: " + err.Error()})
		return nil, errs
	}
	m.Normalize()
	return &m, errs
}

func schemaFindings(woID string, err error) []ValidationError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []ValidationError{{Code: CodeSchema, WOID: woID, Message: err.Error()}}
	}
	var out []ValidationError
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.TrimPrefix(e.InstanceLocation, "/")
			out = append(out, ValidationError{Code: CodeSchema, WOID: woID, Field: field, Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// ValidateStructural runs the per-work-order checks in code order E001,
// E003, E004, E005 (path invariants), E006, E007.
func ValidateStructural(m *Manifest) []ValidationError {
	var errs []ValidationError
	for i := range m.WorkOrders {
		w := &m.WorkOrders[i]
		id := WOID(i + 1)

		if w.ID != id {
			errs = append(errs, ValidationError{
				Code: CodeID, WOID: w.ID, Field: "id",
				Message: fmt.Sprintf("id %q must be %q (contiguous from WO-01)", w.ID, id),
			})
		}

		for _, cmd := range w.AcceptanceCommands {
			tokens, err := pathsafe.SplitCommand(cmd)
			if err != nil {
				errs = append(errs, ValidationError{
					Code: CodeUnparseable, WOID: id, Field: "acceptance_commands",
					Message: fmt.Sprintf("unparseable command %q: %v", cmd, err),
				})
				continue
			}
			if tok := pathsafe.RejectShellOperators(tokens); tok != "" {
				errs = append(errs, ValidationError{
					Code: CodeShellOperator, WOID: id, Field: "acceptance_commands",
					Message: fmt.Sprintf("command %q contains shell operator %q", cmd, tok),
				})
			}
			if code, ok := inlineSource(tokens); ok {
				if err := checkInlineSource(code); err != nil {
					errs = append(errs, ValidationError{
						Code: CodeInlineSyntax, WOID: id, Field: "acceptance_commands",
						Message: fmt.Sprintf("inline source in %q: %v", cmd, err),
					})
				}
			}
		}

		errs = append(errs, checkPaths(id, "allowed_files", w.AllowedFiles)...)
		errs = append(errs, checkPaths(id, "context_files", w.ContextFiles)...)
		errs = append(errs, checkConditionPaths(id, "preconditions", w.Preconditions)...)
		errs = append(errs, checkConditionPaths(id, "postconditions", w.Postconditions)...)
	}
	return errs
}

func checkPaths(woID, field string, paths []string) []ValidationError {
	var errs []ValidationError
	for _, p := range paths {
		if pathsafe.HasGlobMeta(p) {
			errs = append(errs, ValidationError{
				Code: CodeGlob, WOID: woID, Field: field,
				Message: fmt.Sprintf("glob characters in path %q", p),
			})
			continue
		}
		if _, err := pathsafe.Normalize(p); err != nil {
			errs = append(errs, ValidationError{
				Code: CodeSchema, WOID: woID, Field: field,
				Message: fmt.Sprintf("invalid path %q: %v", p, err),
			})
		}
	}
	return errs
}

func checkConditionPaths(woID, field string, conds []Condition) []ValidationError {
	var errs []ValidationError
	for _, c := range conds {
		if _, err := pathsafe.Normalize(c.Path); err != nil {
			errs = append(errs, ValidationError{
				Code: CodeSchema, WOID: woID, Field: field,
				Message: fmt.Sprintf("invalid path %q: %v", c.Path, err),
			})
		}
	}
	return errs
}

// ValidateChain evaluates the cross-work-order rules over cumulative file
// state, starting from the initial repo state.
func ValidateChain(m *Manifest, initial FileState) []ValidationError {
	var errs []ValidationError
	state := initial.Clone()

	verifyNorm := ""
	if m.VerifyContract != nil {
		verifyNorm = normalizeCommand(m.VerifyContract.Command)
	}

	for i := range m.WorkOrders {
		w := &m.WorkOrders[i]
		id := WOID(i + 1)

		kinds := make(map[string]map[string]bool)
		for _, c := range w.Preconditions {
			if kinds[c.Path] == nil {
				kinds[c.Path] = make(map[string]bool)
			}
			kinds[c.Path][c.Kind] = true
		}
		for p, k := range kinds {
			if k[CondFileExists] && k[CondFileAbsent] {
				errs = append(errs, ValidationError{
					Code: CodeContradiction, WOID: id, Field: "preconditions",
					Message: fmt.Sprintf("path %q asserted both file_exists and file_absent", p),
				})
			}
		}

		for _, c := range w.Preconditions {
			satisfied := true
			switch c.Kind {
			case CondFileExists:
				satisfied = state.Has(c.Path)
			case CondFileAbsent:
				satisfied = !state.Has(c.Path)
			}
			if !satisfied {
				errs = append(errs, ValidationError{
					Code: CodePrecondition, WOID: id, Field: "preconditions",
					Message: fmt.Sprintf("%s(%q) not satisfied by state before %s", c.Kind, c.Path, id),
				})
			}
		}

		allowed := make(map[string]bool, len(w.AllowedFiles))
		for _, p := range w.AllowedFiles {
			allowed[p] = true
		}
		covered := make(map[string]bool, len(w.Postconditions))
		for _, c := range w.Postconditions {
			covered[c.Path] = true
			if !allowed[c.Path] {
				errs = append(errs, ValidationError{
					Code: CodePostOutOfScope, WOID: id, Field: "postconditions",
					Message: fmt.Sprintf("postcondition path %q not in allowed_files", c.Path),
				})
			}
		}
		for _, p := range w.AllowedFiles {
			if !covered[p] {
				errs = append(errs, ValidationError{
					Code: CodeUncoveredFile, WOID: id, Field: "allowed_files",
					Message: fmt.Sprintf("allowed file %q has no postcondition", p),
				})
			}
		}

		if verifyNorm != "" {
			for _, cmd := range w.AcceptanceCommands {
				if normalizeCommand(cmd) == verifyNorm {
					errs = append(errs, ValidationError{
						Code: CodeVerifyOverlap, WOID: id, Field: "acceptance_commands",
						Message: fmt.Sprintf("command %q duplicates the global verify command", cmd),
					})
				}
			}
		}

		state.Apply(w)

		for _, cmd := range w.AcceptanceCommands {
			for _, mod := range importedModules(cmd) {
				if !moduleResolvable(mod, state) {
					errs = append(errs, ValidationError{
						Code: CodeImportUnknown, WOID: id, Field: "acceptance_commands",
						Message: fmt.Sprintf("module %q is not importable from the cumulative file state", mod),
					})
				}
			}
		}
	}

	if m.VerifyContract != nil {
		for _, c := range m.VerifyContract.Requires {
			if c.Kind == CondFileExists && !state.Has(c.Path) {
				errs = append(errs, ValidationError{
					Code: CodeContractUnmet, Field: "verify_contract",
					Message: fmt.Sprintf("requirement %q never satisfied by the cumulative post-state", c.Path),
				})
			}
		}
	}
	return errs
}

// StampVerifyExempt overwrites verify_exempt on every work order: true iff
// the verify contract is not yet satisfied by the state immediately before
// that work order runs. Any generator-supplied value is discarded.
func StampVerifyExempt(m *Manifest, initial FileState) {
	state := initial.Clone()
	for i := range m.WorkOrders {
		w := &m.WorkOrders[i]
		w.VerifyExempt = m.VerifyContract != nil && !state.Satisfies(m.VerifyContract.Requires)
		state.Apply(w)
	}
}

// normalizeCommand canonicalizes a command string for equality comparison:
// POSIX lexing, per-token path normalization, single-space join. Whitespace,
// double spaces, and ./ prefixes do not defeat the comparison.
func normalizeCommand(cmd string) string {
	tokens, err := pathsafe.SplitCommand(strings.TrimSpace(cmd))
	if err != nil {
		tokens = strings.Fields(cmd)
	}
	for i, t := range tokens {
		if t == "" {
			continue
		}
		tokens[i] = path.Clean(t)
	}
	return strings.Join(tokens, " ")
}

func inlineSource(tokens []string) (string, bool) {
	if len(tokens) < 3 {
		return "", false
	}
	base := path.Base(tokens[0])
	if !strings.HasPrefix(base, "python") {
		return "", false
	}
	for i := 1; i < len(tokens)-1; i++ {
		if tokens[i] == "-c" {
			return tokens[i+1], true
		}
	}
	return "", false
}

// checkInlineSource is a lightweight syntax gate: balanced brackets and
// terminated string literals. It cannot prove the source valid, only reject
// the structurally broken.
func checkInlineSource(code string) error {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	inString := byte(0)
	escaped := false
	for i := 0; i < len(code); i++ {
		ch := code[i]
		if inString != 0 {
			if escaped {
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case inString:
				inString = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			inString = ch
		case '(', '[', '{':
			stack = append(stack, ch)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[ch] {
				return fmt.Errorf("unbalanced %q at offset %d", string(ch), i)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if inString != 0 {
		return fmt.Errorf("unterminated string literal")
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", string(stack[len(stack)-1]))
	}
	return nil
}

var importStmtRe = regexp.MustCompile(`\b(?:import|from)\s+([A-Za-z_][A-Za-z0-9_.]*)`)

// Interpreter-provided modules that never resolve to plan files.
var wellKnownModules = map[string]bool{
	"sys": true, "os": true, "io": true, "re": true, "json": true,
	"math": true, "time": true, "typing": true, "pathlib": true,
	"collections": true, "itertools": true, "functools": true,
	"subprocess": true, "unittest": true, "pytest": true, "abc": true,
	"dataclasses": true, "enum": true, "random": true, "string": true,
	"textwrap": true, "tempfile": true, "shutil": true, "hashlib": true,
}

func importedModules(cmd string) []string {
	tokens, err := pathsafe.SplitCommand(cmd)
	if err != nil {
		return nil
	}
	var mods []string
	add := func(m string) {
		root := m
		if idx := strings.IndexByte(m, '.'); idx >= 0 {
			root = m[:idx]
		}
		if !wellKnownModules[root] {
			mods = append(mods, m)
		}
	}
	for i := 1; i < len(tokens); i++ {
		if tokens[i] == "-m" && i+1 < len(tokens) {
			add(tokens[i+1])
		}
		if tokens[i] == "-c" && i+1 < len(tokens) {
			for _, match := range importStmtRe.FindAllStringSubmatch(tokens[i+1], -1) {
				add(match[1])
			}
		}
	}
	return mods
}

func moduleResolvable(mod string, state FileState) bool {
	rel := strings.ReplaceAll(mod, ".", "/")
	return state.Has(rel+".py") || state.Has(rel+"/__init__.py")
}
