package plan

import (
	"strings"
	"testing"
)

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func hasCode(errs []ValidationError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func validWO(id string, files ...string) WorkOrder {
	w := WorkOrder{
		ID:                 id,
		Title:              "change " + id,
		Intent:             "do something",
		AllowedFiles:       files,
		AcceptanceCommands: []string{"python -c 'print(1)'"},
	}
	for _, f := range files {
		w.Postconditions = append(w.Postconditions, Condition{Kind: CondFileExists, Path: f})
	}
	return w
}

func TestDecodeManifestShapeErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"not json", "{nope"},
		{"not object", `[1,2]`},
		{"missing work_orders", `{"x":1}`},
		{"work_orders not array", `{"work_orders":{}}`},
		{"element not object", `{"work_orders":[1]}`},
	}
	for _, tc := range cases {
		m, errs := DecodeManifest([]byte(tc.in))
		if m != nil {
			t.Errorf("%s: got manifest, want nil", tc.name)
		}
		if !hasCode(errs, CodeShape) {
			t.Errorf("%s: codes = %v, want E000", tc.name, codes(errs))
		}
	}
}

func TestDecodeManifestSchemaErrors(t *testing.T) {
	in := `{"work_orders":[{"id":"WO-01","title":"t","intent":"i","allowed_files":["a.py"]}]}`
	m, errs := DecodeManifest([]byte(in))
	if m == nil {
		t.Fatal("manifest should survive schema findings")
	}
	if !hasCode(errs, CodeSchema) {
		t.Errorf("missing acceptance_commands should yield E005, got %v", codes(errs))
	}
}

func TestDecodeManifestContextFileLimit(t *testing.T) {
	var files []string
	for i := 0; i < 11; i++ {
		files = append(files, `"f`+string(rune('a'+i))+`.py"`)
	}
	in := `{"work_orders":[{"id":"WO-01","title":"t","intent":"i","allowed_files":["a.py"],` +
		`"acceptance_commands":["python -c 'print(1)'"],"context_files":[` + strings.Join(files, ",") + `]}]}`
	_, errs := DecodeManifest([]byte(in))
	if !hasCode(errs, CodeSchema) {
		t.Errorf("11 context files should yield E005, got %v", codes(errs))
	}
}

func TestStructuralIDContiguity(t *testing.T) {
	m := &Manifest{WorkOrders: []WorkOrder{validWO("WO-01", "a.py"), validWO("WO-03", "b.py")}}
	errs := ValidateStructural(m)
	if !hasCode(errs, CodeID) {
		t.Errorf("gap in ids should yield E001, got %v", codes(errs))
	}
}

func TestStructuralShellOperators(t *testing.T) {
	w := validWO("WO-01", "a.py")
	w.AcceptanceCommands = []string{"pytest -q && rm -rf /"}
	m := &Manifest{WorkOrders: []WorkOrder{w}}
	errs := ValidateStructural(m)
	if !hasCode(errs, CodeShellOperator) {
		t.Errorf("bare && should yield E003, got %v", codes(errs))
	}
	for _, e := range errs {
		if e.Code == CodeShellOperator && !strings.Contains(e.Message, `"&&"`) {
			t.Errorf("finding does not name the operator: %s", e.Message)
		}
	}

	// Operators inside quotes are data, not shell syntax.
	w.AcceptanceCommands = []string{`python -c 'print("a && b")'`}
	m = &Manifest{WorkOrders: []WorkOrder{w}}
	if errs := ValidateStructural(m); hasCode(errs, CodeShellOperator) {
		t.Errorf("quoted operator flagged: %v", errs)
	}
}

func TestStructuralGlobAndPathErrors(t *testing.T) {
	w := validWO("WO-01", "a.py")
	w.AllowedFiles = append(w.AllowedFiles, "src/*.py")
	w.ContextFiles = []string{"/etc/passwd"}
	m := &Manifest{WorkOrders: []WorkOrder{w}}
	errs := ValidateStructural(m)
	if !hasCode(errs, CodeGlob) {
		t.Errorf("glob path should yield E004, got %v", codes(errs))
	}
	if !hasCode(errs, CodeSchema) {
		t.Errorf("absolute path should yield E005, got %v", codes(errs))
	}
}

func TestStructuralInlineSyntax(t *testing.T) {
	w := validWO("WO-01", "a.py")
	w.AcceptanceCommands = []string{`python -c 'print(1'`}
	m := &Manifest{WorkOrders: []WorkOrder{w}}
	if errs := ValidateStructural(m); !hasCode(errs, CodeInlineSyntax) {
		t.Errorf("unbalanced paren should yield E006, got %v", codes(errs))
	}
}

func TestStructuralUnparseableCommand(t *testing.T) {
	w := validWO("WO-01", "a.py")
	w.AcceptanceCommands = []string{`python -c 'unterminated`}
	m := &Manifest{WorkOrders: []WorkOrder{w}}
	if errs := ValidateStructural(m); !hasCode(errs, CodeUnparseable) {
		t.Errorf("unterminated quote should yield E007, got %v", codes(errs))
	}
}

func TestChainPreconditionAgainstCumulativeState(t *testing.T) {
	w1 := validWO("WO-01", "src/a.py")
	w2 := validWO("WO-02", "src/b.py")
	w2.Preconditions = []Condition{{Kind: CondFileExists, Path: "src/a.py"}}
	w3 := validWO("WO-03", "src/c.py")
	w3.Preconditions = []Condition{{Kind: CondFileExists, Path: "src/missing.py"}}
	m := &Manifest{WorkOrders: []WorkOrder{w1, w2, w3}}

	errs := ValidateChain(m, NewFileState(nil))
	if !hasCode(errs, CodePrecondition) {
		t.Fatalf("missing file should yield E101, got %v", codes(errs))
	}
	for _, e := range errs {
		if e.Code == CodePrecondition && e.WOID != "WO-03" {
			t.Errorf("E101 attributed to %s, want WO-03", e.WOID)
		}
	}
}

func TestChainFileAbsentPrecondition(t *testing.T) {
	w1 := validWO("WO-01", "a.py")
	w2 := validWO("WO-02", "b.py")
	w2.Preconditions = []Condition{{Kind: CondFileAbsent, Path: "a.py"}}
	m := &Manifest{WorkOrders: []WorkOrder{w1, w2}}
	if errs := ValidateChain(m, NewFileState(nil)); !hasCode(errs, CodePrecondition) {
		t.Errorf("file_absent over created file should yield E101, got %v", codes(errs))
	}
}

func TestChainContradictoryPreconditions(t *testing.T) {
	w := validWO("WO-01", "a.py")
	w.Preconditions = []Condition{
		{Kind: CondFileExists, Path: "x.py"},
		{Kind: CondFileAbsent, Path: "x.py"},
	}
	m := &Manifest{WorkOrders: []WorkOrder{w}}
	errs := ValidateChain(m, NewFileState([]string{"x.py"}))
	if !hasCode(errs, CodeContradiction) {
		t.Errorf("want E102, got %v", codes(errs))
	}
}

func TestChainPostconditionScope(t *testing.T) {
	w := validWO("WO-01", "a.py")
	w.Postconditions = append(w.Postconditions, Condition{Kind: CondFileExists, Path: "other.py"})
	m := &Manifest{WorkOrders: []WorkOrder{w}}
	if errs := ValidateChain(m, NewFileState(nil)); !hasCode(errs, CodePostOutOfScope) {
		t.Errorf("want E103, got %v", codes(errs))
	}
}

func TestChainUncoveredAllowedFile(t *testing.T) {
	w := validWO("WO-01", "a.py")
	w.AllowedFiles = append(w.AllowedFiles, "b.py")
	m := &Manifest{WorkOrders: []WorkOrder{w}}
	if errs := ValidateChain(m, NewFileState(nil)); !hasCode(errs, CodeUncoveredFile) {
		t.Errorf("want E104, got %v", codes(errs))
	}
}

func TestChainVerifyOverlapNormalization(t *testing.T) {
	for _, cmd := range []string{
		"bash scripts/verify.sh",
		"  bash   scripts/verify.sh  ",
		"bash ./scripts/verify.sh",
	} {
		w := validWO("WO-01", "a.py")
		w.AcceptanceCommands = []string{cmd}
		m := &Manifest{
			VerifyContract: &VerifyContract{Command: "bash scripts/verify.sh"},
			WorkOrders:     []WorkOrder{w},
		}
		if errs := ValidateChain(m, NewFileState(nil)); !hasCode(errs, CodeVerifyOverlap) {
			t.Errorf("command %q should yield E105, got %v", cmd, codes(errs))
		}
	}
}

func TestChainContractUnmet(t *testing.T) {
	m := &Manifest{
		VerifyContract: &VerifyContract{
			Command:  "bash scripts/verify.sh",
			Requires: []Condition{{Kind: CondFileExists, Path: "src/core.py"}},
		},
		WorkOrders: []WorkOrder{validWO("WO-01", "a.py")},
	}
	if errs := ValidateChain(m, NewFileState(nil)); !hasCode(errs, CodeContractUnmet) {
		t.Errorf("want E106, got %v", codes(errs))
	}
}

func TestChainImportWarning(t *testing.T) {
	w := validWO("WO-01", "pkg/mod.py")
	w.AcceptanceCommands = []string{`python -c 'import pkg.other'`}
	m := &Manifest{WorkOrders: []WorkOrder{w}}
	errs := ValidateChain(m, NewFileState(nil))
	if !hasCode(errs, CodeImportUnknown) {
		t.Fatalf("want W101, got %v", codes(errs))
	}
	if HasHardErrors(errs) {
		t.Errorf("W101 must not be a hard error: %v", errs)
	}

	// Importable once the module file is in cumulative state.
	w2 := validWO("WO-01", "pkg/mod.py")
	w2.AcceptanceCommands = []string{`python -c 'import pkg.mod'`}
	m2 := &Manifest{WorkOrders: []WorkOrder{w2}}
	if errs := ValidateChain(m2, NewFileState(nil)); hasCode(errs, CodeImportUnknown) {
		t.Errorf("resolvable module flagged: %v", errs)
	}
}

func TestChainInterpreterModulesNotWarned(t *testing.T) {
	w := validWO("WO-01", "a.py")
	w.AcceptanceCommands = []string{"python -m pytest -q", `python -c 'import sys; sys.exit(0)'`}
	m := &Manifest{WorkOrders: []WorkOrder{w}}
	if errs := ValidateChain(m, NewFileState(nil)); hasCode(errs, CodeImportUnknown) {
		t.Errorf("interpreter modules flagged: %v", errs)
	}
}

func TestStampVerifyExemptOverwritesInput(t *testing.T) {
	w := validWO("WO-01", "a.py")
	w.VerifyExempt = true // generator-supplied value must be discarded
	m := &Manifest{WorkOrders: []WorkOrder{w}}
	StampVerifyExempt(m, NewFileState(nil))
	if m.WorkOrders[0].VerifyExempt {
		t.Error("no verify contract: verify_exempt must be false")
	}
}

func TestStampVerifyExemptProgression(t *testing.T) {
	w1 := validWO("WO-01", "src/core.py")
	w2 := validWO("WO-02", "src/extra.py")
	m := &Manifest{
		VerifyContract: &VerifyContract{
			Command:  "bash scripts/verify.sh",
			Requires: []Condition{{Kind: CondFileExists, Path: "src/core.py"}},
		},
		WorkOrders: []WorkOrder{w1, w2},
	}
	StampVerifyExempt(m, NewFileState(nil))
	if !m.WorkOrders[0].VerifyExempt {
		t.Error("WO-01 runs before the contract is satisfiable, want exempt")
	}
	if m.WorkOrders[1].VerifyExempt {
		t.Error("WO-02 runs after src/core.py exists, want not exempt")
	}
}

func TestNormalizeDeduplicatesPreservingOrder(t *testing.T) {
	w := WorkOrder{
		ID:                 "WO-01",
		Title:              "t",
		Intent:             "i",
		AllowedFiles:       []string{"b.py", "./a.py", "a.py", "b.py"},
		AcceptanceCommands: []string{"pytest -q"},
	}
	w.Normalize()
	want := []string{"b.py", "a.py"}
	if len(w.AllowedFiles) != len(want) {
		t.Fatalf("allowed = %v", w.AllowedFiles)
	}
	for i := range want {
		if w.AllowedFiles[i] != want[i] {
			t.Errorf("allowed[%d] = %q, want %q", i, w.AllowedFiles[i], want[i])
		}
	}
}
