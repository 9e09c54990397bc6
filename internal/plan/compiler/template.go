package compiler

import (
	"fmt"
	"strings"
)

// Template placeholders. PRODUCT_SPEC is required; the optional slots are
// blanked when the caller supplies nothing for them.
const (
	slotProductSpec = "{{PRODUCT_SPEC}}"
	slotDoctrine    = "{{DOCTRINE}}"
	slotRepoHints   = "{{REPO_HINTS}}"
)

const defaultTemplate = `You are a planning compiler. Read the product specification below and emit
a JSON object with this exact shape:

{
  "system_overview": ["short bullet", "..."],
  "verify_contract": {"command": "bash scripts/verify.sh", "requires": [{"kind": "file_exists", "path": "..."}]},
  "work_orders": [
    {
      "id": "WO-01",
      "title": "...",
      "intent": "...",
      "allowed_files": ["..."],
      "forbidden": ["..."],
      "acceptance_commands": ["..."],
      "context_files": ["..."],
      "preconditions": [{"kind": "file_exists", "path": "..."}],
      "postconditions": [{"kind": "file_exists", "path": "..."}],
      "notes": "..."
    }
  ]
}

Rules:
- Work order ids are contiguous starting at WO-01.
- Paths are relative POSIX paths. No absolute paths, no .., no globs.
- Every allowed file must be the target of a postcondition, and every
  postcondition path must be an allowed file.
- Acceptance commands must be plain argv commands with no shell operators.
- Each work order's preconditions must hold given the repository's initial
  files plus all earlier work orders' postconditions.
- At most 10 context_files per work order.
- Output only the JSON object. No prose, no markdown fences.

` + slotDoctrine + `

PRODUCT SPECIFICATION:

` + slotProductSpec + `

` + slotRepoHints + `
`

// renderTemplate substitutes the product spec into the template. A template
// without the required slot is a caller error.
func renderTemplate(template, productSpec string) (string, error) {
	if !strings.Contains(template, slotProductSpec) {
		return "", fmt.Errorf("template does not contain %s", slotProductSpec)
	}
	out := strings.ReplaceAll(template, slotProductSpec, productSpec)
	out = strings.ReplaceAll(out, slotDoctrine, "")
	out = strings.ReplaceAll(out, slotRepoHints, "")
	return out, nil
}

// revisionPrompt asks the model to correct a rejected plan: the structured
// findings, the previous response verbatim, and the original spec.
func revisionPrompt(findings []string, previousResponse, productSpec string) string {
	var sb strings.Builder
	sb.WriteString("Your previous plan was rejected by the validator. ")
	sb.WriteString("Correct the errors below and return the full corrected JSON object. ")
	sb.WriteString("Output only JSON, no markdown fences.\n\nVALIDATION ERRORS:\n")
	for _, f := range findings {
		sb.WriteString("- " + f + "\n")
	}
	sb.WriteString("\nYOUR PREVIOUS RESPONSE:\n")
	sb.WriteString(previousResponse)
	sb.WriteString("\n\nORIGINAL PRODUCT SPECIFICATION:\n")
	sb.WriteString(productSpec)
	return sb.String()
}
