// Package sanitize validates externally supplied repo coordinates and redacts
// credentials from text before it is persisted or returned to callers.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	repoURLRe = regexp.MustCompile(`^https://github\.com/[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+(\.git)?$`)

	bearerRe      = regexp.MustCompile(`(?i)authorization:\s*bearer\s+\S+`)
	accessTokenRe = regexp.MustCompile(`x-access-token:[^@\s]+@`)
	queryTokenRe  = regexp.MustCompile(`(?i)([?&]token=)[^&\s]+`)
	hexTokenRe    = regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`)
	base64TokenRe = regexp.MustCompile(`\b[A-Za-z0-9+/_-]{40,}={0,2}\b`)
)

// RepoURL accepts only https://github.com/<org>/<repo>(.git)?.
func RepoURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("repo URL is empty")
	}
	if !repoURLRe.MatchString(raw) {
		return fmt.Errorf("repo URL must match https://github.com/<org>/<repo>(.git)?: %q", raw)
	}
	return nil
}

// Ref enforces a strict subset of git-check-ref-format: no "..", no spaces,
// no control characters, no leading "-", at most 250 chars.
func Ref(raw string) error {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return fmt.Errorf("ref is empty")
	}
	if len(ref) > 250 {
		return fmt.Errorf("ref exceeds 250 chars")
	}
	if strings.HasPrefix(ref, "-") {
		return fmt.Errorf("ref must not start with '-': %q", ref)
	}
	if strings.Contains(ref, "..") {
		return fmt.Errorf("ref must not contain '..': %q", ref)
	}
	for _, r := range ref {
		if r <= 0x20 || r == 0x7f {
			return fmt.Errorf("ref contains whitespace or control character: %q", ref)
		}
		switch r {
		case '~', '^', '?', '*', '[', '\\':
			return fmt.Errorf("ref contains forbidden character %q: %q", r, ref)
		}
	}
	return nil
}

// BranchName applies the Ref grammar and additionally forbids ':'.
func BranchName(raw string) error {
	if err := Ref(raw); err != nil {
		return err
	}
	if strings.Contains(raw, ":") {
		return fmt.Errorf("branch name must not contain ':': %q", raw)
	}
	return nil
}

// Redact masks credentials in command output before it leaves the worker:
// Authorization bearer headers, x-access-token URL userinfo, token query
// parameters, and generic long hex/base64 tokens.
func Redact(s string) string {
	s = bearerRe.ReplaceAllString(s, "Authorization: Bearer [REDACTED]")
	s = accessTokenRe.ReplaceAllString(s, "x-access-token:[REDACTED]@")
	s = queryTokenRe.ReplaceAllString(s, "${1}[REDACTED]")
	s = hexTokenRe.ReplaceAllString(s, "[REDACTED]")
	s = base64TokenRe.ReplaceAllStringFunc(s, func(m string) string {
		// Long hex already handled; avoid mangling e.g. file paths by
		// requiring at least one digit and one letter.
		hasDigit, hasAlpha := false, false
		for _, r := range m {
			switch {
			case r >= '0' && r <= '9':
				hasDigit = true
			case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
				hasAlpha = true
			}
		}
		if hasDigit && hasAlpha {
			return "[REDACTED]"
		}
		return m
	})
	return s
}
