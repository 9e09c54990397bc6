// Package pathsafe contains the path normalization and command tokenization
// primitives every other component routes file paths and acceptance commands
// through. Nothing touches the filesystem from here.
package pathsafe

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Normalize maps a candidate relative path to canonical POSIX form:
// backslashes become "/", leading "./" is dropped, "." segments collapse,
// and interior ".." segments resolve only when doing so does not escape the
// root. The result preserves case.
//
// It fails for absolute paths, drive-letter prefixes, empty strings, paths
// that normalize to "." or start with "..", NUL bytes, control characters,
// and the glob metacharacters * ? [.
func Normalize(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	for _, r := range p {
		if r == 0 {
			return "", fmt.Errorf("path contains NUL byte")
		}
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("path contains control character: %q", p)
		}
	}
	if strings.ContainsAny(p, "*?[") {
		return "", fmt.Errorf("path contains glob metacharacter: %q", p)
	}
	s := strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("absolute path not allowed: %q", p)
	}
	if len(s) >= 2 && s[1] == ':' && isASCIIAlpha(s[0]) {
		return "", fmt.Errorf("drive-letter path not allowed: %q", p)
	}

	var out []string
	for _, seg := range strings.Split(s, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return "", fmt.Errorf("path escapes root: %q", p)
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "", fmt.Errorf("path normalizes to %q: %q", ".", p)
	}
	return strings.Join(out, "/"), nil
}

// SafeJoin returns base/rel only after Normalize proves rel cannot traverse
// outside base. The returned path uses the host separator.
func SafeJoin(base, rel string) (string, error) {
	norm, err := Normalize(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, filepath.FromSlash(norm)), nil
}

// HasGlobMeta reports whether s contains any of the glob metacharacters the
// work-order schema forbids in file lists.
func HasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func isASCIIAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
