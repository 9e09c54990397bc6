package pathsafe

import (
	"fmt"
	"strings"
)

// shellOperators are the bare tokens that would require a shell to interpret.
// A command whose lexed argv contains one of these is rejected for execution;
// the same text inside quotes is a plain argument and passes.
var shellOperators = map[string]bool{
	"|": true, "||": true, "&&": true, ";": true,
	">": true, ">>": true, "<": true, "<<": true,
}

// SplitCommand parses a command string into an argv using POSIX shell lexing
// rules (quotes, escapes) without invoking a shell.
func SplitCommand(cmd string) ([]string, error) {
	var (
		argv    []string
		cur     strings.Builder
		started bool
	)
	flush := func() {
		if started {
			argv = append(argv, cur.String())
			cur.Reset()
			started = false
		}
	}
	i := 0
	for i < len(cmd) {
		c := cmd[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			flush()
			i++
		case c == '\'':
			started = true
			end := strings.IndexByte(cmd[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated single quote in command: %q", cmd)
			}
			cur.WriteString(cmd[i+1 : i+1+end])
			i += end + 2
		case c == '"':
			started = true
			i++
			for {
				if i >= len(cmd) {
					return nil, fmt.Errorf("unterminated double quote in command: %q", cmd)
				}
				c = cmd[i]
				if c == '"' {
					i++
					break
				}
				if c == '\\' && i+1 < len(cmd) {
					next := cmd[i+1]
					// POSIX: backslash in double quotes escapes only these.
					if next == '"' || next == '\\' || next == '$' || next == '`' {
						cur.WriteByte(next)
						i += 2
						continue
					}
				}
				cur.WriteByte(c)
				i++
			}
		case c == '\\':
			if i+1 >= len(cmd) {
				return nil, fmt.Errorf("trailing backslash in command: %q", cmd)
			}
			started = true
			cur.WriteByte(cmd[i+1])
			i += 2
		default:
			started = true
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return argv, nil
}

// RejectShellOperators returns the first bare shell-operator token in argv,
// or "" when the argv is safe to execute without a shell.
func RejectShellOperators(argv []string) string {
	for _, tok := range argv {
		if shellOperators[tok] {
			return tok
		}
	}
	return ""
}
