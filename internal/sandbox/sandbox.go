// Package sandbox provides pure, stateless safety checks for shell commands
// proposed by the agent process. IsAllowed is a syntactic allowlist check,
// AttemptsEscape is a semantic working-directory containment check, and
// IsKillAllCommand blocks process-wide kill patterns. The three checks are
// independent so callers can report precise rejection reasons.
package sandbox

import (
	"path/filepath"
	"regexp"
	"strings"
)

// allowedExecutables is the fixed set of programs the agent may invoke
// directly. Package managers, version control, and harmless no-ops only.
var allowedExecutables = map[string]struct{}{
	"npm":   {},
	"npx":   {},
	"pnpm":  {},
	"yarn":  {},
	"bun":   {},
	"bunx":  {},
	"node":  {},
	"git":   {},
	"echo":  {},
	"true":  {},
	"cd":    {},
	"ls":    {},
	"cat":   {},
	"mkdir": {},
	"touch": {},
}

// killAllPatterns match commands that would terminate every process of a
// kind on the machine, including the host application itself.
var killAllPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bkillall\b`),
	regexp.MustCompile(`(?i)\bpkill\b`),
	regexp.MustCompile(`(?i)\btaskkill\b.*\/(im|f)\b`),
	regexp.MustCompile(`(?i)\bkill\s+-9\s+-1\b`),
}

// IsAllowed reports whether every segment of the command starts with an
// allowlisted executable. Segments are split on ";" and "&&"; pipes and
// subshells inside a segment are not interpreted, only the leading token
// is checked.
func IsAllowed(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}

	for _, segment := range splitSegments(command) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}

		executable := strings.ToLower(fields[0])
		executable = strings.TrimSuffix(executable, ".exe")
		executable = strings.TrimSuffix(executable, ".cmd")
		executable = strings.TrimSuffix(executable, ".bat")

		if _, ok := allowedExecutables[executable]; !ok {
			return false
		}

		if executable == "cd" && !isSafeChdir(fields[1:]) {
			return false
		}
	}
	return true
}

// AttemptsEscape reports whether any "cd" segment of the command would move
// the effective working directory outside projectRoot. It tracks the working
// directory across segments so chained relative moves are resolved against
// where the previous segment left off.
func AttemptsEscape(command, projectRoot string) bool {
	root := filepath.Clean(projectRoot)
	current := root

	for _, segment := range splitSegments(command) {
		fields := strings.Fields(segment)
		if len(fields) == 0 || strings.ToLower(fields[0]) != "cd" {
			continue
		}
		if len(fields) < 2 {
			// Bare "cd" goes to $HOME, which is outside the workspace.
			return true
		}

		target := stripQuotes(fields[1])
		if target == "" {
			return true
		}

		// Absolute targets are always escapes: the agent addresses the
		// workspace relatively, and "cd /" must fail even when the
		// project root is "/" itself.
		if filepath.IsAbs(target) || isDriveRooted(target) {
			return true
		}

		resolved := filepath.Clean(filepath.Join(current, target))
		if !isWithin(root, resolved) {
			return true
		}
		current = resolved
	}
	return false
}

// IsKillAllCommand reports whether the command matches a known pattern for
// terminating every process of a kind on the host.
func IsKillAllCommand(command string) bool {
	for _, pattern := range killAllPatterns {
		if pattern.MatchString(command) {
			return true
		}
	}
	return false
}

// splitSegments splits a command on ";" and "&&" separators.
func splitSegments(command string) []string {
	var segments []string
	for _, part := range strings.Split(command, ";") {
		for _, sub := range strings.Split(part, "&&") {
			sub = strings.TrimSpace(sub)
			if sub != "" {
				segments = append(segments, sub)
			}
		}
	}
	return segments
}

// isSafeChdir validates the argument of a "cd" segment syntactically:
// non-empty, relative, and free of parent traversal. "." is trivially fine.
func isSafeChdir(args []string) bool {
	if len(args) == 0 {
		return false
	}
	target := stripQuotes(args[0])
	if target == "" {
		return false
	}
	if target == "." {
		return true
	}
	if filepath.IsAbs(target) || isDriveRooted(target) {
		return false
	}
	for _, part := range strings.FieldsFunc(target, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return false
		}
	}
	return true
}

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = s[1 : len(s)-1]
		}
	}
	return strings.TrimSpace(s)
}

// isDriveRooted reports whether the path starts with a Windows drive prefix
// such as "C:\" or "C:/".
func isDriveRooted(path string) bool {
	return len(path) >= 3 && path[1] == ':' && (path[2] == '\\' || path[2] == '/')
}

// isWithin reports whether path is root itself or contained inside it.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
