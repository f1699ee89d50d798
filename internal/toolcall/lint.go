package toolcall

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Known error-count report shapes, tried in order: eslint's problem
// summary, tsc's "Found N errors", and a generic "N error(s)".
var lintReportPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d+)\s+problems?\s*\((\d+)\s+errors?`),
	regexp.MustCompile(`Found\s+(\d+)\s+errors?`),
	regexp.MustCompile(`(\d+)\s+errors?\b`),
}

// parseLintReport extracts an error count from lint output. The second
// return value reports whether any known format matched.
func parseLintReport(output string) (int, bool) {
	for i, pattern := range lintReportPatterns {
		m := pattern.FindStringSubmatch(output)
		if m == nil {
			continue
		}
		// The eslint shape carries the error count in its second group.
		group := 1
		if i == 0 {
			group = 2
		}
		n, err := strconv.Atoi(m[group])
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

func (r *Router) lintCheck(ctx context.Context, dir string) ToolResult {
	lintCtx, cancel := context.WithTimeout(ctx, r.cfg.LintTimeout)
	defer cancel()

	cmd := exec.CommandContext(lintCtx, "sh", "-c", r.cfg.LintCommand)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := strings.TrimSpace(out.String())

	if lintCtx.Err() == context.DeadlineExceeded {
		return failure("lint timed out after %s", r.cfg.LintTimeout)
	}

	errorCount, parsed := parseLintReport(output)
	payload := map[string]any{
		"errorCount": errorCount,
		"parsed":     parsed,
	}

	if runErr == nil && errorCount == 0 {
		return ToolResult{Success: true, Output: "lint passed with no errors", Payload: payload}
	}

	summary := fmt.Sprintf("lint reported %d errors", errorCount)
	if !parsed {
		summary = "lint failed (could not parse an error count from the report)"
	}
	if output != "" {
		summary += "\n" + output
	}
	return ToolResult{Success: false, Output: summary, Error: summary, Payload: payload}
}
