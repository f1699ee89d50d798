package stream

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Best-effort recovery for candidates no repair could parse. These run
// direct pattern searches against the raw text so a degraded event can
// still surface instead of the call disappearing.

func quotedValuePattern(keys ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)['"](?:` + strings.Join(keys, "|") + `)['"]\s*:\s*['"]((?:[^'"\\]|\\.)*)['"]`)
}

var (
	recoverNamePattern    = quotedValuePattern("tool", "tool_name", "toolname", "name", "function")
	recoverCallIDPattern  = quotedValuePattern("callid", "call_id", "tool_call_id", "toolcallid", "id")
	recoverPathPattern    = quotedValuePattern("target_file", "targetfile", "path", "file_path", "filepath", "filename", "file")
	recoverCommandPattern = quotedValuePattern("command", "cmd", "script")
	recoverContentPattern = quotedValuePattern("content", "code_edit", "codeedit", "new_content")
	recoverTextPattern    = regexp.MustCompile(`"text"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// recoveredCallID formats a synthetic call id for recovered events whose
// real id could not be found.
func recoveredCallID(n int) string {
	return fmt.Sprintf("recovered-%d", n)
}

// recoverToolEvent extracts a degraded ToolEvent from raw candidate text.
// Returns nil unless at least a tool name is present. nextID supplies a
// synthetic call id when none can be found; a nil nextID means the caller
// only wants events with a real call id.
func recoverToolEvent(raw string, nextID func() string) *ToolEvent {
	name := firstMatch(recoverNamePattern, raw)
	if name == "" {
		return nil
	}

	ev := &ToolEvent{
		Name:      name,
		CallID:    firstMatch(recoverCallIDPattern, raw),
		Path:      firstMatch(recoverPathPattern, raw),
		Command:   firstMatch(recoverCommandPattern, raw),
		Content:   firstMatch(recoverContentPattern, raw),
		Pending:   true,
		Recovered: true,
	}
	if ev.CallID == "" {
		if nextID == nil {
			return nil
		}
		ev.CallID = nextID()
	}
	return ev
}

// recoverTextValue extracts a bare "text" value from raw candidate text so
// narrative prose is not silently lost.
func recoverTextValue(raw string) string {
	return firstMatch(recoverTextPattern, raw)
}

func firstMatch(pattern *regexp.Regexp, raw string) string {
	match := pattern.FindStringSubmatch(raw)
	if match == nil {
		return ""
	}
	return unescapeJSONString(match[1])
}

// unescapeJSONString undoes common JSON string escapes without requiring a
// valid document around the value.
func unescapeJSONString(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			out.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			out.WriteByte('\n')
		case 't':
			out.WriteByte('\t')
		case 'r':
			out.WriteByte('\r')
		case 'u':
			if i+4 < len(s) {
				if code, err := strconv.ParseUint(s[i+1:i+5], 16, 32); err == nil {
					out.WriteRune(rune(code))
					i += 4
					continue
				}
			}
			out.WriteByte('u')
		default:
			out.WriteByte(s[i])
		}
	}
	return out.String()
}
