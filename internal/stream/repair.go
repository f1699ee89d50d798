package stream

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
)

// repairParse attempts to parse a candidate object string, applying
// progressively more aggressive repairs. It stops at the first success.
// On total failure the returned error is the strict-parse error, so the
// caller can distinguish a truncated object from a structurally broken one.
//
// The repair chain is a compatibility shim pinned to observed upstream
// corruption (bare arrays as object members, adjacent string literals,
// wrap-injected newlines, single-quoted strings, raw control bytes). It is
// deliberately isolated here so it can be dropped wholesale if the
// upstream format stabilizes.
func repairParse(candidate string) (map[string]any, error) {
	var obj map[string]any

	strictErr := json.Unmarshal([]byte(candidate), &obj)
	if strictErr == nil {
		return obj, nil
	}

	// Structural shape fixer for upstream-specific malformations.
	fixed := fixStructuralShapes(candidate)
	if json.Unmarshal([]byte(fixed), &obj) == nil {
		return obj, nil
	}

	// General-purpose tolerant pass: comments, trailing commas.
	if json.Unmarshal(jsonc.ToJSON([]byte(fixed)), &obj) == nil {
		return obj, nil
	}

	// Control-character / quote sanitizer, then one more tolerant pass.
	sanitized := sanitizeCandidate(fixed)
	if json.Unmarshal([]byte(sanitized), &obj) == nil {
		return obj, nil
	}
	if json.Unmarshal(jsonc.ToJSON([]byte(sanitized)), &obj) == nil {
		return obj, nil
	}

	return nil, strictErr
}

// isUnexpectedEnd reports whether the parse error indicates the object
// merely continues in a later chunk.
func isUnexpectedEnd(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unexpected end of JSON input")
}

// wrapJoinPattern matches a value token, a wrap-injected newline, and a
// following delimiter. Terminal wrapping breaks lines at arbitrary points;
// rejoining value-then-delimiter restores the most common breakage.
var wrapJoinPattern = regexp.MustCompile(`("|\d|true|false|null|\]|\})\s*\n\s*(,|:|\]|\})`)

// numberJoinPattern matches a number split across a wrap-injected line
// break ({"a": 1\n2} -> {"a": 12}).
var numberJoinPattern = regexp.MustCompile(`(\d)[ \t]*\n[ \t]*(\d)`)

// fixStructuralShapes rewrites the structurally invalid JSON shapes the
// upstream agent is known to produce, without interpreting string content.
func fixStructuralShapes(s string) string {
	s = wrapJoinPattern.ReplaceAllString(s, "$1$2")
	s = numberJoinPattern.ReplaceAllString(s, "$1$2")
	s = insertMissingKeysAndCommas(s)
	return s
}

// insertMissingKeysAndCommas walks the candidate outside of string runs and
// repairs two shapes:
//
//   - an array value with no key directly inside an object
//     ({"a":1, [2,3]} -> {"a":1, "items": [2,3]})
//   - adjacent string literals with no separating comma when no comma or
//     colon follows ("a" "b" -> "a", "b")
func insertMissingKeysAndCommas(s string) string {
	var out strings.Builder
	out.Grow(len(s) + 16)

	var quote byte
	escaped := false
	// Track, per nesting level, whether we are inside an object ('{') or
	// array ('[') and whether the previous token at this level completed a
	// value (string close, digit, bracket close).
	type frame struct {
		container byte
		lastValue byte // 0, '"' for string, 'v' for other value
		expectKey bool
	}
	stack := []frame{{container: 0, expectKey: false}}
	top := func() *frame { return &stack[len(stack)-1] }

	for i := 0; i < len(s); i++ {
		c := s[i]

		if quote != 0 {
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case quote:
				quote = 0
			}
			continue
		}

		switch c {
		case '"', '\'':
			if top().lastValue == '"' && top().container != 0 && !top().expectKey {
				// Adjacent string literals with nothing between them.
				out.WriteString(", ")
			}
			if top().container == '{' && top().lastValue != 0 && top().expectKey {
				// A string value followed directly by another string in key
				// position without a comma.
				out.WriteString(", ")
			}
			quote = c
			top().lastValue = '"'
			out.WriteByte(c)
		case '{':
			stack = append(stack, frame{container: '{', expectKey: true})
			out.WriteByte(c)
		case '[':
			if top().container == '{' && top().expectKey && top().lastValue != 0 {
				// Bare array in object-member position: synthesize a key.
				out.WriteString(`"items": `)
				top().expectKey = false
			} else if top().container == '{' && top().expectKey && top().lastValue == 0 {
				out.WriteString(`"items": `)
				top().expectKey = false
			}
			stack = append(stack, frame{container: '['})
			out.WriteByte(c)
		case '}', ']':
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			top().lastValue = 'v'
			if top().container == '{' {
				top().expectKey = true
			}
			out.WriteByte(c)
		case ':':
			top().expectKey = false
			top().lastValue = 0
			out.WriteByte(c)
		case ',':
			top().lastValue = 0
			if top().container == '{' {
				top().expectKey = true
			}
			out.WriteByte(c)
		default:
			if c > ' ' {
				top().lastValue = 'v'
			}
			out.WriteByte(c)
		}
	}
	return out.String()
}

// sanitizeCandidate converts single-quoted strings to double-quoted,
// escapes raw control bytes inside strings, and drops trailing commas.
func sanitizeCandidate(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	var quote byte
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if quote != 0 {
			if escaped {
				escaped = false
				out.WriteByte(c)
				continue
			}
			switch {
			case c == '\\':
				escaped = true
				out.WriteByte(c)
			case c == quote:
				quote = 0
				out.WriteByte('"')
			case c == '"' && quote == '\'':
				// A double quote inside a single-quoted string must be
				// escaped once the delimiters are rewritten.
				out.WriteString(`\"`)
			case c == '\n':
				out.WriteString(`\n`)
			case c == '\r':
				out.WriteString(`\r`)
			case c == '\t':
				out.WriteString(`\t`)
			case c < 0x20:
				out.WriteString(`\u00`)
				const hex = "0123456789abcdef"
				out.WriteByte(hex[c>>4])
				out.WriteByte(hex[c&0xf])
			default:
				out.WriteByte(c)
			}
			continue
		}

		switch c {
		case '\'', '"':
			quote = c
			out.WriteByte('"')
		case ',':
			// Drop a trailing comma directly before a closing bracket.
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\r' || s[j] == '\t') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			out.WriteByte(c)
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}
