package stream

import (
	"log/slog"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// maxPendingBytes bounds the pending buffer. If a held candidate never
// completes before the limit, it is handed to best-effort recovery and the
// buffer is cleared; nothing before the limit is ever discarded.
const maxPendingBytes = 1 << 20

// Decoder turns the raw byte stream of one agent run into an ordered
// sequence of events. One Decoder per run; not safe for concurrent use
// (the supervisor delivers output chunks strictly in order).
type Decoder struct {
	pending         string
	recoveryCounter int
	placeholderSent bool
}

// NewDecoder creates a decoder with empty state.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes the next chunk of raw process output and returns the
// events decoded so far, in source order. Incomplete trailing objects are
// retained and completed by later chunks at any byte offset.
func (d *Decoder) Feed(chunk []byte) []Event {
	buf := d.pending + string(chunk)
	d.pending = ""

	// A chunk may end mid escape sequence; hold the partial sequence back
	// so ansi.Strip sees it whole next time.
	buf, held := splitTrailingEscape(buf)
	buf = ansi.Strip(buf)
	buf = strings.TrimLeft(buf, "\x00\x01\x02\x03\x04\x05\x06\x07\x08\v\f\x0e\x0f\r")

	events, leftover := d.extract(buf)
	d.pending = leftover + held

	if len(d.pending) > maxPendingBytes {
		events = append(events, d.salvagePending()...)
	}

	d.maybeEmitPlaceholder(&events)
	if strings.TrimSpace(d.pending) == "" {
		d.placeholderSent = false
	}
	return events
}

// extract walks the buffer emitting narrative text and candidate objects
// in order. The returned leftover is the unterminated tail (always a
// prefix-of-object or partial line), never discarded.
func (d *Decoder) extract(buf string) ([]Event, string) {
	var events []Event
	rest := buf

	for rest != "" {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			d.flushText(&events, rest)
			return events, ""
		}

		// Narrative before the object start.
		d.flushText(&events, rest[:start])

		span, consumed, complete := scanObject(rest[start:])
		if !complete {
			return events, rest[start:]
		}

		evs, pushBack := d.decodeCandidate(span)
		if pushBack {
			// The object merely continues in the next chunk even though
			// braces looked balanced (a stray brace inside a corrupted
			// string). Hold the candidate and everything after it.
			return events, rest[start:]
		}
		events = append(events, evs...)
		rest = rest[start+consumed:]
	}
	return events, ""
}

// flushText emits a narrative fragment, dropping fragments that are only
// whitespace or line-drawing noise.
func (d *Decoder) flushText(events *[]Event, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	*events = append(*events, Event{Text: text})
}

// decodeCandidate runs the repair chain over one candidate object string.
// pushBack is true when parsing failed with an unexpected-end error,
// meaning the object continues in a later chunk.
func (d *Decoder) decodeCandidate(candidate string) ([]Event, bool) {
	obj, err := repairParse(candidate)
	if err == nil {
		if ev, ok := normalizeObject(obj); ok {
			return []Event{ev}, false
		}
		return nil, false
	}
	if isUnexpectedEnd(err) {
		return nil, true
	}

	// Both recoveries are independent: a degraded tool event and/or a
	// bare text value can each surface from the same broken candidate.
	var events []Event
	if tool := recoverToolEvent(candidate, d.nextRecoveryID); tool != nil {
		events = append(events, Event{Tool: tool})
	}
	if text := recoverTextValue(candidate); text != "" {
		events = append(events, Event{Text: text})
	}
	if events == nil {
		slog.Debug("stream: dropping unrecoverable candidate", "bytes", len(candidate))
	}
	return events, false
}

// salvagePending force-recovers an over-long pending buffer.
func (d *Decoder) salvagePending() []Event {
	candidate := d.pending
	d.pending = ""
	var events []Event
	if tool := recoverToolEvent(candidate, d.nextRecoveryID); tool != nil {
		events = append(events, Event{Tool: tool})
	}
	if text := recoverTextValue(candidate); text != "" {
		events = append(events, Event{Text: text})
	}
	return events
}

// maybeEmitPlaceholder surfaces an early pending ToolEvent for a held
// incomplete tool call, once per pending buffer, so a long-arriving call
// does not leave the client blind. Only fires when a real call id and tool
// name are already visible in the fragment.
func (d *Decoder) maybeEmitPlaceholder(events *[]Event) {
	if d.placeholderSent || !looksLikeObjectStart(d.pending) {
		return
	}
	tool := recoverToolEvent(d.pending, nil)
	if tool == nil || tool.CallID == "" || strings.HasPrefix(tool.CallID, "recovered-") {
		return
	}
	tool.Pending = true
	// The call is intact, just not fully arrived; it was not rebuilt from
	// a broken object, so it must not read as a recovery.
	tool.Recovered = false
	*events = append(*events, Event{Tool: tool})
	d.placeholderSent = true
}

func (d *Decoder) nextRecoveryID() string {
	d.recoveryCounter++
	return recoveredCallID(d.recoveryCounter)
}

// scanObject scans a buffer beginning at '{' for the matching top-level
// close brace. It tracks single- and double-quoted runs and backslash
// escapes so braces inside string values never affect depth. Returns the
// span, the bytes consumed, and whether the object terminated.
func scanObject(buf string) (span string, consumed int, complete bool) {
	depth := 0
	var quote byte
	escaped := false

	for i := 0; i < len(buf); i++ {
		c := buf[i]
		if quote != 0 {
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
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return buf[:i+1], i + 1, true
			}
		}
	}
	return buf, len(buf), false
}

// looksLikeObjectStart reports whether the fragment begins (after space)
// with an opening brace.
func looksLikeObjectStart(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "{")
}

// splitTrailingEscape splits off an unterminated escape sequence at the end
// of the buffer, if present, so it can be completed by the next chunk.
func splitTrailingEscape(buf string) (string, string) {
	esc := strings.LastIndexByte(buf, 0x1b)
	if esc < 0 {
		return buf, ""
	}
	// Terminated CSI/OSC sequences end with a byte in @-~ (0x40-0x7e)
	// after the introducer; if any such final byte exists the sequence is
	// complete and nothing needs holding.
	tail := buf[esc:]
	if len(tail) >= 3 {
		for i := 2; i < len(tail); i++ {
			if tail[i] >= 0x40 && tail[i] <= 0x7e {
				return buf, ""
			}
		}
	} else if len(tail) == 2 && tail[1] >= 0x40 && tail[1] <= 0x5f && tail[1] != '[' && tail[1] != ']' {
		// Two-byte sequence like ESC c is already complete.
		return buf, ""
	}
	return buf[:esc], tail
}
