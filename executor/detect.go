package executor

import (
	"strings"
	"unicode"
)

// minUsableText is MIN_TEXT from §4.7: a non-thinking remainder shorter than
// this with no tool call and no artifact block is treated as thinking-only.
const minUsableText = 50

// quality classifies one model response for the empty/thinking-only/corrupt
// detectors. The zero value (no flag set) means the response is usable as-is.
type quality struct {
	empty        bool
	thinkingOnly bool
	corruptLang  bool
}

// classifyResponse runs the three single-response detectors. hasToolCall
// reports whether the response carried any parsed tool call (native or
// extracted), since a corrupt/thinking-only response that nonetheless
// triggered a tool call should be treated as usable.
func classifyResponse(text string, hasToolCall bool) quality {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return quality{empty: true}
	}

	remainder := strings.TrimSpace(stripThinkingSpans(stripped))
	if remainder == "" && !hasToolCall {
		return quality{thinkingOnly: true}
	}
	if len(remainder) < minUsableText && !hasToolCall && !strings.Contains(remainder, "```artifact:") {
		return quality{thinkingOnly: true}
	}

	if !hasToolCall {
		r := firstRune(stripped)
		if r != 0 && r > unicode.MaxASCII {
			return quality{corruptLang: true}
		}
	}
	return quality{}
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

// stripThinkingSpans removes every <think>...</think> span (including
// unterminated trailing ones) from s.
func stripThinkingSpans(s string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "<think>")
		if start < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		rest := s[start+len("<think>"):]
		end := strings.Index(rest, "</think>")
		if end < 0 {
			s = ""
			break
		}
		s = rest[end+len("</think>"):]
	}
	return b.String()
}

// consecutiveEmptyTracker counts back-to-back empty responses across
// AgentExecutor loop iterations, per task.
type consecutiveEmptyTracker struct {
	count int
}

// Observe records one iteration's empty verdict and reports whether two
// consecutive empties have now occurred (the forced-termination threshold).
func (t *consecutiveEmptyTracker) Observe(empty bool) bool {
	if !empty {
		t.count = 0
		return false
	}
	t.count++
	return t.count >= 2
}
