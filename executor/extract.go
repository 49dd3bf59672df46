package executor

import (
	"encoding/json"
	"strings"
)

// ToolCallRequest is one parsed tool invocation request from a model
// response: a tool name and its raw JSON arguments object.
type ToolCallRequest struct {
	Name      string
	Arguments json.RawMessage
}

// candidate is the decoding target for one scanned JSON object.
type candidate struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ExtractToolCalls scans free-form model text for well-formed objects of
// shape {"name": "...", "arguments": {...}}, tolerating code fences around
// the JSON, trailing prose before/after it, and unescaped quotes inside a
// "code" string argument (a common local-model malformation when the model
// emits a shell/Python snippet as a raw string). It generalizes the
// teacher's shape-discriminated part decoder from structured Part unions to
// scanning arbitrary response text for an unknown number of embedded calls.
func ExtractToolCalls(text string) []ToolCallRequest {
	var calls []ToolCallRequest
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		c, end, ok := tryExtractAt(text, i)
		if !ok {
			continue
		}
		calls = append(calls, ToolCallRequest{Name: c.Name, Arguments: c.Arguments})
		i = end
	}
	return calls
}

// tryExtractAt attempts both the quote-aware and the quote-agnostic brace
// match starting at i, since a stray unescaped quote can make the
// quote-aware scan return a well-formed but wrong (too-short) span.
func tryExtractAt(text string, i int) (candidate, int, bool) {
	for _, end := range []int{matchBraceQuoteAware(text, i), matchBraceRaw(text, i)} {
		if end < 0 {
			continue
		}
		span := text[i : end+1]
		if !strings.Contains(span, `"name"`) {
			continue
		}
		if c, ok := parseCandidate(span); ok {
			return c, end, true
		}
	}
	return candidate{}, 0, false
}

func parseCandidate(span string) (candidate, bool) {
	var c candidate
	if err := json.Unmarshal([]byte(span), &c); err == nil && c.Name != "" {
		return c, true
	}
	repaired := repairUnescapedCodeField(span)
	if err := json.Unmarshal([]byte(repaired), &c); err == nil && c.Name != "" {
		return c, true
	}
	return candidate{}, false
}

// matchBraceQuoteAware finds the index of the brace matching the one at
// start, treating double-quoted runs (respecting backslash escapes) as
// opaque so braces inside string values never affect depth. Returns -1 if
// the text ends before depth returns to zero.
func matchBraceQuoteAware(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// matchBraceRaw is the tolerant fallback: it counts braces only, ignoring
// quotes entirely, so a stray unescaped quote inside a code argument cannot
// desynchronize the scan.
func matchBraceRaw(text string, start int) int {
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// repairUnescapedCodeField heuristically escapes bare quotes and backslashes
// inside a trailing "code" string value, assuming code is the last key in
// its enclosing object (true for every planner/catalogue prompt template in
// this engine).
func repairUnescapedCodeField(span string) string {
	idx := strings.Index(span, `"code"`)
	if idx < 0 {
		return span
	}
	colon := strings.IndexByte(span[idx:], ':')
	if colon < 0 {
		return span
	}
	valueStart := idx + colon + 1
	for valueStart < len(span) && (span[valueStart] == ' ' || span[valueStart] == '\t' || span[valueStart] == '\n' || span[valueStart] == '\r') {
		valueStart++
	}
	if valueStart >= len(span) || span[valueStart] != '"' {
		return span
	}
	contentStart := valueStart + 1

	end := len(span)
	for end > 0 && (span[end-1] == '}' || span[end-1] == ' ' || span[end-1] == '\n' || span[end-1] == '\t' || span[end-1] == '\r') {
		end--
	}
	if end <= contentStart || span[end-1] != '"' {
		return span
	}
	contentEnd := end - 1

	escaped := escapeBareQuotes(span[contentStart:contentEnd])
	return span[:contentStart] + escaped + span[contentEnd:]
}

func escapeBareQuotes(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' && (i == 0 || s[i-1] != '\\') {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
