package normalize

import (
	"regexp"
	"strings"
)

var (
	unquotedKey   = regexp.MustCompile(`([\{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// RepairJSON applies a best-effort pass over model-emitted JSON, fixing
// the common slips: unquoted keys, trailing commas, and unbalanced
// brackets. The result is not guaranteed valid; callers must re-validate.
func RepairJSON(text string) string {
	s := strings.TrimSpace(text)

	// Trim prose before the first opening bracket and after the last
	// closing one.
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	if i := strings.LastIndexAny(s, "}]"); i >= 0 && i < len(s)-1 {
		s = s[:i+1]
	}

	s = unquotedKey.ReplaceAllString(s, `$1"$2":`)
	s = trailingComma.ReplaceAllString(s, `$1`)
	s = closeBrackets(s)
	return s
}

// closeBrackets appends the closers an abruptly truncated payload is
// missing, ignoring brackets inside string literals.
func closeBrackets(s string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{' || c == '[':
			stack = append(stack, c)
		case c == '}' || c == ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}
