package agos

import (
	"encoding/json"
	"strings"
)

// ExtractJSON parses a JSON object out of LLM output into v. It
// tolerates the usual failure shapes: markdown code fences around the
// object, prose before or after it, and truncated output. Returns false
// when no parseable object could be recovered.
func ExtractJSON(s string, v any) bool {
	s = stripFences(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return false
	}
	end := strings.LastIndexByte(s, '}')
	if end > start {
		if json.Unmarshal([]byte(s[start:end+1]), v) == nil {
			return true
		}
	}

	// Truncated output: try successively aggressive repairs.
	frag := s[start:]
	for _, candidate := range []string{
		repairBraces(frag),
		repairBraces(trimAfterLast(frag, ',')),
		repairBraces(trimAfterLast(frag, '"')),
	} {
		if candidate == "" {
			continue
		}
		if json.Unmarshal([]byte(candidate), v) == nil {
			return true
		}
	}
	return false
}

// stripFences removes markdown code fences (``` or ```json) wrapping
// the payload.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// repairBraces appends the closing braces/brackets a truncated JSON
// object is missing, ignoring structural characters inside strings.
func repairBraces(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, c)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}

// trimAfterLast cuts s after the last occurrence of c, dropping a
// trailing partial key or value.
func trimAfterLast(s string, c byte) string {
	i := strings.LastIndexByte(s, c)
	if i <= 0 {
		return ""
	}
	if c == ',' {
		return s[:i] // drop the comma itself
	}
	return s[:i+1]
}
