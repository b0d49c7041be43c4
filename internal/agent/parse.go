package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

var importanceRe = regexp.MustCompile(`\b(10|[1-9])\b`)

// ParseImportance reads the first rating between 1 and 10 from an LLM
// answer. Anything unparseable rates as 1.
func ParseImportance(s string) int {
	m := importanceRe.FindStringSubmatch(s)
	if m == nil {
		return 1
	}
	if m[1] == "10" {
		return 10
	}
	return int(m[1][0] - '0')
}

// ParseBool reads a true/false answer. Anything else is false.
func ParseBool(s string) bool {
	s = strings.ToLower(strings.Trim(strings.TrimSpace(s), "\"'`.!"))
	return s == "true"
}

// ExtractJSON returns the first balanced JSON object in s, tolerating code
// fences and surrounding prose.
func ExtractJSON(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > 0 {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing s[start], skipping
// braces inside strings, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
