package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// simpleObjectRe matches a flat object literal with no nested braces, the
// last-resort shape models produce when they wrap JSON in commentary.
var simpleObjectRe = regexp.MustCompile(`\{[^{}]*\}`)

// repairJSON takes raw model output and returns the first valid JSON value
// it can recover. Strategies run in order: strict parse, fenced-block strip,
// outermost balanced braces, simple object literal.
func repairJSON(raw string) (json.RawMessage, error) {
	candidates := []string{strings.TrimSpace(raw)}

	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if braced := outermostObject(raw); braced != "" {
		candidates = append(candidates, braced)
	}
	if m := simpleObjectRe.FindString(raw); m != "" {
		candidates = append(candidates, m)
	}

	for _, cand := range candidates {
		if cand == "" {
			continue
		}
		if json.Valid([]byte(cand)) {
			return json.RawMessage(cand), nil
		}
	}
	return nil, fmt.Errorf("no valid JSON in model output")
}

// outermostObject extracts the first balanced {...} span, counting braces
// while skipping string contents and escape sequences.
func outermostObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

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
				return s[start : i+1]
			}
		}
	}
	return ""
}
