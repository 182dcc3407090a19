package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// LLM responses that should be JSON routinely arrive wrapped in markdown
// fences, as several top-level objects glued together, or buried in prose.
// The salvager recovers a parseable document or reports defeat.

var objectBoundary = regexp.MustCompile(`\}\s*\{`)

// SalvageJSON extracts a valid JSON document from a raw LLM response.
// Recovery order: strip code fences and parse as-is; splice adjacent
// top-level objects into an array; finally scan out every balanced
// object and keep the ones that parse.
func SalvageJSON(raw string) (string, error) {
	s := strings.TrimSpace(stripCodeFences(raw))
	if s == "" {
		return "", fmt.Errorf("empty response")
	}

	if json.Valid([]byte(s)) {
		return s, nil
	}

	// Multiple top-level objects: "{...} {...}" -> "[{...},{...}]"
	if objectBoundary.MatchString(s) {
		spliced := "[" + objectBoundary.ReplaceAllString(s, "},{") + "]"
		if json.Valid([]byte(spliced)) {
			return spliced, nil
		}
	}

	// Last resort: collect every balanced {...} that parses on its own.
	candidates := extractObjects(s)
	valid := candidates[:0]
	for _, c := range candidates {
		if json.Valid([]byte(c)) {
			valid = append(valid, c)
		}
	}
	switch len(valid) {
	case 0:
		return "", fmt.Errorf("no valid JSON found in response")
	case 1:
		return valid[0], nil
	default:
		return "[" + strings.Join(valid, ",") + "]", nil
	}
}

// SalvageArray is SalvageJSON with the result normalized to an array.
// A lone object is wrapped so callers can always unmarshal into a slice.
func SalvageArray(raw string) (string, error) {
	s, err := SalvageJSON(raw)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(s, "[") {
		return s, nil
	}
	return "[" + s + "]", nil
}

// stripCodeFences removes markdown code fence wrapping.
// Handles ```json, ```, and variations with language specifiers.
func stripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)

	if strings.HasPrefix(trimmed, "```") {
		firstNewline := strings.Index(trimmed, "\n")
		if firstNewline != -1 {
			lastFence := strings.LastIndex(trimmed, "```")
			if lastFence > firstNewline {
				return strings.TrimSpace(trimmed[firstNewline+1 : lastFence])
			}
		}
	}

	return s
}

// extractObjects returns every balanced top-level {...} span in s.
// Braces inside JSON strings are skipped.
func extractObjects(s string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}
