package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON means no parseable JSON region was found in the model output.
var ErrNoJSON = errors.New("no JSON found in model output")

// ExtractJSON recovers a JSON document from raw model output. Three
// strategies, in order: direct parse, fenced ```json block, first balanced
// object or array region. Returns the recovered JSON text.
func ExtractJSON(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrNoJSON
	}

	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	if fenced, ok := extractFenced(trimmed); ok && json.Valid([]byte(fenced)) {
		return fenced, nil
	}

	if region, ok := extractBalanced(trimmed); ok && json.Valid([]byte(region)) {
		return region, nil
	}

	return "", ErrNoJSON
}

// ParseInto extracts JSON from raw model output and unmarshals it into target.
func ParseInto(raw string, target interface{}) error {
	doc, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(doc), target)
}

// extractFenced returns the contents of the first ``` fence, preferring a
// ```json-tagged one.
func extractFenced(s string) (string, bool) {
	for _, tag := range []string{"```json", "```"} {
		start := strings.Index(s, tag)
		if start < 0 {
			continue
		}
		rest := s[start+len(tag):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(rest[:end]), true
	}
	return "", false
}

// extractBalanced returns the first balanced {...} or [...] region,
// respecting string literals and escapes.
func extractBalanced(s string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			start, open, close = i, '{', '}'
			break
		}
		if s[i] == '[' {
			start, open, close = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
