package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RepairPath names the parse stage that produced a usable object, for logging.
type RepairPath string

const (
	RepairStrict RepairPath = "strict"
	RepairBraces RepairPath = "braces"
	RepairNone   RepairPath = "none"
)

// StripFences removes a surrounding markdown code fence, with or without a
// language tag, and trims whitespace.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		first := strings.TrimSpace(s[:i])
		// drop a language tag like "json" on the fence line
		if first == "" || !strings.ContainsAny(first, "{}[]") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ExtractObject recovers a JSON object from raw model output. It strips code
// fences, then tries a strict parse, then scans for the first balanced object
// starting at the first '{'. The returned path tells the caller which stage
// succeeded.
func ExtractObject(raw string) (json.RawMessage, RepairPath, error) {
	cleaned := StripFences(raw)
	if cleaned == "" {
		return nil, RepairNone, fmt.Errorf("llm: empty output")
	}

	if json.Valid([]byte(cleaned)) && strings.HasPrefix(strings.TrimSpace(cleaned), "{") {
		return json.RawMessage(cleaned), RepairStrict, nil
	}

	if obj, ok := balancedObject(cleaned); ok && json.Valid([]byte(obj)) {
		return json.RawMessage(obj), RepairBraces, nil
	}

	return nil, RepairNone, fmt.Errorf("llm: no JSON object in output")
}

// balancedObject returns the substring from the first '{' to its matching
// closing brace, tracking string literals and escapes.
func balancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
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
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
