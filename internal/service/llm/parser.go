package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON reports that no parseable JSON object could be located in a
// model reply. The gateway reacts by falling back to the provider's native
// structured-output mode.
var ErrNoJSON = errors.New("no JSON object found in reply")

// ExtractJSON locates a JSON object inside free-form model text. Candidates
// are tried in order: a fenced code block, the first brace-balanced object,
// then the whole reply. The first candidate that parses as an object wins.
func ExtractJSON(text string) (json.RawMessage, error) {
	candidates := []string{
		fencedBlock(text),
		firstObject(text),
		strings.TrimSpace(text),
	}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &probe); err == nil {
			return json.RawMessage(candidate), nil
		}
	}

	return nil, ErrNoJSON
}

// fencedBlock returns the body of the first ``` fence, tolerating an info
// string like "json" on the opening line. Empty if no complete fence exists.
func fencedBlock(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return ""
	}
	rest := s[start+3:]

	nl := strings.Index(rest, "\n")
	if nl == -1 {
		return ""
	}
	body := rest[nl+1:]

	end := strings.Index(body, "```")
	if end == -1 {
		return ""
	}

	return strings.TrimSpace(body[:end])
}

// firstObject returns the first brace-balanced {...} span, skipping braces
// inside JSON string literals. Empty if no balanced object exists.
func firstObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
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
