package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned by ExtractJSON when the text contains no JSON object.
var ErrNoJSON = errors.New("no JSON object found in response")

// ExtractJSON decodes the first JSON object in content into v. Models often
// wrap JSON in prose or markdown fences even in JSON mode.
func ExtractJSON(content string, v any) error {
	text := strings.TrimSpace(content)
	text = stripFence(text)

	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return ErrNoJSON
	}
	end := matchingBrace(text, start)
	if end < 0 {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("failed to decode JSON from response: %w", err)
	}
	return nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// matchingBrace returns the index of the brace closing the object that opens
// at start, honoring strings and escapes, or -1.
func matchingBrace(s string, start int) int {
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
