package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a model reply contains no balanced JSON object.
var ErrNoJSON = errors.New("no json object in model output")

// ExtractJSON returns the first balanced {...} object in content. Prose, code
// fences and anything after the object are ignored. Braces inside JSON string
// literals do not count toward the balance, and trailing commas before a
// closing ] or } are dropped. It returns "" when no object closes.
func ExtractJSON(content string) string {
	for start := strings.IndexByte(content, '{'); start >= 0; {
		if obj, ok := matchBrace(content, start); ok {
			return obj
		}
		next := strings.IndexByte(content[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return ""
}

// DecodeJSON extracts the first JSON object from content and unmarshals it into v.
func DecodeJSON(content string, v any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode model json: %w", err)
	}
	return nil
}

// matchBrace returns the object opened by the brace at start, without
// trailing commas. ok is false when the brace never closes.
func matchBrace(s string, start int) (obj string, ok bool) {
	var b strings.Builder
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
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
			b.WriteByte(ch)
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if j, ok := nextCloser(s, i+1); ok {
				i = j - 1
				continue
			}
		}
		b.WriteByte(ch)
		if depth == 0 {
			return b.String(), true
		}
	}
	return "", false
}

// nextCloser returns the index of the next non-space byte from i when it
// closes an object or array.
func nextCloser(s string, i int) (int, bool) {
	for ; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case '}', ']':
			return i, true
		}
		return 0, false
	}
	return 0, false
}
