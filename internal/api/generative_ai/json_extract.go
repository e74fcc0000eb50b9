package generativeAI

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

// ExtractJSON returns the first balanced span opened by open ('[' or '{')
// that is valid JSON. Models like to wrap their answer in commentary or
// markdown fences, so the surrounding text is ignored.
func ExtractJSON(text string, open byte) (string, error) {
	var closing byte
	switch open {
	case '[':
		closing = ']'
	case '{':
		closing = '}'
	default:
		return "", fmt.Errorf("%w: unsupported delimiter %q", types.ErrParseFailure, open)
	}

	truncated := false
	for offset := 0; offset < len(text); {
		start := strings.IndexByte(text[offset:], open)
		if start < 0 {
			break
		}
		start += offset

		end := balancedEnd(text, start, open, closing)
		if end < 0 {
			truncated = true
		} else if candidate := text[start : end+1]; json.Valid([]byte(candidate)) {
			return candidate, nil
		}
		offset = start + 1
	}
	if truncated {
		return "", fmt.Errorf("%w: unbalanced %q in response, output looks truncated", types.ErrParseFailure, open)
	}
	return "", fmt.Errorf("%w: no JSON %q found in response", types.ErrParseFailure, open)
}

// DecodeJSON extracts the first span opened by open and unmarshals it into dst.
func DecodeJSON(text string, open byte, dst any) error {
	span, err := ExtractJSON(text, open)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(span), dst); err != nil {
		return fmt.Errorf("%w: %w", types.ErrParseFailure, err)
	}
	return nil
}

// balancedEnd returns the index of the delimiter closing text[start], or -1.
// Delimiters inside JSON strings are skipped.
func balancedEnd(text string, start int, open, closing byte) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
