// Package jsonx pulls a JSON object out of free-form model output.
package jsonx

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Kind tags an extraction result.
type Kind int

const (
	Unstructured Kind = iota
	Structured
)

func (k Kind) String() string {
	if k == Structured {
		return "structured"
	}
	return "unstructured"
}

// ErrUnstructured is returned by Decode on an Unstructured result.
var ErrUnstructured = errors.New("jsonx: no structured payload")

// Result is either Structured (Object/JSON hold the parsed object) or Unstructured, in
// which case callers fall back to Raw.
type Result struct {
	Kind     Kind
	Raw      string
	JSON     json.RawMessage
	Object   map[string]any
	Repaired bool
}

// Extract locates the first balanced {...} span in text and parses it. A span that is
// not valid JSON gets one repair attempt before the result degrades to Unstructured.
func Extract(text string) Result {
	res := Result{Kind: Unstructured, Raw: text}

	span, ok := FirstObjectSpan(text)
	if !ok {
		return res
	}
	if obj, ok := parseObject(span); ok {
		res.Kind, res.JSON, res.Object = Structured, json.RawMessage(span), obj
		return res
	}

	fixed, err := jsonrepair.JSONRepair(span)
	if err != nil {
		return res
	}
	if obj, ok := parseObject(fixed); ok {
		res.Kind, res.JSON, res.Object, res.Repaired = Structured, json.RawMessage(fixed), obj, true
	}
	return res
}

func parseObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// FirstObjectSpan returns the first brace-balanced substring of text. Braces inside
// JSON string literals do not count.
func FirstObjectSpan(text string) (string, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end, ok := matchBrace(text, start); ok {
			return text[start : end+1], true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString, escaped := false, false
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// String returns a string field of a Structured result.
func (r Result) String(key string) (string, bool) {
	if r.Kind != Structured {
		return "", false
	}
	v, ok := r.Object[key].(string)
	return v, ok
}

// Decode unmarshals the structured payload into v.
func (r Result) Decode(v any) error {
	if r.Kind != Structured {
		return ErrUnstructured
	}
	return json.Unmarshal(r.JSON, v)
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := 0
	for i := range s {
		if runes == n {
			return s[:i]
		}
		runes++
	}
	return s
}
