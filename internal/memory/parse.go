package memory

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var braceSpan = regexp.MustCompile(`(?s)\{[^{}]*\}`)

// ParseEntities extracts a Record from free-form model output. It tries the
// outermost {...} span first and then every flat brace-delimited substring.
// The boolean is false when nothing parses as a JSON object.
func ParseEntities(raw string) (Record, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start != -1 && end > start {
		if rec, ok := decodeObject(raw[start : end+1]); ok {
			return rec, true
		}
	}

	for _, m := range braceSpan.FindAllString(raw, -1) {
		if rec, ok := decodeObject(m); ok {
			return rec, true
		}
	}
	return nil, false
}

func decodeObject(s string) (Record, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}

	rec := make(Record, len(obj))
	for k, v := range obj {
		if s, ok := stringify(v); ok {
			rec[k] = s
		}
	}
	return rec, true
}

func stringify(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		x = strings.TrimSpace(x)
		return x, x != ""
	case json.Number:
		return x.String(), true
	case bool:
		if x {
			return "true", true
		}
		return "false", true
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(x); err != nil {
			return "", false
		}
		out := strings.TrimSpace(buf.String())
		return out, out != "" && out != "[]" && out != "{}"
	}
}
