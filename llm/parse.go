package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseError reports model output that could not be decoded even after
// repair. The pipeline records it in batch stats and applies the stage's
// fallback; it never aborts a task.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("model output is not valid JSON: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DecodeObject decodes a single JSON object from model output. Models often
// wrap JSON in code fences or emit trailing commas; the raw text is repaired
// before giving up.
func DecodeObject(raw string) (map[string]any, error) {
	var out map[string]any
	if err := decodeRepaired(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeArray decodes a JSON array of objects from model output.
func DecodeArray(raw string) ([]map[string]any, error) {
	var out []map[string]any
	if err := decodeRepaired(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRepaired(raw string, v any) error {
	text := stripFences(raw)
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	repaired, rerr := jsonrepair.JSONRepair(text)
	if rerr != nil {
		return &ParseError{Raw: raw, Err: rerr}
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return &ParseError{Raw: raw, Err: err}
	}
	return nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if idx := strings.IndexByte(t, '\n'); idx >= 0 {
		// drop the language tag line
		t = t[idx+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
