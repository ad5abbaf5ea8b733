package pipeline

import (
	"fmt"
)

// Record is one question/answer example traversing the pipeline. It is an
// open property bag: a small set of keys is recognized by the stages, all
// other keys pass through untouched. Stages never mutate a record in place;
// they copy and return new records.
type Record map[string]any

// Marker keys added by the pipeline stages.
const (
	MarkerOptimized  = "_optimized"
	MarkerGenerated  = "_generated"
	MarkerCorrected  = "_corrected"
	MarkerPIICleaned = "_pii_cleaned"
)

// reasoningKeys are the recognized names for chain-of-thought content.
var reasoningKeys = []string{
	"reasoning", "rationale", "explanation",
	"steps", "cot", "chain_of_thought",
}

// thinkScanLimit bounds the has-think-field scan; one matching record is
// enough to classify the whole dataset as reasoning data.
const thinkScanLimit = 10

// Clone returns a shallow copy of the record. Stage code clones before
// setting markers so the caller's batch stays untouched.
func (r Record) Clone() Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FirstString returns the first non-empty string value among the candidate
// keys, converting non-string scalars with fmt.Sprint.
func (r Record) FirstString(keys ...string) string {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if s != "" {
				return s
			}
			continue
		}
		return fmt.Sprint(v)
	}
	return ""
}

// Question returns the record's question text, falling back through the
// aliases the source datasets use.
func (r Record) Question() string {
	return r.FirstString("question", "instruction", "input")
}

// Answer returns the record's primary answer text.
func (r Record) Answer() string {
	return r.FirstString("answer", "output")
}

// HasReasoning reports whether any recognized reasoning key is present and
// non-empty.
func (r Record) HasReasoning() bool {
	for _, k := range reasoningKeys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return true
	}
	return false
}

// Reasoning returns the first recognized reasoning value as text.
func (r Record) Reasoning() string {
	return r.FirstString(reasoningKeys...)
}

// hasThinkKey reports whether the record carries a key equal to "think"
// ignoring case.
func (r Record) hasThinkKey() bool {
	for k := range r {
		if equalFoldThink(k) {
			return true
		}
	}
	return false
}

// equalFoldThink avoids strings.ToLower allocations on the hot scan.
func equalFoldThink(k string) bool {
	if len(k) != 5 {
		return false
	}
	const want = "think"
	for i := 0; i < 5; i++ {
		c := k[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != want[i] {
			return false
		}
	}
	return true
}

// ScanThinkField scans at most thinkScanLimit records for a think key.
// A single hit classifies the dataset as reasoning data.
func ScanThinkField(dataset []Record) bool {
	n := len(dataset)
	if n > thinkScanLimit {
		n = thinkScanLimit
	}
	for _, rec := range dataset[:n] {
		if rec.hasThinkKey() {
			return true
		}
	}
	return false
}

// CloneDataset copies a slice of records, preserving order.
func CloneDataset(dataset []Record) []Record {
	out := make([]Record, len(dataset))
	for i, r := range dataset {
		out[i] = r.Clone()
	}
	return out
}
