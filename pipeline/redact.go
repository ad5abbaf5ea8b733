package pipeline

import (
	"regexp"

	"github.com/nyaruka/phonenumbers"
	"github.com/remiges-tech/logharbour/logharbour"
)

// piiPattern is one redaction rule. Phone rules carry a region so
// candidates can be validated as real dialable numbers before redacting;
// bare digit runs that merely look phone-shaped are left alone.
type piiPattern struct {
	placeholder string
	re          *regexp.Regexp
	phoneRegion string
}

var piiPatterns = []piiPattern{
	{"[PHONE]", regexp.MustCompile(`\b1[3-9]\d{9}\b`), "CN"},
	{"[PHONE]", regexp.MustCompile(`\b\d{3}-\d{4}-\d{4}\b`), "US"},
	{"[PHONE]", regexp.MustCompile(`\(\d{3}\)\s*\d{3}-\d{4}`), "US"},
	{"[EMAIL]", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), ""},
	{"[ID_CARD]", regexp.MustCompile(`\b\d{17}[\dXx]\b`), ""},
	{"[ID_CARD]", regexp.MustCompile(`\b\d{15}\b`), ""},
	{"[CREDIT_CARD]", regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), ""},
	{"[IP_ADDRESS]", regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), ""},
}

// Redactor strips personally identifiable information from record text.
type Redactor struct {
	logger *logharbour.Logger
}

func NewRedactor(logger *logharbour.Logger) *Redactor {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &Redactor{logger: logger}
}

// Redact returns a copy of the record with PII in its string fields
// replaced by type placeholders, and whether anything was redacted.
// Non-string values pass through untouched.
func (r *Redactor) Redact(rec Record) (Record, bool) {
	out := rec.Clone()
	changed := false
	for key, value := range out {
		text, ok := value.(string)
		if !ok || text == "" {
			continue
		}
		cleaned, hit := redactText(text)
		if hit {
			out[key] = cleaned
			changed = true
		}
	}
	if changed {
		out[MarkerPIICleaned] = true
	}
	return out, changed
}

// RedactAll redacts a whole dataset, returning the new records and how many
// of them had PII.
func (r *Redactor) RedactAll(dataset []Record) ([]Record, int) {
	out := make([]Record, len(dataset))
	cleaned := 0
	for i, rec := range dataset {
		redacted, hit := r.Redact(rec)
		out[i] = redacted
		if hit {
			cleaned++
		}
	}
	r.logger.Info().LogActivity("PII redaction complete", map[string]any{
		"records": len(dataset),
		"cleaned": cleaned,
	})
	return out, cleaned
}

func redactText(text string) (string, bool) {
	changed := false
	for _, p := range piiPatterns {
		pattern := p
		text = pattern.re.ReplaceAllStringFunc(text, func(match string) string {
			if pattern.phoneRegion != "" && !isDialable(match, pattern.phoneRegion) {
				return match
			}
			changed = true
			return pattern.placeholder
		})
	}
	return text, changed
}

func isDialable(candidate, region string) bool {
	num, err := phonenumbers.Parse(candidate, region)
	if err != nil {
		return false
	}
	return phonenumbers.IsValidNumber(num)
}
