package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	r := NewRedactor(testLogger())

	t.Run("mobile number", func(t *testing.T) {
		rec, changed := r.Redact(Record{"answer": "call me at 13812345678 anytime"})
		assert.True(t, changed)
		assert.Equal(t, "call me at [PHONE] anytime", rec["answer"])
		assert.Equal(t, true, rec[MarkerPIICleaned])
	})

	t.Run("formatted us number", func(t *testing.T) {
		rec, changed := r.Redact(Record{"answer": "reach the office at (202) 456-1111 today"})
		assert.True(t, changed)
		assert.Equal(t, "reach the office at [PHONE] today", rec["answer"])
	})

	t.Run("phone-shaped but not dialable is kept", func(t *testing.T) {
		rec, changed := r.Redact(Record{"answer": "error code 000-0000-0000 is fatal"})
		assert.False(t, changed)
		assert.Equal(t, "error code 000-0000-0000 is fatal", rec["answer"])
		_, marked := rec[MarkerPIICleaned]
		assert.False(t, marked)
	})

	t.Run("email address", func(t *testing.T) {
		rec, changed := r.Redact(Record{"question": "mail alice.smith@example.com your results"})
		assert.True(t, changed)
		assert.Equal(t, "mail [EMAIL] your results", rec["question"])
	})

	t.Run("national id", func(t *testing.T) {
		rec, changed := r.Redact(Record{"answer": "id 11010119900101123X on file"})
		assert.True(t, changed)
		assert.Equal(t, "id [ID_CARD] on file", rec["answer"])
	})

	t.Run("card number with spaces", func(t *testing.T) {
		rec, changed := r.Redact(Record{"answer": "charge 4111 1111 1111 1111 now"})
		assert.True(t, changed)
		assert.Equal(t, "charge [CREDIT_CARD] now", rec["answer"])
	})

	t.Run("ip address", func(t *testing.T) {
		rec, changed := r.Redact(Record{"answer": "host 192.168.1.1 unreachable"})
		assert.True(t, changed)
		assert.Equal(t, "host [IP_ADDRESS] unreachable", rec["answer"])
	})

	t.Run("clean record untouched", func(t *testing.T) {
		original := Record{"question": "what is photosynthesis", "answer": "a process in plants"}
		rec, changed := r.Redact(original)
		assert.False(t, changed)
		assert.Equal(t, original, rec)
	})

	t.Run("non-string values pass through", func(t *testing.T) {
		rec, changed := r.Redact(Record{"score": 3.14, "tags": []any{"a"}, "answer": "fine"})
		assert.False(t, changed)
		assert.Equal(t, 3.14, rec["score"])
	})

	t.Run("multiple fields redacted in one record", func(t *testing.T) {
		rec, changed := r.Redact(Record{
			"question": "is bob@example.com reachable",
			"answer":   "yes, at 13812345678",
		})
		assert.True(t, changed)
		assert.Equal(t, "is [EMAIL] reachable", rec["question"])
		assert.Equal(t, "yes, at [PHONE]", rec["answer"])
	})
}

func TestRedactAll(t *testing.T) {
	r := NewRedactor(testLogger())
	dataset := []Record{
		{"answer": "contact carol@example.com"},
		{"answer": "nothing sensitive here"},
		{"answer": "ping 10.0.0.1"},
	}
	out, cleaned := r.RedactAll(dataset)
	require.Len(t, out, 3)
	assert.Equal(t, 2, cleaned)
	assert.Equal(t, "contact [EMAIL]", out[0]["answer"])
	assert.Equal(t, "nothing sensitive here", out[1]["answer"])
	assert.Equal(t, "ping [IP_ADDRESS]", out[2]["answer"])

	// source dataset is never mutated
	assert.Equal(t, "contact carol@example.com", dataset[0]["answer"])
}
