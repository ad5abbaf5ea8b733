// Package llm wraps the external large-model text generator behind a small
// interface. The pipeline only needs prompt-in/text-out with retries; every
// provider speaking the OpenAI chat-completions dialect works.
package llm

import (
	"context"
)

// Request is one generation call.
type Request struct {
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int
}

// Client is the external-model contract used by the pipeline stages.
// Generate blocks for the duration of the call including retries;
// cancellation arrives through ctx.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	IsAvailable(ctx context.Context) bool
	Model() string
}

// Defaults applied when a Request leaves fields zero.
const (
	DefaultSystemPrompt = "You are a professional data analysis and generation assistant."
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 1000
)

func (r *Request) applyDefaults() {
	if r.System == "" {
		r.System = DefaultSystemPrompt
	}
	if r.Temperature == 0 {
		r.Temperature = DefaultTemperature
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
}
