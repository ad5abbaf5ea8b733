package llm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Config holds the connection parameters for an OpenAI-compatible endpoint.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	TimeoutSec int
	RetryLimit int
}

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultTimeoutSec = 120
	defaultRetryLimit = 3
)

// OpenAIClient speaks the OpenAI chat-completions dialect. One instance is
// created per worker and shared across that worker's pipeline stages.
type OpenAIClient struct {
	apiKey     string
	model      string
	retryLimit int
	rc         *resty.Client
	logger     *logharbour.Logger
	backoff    func(attempt int) time.Duration
}

// NewOpenAIClient builds a client from config. A missing API key is not an
// error here: the client constructs but reports unavailable, matching the
// degraded-health contract.
func NewOpenAIClient(cfg Config, logger *logharbour.Logger) *OpenAIClient {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.TimeoutSec == 0 {
		cfg.TimeoutSec = defaultTimeoutSec
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = defaultRetryLimit
	}
	if cfg.APIKey == "" {
		logger.Warn().LogActivity("No LLM API key configured, generation calls will fail", nil)
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second).
		SetAuthToken(cfg.APIKey)
	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		retryLimit: cfg.RetryLimit,
		rc:         rc,
		logger:     logger,
		backoff: func(attempt int) time.Duration {
			return time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
		},
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return c.model
}

// IsAvailable reports whether the client can serve generation calls.
func (c *OpenAIClient) IsAvailable(ctx context.Context) bool {
	return c.apiKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate performs one chat-completions call with retries. Transient
// failures are retried up to the retry limit with exponential backoff;
// permanent failures return immediately. After exhaustion the error wraps
// ErrRetriesExhausted so callers can apply the zero-contribution rule.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}
	req.applyDefaults()

	var lastErr error
	for attempt := 0; attempt <= c.retryLimit; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.logger.Warn().LogActivity("Retrying LLM call after transient failure", map[string]any{
				"attempt": attempt,
				"backoff": backoff.String(),
				"error":   lastErr.Error(),
			})
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		text, err := c.call(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !IsTransient(err) {
			c.logger.Error(err).LogActivity("LLM call failed permanently", map[string]any{
				"model": c.model,
			})
			return "", err
		}
	}

	c.logger.Error(lastErr).LogActivity("LLM retries exhausted", map[string]any{
		"model":      c.model,
		"retryLimit": c.retryLimit,
	})
	return "", fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

func (c *OpenAIClient) call(ctx context.Context, req Request) (string, error) {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: c.model,
			Messages: []chatMessage{
				{Role: "system", Content: req.System},
				{Role: "user", Content: req.Prompt},
			},
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		}).
		SetResult(&chatResponse{}).
		ForceContentType("application/json").
		Post("/chat/completions")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", &HTTPStatusError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}

	parsed := resp.Result().(*chatResponse)
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response contained no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
