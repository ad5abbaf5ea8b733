// Package knowledge provides the worker-local reference corpus used for
// retrieval-augmented verification, plus the embedding client that powers
// both the corpus and semantic clustering during diagnosis.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Embedder turns text into vectors. Implementations must be safe for
// concurrent use; a single embedder is shared by every stage of a worker.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	IsAvailable() bool
}

// EmbedderConfig holds the connection parameters for an OpenAI-compatible
// embeddings endpoint.
type EmbedderConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	CacheSize int
}

const (
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultEmbeddingDim   = 1536
	defaultCacheSize      = 10000
	maxEmbedBatch         = 100
)

type openaiEmbedder struct {
	cfg        EmbedderConfig
	httpClient *http.Client
	cache      *lru.Cache[string, []float32]
}

// NewEmbedder builds an embedder backed by an OpenAI-compatible API with an
// LRU cache in front of it. Repeated texts within a dataset are common, so
// the cache cuts a large share of calls.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &openaiEmbedder{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		cache:      cache,
	}, nil
}

func (e *openaiEmbedder) IsAvailable() bool {
	return e.cfg.APIKey != ""
}

func (e *openaiEmbedder) Dimensions() int {
	return defaultEmbeddingDim
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !e.IsAvailable() {
		return nil, fmt.Errorf("embedding API key not configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if cached, ok := e.cache.Get(text); ok {
			results[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	for start := 0; start < len(missTexts); start += maxEmbedBatch {
		end := start + maxEmbedBatch
		if end > len(missTexts) {
			end = len(missTexts)
		}
		vecs, err := e.callAPI(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			idx := missIdx[start+j]
			e.cache.Add(texts[idx], vec)
			results[idx] = vec
		}
	}
	return results, nil
}

func (e *openaiEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.cfg.Model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		vecs, err := e.doRequest(ctx, body, len(texts))
		if err == nil {
			return vecs, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("embed batch after retries: %w", lastErr)
}

func (e *openaiEmbedder) doRequest(ctx context.Context, body []byte, n int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.cfg.BaseURL, "/")+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings API returned %d: %s", resp.StatusCode, string(msg))
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}

	vecs := make([][]float32, n)
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= n {
			return nil, fmt.Errorf("embeddings response index out of range: %d", item.Index)
		}
		vecs[item.Index] = item.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("embeddings response missing vector %d", i)
		}
	}
	return vecs, nil
}

// MockEmbedder is a deterministic in-process embedder for tests and for
// running without an embeddings endpoint. Explicit vectors can be scripted
// per text; everything else hashes character trigrams into a fixed-size
// normalized vector, so identical texts always embed identically and
// overlapping texts land near each other.
type MockEmbedder struct {
	Dim     int
	Vectors map[string][]float32
}

// NewMockEmbedder returns a mock with the given dimension (16 if zero).
func NewMockEmbedder(dim int) *MockEmbedder {
	if dim <= 0 {
		dim = 16
	}
	return &MockEmbedder{Dim: dim, Vectors: map[string][]float32{}}
}

// Script pins the vector returned for an exact text.
func (m *MockEmbedder) Script(text string, vec []float32) *MockEmbedder {
	m.Vectors[text] = vec
	return m
}

func (m *MockEmbedder) IsAvailable() bool { return true }

func (m *MockEmbedder) Dimensions() int { return m.Dim }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v, ok := m.Vectors[text]; ok {
		return v, nil
	}
	return hashVector(text, m.Dim), nil
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func hashVector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	runes := []rune(text)
	for i := 0; i+3 <= len(runes); i++ {
		h := fnv.New32a()
		h.Write([]byte(string(runes[i : i+3])))
		vec[int(h.Sum32())%dim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
