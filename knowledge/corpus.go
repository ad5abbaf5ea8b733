package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"github.com/remiges-tech/logharbour/logharbour"
)

// DefaultTopK is how many reference snippets a verification query retrieves
// when the caller does not say otherwise.
const DefaultTopK = 5

// Snippet is one scored retrieval hit.
type Snippet struct {
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
}

// Corpus is the in-memory reference store a worker consults during
// verification. Each worker owns exactly one corpus for its lifetime;
// texts supplied with a task accumulate into it at task start. It is not
// shared across workers and is never persisted.
type Corpus struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	name       string
	embedder   Embedder
	logger     *logharbour.Logger
}

// NewCorpus creates an empty corpus bound to the given embedder.
func NewCorpus(embedder Embedder, logger *logharbour.Logger) (*Corpus, error) {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	c := &Corpus{
		db:       chromem.NewDB(),
		name:     "knowledge-" + uuid.NewString(),
		embedder: embedder,
		logger:   logger,
	}
	coll, err := c.db.GetOrCreateCollection(c.name, nil, c.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("create corpus collection: %w", err)
	}
	c.collection = coll
	return c, nil
}

func (c *Corpus) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return c.embedder.Embed(ctx, text)
	}
}

// AddTexts embeds and stores the given texts. Blank entries are skipped.
func (c *Corpus) AddTexts(ctx context.Context, texts []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		err := c.collection.AddDocument(ctx, chromem.Document{
			ID:      uuid.NewString(),
			Content: text,
		})
		if err != nil {
			return fmt.Errorf("add knowledge text: %w", err)
		}
		added++
	}
	if added > 0 {
		c.logger.Debug0().LogActivity("Added texts to knowledge corpus", map[string]any{
			"added": added,
			"total": c.collection.Count(),
		})
	}
	return nil
}

// Search retrieves up to topK snippets ranked by cosine similarity. An empty
// corpus yields no snippets and no error; topK is capped at the corpus size.
func (c *Corpus) Search(ctx context.Context, query string, topK int) ([]Snippet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if topK <= 0 {
		topK = DefaultTopK
	}
	count := c.collection.Count()
	if count == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := c.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query corpus: %w", err)
	}
	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, Snippet{Content: r.Content, Similarity: r.Similarity})
	}
	return snippets, nil
}

// Count reports how many texts the corpus holds.
func (c *Corpus) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collection.Count()
}

// Clear drops every stored text, keeping the corpus usable.
func (c *Corpus) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.DeleteCollection(c.name); err != nil {
		return fmt.Errorf("drop corpus collection: %w", err)
	}
	coll, err := c.db.GetOrCreateCollection(c.name, nil, c.embeddingFunc())
	if err != nil {
		return fmt.Errorf("recreate corpus collection: %w", err)
	}
	c.collection = coll
	c.logger.Info().LogActivity("Knowledge corpus cleared", nil)
	return nil
}
