package tasks

import (
	"context"
	"fmt"
	"time"
)

// KnowledgeDoc is one document of the shared verification corpus. The API
// appends documents; every worker pulls the ones it has not embedded yet,
// keyed by the serial id.
type KnowledgeDoc struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// KnowledgeStore is the durable channel between the load-knowledge API and
// the worker corpora.
type KnowledgeStore interface {
	AddKnowledge(ctx context.Context, texts []string, source string) (int, error)
	KnowledgeSince(ctx context.Context, afterID int64) ([]KnowledgeDoc, error)
	CountKnowledge(ctx context.Context) (int, error)
}

// AddKnowledge appends documents to the shared corpus table, skipping
// blanks. Returns the number of rows written.
func (s *PgStore) AddKnowledge(ctx context.Context, texts []string, source string) (int, error) {
	added := 0
	for _, text := range texts {
		if text == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO knowledge_docs (content, source) VALUES ($1, $2)`,
			text, source,
		); err != nil {
			return added, fmt.Errorf("failed to insert knowledge document: %w", err)
		}
		added++
	}
	if added > 0 {
		s.logger.Info().LogActivity("Knowledge documents added", map[string]any{
			"count":  added,
			"source": source,
		})
	}
	return added, nil
}

// KnowledgeSince returns every document with an id greater than afterID in
// insertion order.
func (s *PgStore) KnowledgeSince(ctx context.Context, afterID int64) ([]KnowledgeDoc, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, source, created_at FROM knowledge_docs
		WHERE id > $1 ORDER BY id`, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge documents: %w", err)
	}
	defer rows.Close()

	var docs []KnowledgeDoc
	for rows.Next() {
		var d KnowledgeDoc
		if err := rows.Scan(&d.ID, &d.Content, &d.Source, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// CountKnowledge reports the corpus document count for the stats endpoint.
func (s *PgStore) CountKnowledge(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM knowledge_docs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count knowledge documents: %w", err)
	}
	return n, nil
}
