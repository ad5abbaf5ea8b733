// Package pg is the database/sql side of the Postgres wiring. The task
// store proper runs on pgx; periodic pollers that only read aggregates go
// through this provider, on a separate connection, so their queries stay
// off the pool serving requests.
package pg

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Provider wraps a database/sql handle opened with lib/pq.
type Provider struct {
	db *sql.DB
}

// NewProvider opens and pings the database at dsn.
func NewProvider(ctx context.Context, dsn string) (*Provider, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Provider{db: db}, nil
}

func (p *Provider) Close() error {
	return p.db.Close()
}

// TaskCounts returns the number of tasks in each lifecycle status.
// Statuses with no tasks are absent from the map.
func (p *Provider) TaskCounts(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}

	return counts, rows.Err()
}

// KnowledgeCount returns the number of documents in the shared corpus.
func (p *Provider) KnowledgeCount(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM knowledge_docs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count knowledge docs: %w", err)
	}
	return n, nil
}
