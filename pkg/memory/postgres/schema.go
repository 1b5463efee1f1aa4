// Package postgres provides a PostgreSQL-backed [memory.Store] for running
// without a hosted memory service.
//
// Each stored exchange becomes one row per message in the memories table.
// Search ranks rows by full-text relevance against the query, matching any
// of its stemmed terms.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Add(ctx, "default", memory.Exchange(user, assistant))
//	entries, _ := store.Search(ctx, "what tea do I like?", "default")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMemories = `
CREATE TABLE IF NOT EXISTS memories (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_user_id
    ON memories (user_id, created_at);

CREATE INDEX IF NOT EXISTS idx_memories_fts
    ON memories USING GIN (to_tsvector('english', content));
`

// Migrate creates the memories table and its indexes if they do not exist.
// It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlMemories); err != nil {
		return fmt.Errorf("postgres memory: migrate: %w", err)
	}
	return nil
}
