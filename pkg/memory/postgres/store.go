package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/murmur/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// DefaultLimit caps the number of entries Search returns.
const DefaultLimit = 5

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithLimit sets the maximum number of entries returned by Search.
func WithLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// Store is a [memory.Store] backed by a pgx connection pool.
// All methods are safe for concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	limit int
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres memory: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool, limit: DefaultLimit}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Search implements [memory.Store]. plainto_tsquery joins terms with AND;
// rewriting the operators to OR lets a conversational question match a memory
// sharing any of its terms, with ts_rank putting the closest first.
func (s *Store) Search(ctx context.Context, query, userID string) ([]memory.Entry, error) {
	const q = `
		WITH tsq AS (
		    SELECT replace(plainto_tsquery('english', $1)::text, '&', '|')::tsquery AS q
		)
		SELECT m.id, m.content, ts_rank(to_tsvector('english', m.content), tsq.q)::float8 AS score, m.created_at
		FROM   memories m, tsq
		WHERE  m.user_id = $2
		  AND  tsq.q::text <> ''
		  AND  to_tsvector('english', m.content) @@ tsq.q
		ORDER  BY score DESC, m.created_at DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, query, userID, s.limit)
	if err != nil {
		return nil, &memory.ServiceError{Op: "search", Err: err}
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entry, error) {
		var (
			e  memory.Entry
			id int64
		)
		if err := row.Scan(&id, &e.Memory, &e.Score, &e.CreatedAt); err != nil {
			return memory.Entry{}, err
		}
		e.ID = strconv.FormatInt(id, 10)
		return e, nil
	})
	if err != nil {
		return nil, &memory.ServiceError{Op: "search", Err: err}
	}
	return entries, nil
}

// Add implements [memory.Store]. All messages are written in one transaction.
func (s *Store) Add(ctx context.Context, userID string, messages []memory.Message) error {
	if len(messages) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range messages {
			batch.Queue(`INSERT INTO memories (user_id, role, content) VALUES ($1, $2, $3)`,
				userID, string(m.Role), m.Content)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return &memory.ServiceError{Op: "add", Err: err}
	}
	return nil
}
