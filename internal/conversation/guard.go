package conversation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/memory"
)

// MemoryGuard wraps a [memory.Store] and makes all operations non-fatal. If
// the underlying store fails, operations return empty results and log
// warnings instead of propagating errors. Every call is timed into the memory
// metrics and traced as a memory.search or memory.add span.
//
// MemoryGuard implements [memory.Store].
//
// All methods are safe for concurrent use.
type MemoryGuard struct {
	store    memory.Store
	metrics  *observe.Metrics
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewMemoryGuard creates a new [MemoryGuard] wrapping the given store.
// metrics and logger may be nil.
func NewMemoryGuard(store memory.Store, metrics *observe.Metrics, logger *slog.Logger) *MemoryGuard {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryGuard{store: store, metrics: metrics, logger: logger}
}

// Search returns memories relevant to query. On failure an empty slice is
// returned and the guard is marked as degraded.
func (mg *MemoryGuard) Search(ctx context.Context, query, userID string) ([]memory.Entry, error) {
	ctx, span := observe.StartSpan(ctx, "memory.search")
	defer span.End()

	start := time.Now()
	entries, err := mg.store.Search(ctx, query, userID)
	mg.metrics.RecordMemoryCall(ctx, "search", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		mg.degraded.Store(true)
		mg.logger.Warn("memory guard: search failed, continuing without context",
			"user_id", userID,
			"err", err,
		)
		return []memory.Entry{}, nil
	}
	span.SetAttributes(attribute.Int("memory.results", len(entries)))
	mg.degraded.Store(false)
	return entries, nil
}

// Add persists an exchange. On failure the error is logged and swallowed;
// the guard is marked as degraded.
func (mg *MemoryGuard) Add(ctx context.Context, userID string, messages []memory.Message) error {
	ctx, span := observe.StartSpan(ctx, "memory.add")
	defer span.End()

	start := time.Now()
	err := mg.store.Add(ctx, userID, messages)
	mg.metrics.RecordMemoryCall(ctx, "add", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "add failed")
		mg.degraded.Store(true)
		mg.logger.Warn("memory guard: add failed, exchange not saved",
			"user_id", userID,
			"err", err,
		)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (mg *MemoryGuard) IsDegraded() bool {
	return mg.degraded.Load()
}

var _ memory.Store = (*MemoryGuard)(nil)
