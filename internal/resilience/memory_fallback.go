package resilience

import (
	"context"

	"github.com/MrWong99/murmur/pkg/memory"
)

var _ memory.Store = (*MemoryFallback)(nil)

// MemoryFallback implements [memory.Store] over several backends, for example
// a hosted memory service with a local PostgreSQL store behind it. Searches
// and writes go to the first healthy backend.
type MemoryFallback struct {
	group *FallbackGroup[memory.Store]
}

// NewMemoryFallback creates a MemoryFallback preferring primary.
func NewMemoryFallback(primaryName string, primary memory.Store, cfg FallbackConfig) *MemoryFallback {
	return &MemoryFallback{group: NewFallbackGroup(primaryName, primary, cfg)}
}

// AddFallback registers another backend.
func (f *MemoryFallback) AddFallback(name string, s memory.Store) {
	f.group.AddFallback(name, s)
}

// Backends returns the backend names in failover order.
func (f *MemoryFallback) Backends() []string { return f.group.Names() }

// Open reports whether the named backend's breaker is currently rejecting
// calls.
func (f *MemoryFallback) Open(name string) bool {
	st, ok := f.group.State(name)
	return ok && st == StateOpen
}

// Search implements [memory.Store].
func (f *MemoryFallback) Search(ctx context.Context, query, userID string) ([]memory.Entry, error) {
	entries, err := ExecuteWithResult(f.group, func(s memory.Store) ([]memory.Entry, error) {
		return s.Search(ctx, query, userID)
	})
	if err != nil {
		return nil, &memory.ServiceError{Op: "search", Err: err}
	}
	return entries, nil
}

// Add implements [memory.Store].
func (f *MemoryFallback) Add(ctx context.Context, userID string, messages []memory.Message) error {
	err := f.group.Execute(func(s memory.Store) error {
		return s.Add(ctx, userID, messages)
	})
	if err != nil {
		return &memory.ServiceError{Op: "add", Err: err}
	}
	return nil
}
