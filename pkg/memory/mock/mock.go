// Package mock provides an in-memory test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{SearchResult: []memory.Entry{{Memory: "likes tea"}}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Search"); got != 1 {
//	    t.Errorf("expected 1 Search call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/murmur/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call
	added [][]memory.Message

	// SearchResult is returned by [Store.Search].
	SearchResult []memory.Entry

	// SearchErr is returned by [Store.Search] when non-nil.
	SearchErr error

	// AddErr is returned by [Store.Add] when non-nil.
	AddErr error

	// SearchBlock and AddBlock, when non-nil, make the respective method wait
	// until the channel is closed or ctx ends. A ctx expiry is returned as
	// the method's error.
	SearchBlock chan struct{}
	AddBlock    chan struct{}

	// OnAdd, when set, is called after each successful Add.
	OnAdd func(userID string, messages []memory.Message)
}

// Search implements [memory.Store].
func (s *Store) Search(ctx context.Context, query, userID string) ([]memory.Entry, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: "Search", Args: []any{query, userID}})
	block := s.SearchBlock
	s.mu.Unlock()

	if err := wait(ctx, block); err != nil {
		return nil, &memory.ServiceError{Op: "search", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	return slices.Clone(s.SearchResult), nil
}

// Add implements [memory.Store].
func (s *Store) Add(ctx context.Context, userID string, messages []memory.Message) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: "Add", Args: []any{userID, slices.Clone(messages)}})
	block := s.AddBlock
	s.mu.Unlock()

	if err := wait(ctx, block); err != nil {
		return &memory.ServiceError{Op: "add", Err: err}
	}

	s.mu.Lock()
	if s.AddErr != nil {
		err := s.AddErr
		s.mu.Unlock()
		return err
	}
	s.added = append(s.added, slices.Clone(messages))
	onAdd := s.OnAdd
	s.mu.Unlock()

	if onAdd != nil {
		onAdd(userID, messages)
	}
	return nil
}

// Added returns every successfully added exchange in order.
func (s *Store) Added() [][]memory.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.added)
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns the number of times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.added = nil
}

func wait(ctx context.Context, block chan struct{}) error {
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
