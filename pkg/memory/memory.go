// Package memory defines the long-term memory contract used to enrich typed
// user messages with context from earlier conversations and to persist each
// completed turn.
//
// Memory is strictly off the hot path: callers bound every operation with a
// timeout and treat any failure as "no memories". Implementations report
// failures as [*ServiceError].
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultUserID is the user every memory is filed under when the caller does
// not distinguish users.
const DefaultUserID = "default"

// ContextHeader separates a user message from the memories appended to it.
const ContextHeader = "\n\nContext from past conversations:\n"

// Role identifies the author of a [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one side of a stored conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Entry is a memory returned by [Store.Search].
type Entry struct {
	ID string `json:"id,omitempty"`

	// Memory is the distilled memory text. Some services return the raw
	// text in Text instead; use [Entry.Content] to read either.
	Memory string `json:"memory,omitempty"`
	Text   string `json:"text,omitempty"`

	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"-"`
}

// Content returns Memory, falling back to Text.
func (e Entry) Content() string {
	if e.Memory != "" {
		return e.Memory
	}
	return e.Text
}

// Store is a long-term memory backend.
type Store interface {
	// Search returns memories relevant to query for userID, best match first.
	Search(ctx context.Context, query, userID string) ([]Entry, error)

	// Add persists one conversation exchange for userID.
	Add(ctx context.Context, userID string, messages []Message) error
}

// ServiceError reports a failed memory operation.
type ServiceError struct {
	Op     string // "search" or "add"
	Status int    // HTTP status, when the backend is remote
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("memory: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("memory: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Compose appends the non-empty contents of entries to text under
// [ContextHeader], one per line. text is returned unchanged when there is
// nothing to add.
func Compose(text string, entries []Entry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if c := strings.TrimSpace(e.Content()); c != "" {
			lines = append(lines, c)
		}
	}
	if len(lines) == 0 {
		return text
	}
	return text + ContextHeader + strings.Join(lines, "\n")
}

// Exchange builds the message pair stored for a completed turn.
func Exchange(user, assistant string) []Message {
	return []Message{
		{Role: RoleUser, Content: user},
		{Role: RoleAssistant, Content: assistant},
	}
}
