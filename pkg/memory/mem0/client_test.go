package mem0_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/murmur/pkg/memory"
	"github.com/MrWong99/murmur/pkg/memory/mem0"
)

func TestSearch_ArrayAndWrappedResponses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"bare array", `[{"id":"1","memory":"likes tea"},{"id":"2","text":"lives in Graz"}]`},
		{"results object", `{"results":[{"id":"1","memory":"likes tea"},{"id":"2","text":"lives in Graz"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var gotQuery, gotUser string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/search" {
					http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusNotFound)
					return
				}
				gotQuery = r.URL.Query().Get("q")
				gotUser = r.URL.Query().Get("user_id")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := mem0.New(srv.URL, mem0.WithHTTPClient(srv.Client()))
			entries, err := c.Search(context.Background(), "what do I drink & where?", "default")
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if gotQuery != "what do I drink & where?" || gotUser != "default" {
				t.Errorf("query = %q user = %q", gotQuery, gotUser)
			}
			if len(entries) != 2 || entries[0].Content() != "likes tea" || entries[1].Content() != "lives in Graz" {
				t.Errorf("entries = %+v", entries)
			}
		})
	}
}

func TestSearch_EmptyBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("null"))
	}))
	defer srv.Close()

	entries, err := mem0.New(srv.URL).Search(context.Background(), "q", "u")
	if err != nil || len(entries) != 0 {
		t.Errorf("entries = %v, err = %v", entries, err)
	}
}

func TestAdd_PostsMessages(t *testing.T) {
	t.Parallel()
	type payload struct {
		UserID   string           `json:"user_id"`
		Messages []memory.Message `json:"messages"`
	}
	got := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/add" {
			http.Error(w, "unexpected", http.StatusNotFound)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var p payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got <- p
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	err := mem0.New(srv.URL+"/").Add(context.Background(), "default", memory.Exchange("hi", "hello"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	p := <-got
	if p.UserID != "default" || len(p.Messages) != 2 || p.Messages[1].Content != "hello" {
		t.Errorf("payload = %+v", p)
	}
}

func TestErrorsAreServiceErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := mem0.New(srv.URL)

	_, err := c.Search(context.Background(), "q", "u")
	var se *memory.ServiceError
	if !errors.As(err, &se) || se.Op != "search" || se.Status != http.StatusServiceUnavailable {
		t.Errorf("Search err = %v, want search ServiceError 503", err)
	}

	err = c.Add(context.Background(), "u", nil)
	if !errors.As(err, &se) || se.Op != "add" {
		t.Errorf("Add err = %v, want add ServiceError", err)
	}
}

func TestUnreachableService(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := mem0.New(url).Search(context.Background(), "q", "u")
	var se *memory.ServiceError
	if !errors.As(err, &se) || se.Status != 0 {
		t.Errorf("err = %v, want transport ServiceError", err)
	}
}

type rejectingBreaker struct{ calls int }

func (b *rejectingBreaker) Execute(func() error) error {
	b.calls++
	return errors.New("circuit open")
}

func TestBreakerRejection(t *testing.T) {
	t.Parallel()
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = true }))
	defer srv.Close()

	b := &rejectingBreaker{}
	c := mem0.New(srv.URL, mem0.WithBreaker(b))
	err := c.Add(context.Background(), "u", memory.Exchange("a", "b"))
	var se *memory.ServiceError
	if !errors.As(err, &se) || se.Op != "add" {
		t.Errorf("err = %v, want ServiceError", err)
	}
	if b.calls != 1 || hit {
		t.Errorf("breaker calls = %d, server hit = %v", b.calls, hit)
	}
}
