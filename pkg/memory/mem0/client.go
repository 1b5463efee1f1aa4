// Package mem0 is an HTTP client for a Mem0-style memory service exposing
// GET /search?q=&user_id= and POST /add.
package mem0

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/murmur/pkg/memory"
)

var _ memory.Store = (*Client)(nil)

// DefaultBaseURL is where a locally run memory service listens.
const DefaultBaseURL = "http://localhost:3888"

// maxBody bounds how much of a response is read.
const maxBody = 4 << 20

// Breaker guards outbound calls. *resilience.Breaker satisfies it.
type Breaker interface {
	Execute(fn func() error) error
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. By default requests go through an
// otelhttp-instrumented transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker routes every request through b.
func WithBreaker(b Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to the memory service.
type Client struct {
	base    string
	http    *http.Client
	breaker Breaker
	logger  *slog.Logger
}

// New creates a Client for the service at baseURL. An empty baseURL selects
// [DefaultBaseURL].
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{base: strings.TrimRight(baseURL, "/")}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(op string, r *http.Request) string {
				return "memory " + r.Method + " " + r.URL.Path
			}),
		)}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Search implements [memory.Store]. The service may answer with a bare array
// or with {"results": [...]}.
func (c *Client) Search(ctx context.Context, query, userID string) ([]memory.Entry, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("user_id", userID)

	var entries []memory.Entry
	err := c.do(ctx, "search", http.MethodGet, "/search?"+q.Encode(), nil, func(body []byte) error {
		var err error
		entries, err = decodeEntries(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Add implements [memory.Store].
func (c *Client) Add(ctx context.Context, userID string, messages []memory.Message) error {
	payload, err := json.Marshal(struct {
		UserID   string           `json:"user_id"`
		Messages []memory.Message `json:"messages"`
	}{userID, messages})
	if err != nil {
		return &memory.ServiceError{Op: "add", Err: err}
	}
	return c.do(ctx, "add", http.MethodPost, "/add", payload, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, decode func([]byte) error) error {
	call := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
		if err != nil {
			return &memory.ServiceError{Op: op, Err: err}
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return &memory.ServiceError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return &memory.ServiceError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg := strings.TrimSpace(string(data))
			if msg == "" {
				msg = http.StatusText(resp.StatusCode)
			}
			return &memory.ServiceError{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
		}
		if decode == nil {
			return nil
		}
		if err := decode(data); err != nil {
			return &memory.ServiceError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err == nil {
		return nil
	}
	var se *memory.ServiceError
	if !errors.As(err, &se) {
		// Rejected by the breaker without a call.
		err = &memory.ServiceError{Op: op, Err: err}
	}
	c.logger.Debug("mem0: request failed", "op", op, "err", err)
	return err
}

func decodeEntries(body []byte) ([]memory.Entry, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	if body[0] == '[' {
		var entries []memory.Entry
		err := json.Unmarshal(body, &entries)
		return entries, err
	}
	var wrapped struct {
		Results []memory.Entry `json:"results"`
	}
	err := json.Unmarshal(body, &wrapped)
	return wrapped.Results, err
}
