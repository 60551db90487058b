// Package history loads persisted conversation events and rebuilds the same
// turn model the live stream produces.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/sem"
)

// ErrHistoryFetch marks any failure to load persisted events. Callers show
// an empty timeline plus the error; the session itself survives.
var ErrHistoryFetch = errors.New("history fetch failed")

// TokenProvider supplies the bearer token for backend calls. Implementations
// may block (interactive auth flows); the context bounds the wait.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken adapts a fixed token string.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// DefaultEventsPath is the backend route for persisted conversation events.
// The single %s is the escaped conversation id.
const DefaultEventsPath = "/api/conversations/%s/events"

// Client fetches persisted conversation history over REST.
type Client struct {
	baseURL    string
	eventsPath string
	tokens     TokenProvider
	client     *http.Client
}

type ClientOption func(*Client)

// WithEventsPath overrides the events route template.
func WithEventsPath(template string) ClientOption {
	return func(c *Client) {
		if template != "" {
			c.eventsPath = template
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

func NewClient(baseURL string, tokens TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		eventsPath: DefaultEventsPath,
		tokens:     tokens,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchEvents returns the persisted event records for a conversation in
// server order. Records carry the same shape as live frames, timestamped by
// the server.
func (c *Client) FetchEvents(ctx context.Context, convID string) ([]sem.EnvelopeEvent, error) {
	if convID == "" {
		return nil, errors.Wrap(ErrHistoryFetch, "convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	path := fmt.Sprintf(c.eventsPath, url.PathEscape(convID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(ErrHistoryFetch, err.Error())
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, errors.Wrap(ErrHistoryFetch, err.Error())
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrHistoryFetch, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Wrapf(ErrHistoryFetch, "GET %s: %d %s", path, resp.StatusCode, string(body))
	}

	var records []sem.EnvelopeEvent
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, errors.Wrap(ErrHistoryFetch, err.Error())
	}
	return records, nil
}
