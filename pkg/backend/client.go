// Package backend is the HTTP collaborator the reconciliation engine re-fetches
// from. It only reads; domain mutations go through the application's own API
// client.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/quillnote/quillsync/pkg/logger"
	"github.com/quillnote/quillsync/pkg/reconcile"
)

// ErrUnauthorized is wrapped by the *HTTPError of a 401 response.
var ErrUnauthorized = errors.New("backend rejected the credentials")

// HTTPError is returned for every non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// TokenSource returns the bearer token for the next request.
type TokenSource func() string

// Client implements reconcile.Fetcher over the REST API.
type Client struct {
	// URL is the API base URL, e.g. https://api.quillnote.app
	URL string

	HTTPClient *http.Client
	Token      TokenSource
	Logger     logger.Logger
}

var _ reconcile.Fetcher = (*Client)(nil)

// New creates a client for the API at url.
func New(url string, token TokenSource) *Client {
	return &Client{
		URL:        strings.TrimRight(url, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Token:      token,
		Logger:     logger.Nop(),
	}
}

func (c *Client) FetchPage(ctx context.Context, q reconcile.Query) (reconcile.Page, error) {
	var page reconcile.Page
	err := c.get(ctx, "/api/items?"+q.Values().Encode(), &page)
	return page, err
}

func (c *Client) FetchStats(ctx context.Context) (reconcile.Stats, error) {
	var stats reconcile.Stats
	err := c.get(ctx, "/api/stats", &stats)
	return stats, err
}

func (c *Client) FetchTags(ctx context.Context) ([]reconcile.Tag, error) {
	var tags []reconcile.Tag
	err := c.get(ctx, "/api/tags", &tags)
	return tags, err
}

func (c *Client) get(ctx context.Context, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("backend.Client failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != nil {
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("backend.Client failed to GET %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	logger.OrNop(c.Logger).Debug("backend.Client request finished",
		"path", req.URL.Path, "status", resp.StatusCode, "duration", time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend.Client failed to read the response of %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{
			Method:     http.MethodGet,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("backend.Client failed to decode the response of %s: %w", req.URL.Path, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} from an error body.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		return e.Error
	}
	return ""
}
