// Package catalog is a stateless read-only client for a Jikan-compatible
// anime catalog API. Responses are cached by the transport for a fixed
// duration; there is no retry or backoff.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL points at the public Jikan v4 API.
const DefaultBaseURL = "https://api.jikan.moe/v4"

const pageLimit = 20

// APIError represents a non-2xx catalog response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog API error: %d %s", e.Status, e.Message)
}

// RequestError wraps transport and decode failures reaching the catalog,
// so callers can tell a catalog fault from their own.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return "catalog request: " + e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Client calls the catalog API over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      ResponseCache
	cacheTTL   time.Duration
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache attaches a response cache with the given TTL.
func WithCache(cache ResponseCache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// NewClient constructs a catalog client.
func NewClient(baseURL string, options ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cacheTTL:   time.Hour,
	}
	for _, option := range options {
		if option != nil {
			option(c)
		}
	}
	return c
}

// Top returns top-rated anime for a page.
func (c *Client) Top(ctx context.Context, page int) (Page, error) {
	var out Page
	err := c.get(ctx, fmt.Sprintf("/top/anime?page=%d&limit=%d", normalizePage(page), pageLimit), &out)
	return out, err
}

// Search runs a full-text search with an optional comma-separated genre-id
// filter.
func (c *Client) Search(ctx context.Context, query, genres string, page int) (Page, error) {
	path := fmt.Sprintf("/anime?q=%s&page=%d&limit=%d&sfw=true",
		url.QueryEscape(query), normalizePage(page), pageLimit)
	if genres != "" {
		path += "&genres=" + url.QueryEscape(genres)
	}
	var out Page
	err := c.get(ctx, path, &out)
	return out, err
}

// ByID returns the full record for one anime.
func (c *Client) ByID(ctx context.Context, id int64) (Anime, error) {
	var out singleResponse
	if err := c.get(ctx, fmt.Sprintf("/anime/%d/full", id), &out); err != nil {
		return Anime{}, err
	}
	return out.Data, nil
}

// ByGenres returns anime matching the comma-separated genre ids, best
// scores first.
func (c *Client) ByGenres(ctx context.Context, genreIDs string, page int) (Page, error) {
	path := fmt.Sprintf("/anime?genres=%s&order_by=score&sort=desc&page=%d&limit=%d&sfw=true",
		url.QueryEscape(genreIDs), normalizePage(page), pageLimit)
	var out Page
	err := c.get(ctx, path, &out)
	return out, err
}

// SeasonNow returns the current season's anime.
func (c *Client) SeasonNow(ctx context.Context, page int) (Page, error) {
	var out Page
	err := c.get(ctx, fmt.Sprintf("/seasons/now?page=%d&limit=%d", normalizePage(page), pageLimit), &out)
	return out, err
}

// Genres returns the catalog's genre listing.
func (c *Client) Genres(ctx context.Context) ([]Genre, error) {
	var out genresResponse
	if err := c.get(ctx, "/genres/anime", &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	body, err := c.fetch(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &RequestError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, path string) ([]byte, error) {
	if c.cache != nil {
		if body, ok := c.cache.Get(ctx, path); ok {
			return body, nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if c.cache != nil {
		c.cache.Set(ctx, path, body, c.cacheTTL)
	}
	return body, nil
}

func normalizePage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}
