// Package catalog looks up books in the Hardcover catalog and resolves
// bookshop.org purchase links for them.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/bookbot/internal/apperr"
	"github.com/nextlevelbuilder/bookbot/internal/store"
)

const (
	defaultEndpoint = "https://api.hardcover.app/v1/graphql"
	defaultTimeout  = 5 * time.Second
)

var (
	ErrUnauthorized = errors.New("catalog: unauthorized")
	ErrRateLimited  = errors.New("catalog: rate limited")
	ErrTimeout      = errors.New("catalog: timeout")
)

// APIError is a non-success answer from the catalog API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog: HTTP %d: %s", e.Status, e.Body)
}

// Book is a catalog record enriched with purchase links.
type Book struct {
	ExternalID  string   `json:"external_id"`
	Title       string   `json:"title"`
	Author      string   `json:"author"`
	ISBNs       []string `json:"isbns,omitempty"`
	Year        int      `json:"year,omitempty"`
	Rating      float64  `json:"rating,omitempty"`
	Description string   `json:"description,omitempty"`
	BuyURL      string   `json:"buy_url,omitempty"`
	CoverURL    string   `json:"cover_url,omitempty"`
}

func (b Book) toStore(now time.Time) store.Book {
	meta := map[string]string{}
	if b.Year > 0 {
		meta["year"] = strconv.Itoa(b.Year)
	}
	if b.Rating > 0 {
		meta["rating"] = strconv.FormatFloat(b.Rating, 'f', 2, 64)
	}
	if b.BuyURL != "" {
		meta["buy_url"] = b.BuyURL
	}
	return store.Book{
		ExternalID:  b.ExternalID,
		Title:       b.Title,
		Author:      b.Author,
		ISBNs:       b.ISBNs,
		Metadata:    meta,
		RefreshedAt: now,
	}
}

// Client queries the Hardcover GraphQL API.
type Client struct {
	apiKey   string
	endpoint string
	timeout  time.Duration
	client   *http.Client
	links    *LinkResolver
	cache    store.BookStore
	group    singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

func WithEndpoint(u string) Option          { return func(c *Client) { c.endpoint = u } }
func WithTimeout(d time.Duration) Option    { return func(c *Client) { c.timeout = d } }
func WithLinks(r *LinkResolver) Option      { return func(c *Client) { c.links = r } }
func WithCache(s store.BookStore) Option    { return func(c *Client) { c.cache = s } }
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.client = h } }

// NewClient creates a catalog client.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		timeout:  defaultTimeout,
		client:   &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

const searchQuery = `query SearchBooks($query: String!, $perPage: Int!) {
  search(query: $query, query_type: "Book", per_page: $perPage, page: 1) {
    results
  }
}`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type searchResponse struct {
	Data struct {
		Search struct {
			Results struct {
				Hits []struct {
					Document struct {
						ID          json.Number `json:"id"`
						Title       string      `json:"title"`
						AuthorNames []string    `json:"author_names"`
						ISBNs       []string    `json:"isbns"`
						ReleaseYear int         `json:"release_year"`
						Rating      float64     `json:"rating"`
						Description string      `json:"description"`
					} `json:"document"`
				} `json:"hits"`
			} `json:"results"`
		} `json:"search"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Search returns up to limit books matching query. Failures are wrapped as
// CatalogUnavailable; callers proceed without enrichment.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	key := fmt.Sprintf("%d|%s", limit, strings.ToLower(query))
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.search(ctx, query, limit)
	})
	if err != nil {
		return nil, apperr.CatalogUnavailable("catalog.search", err)
	}
	return v.([]Book), nil
}

func (c *Client) search(ctx context.Context, query string, limit int) ([]Book, error) {
	if c.apiKey == "" {
		return nil, ErrUnauthorized
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(graphQLRequest{
		Query:     searchQuery,
		Variables: map[string]any{"query": query, "perPage": limit},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(c.apiKey, "Bearer "))

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, &APIError{Status: resp.StatusCode, Body: out.Errors[0].Message}
	}

	var books []Book
	for _, hit := range out.Data.Search.Results.Hits {
		d := hit.Document
		if d.Title == "" {
			continue
		}
		books = append(books, Book{
			ExternalID:  d.ID.String(),
			Title:       d.Title,
			Author:      strings.Join(d.AuthorNames, ", "),
			ISBNs:       d.ISBNs,
			Year:        d.ReleaseYear,
			Rating:      d.Rating,
			Description: d.Description,
		})
		if len(books) == limit {
			break
		}
	}

	c.resolveLinks(ctx, books)
	c.cacheBooks(ctx, books)
	return books, nil
}

// resolveLinks fills BuyURL and CoverURL concurrently; it never fails.
func (c *Client) resolveLinks(ctx context.Context, books []Book) {
	if c.links == nil || len(books) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range books {
		b := &books[i]
		g.Go(func() error {
			link, isbn := c.links.Resolve(gctx, b.ISBNs, b.Title)
			b.BuyURL = link
			if isbn != "" {
				b.CoverURL = c.links.CoverURL(isbn, 250)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Client) cacheBooks(ctx context.Context, books []Book) {
	if c.cache == nil || len(books) == 0 {
		return
	}
	now := time.Now().UTC()
	rows := make([]store.Book, 0, len(books))
	for _, b := range books {
		if b.ExternalID == "" {
			continue
		}
		rows = append(rows, b.toStore(now))
	}
	if err := c.cache.UpsertBooks(ctx, rows); err != nil {
		slog.Warn("catalog cache write failed", "error", err)
	}
}
