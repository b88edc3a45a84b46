package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	bookshopBaseURL  = "https://bookshop.org"
	bookshopImageCDN = "https://images-us.bookshop.org"
	bookshopTimeout  = 3 * time.Second
)

// LinkResolver builds bookshop.org affiliate links. An ISBN is valid when
// HEAD /book/{isbn} answers 308; anything else, including timeouts, is
// treated as invalid.
type LinkResolver struct {
	baseURL     string
	imageCDN    string
	affiliateID string
	validate    bool
	client      *http.Client
}

// LinkOption configures a LinkResolver.
type LinkOption func(*LinkResolver)

// WithBookshopBaseURL points the resolver at another host (tests).
func WithBookshopBaseURL(u string) LinkOption {
	return func(r *LinkResolver) { r.baseURL = strings.TrimRight(u, "/") }
}

// WithoutValidation skips the HEAD probe and always uses search links.
func WithoutValidation() LinkOption {
	return func(r *LinkResolver) { r.validate = false }
}

// NewLinkResolver creates a resolver for affiliateID.
func NewLinkResolver(affiliateID string, opts ...LinkOption) *LinkResolver {
	r := &LinkResolver{
		baseURL:     bookshopBaseURL,
		imageCDN:    bookshopImageCDN,
		affiliateID: affiliateID,
		validate:    true,
		client: &http.Client{
			Timeout: bookshopTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ValidateISBN reports whether bookshop.org knows isbn.
func (r *LinkResolver) ValidateISBN(ctx context.Context, isbn string) bool {
	ctx, cancel := context.WithTimeout(ctx, bookshopTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.baseURL+"/book/"+url.PathEscape(isbn), nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		slog.Warn("bookshop isbn validation failed", "isbn", isbn, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusPermanentRedirect
}

// FirstValid returns the first valid ISBN, or "" if none validate.
func (r *LinkResolver) FirstValid(ctx context.Context, isbns []string) string {
	for _, isbn := range isbns {
		if ctx.Err() != nil {
			return ""
		}
		if r.ValidateISBN(ctx, isbn) {
			return isbn
		}
	}
	return ""
}

// BuyURL is the direct affiliate link for a valid ISBN.
func (r *LinkResolver) BuyURL(isbn string) string {
	return fmt.Sprintf("%s/a/%s/%s", bookshopBaseURL, r.affiliateID, isbn)
}

// SearchURL is the search fallback link for a title.
func (r *LinkResolver) SearchURL(title string) string {
	return fmt.Sprintf("%s/search?keywords=%s&affiliate=%s", bookshopBaseURL, url.QueryEscape(title), r.affiliateID)
}

// CoverURL is the CDN cover image for an ISBN.
func (r *LinkResolver) CoverURL(isbn string, height int) string {
	if height <= 0 {
		height = 250
	}
	return fmt.Sprintf("%s/ingram/%s.jpg?height=%d", r.imageCDN, isbn, height)
}

// Resolve returns the best link for a book: a buy link for the first valid
// 13-digit ISBN, else a search link for the title. validISBN is "" when the
// search fallback was used.
func (r *LinkResolver) Resolve(ctx context.Context, isbns []string, title string) (link, validISBN string) {
	if r.validate {
		var candidates []string
		for _, isbn := range isbns {
			if len(isbn) == 13 {
				candidates = append(candidates, isbn)
			}
		}
		if v := r.FirstValid(ctx, candidates); v != "" {
			return r.BuyURL(v), v
		}
	}
	return r.SearchURL(title), ""
}
