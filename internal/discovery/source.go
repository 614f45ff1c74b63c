package discovery

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"

	"github.com/forest6511/mediaq/pkg/types"
)

// ParseDocument reads an HTML document and returns the media it references. base
// resolves relative URLs and may be empty.
func ParseDocument(r io.Reader, base string, rules Rules) (types.Resources, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return types.Resources{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var baseURL *url.URL
	if base != "" {
		if baseURL, err = url.Parse(base); err != nil {
			return types.Resources{}, fmt.Errorf("invalid base URL %q: %w", base, err)
		}
	}
	return extract(doc.Selection, baseURL, rules), nil
}

// Crawler fetches a gallery page over HTTP and extracts its media.
type Crawler struct {
	pageURL   string
	rules     Rules
	userAgent string
	timeout   time.Duration
}

// CrawlerOption configures a Crawler.
type CrawlerOption func(*Crawler)

// WithUserAgent sets the User-Agent header of the page request.
func WithUserAgent(ua string) CrawlerOption {
	return func(c *Crawler) { c.userAgent = ua }
}

// WithTimeout bounds the page request.
func WithTimeout(d time.Duration) CrawlerOption {
	return func(c *Crawler) { c.timeout = d }
}

// NewCrawler creates a Crawler for pageURL.
func NewCrawler(pageURL string, rules Rules, opts ...CrawlerOption) *Crawler {
	c := &Crawler{
		pageURL:   pageURL,
		rules:     rules,
		userAgent: "mediaq/1.0",
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover implements types.Discoverer. It fetches the page again on every call.
func (c *Crawler) Discover(ctx context.Context) (types.Resources, error) {
	collector := colly.NewCollector(
		colly.UserAgent(c.userAgent),
		colly.MaxDepth(1),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	collector.SetRequestTimeout(c.timeout)

	var (
		res      types.Resources
		parsed   bool
		fetchErr error
	)

	collector.OnHTML("html", func(e *colly.HTMLElement) {
		res = extract(e.DOM, e.Request.URL, c.rules)
		parsed = true
	})

	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("failed to fetch %s (status %d): %w", c.pageURL, r.StatusCode, err)
	})

	if err := collector.Visit(c.pageURL); err != nil && fetchErr == nil {
		fetchErr = fmt.Errorf("failed to fetch %s: %w", c.pageURL, err)
	}
	collector.Wait()

	if fetchErr != nil {
		return types.Resources{}, fetchErr
	}
	if !parsed {
		return types.Resources{}, fmt.Errorf("no HTML document at %s", c.pageURL)
	}

	log.Info().
		Str("url", c.pageURL).
		Int("images", len(res.Images)).
		Int("videos", len(res.Videos)).
		Msg("Discovered media")
	return res, nil
}

// FileSource discovers media in a saved HTML file.
type FileSource struct {
	Path  string
	Base  string
	Rules Rules
}

// Discover implements types.Discoverer.
func (f FileSource) Discover(ctx context.Context) (types.Resources, error) {
	if err := ctx.Err(); err != nil {
		return types.Resources{}, err
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return types.Resources{}, fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	defer file.Close()

	return ParseDocument(file, f.Base, f.Rules)
}

// StaticSource returns a fixed resource list.
type StaticSource types.Resources

// Discover implements types.Discoverer.
func (s StaticSource) Discover(ctx context.Context) (types.Resources, error) {
	if err := ctx.Err(); err != nil {
		return types.Resources{}, err
	}
	return types.Resources{
		Images: append([]string(nil), s.Images...),
		Videos: append([]string(nil), s.Videos...),
	}, nil
}
