package batch

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Nested sitemap indexes are followed, but only this deep.
const maxSitemapDepth = 3

// Sitemap responses larger than this are rejected outright.
const maxSitemapSize = 52428800 // 50MB

// sitemapDoc covers both document shapes: a sitemap index carries <sitemap>
// children, a regular sitemap carries <url> children.
type sitemapDoc struct {
	Sitemaps []sitemapLoc `xml:"sitemap"`
	URLs     []sitemapLoc `xml:"url"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// TargetValidator refuses URLs that must not be fetched server-side.
// Implemented by *urlutil.Guard.
type TargetValidator interface {
	ValidateTarget(ctx context.Context, rawURL string) (*url.URL, error)
}

// SitemapFetcher downloads and expands sitemap documents into URL lists.
// Every sitemap URL, including recursed child sitemaps, goes through the
// validator before it is fetched.
type SitemapFetcher struct {
	client    *http.Client
	validator TargetValidator
	logger    *zap.Logger
}

func NewSitemapFetcher(timeout time.Duration, validator TargetValidator, logger *zap.Logger) *SitemapFetcher {
	return &SitemapFetcher{
		client:    &http.Client{Timeout: timeout},
		validator: validator,
		logger:    logger,
	}
}

// Fetch downloads the sitemap at sitemapURL and returns every page URL it
// references. Sitemap indexes are expanded recursively; a child sitemap that
// fails to fetch is logged and skipped rather than failing the whole set.
func (f *SitemapFetcher) Fetch(ctx context.Context, sitemapURL string) ([]string, error) {
	return f.fetch(ctx, sitemapURL, 0)
}

func (f *SitemapFetcher) fetch(ctx context.Context, sitemapURL string, depth int) ([]string, error) {
	if depth > maxSitemapDepth {
		return nil, fmt.Errorf("sitemap nesting exceeds depth %d", maxSitemapDepth)
	}

	if _, err := f.validator.ValidateTarget(ctx, sitemapURL); err != nil {
		return nil, fmt.Errorf("sitemap target rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid sitemap URL: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sitemap fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read sitemap body: %w", err)
	}

	urls, err := f.parse(ctx, body, depth)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("Sitemap expanded",
		zap.String("sitemap_url", sitemapURL),
		zap.Int("depth", depth),
		zap.Int("urls", len(urls)))
	return urls, nil
}

func (f *SitemapFetcher) parse(ctx context.Context, body []byte, depth int) ([]string, error) {
	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse sitemap XML: %w", err)
	}

	// Sitemap index: recurse into children
	if len(doc.Sitemaps) > 0 {
		var urls []string
		for _, child := range doc.Sitemaps {
			loc := strings.TrimSpace(child.Loc)
			if loc == "" {
				continue
			}
			childURLs, err := f.fetch(ctx, loc, depth+1)
			if err != nil {
				f.logger.Warn("Skipping unreachable child sitemap",
					zap.String("sitemap_url", loc),
					zap.Error(err))
				continue
			}
			urls = append(urls, childURLs...)
		}
		return urls, nil
	}

	var urls []string
	for _, u := range doc.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			urls = append(urls, loc)
		}
	}
	return urls, nil
}

// ParseURLList extracts URLs from a newline-delimited list. Blank lines and
// lines that are not http(s) URLs are dropped.
func ParseURLList(text string) []string {
	var urls []string
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, "http") {
			urls = append(urls, line)
		}
	}
	return urls
}
