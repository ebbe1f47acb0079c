// Package collect turns RSS and Atom feed items into articles.
package collect

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/x4send/internal/article"
	"github.com/TobiSchelling/x4send/internal/fetch"
)

const (
	defaultLimit = 1
	maxPerFeed   = 20
	// Items whose feed content is shorter than this are fetched in full.
	minFeedWords = 150
)

// PageFetcher retrieves the full article behind an item link.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (article.Article, error)
}

// Options narrows which items are collected.
type Options struct {
	Limit    int
	DaysBack int
}

// Collector reads feeds.
type Collector struct {
	parser  *gofeed.Parser
	fetcher PageFetcher
	log     *slog.Logger
	now     func() time.Time
}

// NewCollector creates a collector. fetcher may be nil, in which case only
// the content embedded in the feed is used.
func NewCollector(fetcher PageFetcher, userAgent string, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := gofeed.NewParser()
	if userAgent != "" {
		p.UserAgent = userAgent
	}
	return &Collector{parser: p, fetcher: fetcher, log: log, now: time.Now}
}

// Collect parses feedURL and returns up to opts.Limit articles, newest
// first as ordered by the feed.
func (c *Collector) Collect(ctx context.Context, feedURL string, opts Options) ([]article.Article, error) {
	feed, err := c.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", feedURL, err)
	}
	return c.fromFeed(ctx, feed, feedURL, opts), nil
}

func (c *Collector) fromFeed(ctx context.Context, feed *gofeed.Feed, feedURL string, opts Options) []article.Article {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxPerFeed)

	var cutoff time.Time
	if opts.DaysBack > 0 {
		cutoff = c.now().AddDate(0, 0, -opts.DaysBack)
	}

	source := strings.TrimSpace(feed.Title)
	if source == "" {
		source = extractSourceName(feedURL)
	}

	var out []article.Article
	for _, item := range feed.Items {
		if len(out) >= limit {
			break
		}
		a, ok := parseItem(item, source, feed.Language)
		if !ok || !isWithinWindow(a.Date, cutoff) {
			continue
		}
		if a.WordCount < minFeedWords && c.fetcher != nil {
			a = c.enrich(ctx, a)
		}
		if strings.TrimSpace(a.Body) == "" {
			c.log.Warn("skipping item without content", "url", a.SourceURL)
			continue
		}
		out = append(out, a)
	}
	c.log.Info("collected feed items", "feed", source, "count", len(out))
	return out
}

// enrich replaces a short feed summary with the full page when it can be
// fetched. Feed metadata wins over page metadata.
func (c *Collector) enrich(ctx context.Context, a article.Article) article.Article {
	full, err := c.fetcher.Fetch(ctx, a.SourceURL)
	if err != nil {
		c.log.Warn("fetching full article failed, using feed content", "url", a.SourceURL, "error", err)
		return a
	}
	full.Title = a.Title
	if a.Author != "" {
		full.Author = a.Author
	}
	if a.Date != "" {
		full.Date = a.Date
	}
	if full.Language == "" {
		full.Language = a.Language
	}
	full.SourceURL = a.SourceURL
	return full
}

func parseItem(item *gofeed.Item, source, language string) (article.Article, bool) {
	itemURL := item.Link
	if itemURL == "" {
		itemURL = item.GUID
	}
	if itemURL == "" {
		return article.Article{}, false
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		return article.Article{}, false
	}

	var publishedDate string
	if item.PublishedParsed != nil {
		publishedDate = item.PublishedParsed.Format("2006-01-02")
	} else if item.UpdatedParsed != nil {
		publishedDate = item.UpdatedParsed.Format("2006-01-02")
	}

	author := source
	if item.Author != nil && strings.TrimSpace(item.Author.Name) != "" {
		author = strings.TrimSpace(item.Author.Name)
	} else if len(item.Authors) > 0 && item.Authors[0] != nil && strings.TrimSpace(item.Authors[0].Name) != "" {
		author = strings.TrimSpace(item.Authors[0].Name)
	}

	raw := item.Content
	if raw == "" {
		raw = item.Description
	}
	body, err := fetch.CleanBody(raw)
	if err != nil {
		body = ""
	}

	return article.Article{
		Title:     title,
		Author:    author,
		Date:      publishedDate,
		Body:      body,
		SourceURL: itemURL,
		Language:  language,
		WordCount: article.CountWords(stripHTML(body)),
	}, true
}

func isWithinWindow(publishedDate string, cutoff time.Time) bool {
	if publishedDate == "" || cutoff.IsZero() {
		return true // benefit of the doubt
	}
	pub, err := time.Parse("2006-01-02", publishedDate)
	if err != nil {
		return true
	}
	return !pub.Before(cutoff.Truncate(24 * time.Hour))
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(result.String()), " ")
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		name := parts[len(parts)-2]
		return strings.ToUpper(name[:1]) + name[1:]
	}
	return strings.ToUpper(host[:1]) + host[1:]
}
