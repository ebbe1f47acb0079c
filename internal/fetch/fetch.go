// Package fetch downloads a web page and extracts its readable content as
// an article.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/x4send/internal/article"
)

const maxPageBytes = 10 << 20

// ErrNoContent is returned when a page has no extractable text.
var ErrNoContent = errors.New("no extractable content")

// HTTPError reports a non-success response from the origin server.
type HTTPError struct {
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch failed: %d %s", e.Code, http.StatusText(e.Code))
}

// Fetcher retrieves pages over HTTP.
type Fetcher struct {
	client    *http.Client
	userAgent string
	log       *slog.Logger
}

// New creates a fetcher. A zero timeout means 15 seconds.
func New(timeout time.Duration, userAgent string, log *slog.Logger) *Fetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if userAgent == "" {
		userAgent = "x4send/1.0"
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: userAgent,
		log:       log,
	}
}

// Fetch downloads pageURL and extracts its article.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (article.Article, error) {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return article.Article{}, fmt.Errorf("invalid url %q", pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return article.Article{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return article.Article{}, fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return article.Article{}, &HTTPError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return article.Article{}, fmt.Errorf("read page: %w", err)
	}

	// Use the final URL after redirects for relative links and the domain.
	a, err := Extract(body, resp.Request.URL)
	if err != nil {
		return article.Article{}, err
	}
	f.log.Debug("extracted article", "url", a.SourceURL, "title", a.Title, "words", a.WordCount)
	return a, nil
}

// Extract builds an article from a page's HTML.
func Extract(page []byte, pageURL *url.URL) (article.Article, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return article.Article{}, fmt.Errorf("parse document: %w", err)
	}

	a := article.Article{SourceURL: pageURL.String()}

	parsed, rerr := readability.FromReader(bytes.NewReader(page), pageURL)
	if rerr == nil && strings.TrimSpace(parsed.TextContent) != "" {
		a.Title = strings.TrimSpace(parsed.Title)
		a.Author = strings.TrimSpace(parsed.Byline)
		if a.Author == "" {
			a.Author = strings.TrimSpace(parsed.SiteName)
		}
		a.Language = parsed.Language
		if parsed.PublishedTime != nil {
			a.Date = parsed.PublishedTime.Format("2006-01-02")
		}
		a.Body, err = CleanBody(parsed.Content)
		if err != nil {
			return article.Article{}, err
		}
		a.WordCount = article.CountWords(parsed.TextContent)
	} else {
		a.Body, a.WordCount = fallbackBody(doc)
	}

	if a.Title == "" {
		a.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if a.Author == "" {
		a.Author = metaContent(doc, `meta[name="author"]`, `meta[property="article:author"]`)
	}
	if a.Date == "" {
		a.Date = pageDate(doc)
	}
	if a.Language == "" {
		a.Language, _ = doc.Find("html").Attr("lang")
	}

	if a.WordCount == 0 || strings.TrimSpace(a.Body) == "" {
		return article.Article{}, ErrNoContent
	}
	return a, nil
}

// fallbackBody wraps the text of the main content area in paragraphs.
func fallbackBody(doc *goquery.Document) (string, int) {
	main := doc.Find("article").First()
	if main.Length() == 0 {
		main = doc.Find(`[role="main"], main`).First()
	}
	if main.Length() == 0 {
		main = doc.Find("body")
	}
	main.Find("script, style, noscript").Remove()

	var b strings.Builder
	words := 0
	for _, para := range strings.Split(main.Text(), "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		words += article.CountWords(para)
		b.WriteString("<p>")
		b.WriteString(escapeText(para))
		b.WriteString("</p>\n")
	}
	return b.String(), words
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// pageDate reads the publication date from meta tags or the first <time>.
func pageDate(doc *goquery.Document) string {
	dt := metaContent(doc, `meta[property="article:published_time"]`)
	if dt == "" {
		dt, _ = doc.Find("time[datetime]").First().Attr("datetime")
	}
	dt, _, _ = strings.Cut(strings.TrimSpace(dt), "T")
	if _, err := time.Parse("2006-01-02", dt); err != nil {
		return ""
	}
	return dt
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeText(s string) string { return textEscaper.Replace(s) }
