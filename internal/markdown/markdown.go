// Package markdown turns a Markdown file with optional YAML front matter
// into an article.
package markdown

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"go.abhg.dev/goldmark/frontmatter"

	"github.com/TobiSchelling/x4send/internal/article"
)

// Frontmatter holds the recognised front matter keys.
type Frontmatter struct {
	Title    string `yaml:"title"`
	Author   string `yaml:"author"`
	Date     string `yaml:"date"`
	Source   string `yaml:"source"`
	Language string `yaml:"lang"`
}

var md = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		&frontmatter.Extender{},
	),
	goldmark.WithRendererOptions(
		html.WithXHTML(),
	),
)

// LoadFile reads path from fsys and parses it.
func LoadFile(fsys afero.Fs, path string) (article.Article, error) {
	src, err := afero.ReadFile(fsys, path)
	if err != nil {
		return article.Article{}, fmt.Errorf("cannot read md file: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(src, stem)
}

// Parse renders src to XHTML. Front matter supplies the metadata; the
// title falls back to the first heading, then to fallbackTitle.
func Parse(src []byte, fallbackTitle string) (article.Article, error) {
	var buf bytes.Buffer
	ctx := parser.NewContext()
	if err := md.Convert(src, &buf, parser.WithContext(ctx)); err != nil {
		return article.Article{}, fmt.Errorf("cannot render markdown: %w", err)
	}

	var fm Frontmatter
	if data := frontmatter.Get(ctx); data != nil {
		if err := data.Decode(&fm); err != nil {
			return article.Article{}, fmt.Errorf("cannot unmarshal frontmatter: %w", err)
		}
	}

	body := buf.String()
	title := strings.TrimSpace(fm.Title)
	if title == "" {
		title = firstHeading(src)
	}
	if title == "" {
		title = fallbackTitle
	}

	date, _, _ := strings.Cut(strings.TrimSpace(fm.Date), "T")
	return article.Article{
		Title:     title,
		Author:    strings.TrimSpace(fm.Author),
		Date:      date,
		Body:      body,
		SourceURL: strings.TrimSpace(fm.Source),
		Language:  strings.TrimSpace(fm.Language),
		WordCount: article.CountWords(stripTags(body)),
	}, nil
}

func firstHeading(src []byte) string {
	inFrontmatter := false
	for i, line := range strings.Split(string(src), "\n") {
		line = strings.TrimSpace(line)
		if i == 0 && line == "---" {
			inFrontmatter = true
			continue
		}
		if inFrontmatter {
			if line == "---" {
				inFrontmatter = false
			}
			continue
		}
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

func stripTags(s string) string {
	var b strings.Builder
	in := false
	for _, r := range s {
		switch {
		case r == '<':
			in = true
			b.WriteRune(' ')
		case r == '>':
			in = false
		case !in:
			b.WriteRune(r)
		}
	}
	return b.String()
}
