// Package compose renders the XML documents that make up an EPUB 2 package:
// the container descriptor, the OPF package document, the NCX navigation
// document and the single XHTML content document.
//
// All free text goes through EscapeXML. Body markup goes through ToXHTML,
// which rewrites HTML into something an XML parser accepts.
package compose

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/TobiSchelling/x4send/internal/article"
)

// Member paths and media types inside the EPUB container.
const (
	MimeType       = "application/epub+zip"
	MimetypePath   = "mimetype"
	ContainerPath  = "META-INF/container.xml"
	PackagePath    = "OEBPS/content.opf"
	NavigationPath = "OEBPS/toc.ncx"
	ContentPath    = "OEBPS/content.xhtml"

	contentHref = "content.xhtml"
	ncxHref     = "toc.ncx"
	contentID   = "content"
	ncxID       = "ncx"

	// UntitledTitle stands in for a missing article title.
	UntitledTitle   = "Untitled"
	defaultLanguage = "en"
	metaSeparator   = " • "
)

//go:embed templates/container.xml
var containerXML string

//go:embed templates/content.opf.tmpl
var packageTmplText string

//go:embed templates/toc.ncx.tmpl
var navigationTmplText string

//go:embed templates/content.xhtml.tmpl
var contentTmplText string

var funcMap = template.FuncMap{"xml": xmlText}

var (
	packageTmpl    = template.Must(template.New("content.opf").Funcs(funcMap).Parse(packageTmplText))
	navigationTmpl = template.Must(template.New("toc.ncx").Funcs(funcMap).Parse(navigationTmplText))
	contentTmpl    = template.Must(template.New("content.xhtml").Funcs(funcMap).Parse(contentTmplText))
)

// Metadata is the package-level description of a book.
type Metadata struct {
	Title    string
	Author   string
	Date     string
	Language string
	UUID     string
}

// ManifestItem is one entry of the OPF manifest.
type ManifestItem struct {
	ID        string
	Href      string
	MediaType string
}

// Manifest lists every content member of the package. Cover images are not
// embedded, so no cover item or cover meta is ever declared.
var Manifest = []ManifestItem{
	{ID: ncxID, Href: ncxHref, MediaType: "application/x-dtbncx+xml"},
	{ID: contentID, Href: contentHref, MediaType: "application/xhtml+xml"},
}

// Spine is the reading order, by manifest id.
var Spine = []string{contentID}

// NewMetadata derives package metadata from an article and a package id.
func NewMetadata(a article.Article, id string) Metadata {
	title := strings.TrimSpace(a.Title)
	if title == "" {
		title = UntitledTitle
	}
	lang := strings.TrimSpace(a.Language)
	if lang == "" {
		lang = defaultLanguage
	}
	return Metadata{
		Title:    title,
		Author:   strings.TrimSpace(a.Author),
		Date:     strings.TrimSpace(a.Date),
		Language: lang,
		UUID:     id,
	}
}

// ContainerDocument returns META-INF/container.xml.
func ContainerDocument() string {
	return containerXML
}

// PackageDocument renders OEBPS/content.opf.
func PackageDocument(m Metadata) (string, error) {
	return render(packageTmpl, struct {
		Metadata
		Manifest []ManifestItem
		Spine    []string
		TOC      string
	}{m, Manifest, Spine, ncxID})
}

// NavigationDocument renders OEBPS/toc.ncx.
func NavigationDocument(m Metadata) (string, error) {
	return render(navigationTmpl, struct {
		Metadata
		ContentHref string
	}{m, contentHref})
}

// ContentDocument renders OEBPS/content.xhtml around the article body.
func ContentDocument(m Metadata, body, sourceURL string) (string, error) {
	return render(contentTmpl, struct {
		Metadata
		MetaLine string
		Body     string
	}{m, metaLine(m.Author, m.Date, sourceURL), ToXHTML(body)})
}

// metaLine lists whichever of author, date and source link are present.
func metaLine(author, date, sourceURL string) string {
	var parts []string
	if author != "" {
		parts = append(parts, xmlText(author))
	}
	if date != "" {
		parts = append(parts, xmlText(date))
	}
	if u := strings.TrimSpace(sourceURL); u != "" {
		parts = append(parts, fmt.Sprintf(`<a href="%s">Source</a>`, xmlText(u)))
	}
	return strings.Join(parts, metaSeparator)
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
