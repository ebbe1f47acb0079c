// Package epub assembles a complete EPUB from an article: it composes the
// package documents, checks them, and writes them into an OCF container with
// the mimetype member stored first.
package epub

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/x4send/internal/archive"
	"github.com/TobiSchelling/x4send/internal/article"
	"github.com/TobiSchelling/x4send/internal/compose"
)

// MimeType is the media type of the produced byte stream.
const MimeType = compose.MimeType

// ErrBuild marks every failure to produce an EPUB.
var ErrBuild = errors.New("epub build failed")

// Builder produces EPUB byte streams and their file names.
type Builder struct {
	now   func() time.Time
	newID func() (string, error)
}

// NewBuilder creates a builder using the wall clock and random v4 UUIDs.
func NewBuilder() *Builder {
	return &Builder{
		now: time.Now,
		newID: func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
	}
}

// Build generates the EPUB for a. Nothing is returned unless every step
// succeeds.
func (b *Builder) Build(a article.Article) ([]byte, error) {
	id, err := b.newID()
	if err != nil {
		return nil, fmt.Errorf("%w: generating identifier: %v", ErrBuild, err)
	}
	meta := compose.NewMetadata(a, id)

	opf, err := compose.PackageDocument(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}
	ncx, err := compose.NavigationDocument(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}
	xhtml, err := compose.ContentDocument(meta, a.Body, a.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}

	members := []archive.Entry{
		{Path: compose.MimetypePath, Data: []byte(compose.MimeType), Compression: archive.Store},
		{Path: compose.ContainerPath, Data: []byte(compose.ContainerDocument()), Compression: archive.Maximum},
		{Path: compose.PackagePath, Data: []byte(opf), Compression: archive.Maximum},
		{Path: compose.NavigationPath, Data: []byte(ncx), Compression: archive.Maximum},
		{Path: compose.ContentPath, Data: []byte(xhtml), Compression: archive.Maximum},
	}
	for _, m := range members[1:] {
		if err := compose.WellFormed(string(m.Data)); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBuild, m.Path, err)
		}
	}

	var buf bytes.Buffer
	w := &archive.Writer{Modified: b.now()}
	if err := w.Write(&buf, members); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}
	return buf.Bytes(), nil
}
