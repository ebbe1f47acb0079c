// Package archive writes ZIP containers whose member order and per-member
// compression are fully controlled by the caller.
//
// EPUB readers sniff the first local file header, so the order of entries
// handed to Write is the order they appear on disk. Stored entries are
// written raw: no extra field, no data descriptor.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
)

// Compression selects how an entry's bytes are written.
type Compression int

const (
	// Store writes the entry uncompressed.
	Store Compression = iota
	// Maximum deflates the entry at the highest ratio available.
	Maximum
)

func (c Compression) String() string {
	switch c {
	case Store:
		return "store"
	case Maximum:
		return "maximum"
	default:
		return fmt.Sprintf("compression(%d)", int(c))
	}
}

// Entry is one archive member.
type Entry struct {
	Path        string
	Data        []byte
	Compression Compression
}

// ErrInvalidEntry is returned when an entry cannot be serialized.
var ErrInvalidEntry = errors.New("invalid archive entry")

// Writer serializes entries into a ZIP archive.
type Writer struct {
	// Modified is stamped on compressed entries. Zero means time.Now.
	Modified time.Time
}

// Bytes serializes entries with a default Writer and returns the archive.
func Bytes(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := (&Writer{}).Write(&buf, entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write serializes entries to w in the given order.
func (aw *Writer) Write(w io.Writer, entries []Entry) error {
	if err := validate(entries); err != nil {
		return err
	}

	modified := aw.Modified
	if modified.IsZero() {
		modified = time.Now()
	}

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	for _, e := range entries {
		var err error
		switch e.Compression {
		case Store:
			err = writeStored(zw, e)
		case Maximum:
			err = writeDeflated(zw, e, modified)
		default:
			err = fmt.Errorf("%w: %s has unknown %s", ErrInvalidEntry, e.Path, e.Compression)
		}
		if err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}
	return nil
}

func validate(entries []Entry) error {
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.Path == "" {
			return fmt.Errorf("%w: entry %d has an empty path", ErrInvalidEntry, i)
		}
		if _, dup := seen[e.Path]; dup {
			return fmt.Errorf("%w: duplicate path %s", ErrInvalidEntry, e.Path)
		}
		seen[e.Path] = struct{}{}
	}
	return nil
}

// writeStored uses CreateRaw so the local header carries the final sizes and
// CRC up front. CreateHeader would add a timestamp extra field and a trailing
// data descriptor, both of which OCF forbids on the mimetype member.
func writeStored(zw *zip.Writer, e Entry) error {
	size := uint64(len(e.Data))
	fh := &zip.FileHeader{
		Name:               e.Path,
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(e.Data),
		CompressedSize64:   size,
		UncompressedSize64: size,
		ReaderVersion:      10,
	}
	fw, err := zw.CreateRaw(fh)
	if err != nil {
		return fmt.Errorf("creating %s: %w", e.Path, err)
	}
	if _, err := fw.Write(e.Data); err != nil {
		return fmt.Errorf("writing %s: %w", e.Path, err)
	}
	return nil
}

func writeDeflated(zw *zip.Writer, e Entry, modified time.Time) error {
	fh := &zip.FileHeader{
		Name:     e.Path,
		Method:   zip.Deflate,
		Modified: modified,
	}
	fw, err := zw.CreateHeader(fh)
	if err != nil {
		return fmt.Errorf("creating %s: %w", e.Path, err)
	}
	if _, err := fw.Write(e.Data); err != nil {
		return fmt.Errorf("writing %s: %w", e.Path, err)
	}
	return nil
}
