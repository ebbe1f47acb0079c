package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func readArchive(t *testing.T, data []byte) *zip.Reader {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	return r
}

func readMember(t *testing.T, f *zip.File) string {
	t.Helper()
	rc, err := f.Open()
	if err != nil {
		t.Fatalf("opening %s: %v", f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %s: %v", f.Name, err)
	}
	return string(b)
}

func TestWritePreservesOrder(t *testing.T) {
	entries := []Entry{
		{Path: "mimetype", Data: []byte("application/epub+zip"), Compression: Store},
		{Path: "z.txt", Data: []byte("last alphabetically"), Compression: Maximum},
		{Path: "a/b.txt", Data: []byte("nested"), Compression: Maximum},
		{Path: "m.txt", Data: []byte("middle"), Compression: Store},
	}

	data, err := Bytes(entries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := readArchive(t, data)
	if len(r.File) != len(entries) {
		t.Fatalf("expected %d members, got %d", len(entries), len(r.File))
	}
	for i, f := range r.File {
		if f.Name != entries[i].Path {
			t.Errorf("member %d: expected %q, got %q", i, entries[i].Path, f.Name)
		}
		if got := readMember(t, f); got != string(entries[i].Data) {
			t.Errorf("member %s: content mismatch, got %q", f.Name, got)
		}
	}
}

func TestStoredEntryIsRaw(t *testing.T) {
	data, err := Bytes([]Entry{
		{Path: "mimetype", Data: []byte("application/epub+zip"), Compression: Store},
		{Path: "other.xml", Data: []byte("<x/>"), Compression: Maximum},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Local header is 30 bytes, then the name, then (with no extra field)
	// the stored body.
	if got := string(data[30:38]); got != "mimetype" {
		t.Errorf("expected name at offset 30, got %q", got)
	}
	if got := string(data[38:58]); got != "application/epub+zip" {
		t.Errorf("expected mimetype body at offset 38, got %q", got)
	}

	r := readArchive(t, data)
	first := r.File[0]
	if first.Method != zip.Store {
		t.Errorf("expected stored mimetype, got method %d", first.Method)
	}
	if len(first.Extra) != 0 {
		t.Errorf("expected no extra field, got %d bytes", len(first.Extra))
	}
	if first.Flags&0x8 != 0 {
		t.Error("expected no data descriptor on stored entry")
	}
	if r.File[1].Method != zip.Deflate {
		t.Errorf("expected deflated second member, got method %d", r.File[1].Method)
	}
}

func TestMaximumCompressionShrinksRepetitiveData(t *testing.T) {
	payload := []byte(strings.Repeat("<p>the same paragraph again</p>\n", 500))
	data, err := Bytes([]Entry{{Path: "body.xhtml", Data: payload, Compression: Maximum}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f := readArchive(t, data).File[0]
	if f.CompressedSize64 >= f.UncompressedSize64/10 {
		t.Errorf("expected strong compression, got %d -> %d", f.UncompressedSize64, f.CompressedSize64)
	}
}

func TestWriteRejectsInvalidEntries(t *testing.T) {
	cases := map[string][]Entry{
		"empty path": {{Path: "", Data: []byte("x")}},
		"duplicate": {
			{Path: "a", Data: []byte("1"), Compression: Maximum},
			{Path: "a", Data: []byte("2"), Compression: Maximum},
		},
		"unknown compression": {{Path: "a", Data: []byte("x"), Compression: Compression(7)}},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Bytes(entries)
			if !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("expected ErrInvalidEntry, got %v", err)
			}
		})
	}
}
