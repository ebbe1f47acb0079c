// Package deliver saves built books on the local machine when they cannot
// be (or should not be) sent to the device.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrDelivery marks every failure to save a file locally.
var ErrDelivery = errors.New("local delivery failed")

const maxDuplicates = 999

var extensions = map[string]string{
	"application/epub+zip": ".epub",
}

// LocalDir writes files into one directory, never overwriting an existing
// file: "book.epub" becomes "book (1).epub", "book (2).epub" and so on.
type LocalDir struct {
	fs  afero.Fs
	dir string
	log *slog.Logger
}

// NewLocalDir delivers into dir on the real filesystem.
func NewLocalDir(dir string, log *slog.Logger) *LocalDir {
	return NewLocalDirWithFS(afero.NewOsFs(), dir, log)
}

// NewLocalDirWithFS delivers into dir on fs.
func NewLocalDirWithFS(fs afero.Fs, dir string, log *slog.Logger) *LocalDir {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &LocalDir{fs: fs, dir: dir, log: log}
}

// Dir returns the target directory.
func (d *LocalDir) Dir() string { return d.dir }

// Deliver writes data under filename and returns the path it was saved at.
// It runs even when ctx is already done.
func (d *LocalDir) Deliver(_ context.Context, data []byte, filename, mimeType string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + strings.TrimSpace(filename)))
	if name == "/" || name == "." {
		return "", fmt.Errorf("%w: empty file name", ErrDelivery)
	}
	if ext, ok := extensions[mimeType]; ok && filepath.Ext(name) == "" {
		name += ext
	}

	if err := d.fs.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating %s: %v", ErrDelivery, d.dir, err)
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i <= maxDuplicates; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(d.dir, candidate)

		f, err := d.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: opening %s: %v", ErrDelivery, path, err)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			d.fs.Remove(path)
			return "", fmt.Errorf("%w: writing %s: %v", ErrDelivery, path, err)
		}
		if err := f.Close(); err != nil {
			d.fs.Remove(path)
			return "", fmt.Errorf("%w: closing %s: %v", ErrDelivery, path, err)
		}

		d.log.Info("saved locally", "path", path, "bytes", len(data))
		return path, nil
	}
	return "", fmt.Errorf("%w: too many copies of %s in %s", ErrDelivery, name, d.dir)
}
