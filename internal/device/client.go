package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const epubMimeType = "application/epub+zip"

// Option customises an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the HTTP backend (used in tests).
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *HTTPClient) { c.doer = doer }
}

// WithBaseURL overrides the scheme and host derived from the target.
func WithBaseURL(baseURL string) Option {
	return func(c *HTTPClient) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// HTTPClient implements Client for both firmware families.
type HTTPClient struct {
	target  Target
	dialect dialect
	doer    HTTPDoer
	baseURL string
	logger  *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// New builds a client for target. The protocol is selected by
// target.Firmware alone; no probing is done.
func New(target Target, logger *slog.Logger, opts ...Option) *HTTPClient {
	if target.Firmware == "" {
		target.Firmware = Stock
	}
	if strings.TrimSpace(target.Host) == "" {
		target.Host = target.Firmware.DefaultHost()
	}
	if target.UploadTimeout <= 0 {
		target.UploadTimeout = DefaultUploadTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &HTTPClient{
		target:  target,
		dialect: dialectFor(target.Firmware),
		doer:    &http.Client{},
		baseURL: "http://" + strings.TrimRight(strings.TrimSpace(target.Host), "/"),
		logger:  logger.With("firmware", string(target.Firmware), "host", target.Host),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Target returns the resolved target the client talks to.
func (c *HTTPClient) Target() Target { return c.target }

// EnsureFolder checks the root listing for TargetFolder and creates it
// when absent. A failed listing still attempts the creation.
func (c *HTTPClient) EnsureFolder(ctx context.Context) bool {
	entries, err := c.list(ctx, "/", c.target.UploadTimeout)
	if err != nil {
		c.logger.Warn("listing device root failed", "error", err)
	}
	for _, e := range entries {
		if e.Dir && e.Name == TargetFolder {
			c.logger.Debug("target folder exists", "folder", TargetFolder)
			return true
		}
	}

	c.logger.Debug("creating target folder", "folder", TargetFolder)
	resp, err := c.do(ctx, c.dialect.mkdir(), c.target.UploadTimeout)
	if err != nil {
		c.logger.Warn("creating target folder failed", "error", err)
		return false
	}
	resp.Body.Close()
	return true
}

// UploadEpub uploads into TargetFolder, or into the root when the folder
// could not be prepared.
func (c *HTTPClient) UploadEpub(ctx context.Context, data []byte, filename string) Result {
	dir := folderPath()
	if !c.EnsureFolder(ctx) {
		c.logger.Warn("could not prepare target folder, uploading to root")
		dir = "/"
	}

	req, path := c.dialect.upload(dir, filename, data)
	c.logger.Info("uploading", "path", path, "bytes", len(data))

	resp, err := c.do(ctx, req, c.target.UploadTimeout)
	if err != nil {
		res := c.failure(err)
		c.logger.Error("upload failed", "class", string(res.Failure), "error", res.Error)
		return res
	}
	resp.Body.Close()

	c.logger.Info("upload complete", "path", path)
	return Result{Success: true, Path: path}
}

// ListFolder returns the .epub files in TargetFolder.
func (c *HTTPClient) ListFolder(ctx context.Context) ([]Entry, error) {
	entries, err := c.list(ctx, folderPath(), c.target.UploadTimeout)
	if err != nil {
		return nil, err
	}
	files := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Dir && strings.HasSuffix(strings.ToLower(e.Name), ".epub") {
			files = append(files, e)
		}
	}
	return files, nil
}

// DeleteFile removes name from TargetFolder.
func (c *HTTPClient) DeleteFile(ctx context.Context, name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	resp, err := c.do(ctx, c.dialect.remove(name), c.target.UploadTimeout)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Status lists the device root, giving up after a few seconds.
func (c *HTTPClient) Status(ctx context.Context) ([]Entry, error) {
	return c.list(ctx, "/", statusTimeout)
}

func (c *HTTPClient) list(ctx context.Context, dir string, timeout time.Duration) ([]Entry, error) {
	resp, err := c.do(ctx, c.dialect.list(dir), timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw []listing
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding listing of %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, l := range raw {
		entries = append(entries, Entry{Name: l.Name, Dir: c.dialect.isDir(l), Size: l.Size})
	}
	return entries, nil
}

// do sends r with its own deadline. The returned response always has a 2xx
// status; its body must be closed by the caller.
func (c *HTTPClient) do(ctx context.Context, r request, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	body, contentType, err := encodeForm(r)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encoding %s request: %w", r.Op, err)
	}

	u := c.baseURL + r.Path
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building %s request: %w", r.Op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Op: r.Op, Code: resp.StatusCode}
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeForm(r request) (io.Reader, string, error) {
	if len(r.Fields) == 0 && r.File == nil {
		return nil, "", nil
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range r.Fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, "", err
		}
	}
	if f := r.File; f != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(f.Field), quoteEscaper.Replace(f.Filename)))
		h.Set("Content-Type", epubMimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// failure classifies a transport or status error.
func (c *HTTPClient) failure(err error) Result {
	var statusErr *StatusError
	var netErr net.Error
	switch {
	case errors.As(err, &statusErr):
		return Result{Failure: FailureHTTP, Error: fmt.Sprintf("Upload failed with status %d", statusErr.Code)}
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return Result{Failure: FailureTimeout, Error: fmt.Sprintf("Upload to %s timed out", c.target.Host)}
	case errors.Is(err, context.Canceled):
		return Result{Failure: FailureError, Error: err.Error()}
	case errors.As(err, &netErr):
		return Result{Failure: FailureUnreachable, Error: fmt.Sprintf("Cannot reach %s device at %s: %v",
			c.target.Firmware, c.target.Host, err)}
	}
	return Result{Failure: FailureError, Error: err.Error()}
}
