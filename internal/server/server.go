// Package server exposes sends, downloads and device housekeeping as a
// small JSON API bound to the loopback interface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TobiSchelling/x4send/internal/article"
	"github.com/TobiSchelling/x4send/internal/database"
	"github.com/TobiSchelling/x4send/internal/device"
	"github.com/TobiSchelling/x4send/internal/transfer"
)

const (
	maxRequestBytes = 10 << 20
	defaultHistory  = 20
)

// Sender runs one send or download to completion.
type Sender interface {
	Send(ctx context.Context, a article.Article) transfer.Outcome
	Download(ctx context.Context, a article.Article) transfer.Outcome
}

// ArticleFetcher turns a page URL into an article.
type ArticleFetcher interface {
	Fetch(ctx context.Context, pageURL string) (article.Article, error)
}

// DeviceFunc returns a client for the currently configured device.
type DeviceFunc func() (device.Client, error)

// History lists past sends.
type History interface {
	RecentSends(f database.SendFilter) ([]database.Send, error)
}

// Option customises a Server.
type Option func(*Server)

// WithHistory enables GET /api/history.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithSendTimeout bounds each send. Zero leaves sends unbounded.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Server) { s.sendTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is the local HTTP API.
type Server struct {
	sender      Sender
	fetcher     ArticleFetcher
	devices     DeviceFunc
	history     History
	sendTimeout time.Duration
	log         *slog.Logger
	mux         *http.ServeMux

	// sendMu keeps sends sequential.
	sendMu sync.Mutex
}

// New creates a Server.
func New(sender Sender, fetcher ArticleFetcher, devices DeviceFunc, opts ...Option) *Server {
	s := &Server{
		sender:  sender,
		fetcher: fetcher,
		devices: devices,
		log:     slog.New(slog.DiscardHandler),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/send", s.handleTransfer(Sender.Send))
	s.mux.HandleFunc("POST /api/download", s.handleTransfer(Sender.Download))
	s.mux.HandleFunc("GET /api/device/files", s.handleListFiles)
	s.mux.HandleFunc("DELETE /api/device/files/{name}", s.handleDeleteFile)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
}

type articleJSON struct {
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	Date      string `json:"date,omitempty"`
	Body      string `json:"body"`
	SourceURL string `json:"source_url,omitempty"`
	Language  string `json:"language,omitempty"`
}

type transferRequest struct {
	URL     string       `json:"url,omitempty"`
	Article *articleJSON `json:"article,omitempty"`
}

type transferResponse struct {
	OK          bool   `json:"ok"`
	Disposition string `json:"disposition"`
	Message     string `json:"message"`
	Filename    string `json:"filename,omitempty"`
	Size        int    `json:"size,omitempty"`
	DevicePath  string `json:"device_path,omitempty"`
	LocalPath   string `json:"local_path,omitempty"`
	Failure     string `json:"failure,omitempty"`
	UploadError string `json:"upload_error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleTransfer(run func(Sender, context.Context, article.Article) transfer.Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
			return
		}

		a, status, err := s.resolveArticle(r.Context(), req)
		if err != nil {
			writeError(w, status, err)
			return
		}

		s.sendMu.Lock()
		defer s.sendMu.Unlock()

		ctx := r.Context()
		if s.sendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.sendTimeout)
			defer cancel()
		}
		out := run(s.sender, ctx, a)
		s.log.Info("api transfer finished", "title", a.Title, "disposition", out.Disposition)

		status = http.StatusOK
		if !out.OK() {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, toResponse(out))
	}
}

func (s *Server) resolveArticle(ctx context.Context, req transferRequest) (article.Article, int, error) {
	switch {
	case req.URL != "" && req.Article != nil:
		return article.Article{}, http.StatusBadRequest, errors.New("send either url or article, not both")
	case req.Article != nil:
		a := article.Article{
			Title:     strings.TrimSpace(req.Article.Title),
			Author:    strings.TrimSpace(req.Article.Author),
			Date:      strings.TrimSpace(req.Article.Date),
			Body:      req.Article.Body,
			SourceURL: strings.TrimSpace(req.Article.SourceURL),
			Language:  strings.TrimSpace(req.Article.Language),
		}
		if strings.TrimSpace(a.Body) == "" {
			return article.Article{}, http.StatusBadRequest, errors.New("article body is required")
		}
		return a, 0, nil
	case req.URL != "":
		if s.fetcher == nil {
			return article.Article{}, http.StatusNotImplemented, errors.New("fetching is not configured")
		}
		a, err := s.fetcher.Fetch(ctx, req.URL)
		if err != nil {
			return article.Article{}, http.StatusBadGateway, fmt.Errorf("fetching %s: %w", req.URL, err)
		}
		return a, 0, nil
	}
	return article.Article{}, http.StatusBadRequest, errors.New("url or article is required")
}

func toResponse(o transfer.Outcome) transferResponse {
	resp := transferResponse{
		OK:          o.OK(),
		Disposition: string(o.Disposition),
		Message:     o.Message(),
		Filename:    o.Filename,
		Size:        o.Size,
		LocalPath:   o.LocalPath,
	}
	if o.Upload != nil {
		if o.Upload.Success {
			resp.DevicePath = o.Upload.Path
		} else {
			resp.Failure = string(o.Upload.Failure)
			resp.UploadError = o.Upload.Error
		}
	}
	return resp
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	client, err := s.devices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	files, err := client.ListFolder(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folder": device.TargetFolder, "files": files})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	client, err := s.devices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	name := r.PathValue("name")
	if err := client.DeleteFile(r.Context(), name); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, device.ErrInvalidName) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	s.log.Info("deleted device file", "name", name)
	w.WriteHeader(http.StatusNoContent)
}

type sendJSON struct {
	ID           int64  `json:"id"`
	Filename     string `json:"filename"`
	Title        string `json:"title"`
	SourceURL    string `json:"source_url,omitempty"`
	Firmware     string `json:"firmware,omitempty"`
	Size         int64  `json:"size"`
	Outcome      string `json:"outcome"`
	FailureClass string `json:"failure,omitempty"`
	DevicePath   string `json:"device_path,omitempty"`
	LocalPath    string `json:"local_path,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, errors.New("history is not enabled"))
		return
	}

	f := database.SendFilter{Outcome: r.URL.Query().Get("outcome"), Limit: defaultHistory}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		f.Limit = n
	}

	sends, err := s.history.RecentSends(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]sendJSON, 0, len(sends))
	for _, snd := range sends {
		out = append(out, sendJSON{
			ID:           snd.ID,
			Filename:     snd.Filename,
			Title:        snd.Title,
			SourceURL:    snd.SourceURL,
			Firmware:     snd.Firmware,
			Size:         snd.Size,
			Outcome:      snd.Outcome,
			FailureClass: snd.FailureClass,
			DevicePath:   snd.DevicePath,
			LocalPath:    snd.LocalPath,
			CreatedAt:    snd.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// Serve listens on 127.0.0.1:port until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, port int) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "url", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
