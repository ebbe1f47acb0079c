package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/x4send/internal/article"
	"github.com/TobiSchelling/x4send/internal/database"
	"github.com/TobiSchelling/x4send/internal/device"
	"github.com/TobiSchelling/x4send/internal/transfer"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []article.Article
	mode     []string
	outcome  transfer.Outcome
	deadline bool
}

func (f *fakeSender) run(ctx context.Context, mode string, a article.Article) transfer.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, a)
	f.mode = append(f.mode, mode)
	_, f.deadline = ctx.Deadline()
	return f.outcome
}

func (f *fakeSender) Send(ctx context.Context, a article.Article) transfer.Outcome {
	return f.run(ctx, "send", a)
}

func (f *fakeSender) Download(ctx context.Context, a article.Article) transfer.Outcome {
	return f.run(ctx, "download", a)
}

type fakeFetcher struct {
	a   article.Article
	err error
}

func (f fakeFetcher) Fetch(_ context.Context, pageURL string) (article.Article, error) {
	if f.err != nil {
		return article.Article{}, f.err
	}
	a := f.a
	a.SourceURL = pageURL
	return a, nil
}

type fakeClient struct {
	files   []device.Entry
	listErr error
	deleted []string
}

func (c *fakeClient) EnsureFolder(context.Context) bool { return true }
func (c *fakeClient) UploadEpub(context.Context, []byte, string) device.Result {
	return device.Result{Success: true}
}
func (c *fakeClient) ListFolder(context.Context) ([]device.Entry, error) { return c.files, c.listErr }
func (c *fakeClient) Status(context.Context) ([]device.Entry, error)     { return nil, nil }
func (c *fakeClient) DeleteFile(_ context.Context, name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return device.ErrInvalidName
	}
	c.deleted = append(c.deleted, name)
	return nil
}

func uploaded() transfer.Outcome {
	return transfer.Outcome{
		Disposition: transfer.Uploaded,
		Filename:    "Hello.epub",
		Size:        512,
		Upload:      &device.Result{Success: true, Path: "/send-to-x4/Hello.epub"},
	}
}

func newTestServer(sender *fakeSender, client *fakeClient, opts ...Option) *Server {
	devices := func() (device.Client, error) { return client, nil }
	fetcher := fakeFetcher{a: article.Article{Title: "Fetched", Body: "<p>x</p>"}}
	return New(sender, fetcher, devices, opts...)
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSendInlineArticle(t *testing.T) {
	sender := &fakeSender{outcome: uploaded()}
	srv := newTestServer(sender, &fakeClient{})

	rec := do(t, srv, "POST", "/api/send", `{"article":{"title":" Hello ","body":"<p>Hi</p>","date":"2024-03-01"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp transferResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !resp.OK || resp.Disposition != "uploaded" || resp.Message != "Sent to X4!" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.DevicePath != "/send-to-x4/Hello.epub" {
		t.Errorf("expected device path, got %q", resp.DevicePath)
	}
	if len(sender.sent) != 1 || sender.sent[0].Title != "Hello" || sender.sent[0].Date != "2024-03-01" {
		t.Errorf("unexpected article passed to sender: %+v", sender.sent)
	}
	if sender.mode[0] != "send" {
		t.Errorf("expected send, got %s", sender.mode[0])
	}
}

func TestSendByURLFetchesFirst(t *testing.T) {
	sender := &fakeSender{outcome: uploaded()}
	srv := newTestServer(sender, &fakeClient{})

	rec := do(t, srv, "POST", "/api/send", `{"url":"https://example.com/post"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sender.sent[0].Title != "Fetched" || sender.sent[0].SourceURL != "https://example.com/post" {
		t.Errorf("expected fetched article, got %+v", sender.sent[0])
	}
}

func TestSendFallbackResponse(t *testing.T) {
	sender := &fakeSender{outcome: transfer.Outcome{
		Disposition: transfer.Downloaded,
		Filename:    "Hello.epub",
		LocalPath:   "/home/u/Downloads/Hello.epub",
		Upload:      &device.Result{Failure: device.FailureUnreachable, Error: "Cannot reach stock device at 192.168.3.3"},
	}}
	srv := newTestServer(sender, &fakeClient{})

	rec := do(t, srv, "POST", "/api/send", `{"article":{"title":"Hello","body":"<p>Hi</p>"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a local fallback, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"disposition":"downloaded"`, `"failure":"unreachable"`, `"local_path":"/home/u/Downloads/Hello.epub"`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in %s", want, body)
		}
	}
}

func TestSendFailedOutcome(t *testing.T) {
	sender := &fakeSender{outcome: transfer.Outcome{Disposition: transfer.Failed, Err: errors.New("generating EPUB: boom")}}
	srv := newTestServer(sender, &fakeClient{})

	rec := do(t, srv, "POST", "/api/send", `{"article":{"title":"Hello","body":"<p>Hi</p>"}}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "generating EPUB: boom") {
		t.Errorf("expected error message, got %s", rec.Body.String())
	}
}

func TestSendAppliesTimeout(t *testing.T) {
	sender := &fakeSender{outcome: uploaded()}
	srv := newTestServer(sender, &fakeClient{}, WithSendTimeout(5*time.Second))

	do(t, srv, "POST", "/api/send", `{"article":{"title":"Hello","body":"<p>Hi</p>"}}`)
	if !sender.deadline {
		t.Error("expected sender context to carry a deadline")
	}
}

func TestDownloadRoute(t *testing.T) {
	sender := &fakeSender{outcome: transfer.Outcome{Disposition: transfer.Downloaded, Filename: "Hello.epub"}}
	srv := newTestServer(sender, &fakeClient{})

	rec := do(t, srv, "POST", "/api/download", `{"article":{"title":"Hello","body":"<p>Hi</p>"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sender.mode[0] != "download" {
		t.Errorf("expected download, got %s", sender.mode[0])
	}
}

func TestTransferBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty", `{}`, http.StatusBadRequest},
		{"both", `{"url":"https://a.com","article":{"title":"x","body":"y"}}`, http.StatusBadRequest},
		{"no body", `{"article":{"title":"x"}}`, http.StatusBadRequest},
		{"not json", `nope`, http.StatusBadRequest},
		{"unknown field", `{"link":"https://a.com"}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{outcome: uploaded()}
			rec := do(t, newTestServer(sender, &fakeClient{}), "POST", "/api/send", tc.body)
			if rec.Code != tc.code {
				t.Errorf("expected %d, got %d", tc.code, rec.Code)
			}
			if len(sender.sent) != 0 {
				t.Error("expected no send for a bad request")
			}
		})
	}
}

func TestSendFetchFailure(t *testing.T) {
	sender := &fakeSender{outcome: uploaded()}
	devices := func() (device.Client, error) { return &fakeClient{}, nil }
	srv := New(sender, fakeFetcher{err: errors.New("404")}, devices)

	rec := do(t, srv, "POST", "/api/send", `{"url":"https://example.com/missing"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if len(sender.sent) != 0 {
		t.Error("expected no send when fetching fails")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := do(t, newTestServer(&fakeSender{}, &fakeClient{}), "GET", "/api/send", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestListDeviceFiles(t *testing.T) {
	client := &fakeClient{files: []device.Entry{{Name: "a.epub", Size: 10}}}
	rec := do(t, newTestServer(&fakeSender{}, client), "GET", "/api/device/files", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"name":"a.epub"`) {
		t.Errorf("expected file listing, got %s", rec.Body.String())
	}

	client.listErr = errors.New("unreachable")
	rec = do(t, newTestServer(&fakeSender{}, client), "GET", "/api/device/files", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestDeleteDeviceFile(t *testing.T) {
	client := &fakeClient{}
	srv := newTestServer(&fakeSender{}, client)

	rec := do(t, srv, "DELETE", "/api/device/files/Old%20Book.epub", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "Old Book.epub" {
		t.Errorf("expected decoded name to be deleted, got %v", client.deleted)
	}

	rec = do(t, srv, "DELETE", "/api/device/files/..%5Cetc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a path separator, got %d", rec.Code)
	}
}

func TestHistoryRoute(t *testing.T) {
	db := openTestDB(t)
	db.InsertSend(database.Send{Filename: "a.epub", Title: "A", Outcome: database.OutcomeUploaded, Size: 1})
	db.InsertSend(database.Send{Filename: "b.epub", Title: "B", Outcome: database.OutcomeDownloaded, Size: 2})
	srv := newTestServer(&fakeSender{}, &fakeClient{}, WithHistory(db))

	rec := do(t, srv, "GET", "/api/history?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sends []sendJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &sends); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(sends) != 1 || sends[0].Title != "B" {
		t.Errorf("expected newest send only, got %+v", sends)
	}

	rec = do(t, srv, "GET", "/api/history?outcome=uploaded", "")
	if !strings.Contains(rec.Body.String(), `"title":"A"`) || strings.Contains(rec.Body.String(), `"title":"B"`) {
		t.Errorf("expected outcome filter, got %s", rec.Body.String())
	}

	rec = do(t, srv, "GET", "/api/history?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	rec := do(t, newTestServer(&fakeSender{}, &fakeClient{}), "GET", "/api/history", "")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", rec.Code)
	}
}
