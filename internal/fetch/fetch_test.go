package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const page = `<!DOCTYPE html>
<html lang="en">
<head>
<title>Hello World</title>
<meta name="author" content="Jane Doe">
<meta property="article:published_time" content="2024-03-01T09:30:00Z">
<script>tracking()</script>
</head>
<body>
<nav><a href="/">Home</a> <a href="/about">About</a></nav>
<article>
<h1>Hello World</h1>
<p>The first paragraph of the article explains what the reader is about to learn, and it goes on
long enough that any content extractor will consider it the main body of the page rather than chrome.</p>
<p onclick="steal()" style="color: red">The second paragraph has an <a href="https://example.com/ref">inline link</a>
that should become plain text, and it continues with more sentences so the paragraph carries real weight.</p>
<p>A third paragraph closes the piece with a summary of the points made above, again written with
enough words that the scoring treats this block as readable prose worth keeping in the final output.</p>
<iframe src="https://ads.example.com"></iframe>
</article>
<footer>Copyright</footer>
</body>
</html>`

func TestFetchExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("expected custom user agent, got %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
	}))
	defer srv.Close()

	a, err := New(5*time.Second, "test-agent", nil).Fetch(context.Background(), srv.URL+"/post")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.Title != "Hello World" {
		t.Errorf("expected title 'Hello World', got %q", a.Title)
	}
	if a.Author != "Jane Doe" {
		t.Errorf("expected author 'Jane Doe', got %q", a.Author)
	}
	if a.Date != "2024-03-01" {
		t.Errorf("expected date '2024-03-01', got %q", a.Date)
	}
	if a.SourceURL != srv.URL+"/post" {
		t.Errorf("expected source url to be the page url, got %q", a.SourceURL)
	}
	if a.WordCount == 0 {
		t.Error("expected a word count")
	}
	if !strings.Contains(a.Body, "first paragraph") {
		t.Errorf("expected body text, got %q", a.Body)
	}
	for _, bad := range []string{"<script", "<iframe", "onclick", "style=", "href="} {
		if strings.Contains(a.Body, bad) {
			t.Errorf("expected %q to be stripped from body", bad)
		}
	}
	if !strings.Contains(a.Body, "inline link") {
		t.Error("expected link text to survive")
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(0, "", nil).Fetch(context.Background(), srv.URL)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", httpErr.Code)
	}
}

func TestFetchRejectsNonHTTPURL(t *testing.T) {
	for _, u := range []string{"file:///etc/passwd", "not a url", ""} {
		if _, err := New(0, "", nil).Fetch(context.Background(), u); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}

func TestFetchEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><head><title>Empty</title></head><body></body></html>"))
	}))
	defer srv.Close()

	_, err := New(0, "", nil).Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrNoContent) {
		t.Errorf("expected ErrNoContent, got %v", err)
	}
}

func TestCleanBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"handlers and styles",
			`<p onclick="x()" style="color:red" class="k">Hi</p>`,
			`<p class="k">Hi</p>`},
		{"links become text",
			`<p>Hi <a href="/x">there</a></p>`,
			`<p>Hi there</p>`},
		{"active content",
			`<p>a</p><script>bad()</script><form><input name="q"></form><svg><circle/></svg>`,
			`<p>a</p>`},
		{"images",
			`<p>a<img src="x.png"></p>`,
			`<p>a</p>`},
		{"embedded tweets",
			`<p>a</p><div data-testid="tweetEmbed">tweet</div>`,
			`<p>a</p>`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CleanBody(tc.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("CleanBody(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
