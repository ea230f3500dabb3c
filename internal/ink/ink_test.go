package ink

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestURLEncodesSource(t *testing.T) {
	r := New(t.TempDir())
	u := r.URL("graph TD\n    a --> b")
	if !strings.HasPrefix(u, baseURL) {
		t.Fatalf("url: %q", u)
	}
	encoded := strings.TrimPrefix(u, baseURL)
	encoded = strings.TrimSuffix(encoded, "?type=png&bgColor=1a1a2e&theme=dark")
	decoded, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != "graph TD\n    a --> b" {
		t.Fatalf("round trip: %q", decoded)
	}
}

func TestRenderCaches(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if got := r.Header.Get("User-Agent"); got != userAgent {
			t.Errorf("user agent: %q", got)
		}
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	r := New(t.TempDir())
	r.BaseURL = srv.URL + "/img/"

	data, err := r.Render(context.Background(), "graph TD")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("data: %q", data)
	}
	if _, err := r.Render(context.Background(), "graph TD"); err != nil {
		t.Fatalf("cached render: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected 1 upstream fetch, got %d", hits)
	}
	// A different source misses the cache.
	if _, err := r.Render(context.Background(), "graph TD\n    a --> b"); err != nil {
		t.Fatalf("second source: %v", err)
	}
	if hits != 2 {
		t.Fatalf("expected 2 upstream fetches, got %d", hits)
	}
}

func TestRenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad diagram", http.StatusBadRequest)
	}))
	defer srv.Close()

	r := New(t.TempDir())
	r.BaseURL = srv.URL + "/img/"
	if _, err := r.Render(context.Background(), "graph TD"); err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status error, got %v", err)
	}
}
