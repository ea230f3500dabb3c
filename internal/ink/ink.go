// Package ink renders Mermaid diagram text to PNG through the
// mermaid.ink service, with a content-addressed file cache so repeated
// renders of an unchanged deal never leave the machine.
package ink

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	baseURL   = "https://mermaid.ink/img/"
	userAgent = "dealline/0.1"
)

// Renderer fetches PNGs for Mermaid sources. CacheDir is required; it
// typically lives under the workspace .dealline directory.
type Renderer struct {
	CacheDir   string
	BaseURL    string // override for tests
	HTTPClient *http.Client
}

func New(cacheDir string) *Renderer {
	return &Renderer{CacheDir: cacheDir}
}

func (r *Renderer) client() *http.Client {
	if r.HTTPClient == nil {
		r.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return r.HTTPClient
}

// URL returns the mermaid.ink image URL for a diagram source. The source
// travels URL-safe base64 encoded in the path; type and theme ride as
// query parameters.
func (r *Renderer) URL(mermaid string) string {
	base := r.BaseURL
	if base == "" {
		base = baseURL
	}
	encoded := base64.URLEncoding.EncodeToString([]byte(mermaid))
	return base + encoded + "?type=png&bgColor=1a1a2e&theme=dark"
}

// cachePath keys the cache by content hash so edits always miss.
func (r *Renderer) cachePath(mermaid string) string {
	sum := md5.Sum([]byte(mermaid))
	return filepath.Join(r.CacheDir, fmt.Sprintf("diagram_%x.png", sum))
}

// Render returns the PNG bytes for a diagram, serving from cache when
// the same source was rendered before.
func (r *Renderer) Render(ctx context.Context, mermaid string) ([]byte, error) {
	path := r.cachePath(mermaid)
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL(mermaid), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("mermaid.ink: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return nil, fmt.Errorf("mermaid.ink: status=%d body=%s", resp.StatusCode, string(b))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if r.CacheDir != "" {
		if err := os.MkdirAll(r.CacheDir, 0o755); err == nil {
			_ = os.WriteFile(path, data, 0o644)
		}
	}
	return data, nil
}

// RenderToFile renders the diagram and writes the PNG to dst.
func (r *Renderer) RenderToFile(ctx context.Context, mermaid, dst string) error {
	data, err := r.Render(ctx, mermaid)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
