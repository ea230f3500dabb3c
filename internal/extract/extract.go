// Package extract talks to the extraction collaborator: it turns raw
// sales update text into a candidate buying-process document via an
// LLM chat-completions provider, and parses the reply defensively.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrMalformed reports a provider reply that could not be turned into a
// process document.
var ErrMalformed = errors.New("malformed extraction response")

// Extractor produces the raw JSON text of a process document from a
// prompt conversation.
type Extractor interface {
	Extract(ctx context.Context, messages []Message) (string, error)
}

// Provider identifiers. API keys come from the environment only and are
// never written to the workspace.
const (
	ProviderGemini   = "gemini"
	ProviderTogether = "together"
	ProviderDeepSeek = "deepseek"
)

// APIKeyEnv returns the environment variable holding the provider key.
func APIKeyEnv(provider string) string {
	switch provider {
	case ProviderGemini:
		return "GEMINI_API_KEY"
	case ProviderTogether:
		return "TOGETHER_API_KEY"
	case ProviderDeepSeek:
		return "DEEPSEEK_API_KEY"
	default:
		return ""
	}
}

// HTTPExtractor calls one of the supported providers over HTTPS.
type HTTPExtractor struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string // override for tests
	HTTPClient *http.Client
}

// NewHTTPExtractor builds an extractor for a known provider.
func NewHTTPExtractor(provider, model, apiKey string) (*HTTPExtractor, error) {
	switch provider {
	case ProviderGemini, ProviderTogether, ProviderDeepSeek:
	default:
		return nil, fmt.Errorf("unknown extraction provider %q", provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("provider %s: API key not set (export %s)", provider, APIKeyEnv(provider))
	}
	return &HTTPExtractor{Provider: provider, Model: model, APIKey: apiKey}, nil
}

func (e *HTTPExtractor) client() *http.Client {
	if e.HTTPClient == nil {
		e.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	return e.HTTPClient
}

// Extract sends the conversation to the configured provider and returns
// the raw reply text.
func (e *HTTPExtractor) Extract(ctx context.Context, messages []Message) (string, error) {
	switch e.Provider {
	case ProviderGemini:
		return e.extractGemini(ctx, messages)
	default:
		return e.extractOpenAICompatible(ctx, messages)
	}
}

// TestConnection sends a trivial prompt to verify the provider, model,
// and API key work end to end.
func (e *HTTPExtractor) TestConnection(ctx context.Context) error {
	reply, err := e.Extract(ctx, []Message{
		{Role: "user", Content: "Reply with the single word: ok"},
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(reply) == "" {
		return fmt.Errorf("%w: empty reply from %s", ErrMalformed, e.Provider)
	}
	return nil
}

func (e *HTTPExtractor) base() string {
	if e.BaseURL != "" {
		return strings.TrimRight(e.BaseURL, "/")
	}
	switch e.Provider {
	case ProviderGemini:
		return "https://generativelanguage.googleapis.com"
	case ProviderTogether:
		return "https://api.together.xyz"
	case ProviderDeepSeek:
		return "https://api.deepseek.com"
	}
	return ""
}

// extractOpenAICompatible covers together and deepseek, which share the
// chat-completions wire shape.
func (e *HTTPExtractor) extractOpenAICompatible(ctx context.Context, messages []Message) (string, error) {
	body := map[string]any{
		"model":       e.Model,
		"messages":    messages,
		"temperature": 0.1,
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	url := e.base() + "/v1/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + e.APIKey}
	if err := e.post(ctx, url, headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in %s reply", ErrMalformed, e.Provider)
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *HTTPExtractor) extractGemini(ctx context.Context, messages []Message) (string, error) {
	// Gemini takes the system prompt separately and user turns as parts.
	var system string
	var contents []map[string]any
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		contents = append(contents, map[string]any{
			"role":  "user",
			"parts": []map[string]string{{"text": m.Content}},
		})
	}
	body := map[string]any{
		"contents":         contents,
		"generationConfig": map[string]any{"temperature": 0.1},
	}
	if system != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": system}},
		}
	}
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", e.base(), e.Model)
	headers := map[string]string{"x-goog-api-key": e.APIKey}
	if err := e.post(ctx, url, headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no candidates in gemini reply", ErrMalformed)
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

func (e *HTTPExtractor) post(ctx context.Context, url string, headers map[string]string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: status=%d body=%s", e.Provider, resp.StatusCode, truncate(string(b), 500))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ParseResponse pulls the first JSON object out of a provider reply.
// Replies arrive wrapped in markdown fences or surrounded by prose more
// often than not, so the parser strips fences, then scans for the first
// balanced object and decodes that.
func ParseResponse(reply string, out any) error {
	s := strings.TrimSpace(reply)
	if s == "" {
		return fmt.Errorf("%w: empty reply", ErrMalformed)
	}
	s = stripFences(s)
	obj, ok := firstObject(s)
	if !ok {
		return fmt.Errorf("%w: no JSON object found", ErrMalformed)
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// firstObject returns the first balanced {...} span, tracking string
// literals so braces inside values do not confuse the scan.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
