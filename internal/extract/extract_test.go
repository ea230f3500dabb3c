package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dealline/internal/domain"
)

func TestParseResponsePlainJSON(t *testing.T) {
	var doc domain.ProcessDocument
	reply := `{"buying_process":{"buying_steps":[{"name":"Discovery"}]}}`
	if err := ParseResponse(reply, &doc); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(doc.Process.Steps) != 1 || doc.Process.Steps[0].Name != "Discovery" {
		t.Fatalf("doc: %+v", doc)
	}
}

func TestParseResponseFenced(t *testing.T) {
	var doc domain.ProcessDocument
	reply := "```json\n{\"buying_process\":{\"buying_steps\":[{\"name\":\"Demo\"}]}}\n```"
	if err := ParseResponse(reply, &doc); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if doc.Process.Steps[0].Name != "Demo" {
		t.Fatalf("doc: %+v", doc)
	}
}

func TestParseResponseProseWrapped(t *testing.T) {
	var doc domain.ProcessDocument
	reply := "Here is the structured process you asked for:\n" +
		`{"buying_process":{"buying_steps":[{"name":"PoC"}]}}` +
		"\nLet me know if anything looks off."
	if err := ParseResponse(reply, &doc); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if doc.Process.Steps[0].Name != "PoC" {
		t.Fatalf("doc: %+v", doc)
	}
}

func TestParseResponseBracesInsideStrings(t *testing.T) {
	var doc domain.ProcessDocument
	reply := `{"buying_process":{"buying_steps":[{"name":"Legal {redline} review \"v2\""}]}} trailing {junk`
	if err := ParseResponse(reply, &doc); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if got := doc.Process.Steps[0].Name; got != `Legal {redline} review "v2"` {
		t.Fatalf("name: %q", got)
	}
}

func TestParseResponseMalformed(t *testing.T) {
	var doc domain.ProcessDocument
	for _, reply := range []string{"", "   ", "no json here", "{\"unterminated\": "} {
		err := ParseResponse(reply, &doc)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("ParseResponse(%q) = %v, want ErrMalformed", reply, err)
		}
	}
}

func TestBuildMessagesFreshVersusMerge(t *testing.T) {
	msgs, err := BuildMessages("", "Met with Dana, demo next week", nil)
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("messages: %+v", msgs)
	}
	if msgs[0].Content != DefaultSystemPrompt {
		t.Fatalf("system prompt not defaulted")
	}
	if !strings.Contains(msgs[1].Content, "Met with Dana") {
		t.Fatalf("raw text missing from user prompt: %q", msgs[1].Content)
	}

	existing := &domain.BuyingProcess{Steps: []domain.BuyingStep{{Name: "Discovery"}}}
	msgs, err = BuildMessages("custom prompt", "Security review started", existing)
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}
	if msgs[0].Content != "custom prompt" {
		t.Fatalf("custom system prompt ignored")
	}
	if !strings.Contains(msgs[1].Content, "Discovery") {
		t.Fatalf("existing process not included in merge prompt: %q", msgs[1].Content)
	}
}

func TestAPIKeyEnv(t *testing.T) {
	cases := map[string]string{
		ProviderGemini:   "GEMINI_API_KEY",
		ProviderTogether: "TOGETHER_API_KEY",
		ProviderDeepSeek: "DEEPSEEK_API_KEY",
		"other":          "",
	}
	for provider, want := range cases {
		if got := APIKeyEnv(provider); got != want {
			t.Fatalf("APIKeyEnv(%q) = %q, want %q", provider, got, want)
		}
	}
}

func TestNewHTTPExtractorValidation(t *testing.T) {
	if _, err := NewHTTPExtractor("openai", "gpt-4", "k"); err == nil {
		t.Fatalf("unknown provider accepted")
	}
	if _, err := NewHTTPExtractor(ProviderGemini, "gemini-2.0-flash", ""); err == nil {
		t.Fatalf("missing API key accepted")
	}
	e, err := NewHTTPExtractor(ProviderTogether, "llama", "k")
	if err != nil {
		t.Fatalf("NewHTTPExtractor: %v", err)
	}
	if e.Provider != ProviderTogether {
		t.Fatalf("extractor: %+v", e)
	}
}

func TestExtractOpenAICompatible(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": `{"buying_process":{"buying_steps":[]}}`}},
			},
		})
	}))
	defer srv.Close()

	e := &HTTPExtractor{Provider: ProviderTogether, Model: "llama", APIKey: "secret", BaseURL: srv.URL}
	reply, err := e.Extract(context.Background(), []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "update text"},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(reply, "buying_process") {
		t.Fatalf("reply: %q", reply)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("path: %q", gotPath)
	}
	if gotBody["model"] != "llama" {
		t.Fatalf("body: %v", gotBody)
	}
}

func TestExtractGemini(t *testing.T) {
	var gotKey, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": "{}"}}}},
			},
		})
	}))
	defer srv.Close()

	e := &HTTPExtractor{Provider: ProviderGemini, Model: "gemini-2.0-flash", APIKey: "secret", BaseURL: srv.URL}
	reply, err := e.Extract(context.Background(), []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "update text"},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if reply != "{}" {
		t.Fatalf("reply: %q", reply)
	}
	if gotKey != "secret" {
		t.Fatalf("api key header: %q", gotKey)
	}
	if gotPath != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Fatalf("path: %q", gotPath)
	}
	if _, ok := gotBody["systemInstruction"]; !ok {
		t.Fatalf("system instruction missing: %v", gotBody)
	}
}

func TestExtractErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := &HTTPExtractor{Provider: ProviderDeepSeek, Model: "deepseek-chat", APIKey: "k", BaseURL: srv.URL}
	_, err := e.Extract(context.Background(), []Message{{Role: "user", Content: "x"}})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}
