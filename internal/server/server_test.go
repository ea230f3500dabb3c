package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dealline/internal/config"
	"dealline/internal/db"
	"dealline/internal/domain"
	"dealline/internal/engine"
	"dealline/internal/migrate"
)

const testJWTSecret = "server-test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	h, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

// doJSON issues a request with the legacy actor header and decodes the
// response body into out when non-nil.
func doJSON(t *testing.T, srv *httptest.Server, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s (%d): %v\n%s", method, path, resp.StatusCode, err, raw)
		}
	}
	return resp.StatusCode
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func validDoc() *domain.ProcessDocument {
	return &domain.ProcessDocument{Process: domain.BuyingProcess{Steps: []domain.BuyingStep{
		{
			Name:   "Discovery",
			Status: domain.StatusCompleted,
			Actors: domain.Actors{Signatories: []domain.Actor{{Name: "Dana"}}},
		},
		{
			Name:         "Demo",
			Dependencies: []string{"Discovery"},
			Actors:       domain.Actors{Signatories: []domain.Actor{{Name: "Dana"}}},
		},
	}}}
}

func cyclicDoc() *domain.ProcessDocument {
	return &domain.ProcessDocument{Process: domain.BuyingProcess{Steps: []domain.BuyingStep{
		{
			Name:         "Demo",
			Dependencies: []string{"PoC"},
			Actors:       domain.Actors{Signatories: []domain.Actor{{Name: "a"}}},
		},
		{
			Name:         "PoC",
			Dependencies: []string{"Demo"},
			Actors:       domain.Actors{Signatories: []domain.Actor{{Name: "b"}}},
		},
	}}}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status: %d", resp.StatusCode)
	}
}

func TestUnauthenticatedRequestIs401(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/v0/deals")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "unauthorized" {
		t.Fatalf("code: %q", env.Error.Code)
	}
}

func TestBearerJWTAuthenticates(t *testing.T) {
	srv := newTestServer(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jwt-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	body, _ := json.Marshal(CreateDealRequest{Name: "Acme"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/deals", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status: %d\n%s", resp.StatusCode, raw)
	}

	// A token signed with the wrong secret is rejected.
	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).
		SignedString([]byte("wrong-secret"))
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/deals", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	resp2, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status: %d", resp2.StatusCode)
	}
}

func TestCreateDealAndDuplicate(t *testing.T) {
	srv := newTestServer(t)

	var deal DealResponse
	if code := doJSON(t, srv, http.MethodPost, "/v0/deals", CreateDealRequest{Name: "Acme"}, &deal); code != http.StatusCreated {
		t.Fatalf("create status: %d", code)
	}
	if deal.Name != "Acme" || deal.CreatedAt != "2026-01-01T00:00:00Z" {
		t.Fatalf("deal: %+v", deal)
	}

	var env errorEnvelope
	if code := doJSON(t, srv, http.MethodPost, "/v0/deals", CreateDealRequest{Name: "Acme"}, &env); code != http.StatusConflict {
		t.Fatalf("duplicate status: %d", code)
	}
	if env.Error.Code != "conflict" {
		t.Fatalf("duplicate code: %q", env.Error.Code)
	}
}

func TestApplyExtractedUpdate(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/v0/deals", CreateDealRequest{Name: "Acme"}, nil)

	doc := validDoc()
	// A dangling step dependency comes back as a warning, not an error.
	doc.Process.Steps[1].Dependencies = append(doc.Process.Steps[1].Dependencies, "Ghost")

	var res UpdateResultResponse
	code := doJSON(t, srv, http.MethodPost, "/v0/deals/Acme/updates", ApplyUpdateRequest{Extracted: doc}, &res)
	if code != http.StatusCreated {
		t.Fatalf("update status: %d", code)
	}
	if len(res.Deal.Process.Steps) != 2 || res.Deal.Updates != 1 {
		t.Fatalf("deal after update: %+v", res.Deal)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != domain.DanglingStepDependency {
		t.Fatalf("warnings: %+v", res.Warnings)
	}
}

func TestApplyUpdateRequiresBody(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/v0/deals", CreateDealRequest{Name: "Acme"}, nil)

	var env errorEnvelope
	code := doJSON(t, srv, http.MethodPost, "/v0/deals/Acme/updates", ApplyUpdateRequest{}, &env)
	if code != http.StatusBadRequest {
		t.Fatalf("status: %d", code)
	}
	if env.Error.Code != "bad_request" {
		t.Fatalf("code: %q", env.Error.Code)
	}
}

func TestCyclicUpdateRejectedAndDealUnchanged(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/v0/deals", CreateDealRequest{Name: "Acme"}, nil)
	doJSON(t, srv, http.MethodPost, "/v0/deals/Acme/updates", ApplyUpdateRequest{Extracted: validDoc()}, nil)

	var env errorEnvelope
	code := doJSON(t, srv, http.MethodPost, "/v0/deals/Acme/updates", ApplyUpdateRequest{Extracted: cyclicDoc()}, &env)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("rejection status: %d", code)
	}
	if env.Error.Code != "update_rejected" {
		t.Fatalf("rejection code: %q", env.Error.Code)
	}
	if _, ok := env.Error.Details["violations"]; !ok {
		t.Fatalf("violations missing: %+v", env.Error.Details)
	}

	// The stored deal still holds the accepted process and one history entry.
	var deal DealResponse
	if code := doJSON(t, srv, http.MethodGet, "/v0/deals/Acme", nil, &deal); code != http.StatusOK {
		t.Fatalf("get status: %d", code)
	}
	if len(deal.Process.Steps) != 2 || deal.Updates != 1 {
		t.Fatalf("deal mutated by rejection: %+v", deal)
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/v0/deals", CreateDealRequest{Name: "Acme"}, nil)
	doJSON(t, srv, http.MethodPost, "/v0/deals/Acme/updates", ApplyUpdateRequest{Extracted: validDoc(), RawText: "first"}, nil)

	second := validDoc()
	second.Process.Steps = second.Process.Steps[:1]
	doJSON(t, srv, http.MethodPost, "/v0/deals/Acme/updates", ApplyUpdateRequest{Extracted: second, RawText: "second"}, nil)

	var hist HistoryResponse
	if code := doJSON(t, srv, http.MethodGet, "/v0/deals/Acme/history", nil, &hist); code != http.StatusOK {
		t.Fatalf("history status: %d", code)
	}
	if len(hist.Items) != 2 {
		t.Fatalf("history length: %d", len(hist.Items))
	}
	if hist.Items[0].RawText != "first" || hist.Items[1].RawText != "second" {
		t.Fatalf("history order: %+v", hist.Items)
	}
	// The wholesale replacement did not rewrite the first entry.
	if len(hist.Items[0].Extracted.Process.Steps) != 2 {
		t.Fatalf("first entry rewritten: %+v", hist.Items[0])
	}
}

func TestReadViews(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/v0/deals", CreateDealRequest{Name: "Acme"}, nil)
	doJSON(t, srv, http.MethodPost, "/v0/deals/Acme/updates", ApplyUpdateRequest{Extracted: validDoc()}, nil)

	var sum SummaryResponse
	if code := doJSON(t, srv, http.MethodGet, "/v0/deals/Acme/summary", nil, &sum); code != http.StatusOK {
		t.Fatalf("summary status: %d", code)
	}
	if !strings.Contains(sum.Summary, "# Deal: Acme") || !strings.Contains(sum.Summary, "Discovery") {
		t.Fatalf("summary: %q", sum.Summary)
	}

	var dia DiagramResponse
	if code := doJSON(t, srv, http.MethodGet, "/v0/deals/Acme/diagram", nil, &dia); code != http.StatusOK {
		t.Fatalf("diagram status: %d", code)
	}
	if !strings.HasPrefix(dia.Mermaid, "graph TD") || len(dia.Spec.Nodes) != 2 {
		t.Fatalf("diagram: %+v", dia)
	}

	var actors ActorsResponse
	if code := doJSON(t, srv, http.MethodGet, "/v0/deals/Acme/actors", nil, &actors); code != http.StatusOK {
		t.Fatalf("actors status: %d", code)
	}
	if len(actors.Actors) != 2 {
		t.Fatalf("actors: %+v", actors.Actors)
	}

	var ready engine.ReadinessReport
	if code := doJSON(t, srv, http.MethodGet, "/v0/deals/Acme/readiness", nil, &ready); code != http.StatusOK {
		t.Fatalf("readiness status: %d", code)
	}
	if ready.ClosedWon || len(ready.Steps) != 2 {
		t.Fatalf("readiness: %+v", ready)
	}
	if !ready.Steps[0].Done || ready.Steps[1].Done {
		t.Fatalf("readiness steps: %+v", ready.Steps)
	}
}

func TestUnknownDealIs404(t *testing.T) {
	srv := newTestServer(t)
	var env errorEnvelope
	if code := doJSON(t, srv, http.MethodGet, "/v0/deals/Nope", nil, &env); code != http.StatusNotFound {
		t.Fatalf("status: %d", code)
	}
	if env.Error.Code != "not_found" {
		t.Fatalf("code: %q", env.Error.Code)
	}
}

func TestDeleteDealAndEvents(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/v0/deals", CreateDealRequest{Name: "Acme"}, nil)
	doJSON(t, srv, http.MethodPost, "/v0/deals/Acme/updates", ApplyUpdateRequest{Extracted: cyclicDoc()}, nil)

	if code := doJSON(t, srv, http.MethodDelete, "/v0/deals/Acme", nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete status: %d", code)
	}
	if code := doJSON(t, srv, http.MethodGet, "/v0/deals/Acme", nil, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", code)
	}

	var events EventsResponse
	if code := doJSON(t, srv, http.MethodGet, "/v0/events?deal=Acme", nil, &events); code != http.StatusOK {
		t.Fatalf("events status: %d", code)
	}
	types := map[string]bool{}
	for _, ev := range events.Items {
		types[ev.Type] = true
		if ev.ActorID != "tester" {
			t.Fatalf("event actor: %+v", ev)
		}
	}
	for _, want := range []string{"deal.created", "deal.update.rejected", "deal.deleted"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestListDeals(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/v0/deals", CreateDealRequest{Name: "Acme"}, nil)
	doJSON(t, srv, http.MethodPost, "/v0/deals", CreateDealRequest{Name: "Globex"}, nil)

	var listings []struct {
		Name    string `json:"name"`
		Steps   int    `json:"steps"`
		Updates int    `json:"updates"`
	}
	if code := doJSON(t, srv, http.MethodGet, "/v0/deals", nil, &listings); code != http.StatusOK {
		t.Fatalf("list status: %d", code)
	}
	if len(listings) != 2 {
		t.Fatalf("listings: %+v", listings)
	}
}
