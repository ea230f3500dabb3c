// Package server exposes the deal API over HTTP. Handlers stay thin:
// lifecycle goes through the engine, read views through render.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dealline/internal/domain"
	"dealline/internal/engine"
	"dealline/internal/extract"
	"dealline/internal/graph"
	"dealline/internal/render"
	"dealline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"update_rejected"`
	Message string         `json:"message" example:"update rejected: 1 blocking violation(s)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the deal API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema errors are the caller's fault, not a merge rejection.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Dealline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDeals(group, cfg.Engine)
	registerUpdates(group, cfg.Engine)
	registerViews(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, extract.ErrMalformed) {
		return newAPIError(http.StatusBadGateway, "extraction_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "empty"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "update_rejected"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Create deal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest `json:"body"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDeal(ctx, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []repo.DealListing `json:"body"`
	}, error) {
		items, err := e.Repo.ListDeals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.DealListing `json:"body"`
		}{Body: mapListings(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{name}",
		Summary:     "Get deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDeal(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-deal",
		Method:      http.MethodDelete,
		Path:        "/deals/{name}",
		Summary:     "Delete deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDeal(ctx, input.Name, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerUpdates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "apply-update",
		Method:        http.MethodPost,
		Path:          "/deals/{name}/updates",
		Summary:       "Apply a deal update",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Name string             `path:"name"`
		Body ApplyUpdateRequest `json:"body"`
	}) (*struct {
		Body UpdateResultResponse `json:"body"`
	}, error) {
		if input.Body.RawText == "" && input.Body.Extracted == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "raw_text or extracted is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, res, err := e.ApplyUpdate(ctx, engine.UpdateOptions{
			DealName: input.Name,
			RawText:  input.Body.RawText,
			ActorID:  actorID,
			Doc:      input.Body.Extracted,
		})
		if err != nil {
			if errors.Is(err, engine.ErrRejected) {
				return nil, newAPIError(http.StatusUnprocessableEntity, "update_rejected", err.Error(),
					map[string]any{"violations": res.Blocking()})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateResultResponse `json:"body"`
		}{Body: updateResultResponse(d, res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deal-history",
		Method:      http.MethodGet,
		Path:        "/deals/{name}/history",
		Summary:     "Update history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDeal(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		items := d.History
		if items == nil {
			items = []domain.UpdateRecord{}
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{Deal: d.Name, Items: items}}, nil
	})
}

func registerViews(api huma.API, e engine.Engine) {
	type dealPath struct {
		Name string `path:"name"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "deal-summary",
		Method:      http.MethodGet,
		Path:        "/deals/{name}/summary",
		Summary:     "Text summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDeal(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: SummaryResponse{Deal: d.Name, Summary: render.Summary(d)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deal-diagram",
		Method:      http.MethodGet,
		Path:        "/deals/{name}/diagram",
		Summary:     "Dependency diagram",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body DiagramResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDeal(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		g := graph.Build(d.Process.Steps)
		spec := render.Diagram(d, g)
		return &struct {
			Body DiagramResponse `json:"body"`
		}{Body: DiagramResponse{Deal: d.Name, Mermaid: spec.Mermaid(), Spec: spec}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deal-actors",
		Method:      http.MethodGet,
		Path:        "/deals/{name}/actors",
		Summary:     "Actors table",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body ActorsResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDeal(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		rows := render.ActorsTable(d)
		if rows == nil {
			rows = []render.ActorRow{}
		}
		return &struct {
			Body ActorsResponse `json:"body"`
		}{Body: ActorsResponse{Deal: d.Name, Actors: rows}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deal-readiness",
		Method:      http.MethodGet,
		Path:        "/deals/{name}/readiness",
		Summary:     "Completion gating report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*struct {
		Body engine.ReadinessReport `json:"body"`
	}, error) {
		report, err := e.Readiness(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReadinessReport `json:"body"`
		}{Body: readinessResponse(report)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent events",
	}, func(ctx context.Context, input *struct {
		Deal  string `query:"deal"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Deal, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Items: items}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Dealline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}
