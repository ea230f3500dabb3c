package server

import (
	"dealline/internal/domain"
	"dealline/internal/engine"
	"dealline/internal/render"
	"dealline/internal/repo"
)

// Request payloads

type CreateDealRequest struct {
	Name string `json:"name"`
}

// ApplyUpdateRequest carries either the raw text of a sales update (sent
// through the extraction provider) or a pre-extracted document.
type ApplyUpdateRequest struct {
	RawText   string                  `json:"raw_text,omitempty"`
	Extracted *domain.ProcessDocument `json:"extracted,omitempty"`
}

// Response payloads

type DealResponse struct {
	Name      string               `json:"deal_name"`
	CreatedAt string               `json:"created_at" format:"date-time"`
	UpdatedAt string               `json:"updated_at" format:"date-time"`
	Process   domain.BuyingProcess `json:"buying_process"`
	Updates   int                  `json:"updates"`
}

type UpdateResultResponse struct {
	Deal     DealResponse       `json:"deal"`
	Warnings []domain.Violation `json:"warnings"`
}

type SummaryResponse struct {
	Deal    string `json:"deal"`
	Summary string `json:"summary"`
}

type DiagramResponse struct {
	Deal    string             `json:"deal"`
	Mermaid string             `json:"mermaid"`
	Spec    render.DiagramSpec `json:"spec"`
}

type ActorsResponse struct {
	Deal   string            `json:"deal"`
	Actors []render.ActorRow `json:"actors"`
}

type HistoryResponse struct {
	Deal  string                `json:"deal"`
	Items []domain.UpdateRecord `json:"items"`
}

type EventsResponse struct {
	Items []domain.Event `json:"items"`
}

func dealResponse(d domain.Deal) DealResponse {
	return DealResponse{
		Name:      d.Name,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		Process:   d.Process,
		Updates:   len(d.History),
	}
}

func updateResultResponse(d domain.Deal, res domain.ValidationResult) UpdateResultResponse {
	warnings := res.Warnings()
	if warnings == nil {
		warnings = []domain.Violation{}
	}
	return UpdateResultResponse{Deal: dealResponse(d), Warnings: warnings}
}

func mapListings(items []repo.DealListing) []repo.DealListing {
	if items == nil {
		return []repo.DealListing{}
	}
	return items
}

func readinessResponse(r engine.ReadinessReport) engine.ReadinessReport {
	if r.Steps == nil {
		r.Steps = []engine.StepReadiness{}
	}
	return r
}
