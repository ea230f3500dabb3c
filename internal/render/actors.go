package render

import "dealline/internal/domain"

// ActorRow is one line of the flat cross-step actors table.
type ActorRow struct {
	Step     string `json:"step"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	Title    string `json:"title,omitempty"`
	SignOff  string `json:"sign_off,omitempty"`
	Status   string `json:"status"`
	Timeline string `json:"timeline,omitempty"`
	Criteria int    `json:"criteria"`
}

// ActorsTable flattens every actor across all steps for tabular display,
// in process order, signatories first within each step.
func ActorsTable(deal domain.Deal) []ActorRow {
	var rows []ActorRow
	for _, step := range deal.Process.Steps {
		for _, a := range step.Actors.Signatories {
			signOff := a.SignOffStatus
			if signOff == "" {
				signOff = domain.SignOffPending
			}
			rows = append(rows, ActorRow{
				Step:     step.Name,
				Role:     domain.RoleSignatory,
				Name:     orAbsent(a.Name),
				Title:    a.Title,
				SignOff:  signOff,
				Status:   orAbsent(a.Status),
				Timeline: a.Timeline,
				Criteria: len(a.Criteria),
			})
		}
		for _, a := range step.Actors.Evaluators {
			rows = append(rows, ActorRow{
				Step:     step.Name,
				Role:     domain.RoleEvaluator,
				Name:     orAbsent(a.Name),
				Title:    a.Title,
				Status:   orAbsent(a.Status),
				Timeline: a.Timeline,
				Criteria: len(a.Criteria),
			})
		}
		for _, a := range step.Actors.Influencers {
			rows = append(rows, ActorRow{
				Step:     step.Name,
				Role:     domain.RoleInfluencer,
				Name:     orAbsent(a.Name),
				Title:    a.Title,
				Status:   orAbsent(a.Status),
				Timeline: a.Timeline,
				Criteria: len(a.Criteria),
			})
		}
	}
	return rows
}
