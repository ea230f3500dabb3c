// Package render derives the human-readable views of a deal: the text
// summary, the flat actors table, and the Mermaid diagram handed to the
// rendering collaborator.
package render

import (
	"fmt"
	"strings"

	"dealline/internal/domain"
)

// placeholder tokens keep summaries diff-friendly across versions.
const (
	absent = "N/A"
	none   = "None"
)

func orAbsent(s string) string {
	if s == "" {
		return absent
	}
	return s
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}

// Summary renders the deterministic nested outline of a deal: header, each
// step in process order, then actors grouped by role with their criteria.
func Summary(deal domain.Deal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Deal: %s\n", orAbsent(deal.Name))
	fmt.Fprintf(&b, "Created: %s\n", orAbsent(deal.CreatedAt))
	fmt.Fprintf(&b, "Last Updated: %s\n", orAbsent(deal.UpdatedAt))
	b.WriteString("\n")

	if len(deal.Process.Steps) == 0 {
		b.WriteString("No buying steps recorded yet.")
		return b.String()
	}

	for i, step := range deal.Process.Steps {
		fmt.Fprintf(&b, "## Buying Step %d: %s\n", i+1, orAbsent(step.Name))
		fmt.Fprintf(&b, "- Status: %s\n", orAbsent(step.Status))
		fmt.Fprintf(&b, "- Timeline: %s\n", orAbsent(step.Timeline))
		fmt.Fprintf(&b, "- Product: %s\n", joinOr(step.Products, absent))
		fmt.Fprintf(&b, "- Forecast Readiness: %s\n", orAbsent(step.ForecastDimension))
		fmt.Fprintf(&b, "- Dependencies: %s\n", joinOr(step.Dependencies, none))
		fmt.Fprintf(&b, "- Buyer Owner: %s\n", orAbsent(step.BuyerOwner))
		fmt.Fprintf(&b, "- Seller Owner: %s\n", orAbsent(step.SellerOwner))

		for _, a := range step.Actors.Signatories {
			signOff := a.SignOffStatus
			if signOff == "" {
				signOff = domain.SignOffPending
			}
			fmt.Fprintf(&b, "  - **Signatory**: %s | Timeline: %s | Sign-off: %s\n",
				orAbsent(a.Name), orAbsent(a.Timeline), signOff)
			writeCriteria(&b, a.Criteria)
		}
		for _, a := range step.Actors.Evaluators {
			fmt.Fprintf(&b, "  - **Evaluator**: %s | Timeline: %s\n", orAbsent(a.Name), orAbsent(a.Timeline))
			writeCriteria(&b, a.Criteria)
		}
		for _, a := range step.Actors.Influencers {
			fmt.Fprintf(&b, "  - **Influencer**: %s | Timeline: %s\n", orAbsent(a.Name), orAbsent(a.Timeline))
			writeCriteria(&b, a.Criteria)
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func writeCriteria(b *strings.Builder, criteria []domain.Criterion) {
	for _, c := range criteria {
		fmt.Fprintf(b, "    - Criterion: %s [%s]\n", orAbsent(c.Description), orAbsent(c.Status))
	}
}
