package extract

import (
	"encoding/json"
	"fmt"

	"dealline/internal/domain"
)

// DefaultSystemPrompt instructs the extraction collaborator to turn raw
// sales conversation text into the structured buying-process document.
const DefaultSystemPrompt = `You are a Sales Deal Structuring AI. Your job is to extract and organize information from raw sales conversation text into a structured JSON format that represents a Buying Process.

## The Buying Process Structure

A Buying Process consists of one or more Buying Steps. Each step tracks progress through a deal.

### Buying Step Attributes:
- **name**: Step name (e.g., Discovery, Demo, PoC, Pilot, Security Review, Legal Review, Budget Approval)
- **status**: One of "Not Started", "In Progress", "Completed", "Bypassed"
- **timeline**: Target completion date or timeframe
- **product**: Array of product names this step applies to
- **forecast_readiness_dimension**: One of: "Budget Closure", "Function Usage Closure", "Technical Closure", "Security & Compliance Closure", "Business Case Closure", "Commercial Closure", "Contract Closure", "Implementation Readiness Closure", "Adoption Readiness Closure", "Operational Closure"
- **step_dependency**: Array of step names this step depends on (prerequisites)
- **buyer_owner**: Person who owns this step from the buyer's organization
- **seller_owner**: Person who owns this step from the seller's organization
- **evidence**: Object with "artifact" (description of evidence) and "last_updated" (timestamp)
- **actors**: Object containing "signatories", "evaluators", "influencers" arrays

### Actor Types:
1. **Signatory**: Has sign-off authority. Must have >=1 mandatory criterion. Final approver.
2. **Evaluator**: Has mandatory evaluation criteria. No sign-off authority. Blocks completion until criteria met.
3. **Influencer**: Has non-mandatory criteria. Cannot block or approve a step.

### Actor Attributes:
- **name**: Person's name
- **title**: Job title
- **department**: Department
- **timeline**: When their involvement is expected
- **status**: "Active", "Pending", "Completed"
- **sign_off_status** (Signatory only): "Pending", "Approved", "Rejected", "Bypassed"
- **criteria**: Array of criterion objects

### Criterion Attributes:
- **product**: Which product this criterion applies to
- **description**: What must be satisfied (verifiable format)
- **type**: "Mandatory" or "Non-Mandatory"
- **timeline**: Target completion date
- **dependency**: Array of criterion descriptions this depends on
- **status**: "Not Started", "In Progress", "Completed", "Bypassed"

## Rules:
- Every Buying Step must have >=1 Signatory
- Signatories and Evaluators have Mandatory criteria
- Influencers have Non-Mandatory criteria
- No circular dependencies in step or criterion dependency graphs
- Step dependency blocks completion, not start
- A deal is closed-won only when ALL required buying steps are complete + evidenced

## Output Format:
Return ONLY valid JSON with a top-level "buying_process" object containing a "buying_steps" array of step objects shaped as described above.

IMPORTANT: Return ONLY the JSON. No markdown, no explanation, no code fences. Just raw JSON.`

// Message is one chat turn sent to the extraction provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildMessages assembles the system and user prompts for an extraction
// call. When the deal already has steps, the full existing process is
// included so the collaborator returns the complete merged document.
func BuildMessages(systemPrompt, rawText string, existing *domain.BuyingProcess) ([]Message, error) {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	user, err := buildUserPrompt(rawText, existing)
	if err != nil {
		return nil, err
	}
	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user},
	}, nil
}

func buildUserPrompt(rawText string, existing *domain.BuyingProcess) (string, error) {
	if existing != nil && len(existing.Steps) > 0 {
		existingJSON, err := json.MarshalIndent(existing, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal existing process: %w", err)
		}
		return fmt.Sprintf(`Here is the EXISTING deal structure:
`+"```json\n%s\n```"+`

Here is a NEW UPDATE to this deal. Merge the new information into the existing structure.
- Update statuses, timelines, and criteria if new info is available
- Add new buying steps, actors, or criteria if they appear
- Do NOT remove existing data unless the update explicitly says something was removed or cancelled
- Preserve all existing information that is not contradicted by the update

NEW UPDATE TEXT:
"""
%s
"""

Return the complete updated buying_process JSON (with ALL steps, including unchanged ones).`, existingJSON, rawText), nil
	}
	return fmt.Sprintf(`Extract the buying process information from the following sales conversation text.
Create buying steps, actors, and criteria based on what you can identify.
If information is not explicitly stated, leave those fields as empty strings or empty arrays.

SALES UPDATE TEXT:
"""
%s
"""

Return the buying_process JSON.`, rawText), nil
}
