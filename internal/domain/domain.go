package domain

// Step and criterion statuses use the wire spelling of the extraction
// contract ("Not Started", not "not_started").
const (
	StatusNotStarted = "Not Started"
	StatusInProgress = "In Progress"
	StatusCompleted  = "Completed"
	StatusBypassed   = "Bypassed"
	StatusScheduled  = "Scheduled"
)

const (
	ActorActive    = "Active"
	ActorPending   = "Pending"
	ActorCompleted = "Completed"
)

const (
	SignOffPending  = "Pending"
	SignOffApproved = "Approved"
	SignOffRejected = "Rejected"
	SignOffBypassed = "Bypassed"
)

const (
	CriterionMandatory    = "Mandatory"
	CriterionNonMandatory = "Non-Mandatory"
)

// Actor roles. Signatories approve, evaluators block, influencers advise.
const (
	RoleSignatory  = "Signatory"
	RoleEvaluator  = "Evaluator"
	RoleInfluencer = "Influencer"
)

// ForecastDimensions is the fixed set of closure categories a step can
// contribute to.
var ForecastDimensions = []string{
	"Budget Closure",
	"Function Usage Closure",
	"Technical Closure",
	"Security & Compliance Closure",
	"Business Case Closure",
	"Commercial Closure",
	"Contract Closure",
	"Implementation Readiness Closure",
	"Adoption Readiness Closure",
	"Operational Closure",
}

type Deal struct {
	Name      string         `json:"deal_name"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
	Process   BuyingProcess  `json:"buying_process"`
	History   []UpdateRecord `json:"update_history"`
}

type BuyingProcess struct {
	Steps []BuyingStep `json:"buying_steps"`
}

type BuyingStep struct {
	Name              string   `json:"name"`
	Status            string   `json:"status,omitempty" enum:"Not Started,In Progress,Completed,Bypassed"`
	Timeline          string   `json:"timeline,omitempty"`
	Products          []string `json:"product,omitempty"`
	ForecastDimension string   `json:"forecast_readiness_dimension,omitempty"`
	Dependencies      []string `json:"step_dependency,omitempty"`
	BuyerOwner        string   `json:"buyer_owner,omitempty"`
	SellerOwner       string   `json:"seller_owner,omitempty"`
	Evidence          Evidence `json:"evidence"`
	Actors            Actors   `json:"actors"`
}

type Evidence struct {
	Artifact    string `json:"artifact,omitempty"`
	LastUpdated string `json:"last_updated,omitempty"`
}

// Actors partitions the people on a step by role. The three sequences are
// disjoint and ordered; the role is carried by the partition, not the Actor.
type Actors struct {
	Signatories []Actor `json:"signatories"`
	Evaluators  []Actor `json:"evaluators"`
	Influencers []Actor `json:"influencers"`
}

// Actor is the shared shape for all three roles. SignOffStatus is the
// signatory-only payload and stays empty on evaluators and influencers.
type Actor struct {
	Name          string      `json:"name"`
	Title         string      `json:"title,omitempty"`
	Department    string      `json:"department,omitempty"`
	Timeline      string      `json:"timeline,omitempty"`
	Status        string      `json:"status,omitempty" enum:"Active,Pending,Completed"`
	SignOffStatus string      `json:"sign_off_status,omitempty" enum:"Pending,Approved,Rejected,Bypassed"`
	Criteria      []Criterion `json:"criteria"`
}

type Criterion struct {
	Product      string   `json:"product,omitempty"`
	Description  string   `json:"description"`
	Type         string   `json:"type,omitempty" enum:"Mandatory,Non-Mandatory"`
	Timeline     string   `json:"timeline,omitempty"`
	Dependencies []string `json:"dependency,omitempty"`
	Status       string   `json:"status,omitempty" enum:"Not Started,In Progress,Completed,Bypassed"`
}

// ProcessDocument is the shape the extraction collaborator returns.
type ProcessDocument struct {
	Process BuyingProcess `json:"buying_process"`
}

// UpdateRecord is one append-only history entry: the verbatim input and the
// exact document extracted from it. Never mutated after the merge commits.
type UpdateRecord struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp" format:"date-time"`
	RawText   string          `json:"raw_text"`
	Extracted ProcessDocument `json:"extracted_data"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	DealName   string `json:"deal_name,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Normalize fills the empty defaults the extraction contract allows to be
// absent: statuses, sign-off, and nil slices. It never rejects.
func Normalize(p *BuyingProcess) {
	if p.Steps == nil {
		p.Steps = []BuyingStep{}
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status == "" {
			s.Status = StatusNotStarted
		}
		if s.Products == nil {
			s.Products = []string{}
		}
		if s.Dependencies == nil {
			s.Dependencies = []string{}
		}
		normalizeActors(s.Actors.Signatories, true)
		normalizeActors(s.Actors.Evaluators, false)
		normalizeActors(s.Actors.Influencers, false)
		if s.Actors.Signatories == nil {
			s.Actors.Signatories = []Actor{}
		}
		if s.Actors.Evaluators == nil {
			s.Actors.Evaluators = []Actor{}
		}
		if s.Actors.Influencers == nil {
			s.Actors.Influencers = []Actor{}
		}
	}
}

func normalizeActors(actors []Actor, signatory bool) {
	for i := range actors {
		a := &actors[i]
		if a.Status == "" {
			a.Status = ActorPending
		}
		if signatory && a.SignOffStatus == "" {
			a.SignOffStatus = SignOffPending
		}
		if !signatory {
			a.SignOffStatus = ""
		}
		if a.Criteria == nil {
			a.Criteria = []Criterion{}
		}
		for j := range a.Criteria {
			c := &a.Criteria[j]
			if c.Status == "" {
				c.Status = StatusNotStarted
			}
			if c.Dependencies == nil {
				c.Dependencies = []string{}
			}
		}
	}
}

// StepByName resolves a step by exact name match.
func (p BuyingProcess) StepByName(name string) (BuyingStep, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return BuyingStep{}, false
}
