package render

import (
	"fmt"
	"strings"

	"dealline/internal/domain"
	"dealline/internal/graph"
)

// DiagramSpec is the abstract node/edge/style description handed to the
// rendering collaborator. Serializable to Mermaid via Mermaid().
type DiagramSpec struct {
	Direction string        `json:"direction"`
	Classes   []ClassDef    `json:"classes"`
	Nodes     []DiagramNode `json:"nodes"`
	Edges     []graph.Edge  `json:"edges"`
}

type ClassDef struct {
	Name  string `json:"name"`
	Style string `json:"style"`
}

type DiagramNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Class string `json:"class"`
}

// classDefs is the fixed status palette.
var classDefs = []ClassDef{
	{Name: "completed", Style: "fill:#10b981,stroke:#059669,color:#fff,stroke-width:2px"},
	{Name: "inprogress", Style: "fill:#3b82f6,stroke:#2563eb,color:#fff,stroke-width:2px"},
	{Name: "notstarted", Style: "fill:#6b7280,stroke:#4b5563,color:#fff,stroke-width:2px"},
	{Name: "bypassed", Style: "fill:#f59e0b,stroke:#d97706,color:#fff,stroke-width:2px"},
	{Name: "default", Style: "fill:#8b5cf6,stroke:#7c3aed,color:#fff,stroke-width:2px"},
}

// sanitizer substitutes the characters reserved by the Mermaid syntax.
// Part of the rendering contract: unsanitized input corrupts the diagram
// at the collaborator.
var sanitizer = strings.NewReplacer(
	`"`, "'",
	"(", "[",
	")", "]",
	"<", "",
	">", "",
	"{", "[",
	"}", "]",
	"|", "/",
	"#", "",
	"&", "and",
)

// Sanitize makes a string safe for use in a Mermaid node label.
func Sanitize(s string) string {
	if s == "" {
		return absent
	}
	return sanitizer.Replace(s)
}

// StatusClass maps a step status to its diagram style class.
func StatusClass(status string) string {
	switch strings.ToLower(status) {
	case strings.ToLower(domain.StatusCompleted):
		return "completed"
	case strings.ToLower(domain.StatusInProgress):
		return "inprogress"
	case strings.ToLower(domain.StatusBypassed):
		return "bypassed"
	case strings.ToLower(domain.StatusNotStarted), strings.ToLower(domain.StatusScheduled):
		return "notstarted"
	default:
		return "default"
	}
}

// Diagram builds the diagram description for a deal from its step graph:
// one labeled node per step, one class assignment per node, one edge per
// resolved dependency (or the sequential fallback edges).
func Diagram(deal domain.Deal, g graph.Graph) DiagramSpec {
	spec := DiagramSpec{Direction: "TD", Classes: classDefs}
	ids := map[string]string{}
	for i, name := range g.Nodes {
		ids[name] = fmt.Sprintf("step%d", i)
	}
	for _, name := range g.Nodes {
		step, _ := deal.Process.StepByName(name)
		spec.Nodes = append(spec.Nodes, DiagramNode{
			ID:    ids[name],
			Label: nodeLabel(step),
			Class: StatusClass(step.Status),
		})
	}
	for _, e := range g.Edges {
		from, okFrom := ids[e.From]
		to, okTo := ids[e.To]
		if okFrom && okTo {
			spec.Edges = append(spec.Edges, graph.Edge{From: from, To: to, Synthetic: e.Synthetic})
		}
	}
	return spec
}

// nodeLabel builds the multi-line node label: name, status, then only the
// attributes that are present, then a condensed per-role actor list.
func nodeLabel(step domain.BuyingStep) string {
	parts := []string{Sanitize(step.Name)}
	parts = append(parts, "Status: "+Sanitize(step.Status))
	if step.Timeline != "" {
		parts = append(parts, "Timeline: "+Sanitize(step.Timeline))
	}
	if len(step.Products) > 0 {
		parts = append(parts, "Product: "+Sanitize(strings.Join(step.Products, ", ")))
	}
	if step.BuyerOwner != "" {
		parts = append(parts, "Buyer: "+Sanitize(step.BuyerOwner))
	}
	if names := actorNames(step.Actors.Signatories); names != "" {
		parts = append(parts, "Signatory: "+names)
	}
	if names := actorNames(step.Actors.Evaluators); names != "" {
		parts = append(parts, "Evaluator: "+names)
	}
	if names := actorNames(step.Actors.Influencers); names != "" {
		parts = append(parts, "Influencer: "+names)
	}
	return strings.Join(parts, "\\n")
}

func actorNames(actors []domain.Actor) string {
	if len(actors) == 0 {
		return ""
	}
	names := make([]string, 0, len(actors))
	for _, a := range actors {
		name := a.Name
		if name == "" {
			name = "?"
		}
		names = append(names, Sanitize(name))
	}
	return strings.Join(names, ", ")
}

// Mermaid serializes the spec into the flowchart description language:
// graph TD, one classDef per style, one node declaration plus one class
// assignment per node, one edge line per dependency.
func (s DiagramSpec) Mermaid() string {
	if len(s.Nodes) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "graph %s\n", s.Direction)
	for _, c := range s.Classes {
		fmt.Fprintf(&b, "    classDef %s %s\n", c.Name, c.Style)
	}
	b.WriteString("\n")
	for _, n := range s.Nodes {
		fmt.Fprintf(&b, "    %s[\"%s\"]\n", n.ID, n.Label)
		fmt.Fprintf(&b, "    class %s %s\n", n.ID, n.Class)
		b.WriteString("\n")
	}
	for _, e := range s.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", e.From, e.To)
	}
	return strings.TrimRight(b.String(), "\n")
}
