// Package graph derives the dependency graph a deal's diagram is drawn
// from. Edges point dependency -> dependent; unresolved names simply
// produce no edge (the model layer reports them as warnings).
package graph

import "dealline/internal/domain"

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	// Synthetic marks a sequential fallback edge added for layout when no
	// dependencies are declared. Never persisted, never used for gating.
	Synthetic bool `json:"synthetic,omitempty"`
}

type Graph struct {
	// Nodes in display order (authoring order of the steps).
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

// Build constructs the step graph: one node per step keyed by name, one
// edge per dependency that resolves by exact name match. When no step
// declares any dependency and there are at least two steps, a sequential
// fallback chain step[i] -> step[i+1] is synthesized for layout.
func Build(steps []domain.BuyingStep) Graph {
	g := Graph{}
	known := map[string]bool{}
	for _, s := range steps {
		if known[s.Name] {
			continue
		}
		known[s.Name] = true
		g.Nodes = append(g.Nodes, s.Name)
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if known[dep] && dep != s.Name {
				g.Edges = append(g.Edges, Edge{From: dep, To: s.Name})
			}
		}
	}
	if len(g.Edges) == 0 && len(g.Nodes) > 1 {
		for i := 0; i < len(g.Nodes)-1; i++ {
			g.Edges = append(g.Edges, Edge{From: g.Nodes[i], To: g.Nodes[i+1], Synthetic: true})
		}
	}
	return g
}

// BuildCriteria constructs the criterion graph scoped to one step: nodes
// are criterion descriptions across all three actor roles, edges are the
// resolvable criterion dependencies.
func BuildCriteria(step domain.BuyingStep) Graph {
	g := Graph{}
	known := map[string]bool{}
	add := func(c domain.Criterion) {
		if c.Description == "" || known[c.Description] {
			return
		}
		known[c.Description] = true
		g.Nodes = append(g.Nodes, c.Description)
	}
	each := func(actors []domain.Actor, fn func(domain.Criterion)) {
		for _, a := range actors {
			for _, c := range a.Criteria {
				fn(c)
			}
		}
	}
	each(step.Actors.Signatories, add)
	each(step.Actors.Evaluators, add)
	each(step.Actors.Influencers, add)

	link := func(c domain.Criterion) {
		for _, dep := range c.Dependencies {
			if known[dep] && dep != c.Description {
				g.Edges = append(g.Edges, Edge{From: dep, To: c.Description})
			}
		}
	}
	each(step.Actors.Signatories, link)
	each(step.Actors.Evaluators, link)
	each(step.Actors.Influencers, link)

	if len(g.Edges) == 0 && len(g.Nodes) > 1 {
		for i := 0; i < len(g.Nodes)-1; i++ {
			g.Edges = append(g.Edges, Edge{From: g.Nodes[i], To: g.Nodes[i+1], Synthetic: true})
		}
	}
	return g
}

// FindCycle runs a depth-first search over the declared (non-synthetic)
// edges and returns the first cycle as an ordered node list, or nil.
func (g Graph) FindCycle() []string {
	next := map[string][]string{}
	for _, e := range g.Edges {
		if e.Synthetic {
			continue
		}
		next[e.From] = append(next[e.From], e.To)
	}

	const (
		white = iota
		gray
		black
	)
	color := map[string]int{}
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, m := range next[n] {
			switch color[m] {
			case gray:
				for i, s := range stack {
					if s == m {
						cycle = append([]string{}, stack[i:]...)
						return true
					}
				}
			case white:
				if visit(m) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range g.Nodes {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}
