package graph

import (
	"reflect"
	"testing"

	"dealline/internal/domain"
)

func steps(specs ...[2]any) []domain.BuyingStep {
	var out []domain.BuyingStep
	for _, s := range specs {
		out = append(out, domain.BuyingStep{Name: s[0].(string), Dependencies: s[1].([]string)})
	}
	return out
}

func TestBuildEdgesPointDependencyToDependent(t *testing.T) {
	g := Build(steps(
		[2]any{"Discovery", []string(nil)},
		[2]any{"Demo", []string{"Discovery"}},
		[2]any{"PoC", []string{"Demo", "Discovery"}},
	))
	if !reflect.DeepEqual(g.Nodes, []string{"Discovery", "Demo", "PoC"}) {
		t.Fatalf("nodes: %v", g.Nodes)
	}
	want := []Edge{
		{From: "Discovery", To: "Demo"},
		{From: "Demo", To: "PoC"},
		{From: "Discovery", To: "PoC"},
	}
	if !reflect.DeepEqual(g.Edges, want) {
		t.Fatalf("edges: %v", g.Edges)
	}
}

func TestBuildSkipsUnresolvableAndSelfEdges(t *testing.T) {
	g := Build(steps(
		[2]any{"Demo", []string{"Ghost", "Demo"}},
		[2]any{"PoC", []string{"Demo"}},
	))
	want := []Edge{{From: "Demo", To: "PoC"}}
	if !reflect.DeepEqual(g.Edges, want) {
		t.Fatalf("edges: %v", g.Edges)
	}
}

func TestBuildSequentialFallback(t *testing.T) {
	g := Build(steps(
		[2]any{"Discovery", []string(nil)},
		[2]any{"Demo", []string(nil)},
		[2]any{"PoC", []string(nil)},
	))
	want := []Edge{
		{From: "Discovery", To: "Demo", Synthetic: true},
		{From: "Demo", To: "PoC", Synthetic: true},
	}
	if !reflect.DeepEqual(g.Edges, want) {
		t.Fatalf("fallback edges: %v", g.Edges)
	}
	// Single node gets no fallback chain.
	if g := Build(steps([2]any{"Discovery", []string(nil)})); len(g.Edges) != 0 {
		t.Fatalf("single-node fallback: %v", g.Edges)
	}
}

func TestFindCycleIgnoresSyntheticEdges(t *testing.T) {
	g := Graph{
		Nodes: []string{"A", "B"},
		Edges: []Edge{
			{From: "A", To: "B", Synthetic: true},
			{From: "B", To: "A", Synthetic: true},
		},
	}
	if c := g.FindCycle(); c != nil {
		t.Fatalf("synthetic edges formed a cycle: %v", c)
	}
}

func TestFindCycleReturnsOrderedPath(t *testing.T) {
	g := Build(steps(
		[2]any{"A", []string{"C"}},
		[2]any{"B", []string{"A"}},
		[2]any{"C", []string{"B"}},
	))
	c := g.FindCycle()
	if len(c) != 3 {
		t.Fatalf("cycle: %v", c)
	}
}

func TestBuildCriteriaSpansRoles(t *testing.T) {
	step := domain.BuyingStep{
		Name: "Security Review",
		Actors: domain.Actors{
			Signatories: []domain.Actor{{Name: "CISO", Criteria: []domain.Criterion{
				{Description: "Sign-off", Dependencies: []string{"Pen test"}},
			}}},
			Evaluators: []domain.Actor{{Name: "Eng", Criteria: []domain.Criterion{
				{Description: "Pen test"},
			}}},
		},
	}
	g := BuildCriteria(step)
	if !reflect.DeepEqual(g.Nodes, []string{"Sign-off", "Pen test"}) {
		t.Fatalf("nodes: %v", g.Nodes)
	}
	want := []Edge{{From: "Pen test", To: "Sign-off"}}
	if !reflect.DeepEqual(g.Edges, want) {
		t.Fatalf("edges: %v", g.Edges)
	}
}
