package domain

import "fmt"

type ViolationKind string

const (
	MissingSignatory          ViolationKind = "missing_signatory"
	DuplicateStepName         ViolationKind = "duplicate_step_name"
	DanglingStepDependency    ViolationKind = "dangling_step_dependency"
	CyclicStepDependency      ViolationKind = "cyclic_step_dependency"
	DanglingCriterionDep      ViolationKind = "dangling_criterion_dependency"
	CyclicCriterionDependency ViolationKind = "cyclic_criterion_dependency"
	InconsistentCriterionType ViolationKind = "inconsistent_criterion_type"
)

// Blocking reports whether a violation of this kind must reject a merge.
// Dangling references and criterion-type drift are tolerated as warnings.
func (k ViolationKind) Blocking() bool {
	switch k {
	case MissingSignatory, DuplicateStepName, CyclicStepDependency, CyclicCriterionDependency:
		return true
	}
	return false
}

type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Step    string        `json:"step,omitempty"`
	Subject string        `json:"subject,omitempty"`
	Cycle   []string      `json:"cycle,omitempty"`
	Message string        `json:"message"`
}

type ValidationResult struct {
	Violations []Violation `json:"violations"`
}

func (r ValidationResult) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Kind.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

func (r ValidationResult) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if !v.Kind.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// OK reports whether the process may be accepted (warnings allowed).
func (r ValidationResult) OK() bool { return len(r.Blocking()) == 0 }

// Validate checks a candidate process against the structural invariants.
// Callers should Normalize first; Validate itself never rejects absent
// optional fields.
func Validate(p BuyingProcess) ValidationResult {
	var res ValidationResult

	names := map[string]bool{}
	for _, s := range p.Steps {
		if names[s.Name] {
			res.add(Violation{
				Kind:    DuplicateStepName,
				Step:    s.Name,
				Message: fmt.Sprintf("step name %q used more than once", s.Name),
			})
			continue
		}
		names[s.Name] = true
	}

	for _, s := range p.Steps {
		if len(s.Actors.Signatories) == 0 {
			res.add(Violation{
				Kind:    MissingSignatory,
				Step:    s.Name,
				Message: fmt.Sprintf("step %q has no signatory", s.Name),
			})
		}
		for _, dep := range s.Dependencies {
			if !names[dep] {
				res.add(Violation{
					Kind:    DanglingStepDependency,
					Step:    s.Name,
					Subject: dep,
					Message: fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep),
				})
			}
		}
		res.checkCriteria(s)
	}

	if cycle := findCycle(stepAdjacency(p.Steps)); cycle != nil {
		res.add(Violation{
			Kind:    CyclicStepDependency,
			Cycle:   cycle,
			Message: fmt.Sprintf("step dependency cycle: %v", cycle),
		})
	}

	return res
}

func (r *ValidationResult) add(v Violation) {
	r.Violations = append(r.Violations, v)
}

// checkCriteria validates criterion typing and the per-step criterion
// dependency graph. Criterion identity is the description string.
func (r *ValidationResult) checkCriteria(s BuyingStep) {
	known := map[string]bool{}
	forEachCriterion(s, func(role string, a Actor, c Criterion) {
		known[c.Description] = true
	})

	forEachCriterion(s, func(role string, a Actor, c Criterion) {
		if role != RoleInfluencer && c.Type == CriterionNonMandatory {
			r.add(Violation{
				Kind:    InconsistentCriterionType,
				Step:    s.Name,
				Subject: c.Description,
				Message: fmt.Sprintf("non-mandatory criterion %q on %s %q in step %q", c.Description, role, a.Name, s.Name),
			})
		}
		for _, dep := range c.Dependencies {
			if !known[dep] {
				r.add(Violation{
					Kind:    DanglingCriterionDep,
					Step:    s.Name,
					Subject: dep,
					Message: fmt.Sprintf("criterion %q in step %q depends on unknown criterion %q", c.Description, s.Name, dep),
				})
			}
		}
	})

	if cycle := findCycle(criterionAdjacency(s)); cycle != nil {
		r.add(Violation{
			Kind:    CyclicCriterionDependency,
			Step:    s.Name,
			Cycle:   cycle,
			Message: fmt.Sprintf("criterion dependency cycle in step %q: %v", s.Name, cycle),
		})
	}
}

func forEachCriterion(s BuyingStep, fn func(role string, a Actor, c Criterion)) {
	for _, a := range s.Actors.Signatories {
		for _, c := range a.Criteria {
			fn(RoleSignatory, a, c)
		}
	}
	for _, a := range s.Actors.Evaluators {
		for _, c := range a.Criteria {
			fn(RoleEvaluator, a, c)
		}
	}
	for _, a := range s.Actors.Influencers {
		for _, c := range a.Criteria {
			fn(RoleInfluencer, a, c)
		}
	}
}

type adjacency struct {
	order []string
	edges map[string][]string
}

func stepAdjacency(steps []BuyingStep) adjacency {
	adj := adjacency{edges: map[string][]string{}}
	names := map[string]bool{}
	for _, s := range steps {
		if names[s.Name] {
			continue
		}
		names[s.Name] = true
		adj.order = append(adj.order, s.Name)
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if names[dep] {
				adj.edges[dep] = append(adj.edges[dep], s.Name)
			}
		}
	}
	return adj
}

func criterionAdjacency(s BuyingStep) adjacency {
	adj := adjacency{edges: map[string][]string{}}
	known := map[string]bool{}
	forEachCriterion(s, func(_ string, _ Actor, c Criterion) {
		if known[c.Description] {
			return
		}
		known[c.Description] = true
		adj.order = append(adj.order, c.Description)
	})
	forEachCriterion(s, func(_ string, _ Actor, c Criterion) {
		for _, dep := range c.Dependencies {
			if known[dep] {
				adj.edges[dep] = append(adj.edges[dep], c.Description)
			}
		}
	})
	return adj
}

// findCycle runs a depth-first search over the adjacency and returns the
// first cycle found as an ordered node list, or nil.
func findCycle(adj adjacency) []string {
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
		for _, next := range adj.edges[n] {
			switch color[next] {
			case gray:
				// unwind the stack back to the cycle entry
				for i, s := range stack {
					if s == next {
						cycle = append([]string{}, stack[i:]...)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range adj.order {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}
