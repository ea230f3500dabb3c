package domain

// stepDone is the completion-gating predicate: Completed and Bypassed both
// count as finished.
func stepDone(status string) bool {
	return status == StatusCompleted || status == StatusBypassed
}

// StepReady reports whether a step may be closed: every criterion held by
// its signatories and evaluators is finished, and every dependency that
// resolves to an existing step is finished. Dangling dependencies and
// influencer criteria never gate.
func (p BuyingProcess) StepReady(name string) bool {
	s, ok := p.StepByName(name)
	if !ok {
		return false
	}
	for _, a := range s.Actors.Signatories {
		for _, c := range a.Criteria {
			if !stepDone(c.Status) {
				return false
			}
		}
	}
	for _, a := range s.Actors.Evaluators {
		for _, c := range a.Criteria {
			if !stepDone(c.Status) {
				return false
			}
		}
	}
	for _, dep := range s.Dependencies {
		d, ok := p.StepByName(dep)
		if !ok {
			continue
		}
		if !stepDone(d.Status) {
			return false
		}
	}
	return true
}

// ClosedWon reports whether every step in the process is finished. An empty
// process is not closed-won.
func (p BuyingProcess) ClosedWon() bool {
	if len(p.Steps) == 0 {
		return false
	}
	for _, s := range p.Steps {
		if !stepDone(s.Status) {
			return false
		}
	}
	return true
}
