package governance

// ResolvedStep is an enabled step with its current eligible approvers
type ResolvedStep struct {
	Step
	Eligible EligibleSet
}

// quorum credits approvers to step slots. Each step has MinApprovals slots;
// an approver fills at most one slot and only in a step whose eligible set
// contains them. Credit is a maximum matching recomputed from the recorded
// approvals, so the arrival order of approvals does not change the outcome.
type quorum struct {
	steps []ResolvedStep
	slots []int    // slot index -> step index
	owner []string // slot index -> credited approver
	seen  map[string]bool
}

func newQuorum(steps []ResolvedStep) *quorum {
	q := &quorum{steps: steps, seen: make(map[string]bool)}
	for i, st := range steps {
		for n := 0; n < st.MinApprovals; n++ {
			q.slots = append(q.slots, i)
		}
	}
	q.owner = make([]string, len(q.slots))
	return q
}

// add credits approverID if that grows the matching. It reports false for
// an approver who is ineligible everywhere, already added, or whose steps
// are already covered by other approvers.
func (q *quorum) add(approverID string) bool {
	if q.seen[approverID] {
		return false
	}
	q.seen[approverID] = true
	return q.augment(approverID, make([]bool, len(q.slots)))
}

func (q *quorum) augment(approverID string, visited []bool) bool {
	for s, stepIdx := range q.slots {
		if visited[s] || !q.steps[stepIdx].Eligible.Contains(approverID) {
			continue
		}
		visited[s] = true
		if q.owner[s] == "" || q.augment(q.owner[s], visited) {
			q.owner[s] = approverID
			return true
		}
	}
	return false
}

// met reports whether every step has its quorum. A chain without enabled
// steps never does.
func (q *quorum) met() bool {
	if len(q.steps) == 0 {
		return false
	}
	for _, o := range q.owner {
		if o == "" {
			return false
		}
	}
	return true
}

// credited returns the number of approvals credited to each step order
func (q *quorum) credited() map[int]int {
	out := make(map[int]int, len(q.steps))
	for s, o := range q.owner {
		if o != "" {
			out[q.steps[q.slots[s]].StepOrder]++
		}
	}
	return out
}

// stepOf returns the step order approverID is credited to, or 0
func (q *quorum) stepOf(approverID string) int {
	for s, o := range q.owner {
		if o == approverID {
			return q.steps[q.slots[s]].StepOrder
		}
	}
	return 0
}
