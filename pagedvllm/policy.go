package pagedvllm

import "fmt"

// Preemption victim policies
const (
	PolicyTail                  = "tail"
	PolicyLowestRemainingBudget = "lowest-remaining-budget"
	PolicyPriority              = "priority"
)

// PreemptionPolicy picks which running group gives up its blocks when the
// device pool cannot extend every running group.
type PreemptionPolicy interface {
	Name() string
	// SelectVictim returns one of candidates, which is never empty and is
	// ordered oldest admission first.
	SelectVictim(candidates []*SequenceGroup) *SequenceGroup
}

// NewPreemptionPolicy returns the policy registered under name
func NewPreemptionPolicy(name string) (PreemptionPolicy, error) {
	switch name {
	case PolicyTail, "":
		return tailPolicy{}, nil
	case PolicyLowestRemainingBudget:
		return lowestRemainingBudgetPolicy{}, nil
	case PolicyPriority:
		return priorityPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown preemption policy %q", name)
	}
}

// tailPolicy evicts the most recently admitted group
type tailPolicy struct{}

func (tailPolicy) Name() string { return PolicyTail }

func (tailPolicy) SelectVictim(candidates []*SequenceGroup) *SequenceGroup {
	victim := candidates[0]
	for _, g := range candidates[1:] {
		if g.admitSeq > victim.admitSeq {
			victim = g
		}
	}
	return victim
}

// lowestRemainingBudgetPolicy evicts the group with the fewest tokens left to
// generate, breaking ties toward the most recent admission.
type lowestRemainingBudgetPolicy struct{}

func (lowestRemainingBudgetPolicy) Name() string { return PolicyLowestRemainingBudget }

func (lowestRemainingBudgetPolicy) SelectVictim(candidates []*SequenceGroup) *SequenceGroup {
	victim := candidates[0]
	for _, g := range candidates[1:] {
		rg, rv := g.RemainingBudget(), victim.RemainingBudget()
		if rg < rv || (rg == rv && g.admitSeq > victim.admitSeq) {
			victim = g
		}
	}
	return victim
}

// priorityPolicy evicts the group with the largest Priority value, i.e. the
// least urgent one, breaking ties toward the most recent admission.
type priorityPolicy struct{}

func (priorityPolicy) Name() string { return PolicyPriority }

func (priorityPolicy) SelectVictim(candidates []*SequenceGroup) *SequenceGroup {
	victim := candidates[0]
	for _, g := range candidates[1:] {
		if g.Priority > victim.Priority || (g.Priority == victim.Priority && g.admitSeq > victim.admitSeq) {
			victim = g
		}
	}
	return victim
}
