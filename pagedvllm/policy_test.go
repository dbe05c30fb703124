package pagedvllm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func policyCandidates() []*SequenceGroup {
	mk := func(id string, admit uint64, priority, maxTokens int) *SequenceGroup {
		g := NewSequenceGroup(id, []int{1, 2, 3}, NewSamplingParams(WithMaxTokens(maxTokens)), time.Now(), 16)
		g.admitSeq = admit
		g.Priority = priority
		return g
	}
	return []*SequenceGroup{
		mk("old", 1, 5, 10),
		mk("mid", 2, 0, 4),
		mk("new", 3, 0, 20),
	}
}

func TestPreemptionPolicies(t *testing.T) {
	cases := []struct {
		policy string
		want   string
	}{
		{PolicyTail, "new"},
		{PolicyLowestRemainingBudget, "mid"},
		{PolicyPriority, "old"},
	}
	for _, tc := range cases {
		t.Run(tc.policy, func(t *testing.T) {
			p, err := NewPreemptionPolicy(tc.policy)
			require.NoError(t, err)
			assert.Equal(t, tc.policy, p.Name())
			assert.Equal(t, tc.want, p.SelectVictim(policyCandidates()).RequestID)
		})
	}
}

func TestPreemptionPolicyTiesGoToTail(t *testing.T) {
	groups := policyCandidates()
	for _, g := range groups {
		g.Priority = 1
		g.Params.MaxTokens = 8
	}

	for _, name := range []string{PolicyLowestRemainingBudget, PolicyPriority} {
		p, err := NewPreemptionPolicy(name)
		require.NoError(t, err)
		assert.Equal(t, "new", p.SelectVictim(groups).RequestID, name)
	}
}

func TestNewPreemptionPolicyUnknown(t *testing.T) {
	_, err := NewPreemptionPolicy("random")
	assert.Error(t, err)

	p, err := NewPreemptionPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyTail, p.Name())
}
