package pagedvllm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceCreation(t *testing.T) {
	tokenIDs := []int{1, 2, 3, 4, 5}
	seq := NewSequence(tokenIDs, 16)

	assert.Equal(t, 5, seq.Len())
	assert.Equal(t, 5, seq.NumPromptTokens)
	assert.Equal(t, 0, seq.NumCompletionTokens())
	assert.Equal(t, StatusWaiting, seq.Status)
	assert.True(t, seq.IsPrefill())
	assert.True(t, seq.BlockTable().IsEmpty())

	tokenIDs[0] = 99
	assert.Equal(t, 1, seq.TokenIDs[0], "prompt is copied")
}

func TestSequenceAppendToken(t *testing.T) {
	seq := NewSequence([]int{1, 2, 3}, 16)

	seq.AppendToken(4, -0.5, map[int]float64{4: -0.5})
	seq.AppendToken(5, -0.25, nil)

	assert.Equal(t, 5, seq.Len())
	assert.Equal(t, 5, seq.LastToken())
	assert.Equal(t, 2, seq.NumCompletionTokens())
	assert.Equal(t, []int{1, 2, 3}, seq.PromptTokenIDs())
	assert.Equal(t, []int{4, 5}, seq.CompletionTokenIDs())
	assert.InDelta(t, -0.75, seq.CumulativeLogProb, 1e-9)
	assert.Len(t, seq.LogProbs, 2)
}

func TestSequenceForkIsIndependent(t *testing.T) {
	seq := NewSequence([]int{1, 2, 3}, 16)
	seq.AppendToken(4, -1, nil)

	child := seq.fork()
	assert.NotEqual(t, seq.SeqID, child.SeqID)
	assert.Equal(t, seq.TokenIDs, child.TokenIDs)

	child.AppendToken(7, -1, nil)
	assert.Equal(t, 4, seq.Len(), "appending to a fork leaves the parent alone")
	assert.Equal(t, 5, child.Len())
}

func TestSequenceResetForRecompute(t *testing.T) {
	seq := NewSequence([]int{1, 2, 3}, 16)
	seq.numComputed = 3
	seq.AppendToken(4, -1, nil)
	seq.StopMatched = "x"

	seq.resetForRecompute()
	assert.Equal(t, []int{1, 2, 3}, seq.TokenIDs)
	assert.Equal(t, 0, seq.NumComputed())
	assert.Zero(t, seq.CumulativeLogProb)
	assert.Empty(t, seq.StopMatched)
	assert.Equal(t, StatusWaiting, seq.Status)
}

func TestSequenceStatusString(t *testing.T) {
	assert.Equal(t, "WAITING", StatusWaiting.String())
	assert.Equal(t, "FINISHED", StatusFinished.String())
}

func TestSequenceGroupBestOutputs(t *testing.T) {
	g := NewSequenceGroup("g", []int{1, 2}, NewSamplingParams(WithBestOf(2, 3)), time.Now(), 16)
	for i := 0; i < 2; i++ {
		g.seqs = append(g.seqs, g.root().fork())
	}
	g.seqs[0].CumulativeLogProb = -3
	g.seqs[1].CumulativeLogProb = -1
	g.seqs[2].CumulativeLogProb = -2

	best := g.BestOutputs(2)
	require.Len(t, best, 2)
	assert.Equal(t, g.seqs[1], best[0])
	assert.Equal(t, g.seqs[2], best[1])
	assert.Equal(t, g.seqs[0], g.root(), "ranking does not reorder the group")
}

func TestSequenceGroupBudgetAndSeats(t *testing.T) {
	g := NewSequenceGroup("g", []int{1, 2}, NewSamplingParams(WithMaxTokens(10), WithBestOf(1, 2)), time.Now(), 16)
	assert.Equal(t, 2, g.MaxNumRunningSeqs(), "an unforked group reserves seats for every sample")
	assert.Equal(t, 10, g.RemainingBudget())
	assert.True(t, g.IsPrefill())

	g.root().numComputed = 2
	g.root().AppendToken(3, 0, nil)
	g.seqs = append(g.seqs, g.root().fork())
	g.forked = true
	g.seqs[1].finish(FinishStop)

	assert.Equal(t, 1, g.MaxNumRunningSeqs())
	assert.Equal(t, 9, g.RemainingBudget())
	assert.False(t, g.IsFinished())

	g.finish(FinishCancelled)
	assert.True(t, g.IsFinished())
	assert.Equal(t, FinishCancelled, g.root().FinishReason)
	assert.Equal(t, FinishStop, g.seqs[1].FinishReason, "already finished sequences keep their reason")
}

func TestSamplingParamsDefaults(t *testing.T) {
	sp := NewSamplingParams()
	assert.Equal(t, 1.0, sp.Temperature)
	assert.Equal(t, 1.0, sp.TopP)
	assert.Equal(t, 1, sp.N)
	assert.Equal(t, 64, sp.MaxTokens)
	assert.Equal(t, 1, sp.NumSequences())

	sp = NewSamplingParams(WithBestOf(2, 4), WithStop("a", "b"), WithTemperature(0.7))
	assert.Equal(t, 4, sp.NumSequences())
	assert.Equal(t, []string{"a", "b"}, sp.Stop)
	assert.Equal(t, 0.7, sp.Temperature)
}
