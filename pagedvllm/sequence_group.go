package pagedvllm

import (
	"container/list"
	"sort"
	"sync/atomic"
	"time"
)

// SequenceGroup is one client request and the unit the scheduler moves
// between queues. It starts with a single sequence and forks to BestOf
// sequences once the prompt has been computed.
type SequenceGroup struct {
	RequestID      string
	ArrivalTime    time.Time
	Priority       int
	Params         *SamplingParams
	NumPreemptions int

	seqs      []*Sequence
	status    SequenceStatus
	forked    bool
	cancelled atomic.Bool
	admitSeq  uint64
	elem      *list.Element
}

// NewSequenceGroup creates a waiting group holding one sequence for the prompt
func NewSequenceGroup(requestID string, promptTokenIDs []int, params *SamplingParams, arrival time.Time, blockSize int) *SequenceGroup {
	if params == nil {
		params = NewSamplingParams()
	}
	return &SequenceGroup{
		RequestID:   requestID,
		ArrivalTime: arrival,
		Params:      params,
		seqs:        []*Sequence{NewSequence(promptTokenIDs, blockSize)},
		status:      StatusWaiting,
	}
}

// Status returns the queue state of the group
func (g *SequenceGroup) Status() SequenceStatus {
	return g.status
}

func (g *SequenceGroup) root() *Sequence {
	return g.seqs[0]
}

// PromptLen returns the number of prompt tokens
func (g *SequenceGroup) PromptLen() int {
	return g.root().NumPromptTokens
}

// Seqs returns all sequences of the group, finished ones included
func (g *SequenceGroup) Seqs() []*Sequence {
	return append([]*Sequence(nil), g.seqs...)
}

// UnfinishedSeqs returns the sequences still generating
func (g *SequenceGroup) UnfinishedSeqs() []*Sequence {
	seqs := make([]*Sequence, 0, len(g.seqs))
	for _, seq := range g.seqs {
		if !seq.IsFinished() {
			seqs = append(seqs, seq)
		}
	}
	return seqs
}

// NumUnfinished returns the number of sequences still generating
func (g *SequenceGroup) NumUnfinished() int {
	n := 0
	for _, seq := range g.seqs {
		if !seq.IsFinished() {
			n++
		}
	}
	return n
}

// IsFinished reports whether every sequence of the group has finished
func (g *SequenceGroup) IsFinished() bool {
	return g.NumUnfinished() == 0
}

// IsPrefill reports whether the group still has prompt tokens to compute
func (g *SequenceGroup) IsPrefill() bool {
	return !g.forked && g.root().IsPrefill()
}

// MaxNumRunningSeqs returns the number of sequence seats the group can occupy
// over its remaining lifetime.
func (g *SequenceGroup) MaxNumRunningSeqs() int {
	if !g.forked {
		return g.Params.NumSequences()
	}
	return g.NumUnfinished()
}

// RemainingBudget returns the largest number of tokens any unfinished
// sequence may still generate.
func (g *SequenceGroup) RemainingBudget() int {
	remaining := 0
	for _, seq := range g.UnfinishedSeqs() {
		remaining = max(remaining, g.Params.MaxTokens-seq.NumCompletionTokens())
	}
	return remaining
}

// Cancel marks the group for removal at the next scheduling step
func (g *SequenceGroup) Cancel() {
	g.cancelled.Store(true)
}

// IsCancelled reports whether Cancel was called
func (g *SequenceGroup) IsCancelled() bool {
	return g.cancelled.Load()
}

// BestOutputs returns the n finished sequences with the highest cumulative
// logprob, in descending order.
func (g *SequenceGroup) BestOutputs(n int) []*Sequence {
	seqs := g.Seqs()
	sort.SliceStable(seqs, func(i, j int) bool {
		return seqs[i].CumulativeLogProb > seqs[j].CumulativeLogProb
	})
	if n > 0 && n < len(seqs) {
		seqs = seqs[:n]
	}
	return seqs
}

func (g *SequenceGroup) setStatus(status SequenceStatus) {
	g.status = status
	for _, seq := range g.seqs {
		if !seq.IsFinished() {
			seq.Status = status
		}
	}
}

func (g *SequenceGroup) finish(reason FinishReason) {
	for _, seq := range g.seqs {
		if !seq.IsFinished() {
			seq.finish(reason)
		}
	}
	g.status = StatusFinished
}

// resetForRecompute drops forked children and generated tokens. Blocks must
// already be released.
func (g *SequenceGroup) resetForRecompute() {
	g.seqs = g.seqs[:1]
	g.forked = false
	g.root().resetForRecompute()
	g.status = StatusWaiting
}
