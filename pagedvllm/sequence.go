package pagedvllm

import "sync/atomic"

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusSwapped
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusRunning:
		return "RUNNING"
	case StatusSwapped:
		return "SWAPPED"
	case StatusFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// FinishReason explains why a sequence stopped generating
type FinishReason string

const (
	FinishNone         FinishReason = ""
	FinishStop         FinishReason = "stop"
	FinishStopSequence FinishReason = "stop_sequence"
	FinishLength       FinishReason = "length"
	FinishCancelled    FinishReason = "cancelled"
	FinishError        FinishReason = "error"
)

// Sequence represents a single decoding stream of a request
type Sequence struct {
	SeqID             int64
	Status            SequenceStatus
	TokenIDs          []int
	NumPromptTokens   int
	LogProbs          []float64
	TopLogProbs       []map[int]float64
	CumulativeLogProb float64
	FinishReason      FinishReason

	// StopMatched is the stop string that ended the sequence, if any
	StopMatched string

	// numComputed counts the leading tokens whose KV is in the cache
	numComputed int
	table       *BlockTable
	// hashes holds the chain hash of every full block registered so far
	hashes []uint64
}

var seqCounter int64 = 0

// NewSequence creates a new sequence from prompt token IDs
func NewSequence(tokenIDs []int, blockSize int) *Sequence {
	seqID := atomic.AddInt64(&seqCounter, 1) - 1

	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	return &Sequence{
		SeqID:           seqID,
		Status:          StatusWaiting,
		TokenIDs:        tokens,
		NumPromptTokens: len(tokenIDs),
		table:           NewBlockTable(blockSize),
	}
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return len(s.TokenIDs)
}

// IsFinished returns true if the sequence has finished generating
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished
}

// LastToken returns the most recent token
func (s *Sequence) LastToken() int {
	return s.TokenIDs[len(s.TokenIDs)-1]
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return len(s.TokenIDs) - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// NumComputed returns how many tokens already have KV in the cache
func (s *Sequence) NumComputed() int {
	return s.numComputed
}

// NumUncomputed returns how many tokens still need a forward pass
func (s *Sequence) NumUncomputed() int {
	return len(s.TokenIDs) - s.numComputed
}

// IsPrefill reports whether prompt tokens are still uncomputed
func (s *Sequence) IsPrefill() bool {
	return s.numComputed < s.NumPromptTokens
}

// BlockTable returns the sequence's block table
func (s *Sequence) BlockTable() *BlockTable {
	return s.table
}

// AppendToken appends a sampled token to the sequence
func (s *Sequence) AppendToken(tokenID int, logProb float64, top map[int]float64) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LogProbs = append(s.LogProbs, logProb)
	s.TopLogProbs = append(s.TopLogProbs, top)
	s.CumulativeLogProb += logProb
}

func (s *Sequence) finish(reason FinishReason) {
	s.Status = StatusFinished
	s.FinishReason = reason
}

// fork copies the sequence state except the block table, which the block
// manager shares separately.
func (s *Sequence) fork() *Sequence {
	child := &Sequence{
		SeqID:             atomic.AddInt64(&seqCounter, 1) - 1,
		Status:            s.Status,
		TokenIDs:          append([]int(nil), s.TokenIDs...),
		NumPromptTokens:   s.NumPromptTokens,
		LogProbs:          append([]float64(nil), s.LogProbs...),
		TopLogProbs:       append([]map[int]float64(nil), s.TopLogProbs...),
		CumulativeLogProb: s.CumulativeLogProb,
		numComputed:       s.numComputed,
		hashes:            append([]uint64(nil), s.hashes...),
	}
	return child
}

// resetForRecompute drops generated tokens so the sequence runs again from
// its prompt. The block table must already be empty.
func (s *Sequence) resetForRecompute() {
	s.TokenIDs = s.TokenIDs[:s.NumPromptTokens]
	s.LogProbs = nil
	s.TopLogProbs = nil
	s.CumulativeLogProb = 0
	s.FinishReason = FinishNone
	s.StopMatched = ""
	s.numComputed = 0
	s.hashes = nil
	s.Status = StatusWaiting
}
