package pagedvllm

import (
	"context"
	"sync"
	"time"
)

// SequenceData describes one sequence's share of a batch
type SequenceData struct {
	RequestID string `json:"request_id"`
	SeqID     int64  `json:"seq_id"`
	IsPrefill bool   `json:"is_prefill"`

	// TokenIDs are the tokens to compute this step, starting at StartPos
	TokenIDs []int `json:"token_ids"`
	StartPos int   `json:"start_pos"`
	// ContextLen is StartPos plus len(TokenIDs)
	ContextLen int `json:"context_len"`
	// ContextTokenIDs is the full token history up to ContextLen, for
	// executors that do not keep their own KV cache.
	ContextTokenIDs []int `json:"context_token_ids"`
	NumPromptTokens int   `json:"num_prompt_tokens"`

	BlockTable  []BlockID `json:"block_table"`
	SlotMapping []int     `json:"slot_mapping"`

	// NumSamples is how many next tokens to sample: zero for a prefill chunk
	// that does not reach the end of the prompt.
	NumSamples int             `json:"num_samples"`
	Params     *SamplingParams `json:"-"`
}

// Batch is the descriptor handed to the executor for one step
type Batch struct {
	Step             uint64         `json:"step"`
	Sequences        []SequenceData `json:"sequences"`
	BlocksToSwapIn   []BlockMapping `json:"blocks_to_swap_in"`
	BlocksToSwapOut  []BlockMapping `json:"blocks_to_swap_out"`
	BlocksToCopy     []BlockMapping `json:"blocks_to_copy"`
	NumPrefillTokens int            `json:"num_prefill_tokens"`
	NumDecodeTokens  int            `json:"num_decode_tokens"`
}

// Sample is one sampled next token
type Sample struct {
	TokenID     int             `json:"token_id"`
	LogProb     float64         `json:"logprob"`
	TopLogProbs map[int]float64 `json:"top_logprobs,omitempty"`
}

// SequenceOutput holds the samples for one sequence
type SequenceOutput struct {
	SeqID   int64    `json:"seq_id"`
	Samples []Sample `json:"samples"`
}

// BatchResult is what the executor returns for a batch
type BatchResult struct {
	Outputs []SequenceOutput `json:"outputs"`
}

func (r *BatchResult) bySeq() map[int64][]Sample {
	m := make(map[int64][]Sample, len(r.Outputs))
	for _, out := range r.Outputs {
		m[out.SeqID] = out.Samples
	}
	return m
}

// Executor runs the model forward pass for a batch.
// This can be implemented using various backends:
// - HTTP calls to an inference server
// - ONNX Runtime sessions
// - custom CUDA kernels
type Executor interface {
	// Execute computes the batch and returns the sampled tokens. Before
	// computing it must apply the mappings in this order: BlocksToSwapIn,
	// then BlocksToSwapOut, then BlocksToCopy. A block freed by an earlier
	// mapping may be the destination of a later one in the same batch.
	Execute(ctx context.Context, batch *Batch) (*BatchResult, error)

	// Close cleans up resources
	Close() error
}

// MockExecutor is a deterministic executor for tests and demos. Sample i of a
// sequence is (SeqID + ContextLen + i) mod VocabSize with logprob -(i+1)/10.
type MockExecutor struct {
	VocabSize int
	EOS       int
	// EOSAfter emits EOS once a sequence has this many completion tokens; 0
	// disables it.
	EOSAfter int
	// Latency is slept per call to stand in for device time
	Latency time.Duration
	// Err, when set, is returned by every call
	Err error

	mu      sync.Mutex
	batches []*Batch
}

// NewMockExecutor creates a new mock executor
func NewMockExecutor(config *Config) *MockExecutor {
	return &MockExecutor{
		VocabSize: 32000,
		EOS:       config.EOS,
	}
}

// Execute generates mock output tokens
func (m *MockExecutor) Execute(ctx context.Context, batch *Batch) (*BatchResult, error) {
	m.mu.Lock()
	m.batches = append(m.batches, batch)
	m.mu.Unlock()

	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}

	result := &BatchResult{Outputs: make([]SequenceOutput, 0, len(batch.Sequences))}
	for _, sd := range batch.Sequences {
		if sd.NumSamples == 0 {
			continue
		}
		out := SequenceOutput{SeqID: sd.SeqID, Samples: make([]Sample, sd.NumSamples)}
		completion := sd.ContextLen - sd.NumPromptTokens + 1
		for i := range out.Samples {
			tokenID := int((sd.SeqID + int64(sd.ContextLen) + int64(i)) % int64(m.VocabSize))
			if tokenID == m.EOS {
				tokenID = (tokenID + 1) % m.VocabSize
			}
			if m.EOSAfter > 0 && completion >= m.EOSAfter {
				tokenID = m.EOS
			}
			out.Samples[i] = Sample{TokenID: tokenID, LogProb: -float64(i+1) / 10}
		}
		result.Outputs = append(result.Outputs, out)
	}
	return result, nil
}

// Batches returns every batch the executor has seen
func (m *MockExecutor) Batches() []*Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Batch(nil), m.batches...)
}

// Close cleans up resources
func (m *MockExecutor) Close() error {
	return nil
}
