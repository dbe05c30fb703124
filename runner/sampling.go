package runner

import (
	"fmt"

	"paged-vllm-go/pagedvllm"
	"paged-vllm-go/sample"
)

// sampleSequence draws sd.NumSamples tokens from the logits of the last
// position of sd. A seeded request gets a sampler derived from its seed and
// position so reruns reproduce the same tokens.
func sampleSequence(logits []float32, sd *pagedvllm.SequenceData) ([]pagedvllm.Sample, error) {
	params := sd.Params
	if params == nil {
		params = pagedvllm.NewSamplingParams()
	}

	var s *sample.Sampler
	if params.Seed != -1 {
		s = sample.NewSampler(params.Seed + int64(sd.ContextLen) + sd.SeqID)
	} else {
		s = sample.NewSampler(-1)
	}

	history := sd.ContextTokenIDs
	if sd.NumPromptTokens <= len(history) {
		history = history[sd.NumPromptTokens:]
	}

	samples, err := s.Sample(logits, params, history, sd.NumSamples)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", sd.SeqID, err)
	}
	return samples, nil
}
