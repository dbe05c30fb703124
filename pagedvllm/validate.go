package pagedvllm

// Validator rejects requests that exceed the configured ceilings before they
// reach the scheduler.
type Validator struct {
	MaxStopSequences int
	MaxBestOf        int
	MaxInputLength   int
	MaxTotalTokens   int
}

// NewValidator creates a validator from the config's validation ceilings
func NewValidator(config *Config) *Validator {
	return &Validator{
		MaxStopSequences: config.MaxStopSequences,
		MaxBestOf:        config.MaxBestOf,
		MaxInputLength:   config.MaxInputLength,
		MaxTotalTokens:   config.MaxTotalTokens,
	}
}

// Validate checks a tokenized prompt and its sampling parameters
func (v *Validator) Validate(promptLen int, sp *SamplingParams) error {
	if promptLen == 0 {
		return validationErrorf("prompt", "must not be empty")
	}
	if promptLen > v.MaxInputLength {
		return validationErrorf("prompt", "%d tokens exceeds max input length %d", promptLen, v.MaxInputLength)
	}

	if sp.MaxTokens < 1 {
		return validationErrorf("max_tokens", "must be at least 1, got %d", sp.MaxTokens)
	}
	if promptLen+sp.MaxTokens > v.MaxTotalTokens {
		return validationErrorf("max_tokens", "prompt (%d) plus max_tokens (%d) exceeds max total tokens %d",
			promptLen, sp.MaxTokens, v.MaxTotalTokens)
	}

	if len(sp.Stop) > v.MaxStopSequences {
		return validationErrorf("stop", "%d stop sequences exceeds the maximum of %d", len(sp.Stop), v.MaxStopSequences)
	}
	for _, s := range sp.Stop {
		if s == "" {
			return validationErrorf("stop", "stop sequences must not be empty")
		}
	}

	if sp.N < 1 {
		return validationErrorf("n", "must be at least 1, got %d", sp.N)
	}
	bestOf := max(sp.BestOf, sp.N)
	if bestOf > v.MaxBestOf {
		return validationErrorf("best_of", "%d exceeds the maximum of %d", bestOf, v.MaxBestOf)
	}
	if sp.BestOf != 0 && sp.BestOf < sp.N {
		return validationErrorf("best_of", "must be >= n (%d), got %d", sp.N, sp.BestOf)
	}
	if bestOf > 1 && sp.Temperature == 0 {
		return validationErrorf("temperature", "must be positive when sampling more than one sequence")
	}

	if sp.Temperature < 0 {
		return validationErrorf("temperature", "must not be negative, got %v", sp.Temperature)
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return validationErrorf("top_p", "must be in (0, 1], got %v", sp.TopP)
	}
	if sp.TopK < 0 {
		return validationErrorf("top_k", "must not be negative, got %d", sp.TopK)
	}
	if sp.FrequencyPenalty < -2 || sp.FrequencyPenalty > 2 {
		return validationErrorf("frequency_penalty", "must be in [-2, 2], got %v", sp.FrequencyPenalty)
	}
	if sp.PresencePenalty < -2 || sp.PresencePenalty > 2 {
		return validationErrorf("presence_penalty", "must be in [-2, 2], got %v", sp.PresencePenalty)
	}
	for token, bias := range sp.LogitBias {
		if bias < -100 || bias > 100 {
			return validationErrorf("logit_bias", "bias for token %d must be in [-100, 100], got %v", token, bias)
		}
	}
	if sp.LogProbs < 0 || sp.LogProbs > 20 {
		return validationErrorf("logprobs", "must be in [0, 20], got %d", sp.LogProbs)
	}

	return nil
}
