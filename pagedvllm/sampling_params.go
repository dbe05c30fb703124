package pagedvllm

// SamplingParams holds the sampling parameters for generation
type SamplingParams struct {
	Temperature      float64
	TopP             float64
	TopK             int
	FrequencyPenalty float64
	PresencePenalty  float64
	N                int
	BestOf           int
	Stop             []string
	StopTokenIDs     []int
	LogitBias        map[int]float64
	MaxTokens        int
	IgnoreEOS        bool
	LogProbs         int
	// Seed fixes the sampler's random source; -1 leaves it unseeded
	Seed int64
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values.
// Values are checked by the engine's Validator when a request is added.
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature: 1.0,
		TopP:        1.0,
		TopK:        0,
		N:           1,
		MaxTokens:   64,
		Seed:        -1,
	}

	for _, opt := range opts {
		opt(sp)
	}

	return sp
}

// NumSequences returns how many sequences a request decodes in parallel.
func (sp *SamplingParams) NumSequences() int {
	return max(sp.BestOf, sp.N, 1)
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithTopP sets nucleus sampling
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithTopK sets top-k sampling, 0 disables it
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopK = k
	}
}

// WithPenalties sets the frequency and presence penalties
func WithPenalties(frequency, presence float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.FrequencyPenalty = frequency
		sp.PresencePenalty = presence
	}
}

// WithBestOf decodes bestOf sequences and returns the n most likely
func WithBestOf(n, bestOf int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.N = n
		sp.BestOf = bestOf
	}
}

// WithStop sets the stop strings
func WithStop(stop ...string) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Stop = stop
	}
}

// WithStopTokenIDs sets tokens that end generation like EOS
func WithStopTokenIDs(ids ...int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.StopTokenIDs = ids
	}
}

// WithLogitBias sets per-token logit offsets
func WithLogitBias(bias map[int]float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.LogitBias = bias
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}

// WithLogProbs requests the top n logprobs per generated token
func WithLogProbs(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.LogProbs = n
	}
}

// WithSeed fixes the sampler seed
func WithSeed(seed int64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Seed = seed
	}
}
