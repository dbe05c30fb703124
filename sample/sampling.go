package sample

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"paged-vllm-go/pagedvllm"
)

// token is one vocabulary entry during sampling
type token struct {
	id    int
	value float32
}

// Sampler turns a logit row into sampled tokens for one sequence. It is not
// safe for concurrent use.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a sampler. A seed of -1 draws from the global source.
func NewSampler(seed int64) *Sampler {
	s := &Sampler{}
	if seed != -1 {
		sequence := uint64(seed)
		s.rng = rand.New(rand.NewPCG(sequence, sequence^0x9E3779B9))
	}
	return s
}

// ForParams returns a sampler seeded from params, or an unseeded one
func ForParams(params *pagedvllm.SamplingParams) *Sampler {
	if params == nil {
		return NewSampler(-1)
	}
	return NewSampler(params.Seed)
}

func (s *Sampler) uniform() float32 {
	if s.rng != nil {
		return s.rng.Float32()
	}
	return rand.Float32()
}

// Sample draws n tokens from logits. history is the sequence's completion so
// far, used for the frequency and presence penalties. logits is not modified.
func (s *Sampler) Sample(logits []float32, params *pagedvllm.SamplingParams, history []int, n int) ([]pagedvllm.Sample, error) {
	if len(logits) == 0 {
		return nil, errors.New("sample: no logits provided to sample")
	}
	if params == nil {
		params = pagedvllm.NewSamplingParams()
	}
	n = max(n, 1)

	processed := slices.Clone(logits)
	ApplyLogitBias(processed, params.LogitBias)
	ApplyPenalties(processed, history, float32(params.FrequencyPenalty), float32(params.PresencePenalty))

	if params.Temperature == 0 {
		logprobs := LogSoftmax(processed)
		id := Greedy(processed)
		out := make([]pagedvllm.Sample, n)
		for i := range out {
			out[i] = pagedvllm.Sample{TokenID: id, LogProb: float64(logprobs[id]), TopLogProbs: TopLogProbs(logprobs, params.LogProbs)}
		}
		return out, nil
	}

	if params.Temperature != 1 {
		t := float32(params.Temperature)
		for i := range processed {
			processed[i] /= t
		}
	}

	probs := Softmax(processed)
	if params.TopK > 0 && params.TopK < len(probs) {
		probs = TopKFilter(probs, params.TopK)
	}
	if params.TopP < 1 {
		probs = TopPFilter(probs, float32(params.TopP))
	}
	normalize(probs)

	logprobs := make([]float32, len(probs))
	for i, p := range probs {
		logprobs[i] = float32(math.Log(float64(p)))
	}
	top := TopLogProbs(logprobs, params.LogProbs)

	out := make([]pagedvllm.Sample, n)
	for i := range out {
		id, err := s.multinomial(probs)
		if err != nil {
			return nil, err
		}
		out[i] = pagedvllm.Sample{TokenID: id, LogProb: float64(logprobs[id]), TopLogProbs: top}
	}
	return out, nil
}

// ApplyLogitBias adds the per-token bias to logits
func ApplyLogitBias(logits []float32, bias map[int]float64) {
	for id, b := range bias {
		if id >= 0 && id < len(logits) {
			logits[id] += float32(b)
		}
	}
}

// ApplyPenalties subtracts frequency*count and presence for every token that
// already appears in history.
func ApplyPenalties(logits []float32, history []int, frequency, presence float32) {
	if frequency == 0 && presence == 0 {
		return
	}
	counts := make(map[int]int)
	for _, id := range history {
		counts[id]++
	}
	for id, c := range counts {
		if id < 0 || id >= len(logits) {
			continue
		}
		logits[id] -= frequency*float32(c) + presence
	}
}

// Greedy returns the index of the largest logit
func Greedy(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}

// Softmax converts logits to probabilities
func Softmax(logits []float32) []float32 {
	maxLogit := logits[Greedy(logits)]

	probs := make([]float32, len(logits))
	sum := float32(0)
	for i, l := range logits {
		probs[i] = float32(math.Exp(float64(l - maxLogit)))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// LogSoftmax returns log probabilities of logits
func LogSoftmax(logits []float32) []float32 {
	maxLogit := logits[Greedy(logits)]

	sum := 0.0
	for _, l := range logits {
		sum += math.Exp(float64(l - maxLogit))
	}
	logZ := float32(math.Log(sum)) + maxLogit

	out := make([]float32, len(logits))
	for i, l := range logits {
		out[i] = l - logZ
	}
	return out
}

func sortedDesc(probs []float32) []token {
	tokens := make([]token, len(probs))
	for i, p := range probs {
		tokens[i] = token{i, p}
	}
	sort.SliceStable(tokens, func(i, j int) bool {
		return tokens[i].value > tokens[j].value
	})
	return tokens
}

// TopKFilter keeps the k most likely probabilities and zeros the rest
func TopKFilter(probs []float32, k int) []float32 {
	result := make([]float32, len(probs))
	for i, t := range sortedDesc(probs) {
		if i >= k {
			break
		}
		result[t.id] = t.value
	}
	return result
}

// TopPFilter keeps the smallest set of most likely probabilities whose sum
// reaches p.
func TopPFilter(probs []float32, p float32) []float32 {
	tokens := sortedDesc(probs)

	cumProb := float32(0)
	cutoff := len(tokens)
	for i, t := range tokens {
		cumProb += t.value
		if cumProb >= p {
			cutoff = i + 1
			break
		}
	}

	result := make([]float32, len(probs))
	for _, t := range tokens[:cutoff] {
		result[t.id] = t.value
	}
	return result
}

// TopLogProbs returns up to n most likely tokens with their logprobs, or nil
// when n is zero. Filtered out tokens are never reported.
func TopLogProbs(logprobs []float32, n int) map[int]float64 {
	if n <= 0 {
		return nil
	}
	top := make(map[int]float64, n)
	for _, t := range sortedDesc(logprobs) {
		if len(top) >= n || math.IsInf(float64(t.value), -1) {
			break
		}
		top[t.id] = float64(t.value)
	}
	return top
}

func normalize(probs []float32) {
	sum := float32(0)
	for _, p := range probs {
		sum += p
	}
	if sum > 0 {
		for i := range probs {
			probs[i] /= sum
		}
	}
}

func (s *Sampler) multinomial(probs []float32) (int, error) {
	cumProbs := make([]float32, len(probs))
	cumProbs[0] = probs[0]
	for i := 1; i < len(probs); i++ {
		cumProbs[i] = cumProbs[i-1] + probs[i]
	}
	total := cumProbs[len(cumProbs)-1]
	if math.IsNaN(float64(total)) {
		return 0, errors.New("sample: logits sum to NaN, check model output")
	}

	r := s.uniform() * total
	idx := sort.Search(len(cumProbs), func(i int) bool {
		return cumProbs[i] > r
	})
	if idx >= len(probs) {
		idx = len(probs) - 1
	}
	return idx, nil
}
