package sample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paged-vllm-go/pagedvllm"
)

func TestGreedyAtZeroTemperature(t *testing.T) {
	logits := []float32{0.1, 2.5, -1, 2.4}
	params := pagedvllm.NewSamplingParams(pagedvllm.WithTemperature(0), pagedvllm.WithLogProbs(2))

	out, err := NewSampler(-1).Sample(logits, params, nil, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].TokenID)
	assert.Less(t, out[0].LogProb, 0.0)
	assert.Len(t, out[0].TopLogProbs, 2)
	assert.Contains(t, out[0].TopLogProbs, 3)
	assert.Equal(t, []float32{0.1, 2.5, -1, 2.4}, logits, "input logits are not modified")
}

func TestSoftmaxSumsToOne(t *testing.T) {
	probs := Softmax([]float32{1, 2, 3, 1000})
	sum := float32(0)
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-5)
	assert.InDelta(t, 1, probs[3], 1e-5)

	lp := LogSoftmax([]float32{0, 0})
	assert.InDelta(t, math.Log(0.5), lp[0], 1e-6)
}

func TestTopKFilter(t *testing.T) {
	probs := TopKFilter([]float32{0.1, 0.4, 0.2, 0.3}, 2)
	assert.Equal(t, []float32{0, 0.4, 0, 0.3}, probs)
}

func TestTopPFilter(t *testing.T) {
	probs := TopPFilter([]float32{0.1, 0.5, 0.15, 0.25}, 0.7)
	assert.Equal(t, []float32{0, 0.5, 0, 0.25}, probs)
}

func TestTopKSamplesOnlyKept(t *testing.T) {
	logits := []float32{5, 4.9, 0, 0, 0, 0}
	params := pagedvllm.NewSamplingParams(pagedvllm.WithTopK(2), pagedvllm.WithSeed(7))
	s := ForParams(params)

	for i := 0; i < 200; i++ {
		out, err := s.Sample(logits, params, nil, 1)
		require.NoError(t, err)
		assert.Contains(t, []int{0, 1}, out[0].TokenID)
	}
}

func TestSeededSamplerIsReproducible(t *testing.T) {
	logits := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	params := pagedvllm.NewSamplingParams(pagedvllm.WithSeed(42))

	a, err := NewSampler(42).Sample(logits, params, nil, 16)
	require.NoError(t, err)
	b, err := NewSampler(42).Sample(logits, params, nil, 16)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPenaltiesAndBias(t *testing.T) {
	logits := []float32{1, 1, 1}
	ApplyPenalties(logits, []int{0, 0, 1}, 0.5, 0.25)
	assert.InDeltaSlice(t, []float32{-0.25, 0.25, 1}, logits, 1e-6)

	ApplyLogitBias(logits, map[int]float64{2: -100, 7: 3})
	assert.InDelta(t, -99, logits[2], 1e-6)

	params := pagedvllm.NewSamplingParams(pagedvllm.WithTemperature(0), pagedvllm.WithLogitBias(map[int]float64{0: 10}))
	out, err := NewSampler(-1).Sample([]float32{0, 5}, params, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, out[0].TokenID)
}

func TestSampleMultiple(t *testing.T) {
	params := pagedvllm.NewSamplingParams(pagedvllm.WithSeed(1), pagedvllm.WithLogProbs(3), pagedvllm.WithTopK(2))
	out, err := ForParams(params).Sample([]float32{0, 1, 2, 3}, params, nil, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, s := range out {
		assert.False(t, math.IsInf(s.LogProb, 0))
		assert.Len(t, s.TopLogProbs, 2, "filtered tokens are not reported")
	}
}

func TestSampleRejectsEmpty(t *testing.T) {
	_, err := NewSampler(-1).Sample(nil, nil, nil, 1)
	assert.Error(t, err)
}
