package pagedvllm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T, opts ...ConfigOption) *Config {
	t.Helper()
	base := []ConfigOption{
		WithNumKVCacheBlocks(64, 0),
		WithMaxModelLen(512),
		WithMaxNumBatchedTokens(512),
		WithValidationLimits(4, 4, 128, 512),
	}
	config, err := NewConfig("test", append(base, opts...)...)
	require.NoError(t, err)
	return config
}

// scriptedExecutor replays the same token script for every sequence
type scriptedExecutor struct {
	script []int

	mu  sync.Mutex
	pos map[int64]int
}

func newScriptedExecutor(script []int) *scriptedExecutor {
	return &scriptedExecutor{script: script, pos: make(map[int64]int)}
}

func (e *scriptedExecutor) Execute(ctx context.Context, batch *Batch) (*BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &BatchResult{}
	for _, sd := range batch.Sequences {
		if sd.NumSamples == 0 {
			continue
		}
		i := min(e.pos[sd.SeqID], len(e.script)-1)
		e.pos[sd.SeqID]++
		out := SequenceOutput{SeqID: sd.SeqID}
		for j := 0; j < sd.NumSamples; j++ {
			out.Samples = append(out.Samples, Sample{TokenID: e.script[i], LogProb: -0.5})
		}
		result.Outputs = append(result.Outputs, out)
	}
	return result, nil
}

func (e *scriptedExecutor) Close() error { return nil }

func TestLLMGenerate(t *testing.T) {
	llm, err := NewLLM(newTestConfig(t))
	require.NoError(t, err)
	defer llm.Close()

	prompts := []string{"Hello, my name is", "The capital of France is", "Go is"}
	outputs, err := llm.Generate(context.Background(), prompts, ignoreEOS(8), false)
	require.NoError(t, err)
	require.Len(t, outputs, len(prompts))

	for i, out := range outputs {
		assert.True(t, out.Finished)
		assert.Len(t, out.PromptTokenIDs, len(prompts[i]))
		require.Len(t, out.Outputs, 1)
		assert.Len(t, out.Outputs[0].TokenIDs, 8)
		assert.Len(t, out.Outputs[0].Text, 8)
		assert.Equal(t, FinishLength, out.Outputs[0].FinishReason)
	}
	assert.False(t, llm.HasUnfinished())
	assert.Equal(t, uint64(3), llm.Stats().NumFinished)
}

func TestLLMGenerateSimple(t *testing.T) {
	llm, err := NewLLM(newTestConfig(t))
	require.NoError(t, err)
	defer llm.Close()

	texts, err := llm.GenerateSimple([]string{"abc", "def"}, ignoreEOS(4), true)
	require.NoError(t, err)
	require.Len(t, texts, 2)
	for _, text := range texts {
		assert.Len(t, text, 4)
	}
}

func TestEngineStopString(t *testing.T) {
	config := newTestConfig(t)
	tok := NewMockTokenizer(config.EOS)
	script, err := tok.Encode("hello END world")
	require.NoError(t, err)

	e, err := NewEngine(config, newScriptedExecutor(script), tok)
	require.NoError(t, err)

	_, err = e.AddRequest(&Request{ID: "s", Prompt: "say hi", Params: NewSamplingParams(WithStop("END"))})
	require.NoError(t, err)

	var texts []string
	var final RequestOutput
	for e.HasUnfinished() {
		outputs, err := e.Step(context.Background())
		require.NoError(t, err)
		for _, out := range outputs {
			texts = append(texts, out.Outputs[0].Text)
			final = out
		}
	}

	require.True(t, final.Finished)
	assert.Equal(t, "hello ", final.Outputs[0].Text)
	assert.Equal(t, FinishStopSequence, final.Outputs[0].FinishReason)
	for _, text := range texts {
		assert.NotContains(t, text, "E", "partial stop string must be held back while streaming")
	}
}

func TestEngineStopTokenText(t *testing.T) {
	config := newTestConfig(t)
	exec := NewMockExecutor(config)
	exec.EOSAfter = 3

	e, err := NewEngine(config, exec, NewMockTokenizer(config.EOS))
	require.NoError(t, err)

	_, err = e.AddRequest(&Request{ID: "eos", PromptTokenIDs: promptTokens(10, 40)})
	require.NoError(t, err)

	var final RequestOutput
	for e.HasUnfinished() {
		outputs, err := e.Step(context.Background())
		require.NoError(t, err)
		if len(outputs) > 0 {
			final = outputs[len(outputs)-1]
		}
	}
	assert.Equal(t, FinishStop, final.Outputs[0].FinishReason)
	assert.Len(t, final.Outputs[0].TokenIDs, 3)
	assert.Len(t, final.Outputs[0].Text, 2, "eos is not rendered")
}

func TestEngineValidation(t *testing.T) {
	e, err := NewEngine(newTestConfig(t), NewMockExecutor(newTestConfig(t)), NewMockTokenizer(2))
	require.NoError(t, err)

	cases := []struct {
		name  string
		req   *Request
		field string
	}{
		{"empty prompt", &Request{}, "prompt"},
		{"long prompt", &Request{PromptTokenIDs: promptTokens(129, 0)}, "prompt"},
		{"zero max tokens", &Request{Prompt: "x", Params: NewSamplingParams(WithMaxTokens(0))}, "max_tokens"},
		{"total tokens", &Request{Prompt: "x", Params: NewSamplingParams(WithMaxTokens(512))}, "max_tokens"},
		{"too many stops", &Request{Prompt: "x", Params: NewSamplingParams(WithStop("a", "b", "c", "d", "e"))}, "stop"},
		{"empty stop", &Request{Prompt: "x", Params: NewSamplingParams(WithStop(""))}, "stop"},
		{"best of over limit", &Request{Prompt: "x", Params: NewSamplingParams(WithBestOf(1, 5))}, "best_of"},
		{"best of below n", &Request{Prompt: "x", Params: NewSamplingParams(WithBestOf(3, 2))}, "best_of"},
		{"greedy best of", &Request{Prompt: "x", Params: NewSamplingParams(WithBestOf(1, 2), WithTemperature(0))}, "temperature"},
		{"top p", &Request{Prompt: "x", Params: NewSamplingParams(WithTopP(0))}, "top_p"},
		{"penalty", &Request{Prompt: "x", Params: NewSamplingParams(WithPenalties(3, 0))}, "frequency_penalty"},
		{"logprobs", &Request{Prompt: "x", Params: NewSamplingParams(WithLogProbs(21))}, "logprobs"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.AddRequest(tc.req)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}
	assert.False(t, e.HasUnfinished(), "rejected requests must not be queued")
}

func TestEngineExecutorFailure(t *testing.T) {
	config := newTestConfig(t)
	exec := NewMockExecutor(config)
	exec.Err = errors.New("device lost")

	e, err := NewEngine(config, exec, NewMockTokenizer(config.EOS))
	require.NoError(t, err)

	id, ch, err := e.Submit(&Request{Prompt: "boom"})
	require.NoError(t, err)

	outputs, err := e.Step(context.Background())
	var execErr *ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, []string{id}, execErr.RequestIDs)
	assert.ErrorContains(t, err, "device lost")

	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].Finished)
	assert.Equal(t, FinishError, outputs[0].Outputs[0].FinishReason)

	final, ok := <-ch
	require.True(t, ok)
	assert.ErrorAs(t, final.Err, &execErr)
	_, ok = <-ch
	assert.False(t, ok, "stream is closed after the final snapshot")

	assert.False(t, e.HasUnfinished())
	assert.Equal(t, 64, e.Scheduler().BlockManager().GPU().NumFree())
	assert.Equal(t, uint64(1), e.Stats().NumFailed)
}

func TestEngineRunStreams(t *testing.T) {
	config := newTestConfig(t)
	e, err := NewEngine(config, NewMockExecutor(config), NewMockTokenizer(config.EOS))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	_, ch, err := e.Submit(&Request{Prompt: "stream me", Params: ignoreEOS(8)})
	require.NoError(t, err)

	var last RequestOutput
	prev := 0
	for out := range ch {
		n := len(out.Outputs[0].TokenIDs)
		assert.GreaterOrEqual(t, n, prev, "snapshots are cumulative")
		prev = n
		last = out
	}
	assert.True(t, last.Finished)
	assert.Len(t, last.Outputs[0].TokenIDs, 8)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, e.Close())
}

func TestEngineAbortStream(t *testing.T) {
	config := newTestConfig(t)
	exec := NewMockExecutor(config)
	exec.Latency = 2 * time.Millisecond
	e, err := NewEngine(config, exec, NewMockTokenizer(config.EOS))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	id, ch, err := e.Submit(&Request{Prompt: "long one", Params: ignoreEOS(300)})
	require.NoError(t, err)

	first := <-ch
	assert.False(t, first.Finished)
	require.NoError(t, e.Abort(id))

	var last RequestOutput
	for out := range ch {
		last = out
	}
	require.True(t, last.Finished)
	assert.Equal(t, FinishCancelled, last.Outputs[0].FinishReason)
	assert.Less(t, len(last.Outputs[0].TokenIDs), 300)

	assert.Eventually(t, func() bool {
		return e.Stats().GPUBlocksFree == 64
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, e.Abort(id), ErrRequestNotFound)
}

func TestEngineCloseEndsStreams(t *testing.T) {
	config := newTestConfig(t)
	e, err := NewEngine(config, NewMockExecutor(config), NewMockTokenizer(config.EOS))
	require.NoError(t, err)

	_, ch, err := e.Submit(&Request{Prompt: "never run"})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	final, ok := <-ch
	require.True(t, ok)
	assert.True(t, final.Finished)
	assert.ErrorIs(t, final.Err, ErrEngineClosed)

	_, err = e.AddRequest(&Request{Prompt: "late"})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngineBestOfReturnsN(t *testing.T) {
	config := newTestConfig(t)
	e, err := NewEngine(config, NewMockExecutor(config), NewMockTokenizer(config.EOS))
	require.NoError(t, err)

	params := NewSamplingParams(WithBestOf(2, 3), WithMaxTokens(4), WithIgnoreEOS(true))
	outputs, err := e.Generate(context.Background(), []string{"fork"}, params, false)
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	outs := outputs[0].Outputs
	require.Len(t, outs, 2)
	assert.GreaterOrEqual(t, outs[0].CumulativeLogProb, outs[1].CumulativeLogProb)
	for i, o := range outs {
		assert.Equal(t, i, o.Index)
		assert.Len(t, o.TokenIDs, 4)
	}
}

// failOnSwapOut fails the first batch that carries swap-out mappings
type failOnSwapOut struct {
	*MockExecutor
	failed bool
}

func (e *failOnSwapOut) Execute(ctx context.Context, batch *Batch) (*BatchResult, error) {
	if !e.failed && len(batch.BlocksToSwapOut) > 0 {
		e.failed = true
		return nil, errors.New("swap copy failed")
	}
	return e.MockExecutor.Execute(ctx, batch)
}

func TestEngineExecutorFailureFailsSwapVictims(t *testing.T) {
	config := newTestConfig(t,
		WithNumKVCacheBlocks(8, 16),
		WithPreemption(PreemptionSwap, PolicyTail),
	)
	exec := &failOnSwapOut{MockExecutor: NewMockExecutor(config)}
	e, err := NewEngine(config, exec, NewMockTokenizer(config.EOS))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.AddRequest(&Request{PromptTokenIDs: promptTokens(20, i*100), Params: ignoreEOS(44)})
		require.NoError(t, err)
	}

	var execErr *ExecutorError
	finals := make(map[string]RequestOutput)
	for e.HasUnfinished() {
		outputs, err := e.Step(context.Background())
		if err != nil {
			require.ErrorAs(t, err, &execErr)
			require.True(t, exec.failed)

			// nothing may stay parked on the host pool after the failed copy
			stats := e.Stats()
			assert.Zero(t, stats.NumSwapped)
			assert.Equal(t, 16, stats.CPUBlocksFree)
		}
		for _, out := range outputs {
			if out.Finished {
				finals[out.RequestID] = out
			}
		}
	}

	require.NotNil(t, execErr, "a swap-out batch must have been scheduled")
	require.Len(t, finals, 3)
	for _, id := range execErr.RequestIDs {
		assert.Equal(t, FinishError, finals[id].Outputs[0].FinishReason, "request %s", id)
	}
	assert.Equal(t, uint64(len(execErr.RequestIDs)), e.Stats().NumFailed)
	assert.Equal(t, 8, e.Stats().GPUBlocksFree)
	assert.Equal(t, 16, e.Stats().CPUBlocksFree)
}
