package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkloadBuild(t *testing.T) {
	w := workload{requests: 10, minInput: 4, maxInput: 8, minOutput: 2, maxOutput: 3, seed: 7}
	reqs := w.build(100)
	require.Len(t, reqs, 10)
	for _, req := range reqs {
		assert.GreaterOrEqual(t, len(req.PromptTokenIDs), 4)
		assert.LessOrEqual(t, len(req.PromptTokenIDs), 8)
		assert.GreaterOrEqual(t, req.Params.MaxTokens, 2)
		assert.LessOrEqual(t, req.Params.MaxTokens, 3)
		for _, id := range req.PromptTokenIDs {
			assert.Less(t, id, 100)
		}
	}

	again := w.build(100)
	assert.Equal(t, reqs[3].PromptTokenIDs, again[3].PromptTokenIDs, "same seed, same workload")
}

func TestWorkloadFlags(t *testing.T) {
	cmd := NewCLI()
	bench, _, err := cmd.Find([]string{"bench"})
	require.NoError(t, err)

	require.NoError(t, bench.Flags().Set("min-input", "300"))
	require.NoError(t, bench.Flags().Set("max-input", "200"))
	_, err = workloadFromFlags(bench)
	assert.ErrorContains(t, err, "invalid workload")
}

func TestBenchMock(t *testing.T) {
	t.Setenv("PAGEDVLLM_NUM_GPU_BLOCKS", "64")
	t.Setenv("PAGEDVLLM_NUM_CPU_BLOCKS", "16")
	t.Setenv("PAGEDVLLM_LOG_LEVEL", "error")

	cmd := NewCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"bench", "--requests", "8", "--max-input", "64", "--max-output", "32",
		"--config", filepath.Join(t.TempDir(), "missing.toml")})
	assert.NoError(t, cmd.Execute())
}

func TestUnknownExecutor(t *testing.T) {
	t.Setenv("PAGEDVLLM_EXECUTOR", "tpu")
	t.Setenv("PAGEDVLLM_LOG_LEVEL", "error")

	cmd := NewCLI()
	cmd.SetArgs([]string{"bench", "--requests", "1"})
	assert.ErrorContains(t, cmd.Execute(), `unknown executor "tpu"`)
}
