package runner

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestONNXExecutorConfig(t *testing.T) {
	_, err := NewONNXExecutor(ONNXConfig{})
	assert.ErrorContains(t, err, "model path")

	_, err = NewONNXExecutor(ONNXConfig{ModelPath: "model.onnx"})
	assert.ErrorContains(t, err, "vocab size")
}

// Needs PAGEDVLLM_ONNX_MODEL, PAGEDVLLM_ONNX_VOCAB and a local onnxruntime.
func TestONNXExecutor(t *testing.T) {
	model := os.Getenv("PAGEDVLLM_ONNX_MODEL")
	if model == "" {
		t.Skip("PAGEDVLLM_ONNX_MODEL not set")
	}

	exec, err := NewONNXExecutor(ONNXConfig{
		ModelPath:         model,
		SharedLibraryPath: os.Getenv("ONNXRUNTIME_LIB"),
		VocabSize:         50257,
	})
	require.NoError(t, err)
	defer exec.Close()

	res, err := exec.Execute(context.Background(), testBatch())
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Less(t, res.Outputs[0].Samples[0].TokenID, 50257)
}
