package pagedvllm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	config, err := NewConfig("model")
	require.NoError(t, err)

	assert.Equal(t, "model", config.Model)
	assert.Equal(t, 16, config.BlockSize)
	assert.Equal(t, 1024, config.DeviceBlocks())
	assert.Equal(t, 0, config.SwapBlocks(), "swap is off without a host budget")
	assert.Equal(t, PreemptionAuto, config.PreemptionMode)
}

func TestConfigPoolsFromMemory(t *testing.T) {
	const gib = 1 << 30
	config, err := NewConfig("model", WithMemory(8*gib, 16*gib))
	require.NoError(t, err)

	// 2 (k,v) * 32 layers * 8 heads * 128 dims * 16 slots * 2 bytes
	assert.Equal(t, 2<<20, config.BlockBytes())
	assert.Equal(t, 3686, config.DeviceBlocks())
	assert.Equal(t, 819, config.SwapBlocks())

	config, err = NewConfig("model", WithMemory(8*gib, 0), WithNumKVCacheBlocks(10, 4))
	require.NoError(t, err)
	assert.Equal(t, 10, config.DeviceBlocks(), "explicit block counts win")
	assert.Equal(t, 4, config.SwapBlocks())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		opts []ConfigOption
	}{
		{"block size not power of two", []ConfigOption{WithKVCacheBlockSize(12)}},
		{"unknown dtype", []ConfigOption{WithCacheDType("int3")}},
		{"utilization", []ConfigOption{WithGPUMemoryUtilization(1.5)}},
		{"watermark", []ConfigOption{WithWatermark(1)}},
		{"batched tokens below model len", []ConfigOption{WithMaxNumBatchedTokens(100)}},
		{"negative delay", []ConfigOption{WithDelayFactor(-1)}},
		{"preemption mode", []ConfigOption{WithPreemption("drop", PolicyTail)}},
		{"preemption policy", []ConfigOption{WithPreemption(PreemptionAuto, "random")}},
		{"input over total", []ConfigOption{WithValidationLimits(4, 2, 2048, 2048)}},
		{"total over model len", []ConfigOption{WithValidationLimits(4, 2, 1024, 8192)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig("model", tc.opts...)
			assert.Error(t, err)
		})
	}

	_, err := NewConfig("model", WithMaxNumBatchedTokens(100), WithChunkedPrefill(true))
	assert.NoError(t, err, "chunked prefill lifts the batched token floor")
}
