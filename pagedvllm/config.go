package pagedvllm

import (
	"fmt"
	"math"
)

// Preemption modes
const (
	PreemptionAuto      = "auto"
	PreemptionSwap      = "swap"
	PreemptionRecompute = "recompute"
)

// dtypeSizes maps a cache dtype to its element size in bytes.
var dtypeSizes = map[string]int{
	"auto":     2,
	"f16":      2,
	"bf16":     2,
	"f32":      4,
	"fp8_e5m2": 1,
}

// Config holds the configuration for the engine, its scheduler and its
// block manager.
type Config struct {
	Model string

	// KV cache
	BlockSize            int
	CacheDType           string
	GPUMemoryUtilization float64
	SwapSpaceFraction    float64
	DeviceMemoryBytes    uint64
	HostMemoryBytes      uint64
	NumDeviceBlocks      int
	NumSwapBlocks        int
	WatermarkFraction    float64
	EnablePrefixCaching  bool

	// Model shape, only used to size the pools from memory budgets
	NumLayers  int
	NumKVHeads int
	HeadDim    int

	// Scheduler
	MaxNumBatchedTokens  int
	MaxNumSeqs           int
	MaxModelLen          int
	DelayFactor          float64
	EnableChunkedPrefill bool
	PreemptionMode       string
	PreemptionPolicy     string

	// Validation ceilings
	MaxStopSequences int
	MaxBestOf        int
	MaxInputLength   int
	MaxTotalTokens   int

	EOS int
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		BlockSize:            16,
		CacheDType:           "auto",
		GPUMemoryUtilization: 0.9,
		SwapSpaceFraction:    0.1,
		NumDeviceBlocks:      -1,
		NumSwapBlocks:        -1,
		WatermarkFraction:    0.01,
		NumLayers:            32,
		NumKVHeads:           8,
		HeadDim:              128,
		MaxNumBatchedTokens:  16384,
		MaxNumSeqs:           512,
		MaxModelLen:          4096,
		PreemptionMode:       PreemptionAuto,
		PreemptionPolicy:     PolicyTail,
		MaxStopSequences:     4,
		MaxBestOf:            2,
		MaxInputLength:       1024,
		MaxTotalTokens:       2048,
		EOS:                  2,
	}
}

// NewConfig creates a new Config with default values and applies opts.
func NewConfig(modelPath string, opts ...ConfigOption) (*Config, error) {
	c := DefaultConfig()
	c.Model = modelPath

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block_size must be a positive power of two, got %d", c.BlockSize)
	}

	if _, ok := dtypeSizes[c.CacheDType]; !ok {
		return fmt.Errorf("unsupported cache dtype %q", c.CacheDType)
	}

	if c.GPUMemoryUtilization <= 0 || c.GPUMemoryUtilization > 1 {
		return fmt.Errorf("gpu_memory_utilization must be in (0, 1], got %v", c.GPUMemoryUtilization)
	}

	if c.SwapSpaceFraction < 0 || c.SwapSpaceFraction >= 1 {
		return fmt.Errorf("swap_space_fraction must be in [0, 1), got %v", c.SwapSpaceFraction)
	}

	if c.WatermarkFraction < 0 || c.WatermarkFraction >= 1 {
		return fmt.Errorf("watermark must be in [0, 1), got %v", c.WatermarkFraction)
	}

	if c.DeviceBlocks() <= 0 {
		return fmt.Errorf("device pool must hold at least one block")
	}

	if c.MaxNumSeqs <= 0 || c.MaxModelLen <= 0 || c.MaxNumBatchedTokens <= 0 {
		return fmt.Errorf("max_num_seqs, max_model_len and max_num_batched_tokens must be positive")
	}

	if !c.EnableChunkedPrefill && c.MaxNumBatchedTokens < c.MaxModelLen {
		return fmt.Errorf("max_num_batched_tokens (%d) must be >= max_model_len (%d) unless chunked prefill is enabled",
			c.MaxNumBatchedTokens, c.MaxModelLen)
	}

	if c.DelayFactor < 0 {
		return fmt.Errorf("delay_factor must not be negative")
	}

	switch c.PreemptionMode {
	case PreemptionAuto, PreemptionSwap, PreemptionRecompute:
	default:
		return fmt.Errorf("unknown preemption mode %q", c.PreemptionMode)
	}

	if _, err := NewPreemptionPolicy(c.PreemptionPolicy); err != nil {
		return err
	}

	if c.MaxStopSequences < 0 || c.MaxBestOf < 1 {
		return fmt.Errorf("max_stop_sequences must be >= 0 and max_best_of >= 1")
	}

	if c.MaxInputLength <= 0 || c.MaxInputLength >= c.MaxTotalTokens {
		return fmt.Errorf("max_input_length (%d) must be positive and < max_total_tokens (%d)", c.MaxInputLength, c.MaxTotalTokens)
	}

	if c.MaxTotalTokens > c.MaxModelLen {
		return fmt.Errorf("max_total_tokens (%d) must be <= max_model_len (%d)", c.MaxTotalTokens, c.MaxModelLen)
	}

	return nil
}

// BlockBytes returns the size of one KV block: keys and values for every
// layer and KV head over BlockSize positions.
func (c *Config) BlockBytes() int {
	return 2 * c.NumLayers * c.NumKVHeads * c.HeadDim * c.BlockSize * dtypeSizes[c.CacheDType]
}

// DeviceBlocks returns the device pool size. An explicit NumDeviceBlocks wins;
// otherwise the pool is derived from DeviceMemoryBytes*GPUMemoryUtilization.
func (c *Config) DeviceBlocks() int {
	if c.NumDeviceBlocks > 0 {
		return c.NumDeviceBlocks
	}
	if c.DeviceMemoryBytes == 0 || c.BlockBytes() == 0 {
		return 1024
	}
	return int(math.Floor(float64(c.DeviceMemoryBytes) * c.GPUMemoryUtilization / float64(c.BlockBytes())))
}

// SwapBlocks returns the host pool size. Zero disables swapping.
func (c *Config) SwapBlocks() int {
	if c.NumSwapBlocks >= 0 {
		return c.NumSwapBlocks
	}
	if c.HostMemoryBytes == 0 || c.BlockBytes() == 0 {
		return 0
	}
	return int(math.Floor(float64(c.HostMemoryBytes) * c.SwapSpaceFraction / float64(c.BlockBytes())))
}

// WithMaxNumBatchedTokens sets the maximum number of batched tokens
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum model length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithGPUMemoryUtilization sets the GPU memory utilization
func WithGPUMemoryUtilization(f float64) ConfigOption {
	return func(c *Config) {
		c.GPUMemoryUtilization = f
	}
}

// WithSwapSpaceFraction sets the fraction of host memory used as swap pool
func WithSwapSpaceFraction(f float64) ConfigOption {
	return func(c *Config) {
		c.SwapSpaceFraction = f
	}
}

// WithMemory sets the device and host memory budgets in bytes
func WithMemory(device, host uint64) ConfigOption {
	return func(c *Config) {
		c.DeviceMemoryBytes = device
		c.HostMemoryBytes = host
	}
}

// WithModelShape sets the layer count, KV heads and head dimension
func WithModelShape(layers, kvHeads, headDim int) ConfigOption {
	return func(c *Config) {
		c.NumLayers = layers
		c.NumKVHeads = kvHeads
		c.HeadDim = headDim
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithKVCacheBlockSize sets the KV cache block size
func WithKVCacheBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.BlockSize = n
	}
}

// WithCacheDType sets the KV cache dtype
func WithCacheDType(dtype string) ConfigOption {
	return func(c *Config) {
		c.CacheDType = dtype
	}
}

// WithNumKVCacheBlocks sets the number of device and swap blocks explicitly
func WithNumKVCacheBlocks(device, swap int) ConfigOption {
	return func(c *Config) {
		c.NumDeviceBlocks = device
		c.NumSwapBlocks = swap
	}
}

// WithWatermark sets the fraction of device blocks withheld from admissions
func WithWatermark(f float64) ConfigOption {
	return func(c *Config) {
		c.WatermarkFraction = f
	}
}

// WithPrefixCaching enables reuse of cached full prompt blocks
func WithPrefixCaching(b bool) ConfigOption {
	return func(c *Config) {
		c.EnablePrefixCaching = b
	}
}

// WithChunkedPrefill enables splitting long prompts across steps
func WithChunkedPrefill(b bool) ConfigOption {
	return func(c *Config) {
		c.EnableChunkedPrefill = b
	}
}

// WithDelayFactor sets the admission delay factor
func WithDelayFactor(f float64) ConfigOption {
	return func(c *Config) {
		c.DelayFactor = f
	}
}

// WithPreemption sets the preemption mode and victim policy
func WithPreemption(mode, policy string) ConfigOption {
	return func(c *Config) {
		c.PreemptionMode = mode
		c.PreemptionPolicy = policy
	}
}

// WithValidationLimits sets the request validation ceilings
func WithValidationLimits(maxStop, maxBestOf, maxInput, maxTotal int) ConfigOption {
	return func(c *Config) {
		c.MaxStopSequences = maxStop
		c.MaxBestOf = maxBestOf
		c.MaxInputLength = maxInput
		c.MaxTotalTokens = maxTotal
	}
}
