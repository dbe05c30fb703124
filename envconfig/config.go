package envconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"paged-vllm-go/pagedvllm"
)

// File is the TOML configuration layout. Keys left out keep their defaults.
type File struct {
	Model string `toml:"model"`
	EOS   int    `toml:"eos_token_id"`

	Cache struct {
		BlockSize            int     `toml:"block_size"`
		DType                string  `toml:"dtype"`
		GPUMemoryUtilization float64 `toml:"gpu_memory_utilization"`
		SwapSpaceFraction    float64 `toml:"swap_space_fraction"`
		DeviceMemoryBytes    uint64  `toml:"device_memory_bytes"`
		HostMemoryBytes      uint64  `toml:"host_memory_bytes"`
		NumGPUBlocks         int     `toml:"num_gpu_blocks"`
		NumCPUBlocks         int     `toml:"num_cpu_blocks"`
		Watermark            float64 `toml:"watermark"`
		PrefixCaching        bool    `toml:"prefix_caching"`
		NumLayers            int     `toml:"num_layers"`
		NumKVHeads           int     `toml:"num_kv_heads"`
		HeadDim              int     `toml:"head_dim"`
	} `toml:"cache"`

	Scheduler struct {
		MaxNumBatchedTokens int     `toml:"max_num_batched_tokens"`
		MaxNumSeqs          int     `toml:"max_num_seqs"`
		MaxModelLen         int     `toml:"max_model_len"`
		DelayFactor         float64 `toml:"delay_factor"`
		ChunkedPrefill      bool    `toml:"chunked_prefill"`
		PreemptionMode      string  `toml:"preemption_mode"`
		PreemptionPolicy    string  `toml:"preemption_policy"`
	} `toml:"scheduler"`

	Validation struct {
		MaxStopSequences int `toml:"max_stop_sequences"`
		MaxBestOf        int `toml:"max_best_of"`
		MaxInputLength   int `toml:"max_input_length"`
		MaxTotalTokens   int `toml:"max_total_tokens"`
	} `toml:"validation"`

	Executor Executor `toml:"executor"`
	Server   Server   `toml:"server"`
	Logging  Logging  `toml:"logging"`
}

// Executor selects and configures the model backend
type Executor struct {
	// Kind is one of mock, http or onnx
	Kind          string `toml:"kind"`
	URL           string `toml:"url"`
	ONNXModel     string `toml:"onnx_model"`
	ONNXLibrary   string `toml:"onnx_library"`
	VocabSize     int    `toml:"vocab_size"`
	TokenizerPath string `toml:"tokenizer"`
}

// Server configures the HTTP front end
type Server struct {
	Host    string   `toml:"host"`
	Origins []string `toml:"origins"`
}

// Logging configures logrus
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Settings is the loaded configuration
type Settings struct {
	Engine   *pagedvllm.Config
	Executor Executor
	Server   Server
	Logging  Logging
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// defaults returns a File populated from pagedvllm.DefaultConfig
func defaults() *File {
	c := pagedvllm.DefaultConfig()
	f := &File{EOS: c.EOS}

	f.Cache.BlockSize = c.BlockSize
	f.Cache.DType = c.CacheDType
	f.Cache.GPUMemoryUtilization = c.GPUMemoryUtilization
	f.Cache.SwapSpaceFraction = c.SwapSpaceFraction
	f.Cache.NumGPUBlocks = c.NumDeviceBlocks
	f.Cache.NumCPUBlocks = c.NumSwapBlocks
	f.Cache.Watermark = c.WatermarkFraction
	f.Cache.NumLayers = c.NumLayers
	f.Cache.NumKVHeads = c.NumKVHeads
	f.Cache.HeadDim = c.HeadDim

	f.Scheduler.MaxNumBatchedTokens = c.MaxNumBatchedTokens
	f.Scheduler.MaxNumSeqs = c.MaxNumSeqs
	f.Scheduler.MaxModelLen = c.MaxModelLen
	f.Scheduler.PreemptionMode = c.PreemptionMode
	f.Scheduler.PreemptionPolicy = c.PreemptionPolicy

	f.Validation.MaxStopSequences = c.MaxStopSequences
	f.Validation.MaxBestOf = c.MaxBestOf
	f.Validation.MaxInputLength = c.MaxInputLength
	f.Validation.MaxTotalTokens = c.MaxTotalTokens

	f.Executor.Kind = "mock"
	f.Executor.VocabSize = 32000
	f.Server.Host = "127.0.0.1:8000"
	f.Logging.Level = "info"
	f.Logging.Format = "text"
	return f
}

// Load reads the TOML file at path, if any, applies PAGEDVLLM_* environment
// overrides and validates the result. A missing file is not an error.
func Load(path string) (*Settings, error) {
	f := defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, f)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logrus.WithField("path", path).Debug("config file not found, using defaults")
		case err != nil:
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		default:
			for _, key := range md.Undecoded() {
				logrus.WithField("key", key.String()).Warn("unknown config key")
			}
		}
	}

	applyEnv(f)

	engine := f.engineConfig()
	if err := engine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	origins := f.Server.Origins
	for _, o := range defaultAllowOrigins {
		origins = append(origins,
			fmt.Sprintf("http://%s", o),
			fmt.Sprintf("https://%s", o),
			fmt.Sprintf("http://%s:*", o),
			fmt.Sprintf("https://%s:*", o),
		)
	}

	return &Settings{
		Engine:   engine,
		Executor: f.Executor,
		Server:   Server{Host: f.Server.Host, Origins: origins},
		Logging:  f.Logging,
	}, nil
}

func (f *File) engineConfig() *pagedvllm.Config {
	c := pagedvllm.DefaultConfig()
	c.Model = f.Model
	c.EOS = f.EOS

	c.BlockSize = f.Cache.BlockSize
	c.CacheDType = f.Cache.DType
	c.GPUMemoryUtilization = f.Cache.GPUMemoryUtilization
	c.SwapSpaceFraction = f.Cache.SwapSpaceFraction
	c.DeviceMemoryBytes = f.Cache.DeviceMemoryBytes
	c.HostMemoryBytes = f.Cache.HostMemoryBytes
	c.NumDeviceBlocks = f.Cache.NumGPUBlocks
	c.NumSwapBlocks = f.Cache.NumCPUBlocks
	c.WatermarkFraction = f.Cache.Watermark
	c.EnablePrefixCaching = f.Cache.PrefixCaching
	c.NumLayers = f.Cache.NumLayers
	c.NumKVHeads = f.Cache.NumKVHeads
	c.HeadDim = f.Cache.HeadDim

	c.MaxNumBatchedTokens = f.Scheduler.MaxNumBatchedTokens
	c.MaxNumSeqs = f.Scheduler.MaxNumSeqs
	c.MaxModelLen = f.Scheduler.MaxModelLen
	c.DelayFactor = f.Scheduler.DelayFactor
	c.EnableChunkedPrefill = f.Scheduler.ChunkedPrefill
	c.PreemptionMode = f.Scheduler.PreemptionMode
	c.PreemptionPolicy = f.Scheduler.PreemptionPolicy

	c.MaxStopSequences = f.Validation.MaxStopSequences
	c.MaxBestOf = f.Validation.MaxBestOf
	c.MaxInputLength = f.Validation.MaxInputLength
	c.MaxTotalTokens = f.Validation.MaxTotalTokens
	return c
}

// clean trims quotes and spaces from an environment value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func envString(key string, dst *string) {
	if v := clean(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := clean(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.WithError(err).WithField(key, v).Error("invalid setting, ignoring")
		return
	}
	*dst = n
}

func envUint(key string, dst *uint64) {
	v := clean(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		logrus.WithError(err).WithField(key, v).Error("invalid setting, ignoring")
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v := clean(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logrus.WithError(err).WithField(key, v).Error("invalid setting, ignoring")
		return
	}
	*dst = f
}

func envBool(key string, dst *bool) {
	v := clean(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logrus.WithError(err).WithField(key, v).Error("invalid setting, ignoring")
		return
	}
	*dst = b
}

func applyEnv(f *File) {
	envString("PAGEDVLLM_MODEL", &f.Model)
	envInt("PAGEDVLLM_EOS_TOKEN_ID", &f.EOS)

	envInt("PAGEDVLLM_BLOCK_SIZE", &f.Cache.BlockSize)
	envString("PAGEDVLLM_CACHE_DTYPE", &f.Cache.DType)
	envFloat("PAGEDVLLM_GPU_MEMORY_UTILIZATION", &f.Cache.GPUMemoryUtilization)
	envFloat("PAGEDVLLM_SWAP_SPACE_FRACTION", &f.Cache.SwapSpaceFraction)
	envUint("PAGEDVLLM_DEVICE_MEMORY", &f.Cache.DeviceMemoryBytes)
	envUint("PAGEDVLLM_HOST_MEMORY", &f.Cache.HostMemoryBytes)
	envInt("PAGEDVLLM_NUM_GPU_BLOCKS", &f.Cache.NumGPUBlocks)
	envInt("PAGEDVLLM_NUM_CPU_BLOCKS", &f.Cache.NumCPUBlocks)
	envFloat("PAGEDVLLM_WATERMARK", &f.Cache.Watermark)
	envBool("PAGEDVLLM_PREFIX_CACHING", &f.Cache.PrefixCaching)

	envInt("PAGEDVLLM_MAX_NUM_BATCHED_TOKENS", &f.Scheduler.MaxNumBatchedTokens)
	envInt("PAGEDVLLM_MAX_NUM_SEQS", &f.Scheduler.MaxNumSeqs)
	envInt("PAGEDVLLM_MAX_MODEL_LEN", &f.Scheduler.MaxModelLen)
	envFloat("PAGEDVLLM_DELAY_FACTOR", &f.Scheduler.DelayFactor)
	envBool("PAGEDVLLM_CHUNKED_PREFILL", &f.Scheduler.ChunkedPrefill)
	envString("PAGEDVLLM_PREEMPTION_MODE", &f.Scheduler.PreemptionMode)
	envString("PAGEDVLLM_PREEMPTION_POLICY", &f.Scheduler.PreemptionPolicy)

	envString("PAGEDVLLM_EXECUTOR", &f.Executor.Kind)
	envString("PAGEDVLLM_EXECUTOR_URL", &f.Executor.URL)
	envString("PAGEDVLLM_ONNX_MODEL", &f.Executor.ONNXModel)
	envString("PAGEDVLLM_ONNX_LIBRARY", &f.Executor.ONNXLibrary)
	envInt("PAGEDVLLM_VOCAB_SIZE", &f.Executor.VocabSize)
	envString("PAGEDVLLM_TOKENIZER", &f.Executor.TokenizerPath)

	envString("PAGEDVLLM_HOST", &f.Server.Host)
	if origins := clean("PAGEDVLLM_ORIGINS"); origins != "" {
		f.Server.Origins = strings.Split(origins, ",")
	}

	envString("PAGEDVLLM_LOG_LEVEL", &f.Logging.Level)
	envString("PAGEDVLLM_LOG_FORMAT", &f.Logging.Format)
}

// EnvVar describes one effective setting
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns the effective settings keyed by their environment variable
func (s *Settings) AsMap() map[string]EnvVar {
	c := s.Engine
	return map[string]EnvVar{
		"PAGEDVLLM_MODEL":                  {"PAGEDVLLM_MODEL", c.Model, "Model name reported by the server"},
		"PAGEDVLLM_BLOCK_SIZE":             {"PAGEDVLLM_BLOCK_SIZE", c.BlockSize, "Token slots per KV cache block"},
		"PAGEDVLLM_CACHE_DTYPE":            {"PAGEDVLLM_CACHE_DTYPE", c.CacheDType, "KV cache element type"},
		"PAGEDVLLM_NUM_GPU_BLOCKS":         {"PAGEDVLLM_NUM_GPU_BLOCKS", c.DeviceBlocks(), "Device pool size in blocks"},
		"PAGEDVLLM_NUM_CPU_BLOCKS":         {"PAGEDVLLM_NUM_CPU_BLOCKS", c.SwapBlocks(), "Host swap pool size in blocks (0 disables swapping)"},
		"PAGEDVLLM_WATERMARK":              {"PAGEDVLLM_WATERMARK", c.WatermarkFraction, "Fraction of device blocks withheld from admissions"},
		"PAGEDVLLM_PREFIX_CACHING":         {"PAGEDVLLM_PREFIX_CACHING", c.EnablePrefixCaching, "Reuse cached full prompt blocks"},
		"PAGEDVLLM_MAX_NUM_BATCHED_TOKENS": {"PAGEDVLLM_MAX_NUM_BATCHED_TOKENS", c.MaxNumBatchedTokens, "Token budget per step"},
		"PAGEDVLLM_MAX_NUM_SEQS":           {"PAGEDVLLM_MAX_NUM_SEQS", c.MaxNumSeqs, "Sequence budget per step"},
		"PAGEDVLLM_MAX_MODEL_LEN":          {"PAGEDVLLM_MAX_MODEL_LEN", c.MaxModelLen, "Longest prompt plus completion"},
		"PAGEDVLLM_DELAY_FACTOR":           {"PAGEDVLLM_DELAY_FACTOR", c.DelayFactor, "Admission delay as a fraction of the last prompt latency"},
		"PAGEDVLLM_CHUNKED_PREFILL":        {"PAGEDVLLM_CHUNKED_PREFILL", c.EnableChunkedPrefill, "Split long prompts across steps"},
		"PAGEDVLLM_PREEMPTION_MODE":        {"PAGEDVLLM_PREEMPTION_MODE", c.PreemptionMode, "auto, swap or recompute"},
		"PAGEDVLLM_PREEMPTION_POLICY":      {"PAGEDVLLM_PREEMPTION_POLICY", c.PreemptionPolicy, "Victim choice: tail, lowest-remaining-budget or priority"},
		"PAGEDVLLM_EXECUTOR":               {"PAGEDVLLM_EXECUTOR", s.Executor.Kind, "Model backend: mock, http or onnx"},
		"PAGEDVLLM_EXECUTOR_URL":           {"PAGEDVLLM_EXECUTOR_URL", s.Executor.URL, "Model server URL for the http backend"},
		"PAGEDVLLM_HOST":                   {"PAGEDVLLM_HOST", s.Server.Host, "Listen address"},
		"PAGEDVLLM_ORIGINS":                {"PAGEDVLLM_ORIGINS", s.Server.Origins, "A comma separated list of allowed origins"},
		"PAGEDVLLM_LOG_LEVEL":              {"PAGEDVLLM_LOG_LEVEL", s.Logging.Level, "trace, debug, info, warn or error"},
		"PAGEDVLLM_LOG_FORMAT":             {"PAGEDVLLM_LOG_FORMAT", s.Logging.Format, "text or json"},
	}
}
