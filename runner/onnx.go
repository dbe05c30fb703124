package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"paged-vllm-go/pagedvllm"
)

// ONNXConfig configures an ONNXExecutor
type ONNXConfig struct {
	ModelPath string
	// SharedLibraryPath points at libonnxruntime; empty uses the default
	SharedLibraryPath string
	VocabSize         int
	NumThreads        int
	InputName         string
	OutputName        string
}

// ONNXExecutor implements pagedvllm.Executor with ONNX Runtime. The exported
// graph has no paged KV cache, so every sampling sequence is recomputed over
// its full context and the batch's block mappings are ignored.
type ONNXExecutor struct {
	config  ONNXConfig
	options *ort.SessionOptions

	mu     sync.Mutex
	closed bool
}

var ortInit sync.Mutex

// NewONNXExecutor initializes the runtime and session options
func NewONNXExecutor(config ONNXConfig) (*ONNXExecutor, error) {
	if config.ModelPath == "" {
		return nil, fmt.Errorf("onnx model path is required")
	}
	if config.VocabSize <= 0 {
		return nil, fmt.Errorf("onnx vocab size must be positive, got %d", config.VocabSize)
	}
	if config.InputName == "" {
		config.InputName = "input_ids"
	}
	if config.OutputName == "" {
		config.OutputName = "logits"
	}
	if config.NumThreads <= 0 {
		config.NumThreads = 4
	}

	ortInit.Lock()
	if !ort.IsInitialized() {
		if config.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(config.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortInit.Unlock()
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}
	ortInit.Unlock()

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := options.SetIntraOpNumThreads(config.NumThreads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	logrus.WithFields(logrus.Fields{"model": config.ModelPath, "vocab": config.VocabSize}).Info("onnx runtime initialized")
	return &ONNXExecutor{config: config, options: options}, nil
}

// Execute runs one forward pass per sampling sequence
func (e *ONNXExecutor) Execute(ctx context.Context, batch *pagedvllm.Batch) (*pagedvllm.BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("onnx executor is closed")
	}

	result := &pagedvllm.BatchResult{}
	for i := range batch.Sequences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sd := &batch.Sequences[i]
		if sd.NumSamples == 0 {
			continue
		}

		logits, err := e.lastLogits(sd.ContextTokenIDs)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", sd.SeqID, err)
		}
		samples, err := sampleSequence(logits, sd)
		if err != nil {
			return nil, err
		}
		result.Outputs = append(result.Outputs, pagedvllm.SequenceOutput{SeqID: sd.SeqID, Samples: samples})
	}
	return result, nil
}

// lastLogits runs the model over tokenIDs and returns the logit row of the
// last position.
func (e *ONNXExecutor) lastLogits(tokenIDs []int) ([]float32, error) {
	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("no tokens to process")
	}
	vocab := e.config.VocabSize

	inputData := make([]int64, len(tokenIDs))
	for j, id := range tokenIDs {
		inputData[j] = int64(id)
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(tokenIDs))), inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(tokenIDs)), int64(vocab)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		e.config.ModelPath,
		[]string{e.config.InputName},
		[]string{e.config.OutputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		e.options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	data := outputTensor.GetData()
	start := (len(tokenIDs) - 1) * vocab
	return append([]float32(nil), data[start:start+vocab]...), nil
}

// Close cleans up resources
func (e *ONNXExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.options.Destroy()
}
