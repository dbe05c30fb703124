package pagedvllm

import "context"

// LLM is the user-facing API for offline generation
type LLM struct {
	*Engine
}

// NewLLM creates a new LLM backed by the mock executor and tokenizer
func NewLLM(config *Config) (*LLM, error) {
	return NewLLMWithComponents(config, NewMockExecutor(config), NewMockTokenizer(config.EOS))
}

// NewLLMWithComponents creates a new LLM with custom components
func NewLLMWithComponents(config *Config, executor Executor, tokenizer Tokenizer) (*LLM, error) {
	engine, err := NewEngine(config, executor, tokenizer)
	if err != nil {
		return nil, err
	}
	return &LLM{Engine: engine}, nil
}

// GenerateSimple generates completions for string prompts and returns the
// best text of each.
func (llm *LLM) GenerateSimple(prompts []string, samplingParams *SamplingParams, useProgress bool) ([]string, error) {
	outputs, err := llm.Generate(context.Background(), prompts, samplingParams, useProgress)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(outputs))
	for i, out := range outputs {
		if len(out.Outputs) > 0 {
			texts[i] = out.Outputs[0].Text
		}
	}
	return texts, nil
}
