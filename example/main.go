package main

import (
	"fmt"
	"log"

	"paged-vllm-go/pagedvllm"
)

func main() {
	// A small pool so the demo exercises preemption
	config, err := pagedvllm.NewConfig(
		"mock",
		pagedvllm.WithNumKVCacheBlocks(48, 16),
		pagedvllm.WithMaxNumSeqs(8),
		pagedvllm.WithMaxModelLen(1024),
		pagedvllm.WithMaxNumBatchedTokens(1024),
	)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Create LLM engine
	llm, err := pagedvllm.NewLLM(config)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer llm.Close()

	samplingParams := pagedvllm.NewSamplingParams(
		pagedvllm.WithTemperature(0.6),
		pagedvllm.WithMaxTokens(128),
		pagedvllm.WithIgnoreEOS(true),
	)

	prompts := []string{
		"Hello, paged KV cache!",
		"What is the meaning of life?",
		"Explain continuous batching in simple terms.",
		"Why do blocks get swapped to host memory?",
	}

	fmt.Println("Starting generation...")
	fmt.Println()

	outputs, err := llm.GenerateSimple(prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, output := range outputs {
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		fmt.Printf("Output: %q\n", output)
	}

	stats := llm.Stats()
	fmt.Printf("\nSteps: %d, preemptions: %d (swap %d, recompute %d)\n",
		stats.Step, stats.NumPreemptions, stats.NumSwapOuts, stats.NumRecomputes)
}
