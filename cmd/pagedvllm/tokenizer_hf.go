//go:build hftokenizers

package main

import (
	"fmt"

	"paged-vllm-go/pagedvllm"
	"paged-vllm-go/runner"
)

func newFileTokenizer(path string, eos int) (pagedvllm.Tokenizer, error) {
	if path == "" {
		return nil, fmt.Errorf("tokenizer path is required for the onnx backend")
	}
	return runner.NewHFTokenizer(path, eos)
}
