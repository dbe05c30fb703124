//go:build !hftokenizers

package main

import (
	"errors"

	"paged-vllm-go/pagedvllm"
)

func newFileTokenizer(path string, eos int) (pagedvllm.Tokenizer, error) {
	return nil, errors.New("tokenizer.json support requires building with -tags hftokenizers")
}
