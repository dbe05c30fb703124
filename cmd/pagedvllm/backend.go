package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"paged-vllm-go/envconfig"
	"paged-vllm-go/pagedvllm"
	"paged-vllm-go/runner"
)

// newBackend builds the executor and tokenizer named by the executor settings
func newBackend(ctx context.Context, settings *envconfig.Settings) (pagedvllm.Executor, pagedvllm.Tokenizer, error) {
	config := settings.Engine
	ex := settings.Executor

	switch ex.Kind {
	case "", "mock":
		return pagedvllm.NewMockExecutor(config), pagedvllm.NewMockTokenizer(config.EOS), nil

	case "http":
		if ex.URL == "" {
			return nil, nil, fmt.Errorf("executor url is required for the http backend")
		}
		exec, err := runner.NewHTTPExecutor(ctx, ex.URL)
		if err != nil {
			return nil, nil, err
		}
		if info := exec.Info(); info.EOSTokenID != config.EOS {
			logrus.WithFields(logrus.Fields{"configured": config.EOS, "server": info.EOSTokenID}).Info("using the model server's eos token")
			config.EOS = info.EOSTokenID
		}
		return exec, runner.NewHTTPTokenizer(ex.URL, config.EOS), nil

	case "onnx":
		tokenizer, err := newFileTokenizer(ex.TokenizerPath, config.EOS)
		if err != nil {
			return nil, nil, err
		}
		exec, err := runner.NewONNXExecutor(runner.ONNXConfig{
			ModelPath:         ex.ONNXModel,
			SharedLibraryPath: ex.ONNXLibrary,
			VocabSize:         ex.VocabSize,
		})
		if err != nil {
			return nil, nil, err
		}
		return exec, tokenizer, nil
	}

	return nil, nil, fmt.Errorf("unknown executor %q", ex.Kind)
}
