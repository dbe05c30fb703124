package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"paged-vllm-go/pagedvllm"
)

// workload is the shape of a synthetic benchmark run
type workload struct {
	requests             int
	minInput, maxInput   int
	minOutput, maxOutput int
	seed                 uint64
}

func workloadFromFlags(cmd *cobra.Command) (workload, error) {
	var w workload
	var err error
	flags := cmd.Flags()
	if w.requests, err = flags.GetInt("requests"); err != nil {
		return w, err
	}
	if w.minInput, err = flags.GetInt("min-input"); err != nil {
		return w, err
	}
	if w.maxInput, err = flags.GetInt("max-input"); err != nil {
		return w, err
	}
	if w.minOutput, err = flags.GetInt("min-output"); err != nil {
		return w, err
	}
	if w.maxOutput, err = flags.GetInt("max-output"); err != nil {
		return w, err
	}
	if w.seed, err = flags.GetUint64("seed"); err != nil {
		return w, err
	}

	if w.requests <= 0 || w.minInput <= 0 || w.minOutput <= 0 || w.maxInput < w.minInput || w.maxOutput < w.minOutput {
		return w, fmt.Errorf("invalid workload: %d requests, input %d-%d, output %d-%d",
			w.requests, w.minInput, w.maxInput, w.minOutput, w.maxOutput)
	}
	return w, nil
}

// build generates random token prompts with fixed completion lengths
func (w workload) build(vocab int) []*pagedvllm.Request {
	if vocab <= 0 {
		vocab = 32000
	}
	rng := rand.New(rand.NewPCG(w.seed, w.seed^0x9E3779B9))
	reqs := make([]*pagedvllm.Request, w.requests)
	for i := range reqs {
		inputLen := w.minInput + rng.IntN(w.maxInput-w.minInput+1)
		outputLen := w.minOutput + rng.IntN(w.maxOutput-w.minOutput+1)

		tokens := make([]int, inputLen)
		for j := range tokens {
			tokens[j] = rng.IntN(vocab)
		}
		reqs[i] = &pagedvllm.Request{
			PromptTokenIDs: tokens,
			Params: pagedvllm.NewSamplingParams(
				pagedvllm.WithTemperature(0.6),
				pagedvllm.WithMaxTokens(outputLen),
				pagedvllm.WithIgnoreEOS(true),
			),
		}
	}
	return reqs
}

func BenchHandler(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	w, err := workloadFromFlags(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	exec, tokenizer, err := newBackend(ctx, settings)
	if err != nil {
		return err
	}
	engine, err := pagedvllm.NewEngine(settings.Engine, exec, tokenizer)
	if err != nil {
		exec.Close()
		return err
	}
	defer engine.Close()

	promptTokens, expected := 0, 0
	for _, req := range w.build(settings.Executor.VocabSize) {
		if _, err := engine.AddRequest(req); err != nil {
			return err
		}
		promptTokens += len(req.PromptTokenIDs)
		expected += req.Params.MaxTokens
	}

	bar := progressbar.NewOptions(w.requests,
		progressbar.OptionSetDescription("Benchmarking"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWriter(os.Stderr),
	)

	start := time.Now()
	outputTokens := 0
	for engine.HasUnfinished() {
		outputs, err := engine.Step(ctx)
		if err != nil {
			return err
		}
		for _, out := range outputs {
			if !out.Finished {
				continue
			}
			for _, o := range out.Outputs {
				outputTokens += len(o.TokenIDs)
			}
			bar.Add(1)
		}
	}
	bar.Finish()
	elapsed := time.Since(start)

	stats := engine.Stats()
	data := [][]string{
		{"Requests", fmt.Sprint(w.requests)},
		{"Prompt tokens", fmt.Sprint(promptTokens)},
		{"Output tokens", fmt.Sprintf("%d / %d", outputTokens, expected)},
		{"Elapsed", elapsed.Round(time.Millisecond).String()},
		{"Throughput", fmt.Sprintf("%.1f tok/s", float64(outputTokens)/elapsed.Seconds())},
		{"Steps", fmt.Sprint(stats.Step)},
		{"Preemptions", fmt.Sprint(stats.NumPreemptions)},
		{"Swap outs", fmt.Sprint(stats.NumSwapOuts)},
		{"Recomputes", fmt.Sprint(stats.NumRecomputes)},
		{"Prefix cache hits", fmt.Sprintf("%d blocks", stats.PrefixCacheHitBlocks)},
		{"Ignored", fmt.Sprint(stats.NumIgnored)},
	}

	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"METRIC", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(data)
	table.Render()
	return nil
}
