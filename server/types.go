package server

import "paged-vllm-go/pagedvllm"

// Options are the sampling fields accepted by generate and chat. Fields left
// out keep the engine defaults.
type Options struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	TopK             *int            `json:"top_k,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	N                *int            `json:"n,omitempty"`
	BestOf           *int            `json:"best_of,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	StopTokenIDs     []int           `json:"stop_token_ids,omitempty"`
	LogitBias        map[int]float64 `json:"logit_bias,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	IgnoreEOS        bool            `json:"ignore_eos,omitempty"`
	LogProbs         *int            `json:"logprobs,omitempty"`
	Seed             *int64          `json:"seed,omitempty"`
}

func (o Options) samplingParams() *pagedvllm.SamplingParams {
	sp := pagedvllm.NewSamplingParams()
	if o.Temperature != nil {
		sp.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		sp.TopP = *o.TopP
	}
	if o.TopK != nil {
		sp.TopK = *o.TopK
	}
	if o.FrequencyPenalty != nil {
		sp.FrequencyPenalty = *o.FrequencyPenalty
	}
	if o.PresencePenalty != nil {
		sp.PresencePenalty = *o.PresencePenalty
	}
	if o.N != nil {
		sp.N = *o.N
	}
	if o.BestOf != nil {
		sp.BestOf = *o.BestOf
	}
	if o.MaxTokens != nil {
		sp.MaxTokens = *o.MaxTokens
	}
	if o.LogProbs != nil {
		sp.LogProbs = *o.LogProbs
	}
	if o.Seed != nil {
		sp.Seed = *o.Seed
	}
	sp.Stop = o.Stop
	sp.StopTokenIDs = o.StopTokenIDs
	sp.LogitBias = o.LogitBias
	sp.IgnoreEOS = o.IgnoreEOS
	return sp
}

// GenerateRequest is the body of POST /generate
type GenerateRequest struct {
	RequestID      string `json:"request_id,omitempty"`
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	PromptTokenIDs []int  `json:"prompt_token_ids,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
	Options
}

// ChatRequest is the body of POST /chat
type ChatRequest struct {
	RequestID string   `json:"request_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Messages  Messages `json:"messages"`
	Priority  int      `json:"priority,omitempty"`
	Stream    bool     `json:"stream,omitempty"`
	Options
}

// Response is one request snapshot as returned to clients
type Response struct {
	RequestID      string                       `json:"request_id"`
	PromptTokenIDs []int                        `json:"prompt_token_ids,omitempty"`
	Outputs        []pagedvllm.CompletionOutput `json:"outputs"`
	Finished       bool                         `json:"finished"`
}

func toResponse(out pagedvllm.RequestOutput) Response {
	return Response{
		RequestID:      out.RequestID,
		PromptTokenIDs: out.PromptTokenIDs,
		Outputs:        out.Outputs,
		Finished:       out.Finished,
	}
}
