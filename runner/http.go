package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"paged-vllm-go/pagedvllm"
)

// ModelInfo is what a model server reports on /info
type ModelInfo struct {
	VocabSize  int    `json:"vocab_size"`
	EOSTokenID int    `json:"eos_token_id"`
	ModelType  string `json:"model_type"`
}

// sequenceLogits is the next-token logit row of one sequence
type sequenceLogits struct {
	SeqID  int64     `json:"seq_id"`
	Logits []float32 `json:"logits"`
}

// executeResponse carries either sampled outputs or raw logits. Logits are
// sampled locally with the request's sampling parameters.
type executeResponse struct {
	Outputs []pagedvllm.SequenceOutput `json:"outputs"`
	Logits  []sequenceLogits           `json:"logits"`
}

// HTTPExecutor implements pagedvllm.Executor by posting batches to a model
// server that owns the KV cache.
type HTTPExecutor struct {
	serverURL string
	client    *http.Client
	info      ModelInfo
}

// NewHTTPExecutor connects to the model server at serverURL
func NewHTTPExecutor(ctx context.Context, serverURL string) (*HTTPExecutor, error) {
	e := &HTTPExecutor{
		serverURL: serverURL,
		client:    &http.Client{Timeout: 5 * time.Minute},
	}

	if err := e.get(ctx, "/info", &e.info); err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"server": serverURL,
		"vocab":  e.info.VocabSize,
		"model":  e.info.ModelType,
	}).Info("connected to model server")
	return e, nil
}

// Info returns the model metadata reported by the server
func (e *HTTPExecutor) Info() ModelInfo {
	return e.info
}

// Execute sends the batch and returns one output per sampling sequence
func (e *HTTPExecutor) Execute(ctx context.Context, batch *pagedvllm.Batch) (*pagedvllm.BatchResult, error) {
	var resp executeResponse
	if err := e.post(ctx, "/execute", batch, &resp); err != nil {
		return nil, err
	}
	if len(resp.Outputs) > 0 {
		return &pagedvllm.BatchResult{Outputs: resp.Outputs}, nil
	}

	rows := make(map[int64][]float32, len(resp.Logits))
	for _, l := range resp.Logits {
		rows[l.SeqID] = l.Logits
	}

	result := &pagedvllm.BatchResult{}
	for i := range batch.Sequences {
		sd := &batch.Sequences[i]
		if sd.NumSamples == 0 {
			continue
		}
		logits, ok := rows[sd.SeqID]
		if !ok {
			return nil, fmt.Errorf("server returned no logits for sequence %d", sd.SeqID)
		}
		samples, err := sampleSequence(logits, sd)
		if err != nil {
			return nil, err
		}
		result.Outputs = append(result.Outputs, pagedvllm.SequenceOutput{SeqID: sd.SeqID, Samples: samples})
	}
	return result, nil
}

// Close cleans up resources
func (e *HTTPExecutor) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func (e *HTTPExecutor) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+path, nil)
	if err != nil {
		return err
	}
	return do(e.client, req, out)
}

func (e *HTTPExecutor) post(ctx context.Context, path string, in, out any) error {
	return post(ctx, e.client, e.serverURL+path, in, out)
}

func post(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, req, out)
}

func do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// HTTPTokenizer implements pagedvllm.Tokenizer using the model server's
// tokenize endpoints.
type HTTPTokenizer struct {
	serverURL string
	client    *http.Client
	eosID     int
}

// NewHTTPTokenizer creates a new HTTP-based tokenizer
func NewHTTPTokenizer(serverURL string, eosID int) *HTTPTokenizer {
	return &HTTPTokenizer{
		serverURL: serverURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		eosID:     eosID,
	}
}

// Encode converts text to token IDs via HTTP
func (t *HTTPTokenizer) Encode(text string) ([]int, error) {
	var result struct {
		Tokens []int `json:"tokens"`
	}
	req := struct {
		Text string `json:"text"`
	}{text}
	if err := post(context.Background(), t.client, t.serverURL+"/tokenize", req, &result); err != nil {
		return nil, err
	}
	return result.Tokens, nil
}

// Decode converts token IDs to text via HTTP
func (t *HTTPTokenizer) Decode(tokenIDs []int) (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	req := struct {
		Tokens []int `json:"tokens"`
	}{tokenIDs}
	if err := post(context.Background(), t.client, t.serverURL+"/detokenize", req, &result); err != nil {
		return "", err
	}
	return result.Text, nil
}

// EOSTokenID returns the EOS token ID
func (t *HTTPTokenizer) EOSTokenID() int {
	return t.eosID
}
