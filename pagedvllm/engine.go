package pagedvllm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Request is a generation request as accepted by the engine. Prompt is
// tokenized when PromptTokenIDs is empty.
type Request struct {
	ID             string
	Model          string
	Prompt         string
	PromptTokenIDs []int
	Params         *SamplingParams
	Priority       int
	ArrivalTime    time.Time
}

// CompletionOutput is the state of one returned sequence
type CompletionOutput struct {
	Index             int               `json:"index"`
	Text              string            `json:"text"`
	TokenIDs          []int             `json:"token_ids"`
	LogProbs          []float64         `json:"logprobs,omitempty"`
	TopLogProbs       []map[int]float64 `json:"top_logprobs,omitempty"`
	CumulativeLogProb float64           `json:"cumulative_logprob"`
	FinishReason      FinishReason      `json:"finish_reason,omitempty"`
}

// RequestOutput is a cumulative snapshot of a request. The last snapshot of a
// request has Finished set.
type RequestOutput struct {
	RequestID      string             `json:"request_id"`
	PromptTokenIDs []int              `json:"prompt_token_ids"`
	Outputs        []CompletionOutput `json:"outputs"`
	Finished       bool               `json:"finished"`
	Err            error              `json:"-"`
}

const streamBuffer = 16

// Engine drives the scheduler and the executor, one step at a time.
type Engine struct {
	config    *Config
	executor  Executor
	tokenizer Tokenizer
	scheduler *Scheduler
	validator *Validator

	mu      sync.Mutex
	streams map[string]chan RequestOutput
	closed  bool
	wake    chan struct{}

	// token counts of the last executed batch, owned by the stepping goroutine
	lastPrefillTokens int
	lastDecodeTokens  int
}

// NewEngine creates a new engine. tokenizer may be nil if every request
// carries token IDs and no stop strings are used.
func NewEngine(config *Config, executor Executor, tokenizer Tokenizer, opts ...SchedulerOption) (*Engine, error) {
	e := &Engine{
		config:    config,
		executor:  executor,
		tokenizer: tokenizer,
		validator: NewValidator(config),
		streams:   make(map[string]chan RequestOutput),
		wake:      make(chan struct{}, 1),
	}

	opts = append([]SchedulerOption{WithStopChecker(e.checkStop)}, opts...)
	scheduler, err := NewScheduler(config, opts...)
	if err != nil {
		return nil, err
	}
	e.scheduler = scheduler
	return e, nil
}

// Scheduler returns the engine's scheduler
func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// Config returns the engine's config
func (e *Engine) Config() *Config {
	return e.config
}

// Stats returns the scheduler snapshot
func (e *Engine) Stats() Stats {
	return e.scheduler.Stats()
}

// HasUnfinished reports whether any request is still in flight
func (e *Engine) HasUnfinished() bool {
	return e.scheduler.HasUnfinished()
}

// Close cleans up resources
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	streams := e.streams
	e.streams = make(map[string]chan RequestOutput)
	e.mu.Unlock()

	for id, ch := range streams {
		deliverFinal(ch, RequestOutput{RequestID: id, Finished: true, Err: ErrEngineClosed})
	}
	return e.executor.Close()
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// AddRequest validates and queues a request, returning its ID
func (e *Engine) AddRequest(req *Request) (string, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", ErrEngineClosed
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Params == nil {
		req.Params = NewSamplingParams()
	}
	if req.ArrivalTime.IsZero() {
		req.ArrivalTime = time.Now()
	}

	tokenIDs := req.PromptTokenIDs
	if len(tokenIDs) == 0 && req.Prompt != "" {
		if e.tokenizer == nil {
			return "", errors.New("engine has no tokenizer for text prompts")
		}
		var err error
		tokenIDs, err = e.tokenizer.Encode(req.Prompt)
		if err != nil {
			return "", fmt.Errorf("failed to encode prompt: %w", err)
		}
	}

	if err := e.validator.Validate(len(tokenIDs), req.Params); err != nil {
		return "", err
	}

	g := NewSequenceGroup(req.ID, tokenIDs, req.Params, req.ArrivalTime, e.config.BlockSize)
	g.Priority = req.Priority
	if err := e.scheduler.AddRequest(g); err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{"request_id": req.ID, "prompt": len(tokenIDs)}).Debug("request added")
	e.notify()
	return req.ID, nil
}

// Submit queues a request and returns a channel of cumulative snapshots that
// is closed after the final one.
func (e *Engine) Submit(req *Request) (string, <-chan RequestOutput, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ch := make(chan RequestOutput, streamBuffer)

	e.mu.Lock()
	if _, ok := e.streams[req.ID]; ok {
		e.mu.Unlock()
		return "", nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	e.streams[req.ID] = ch
	e.mu.Unlock()

	id, err := e.AddRequest(req)
	if err != nil {
		e.mu.Lock()
		delete(e.streams, req.ID)
		e.mu.Unlock()
		return "", nil, err
	}
	return id, ch, nil
}

// Abort cancels a request. Its final snapshot has FinishCancelled.
func (e *Engine) Abort(requestID string) error {
	if err := e.scheduler.Abort(requestID); err != nil {
		return err
	}
	e.notify()
	return nil
}

// checkStop matches the sequence's detokenized completion against the
// request's stop strings.
func (e *Engine) checkStop(g *SequenceGroup, seq *Sequence) (string, bool) {
	if len(g.Params.Stop) == 0 || e.tokenizer == nil {
		return "", false
	}
	text, err := e.tokenizer.Decode(seq.CompletionTokenIDs())
	if err != nil {
		logrus.WithError(err).WithField("request_id", g.RequestID).Warn("failed to decode for stop check")
		return "", false
	}
	ok, stop := FindStop(text, g.Params.Stop)
	return stop, ok
}

func (e *Engine) completion(g *SequenceGroup, index int, seq *Sequence, final bool) CompletionOutput {
	out := CompletionOutput{
		Index:             index,
		TokenIDs:          append([]int(nil), seq.CompletionTokenIDs()...),
		CumulativeLogProb: seq.CumulativeLogProb,
		FinishReason:      seq.FinishReason,
	}
	if g.Params.LogProbs > 0 {
		out.LogProbs = append([]float64(nil), seq.LogProbs...)
		out.TopLogProbs = append([]map[int]float64(nil), seq.TopLogProbs...)
	}

	if e.tokenizer != nil {
		text, err := e.tokenizer.Decode(seq.CompletionTokenIDs())
		if err != nil {
			logrus.WithError(err).WithField("request_id", g.RequestID).Warn("failed to decode tokens")
		}
		switch {
		case seq.StopMatched != "":
			text, _ = TruncateStop(text, seq.StopMatched)
		case !final && ContainsStopSuffix(text, g.Params.Stop):
			text = HoldBackStop(text, g.Params.Stop)
		}
		out.Text = text
	}
	return out
}

// snapshot builds the cumulative output of a group. A finished group reports
// its N best sequences, a running one its first N.
func (e *Engine) snapshot(g *SequenceGroup) RequestOutput {
	n := max(g.Params.N, 1)
	finished := g.Status() == StatusFinished

	var seqs []*Sequence
	if finished {
		seqs = g.BestOutputs(n)
	} else {
		seqs = g.Seqs()
		if len(seqs) > n {
			seqs = seqs[:n]
		}
	}

	out := RequestOutput{
		RequestID:      g.RequestID,
		PromptTokenIDs: append([]int(nil), g.root().PromptTokenIDs()...),
		Outputs:        make([]CompletionOutput, len(seqs)),
		Finished:       finished,
	}
	for i, seq := range seqs {
		out.Outputs[i] = e.completion(g, i, seq, finished)
	}
	return out
}

// Step runs one scheduling step and one executor call. It returns the
// snapshots of every request that changed.
func (e *Engine) Step(ctx context.Context) ([]RequestOutput, error) {
	out := e.scheduler.Schedule()

	outputs := make([]RequestOutput, 0, len(out.Scheduled)+len(out.Aborted)+len(out.Ignored))
	for _, g := range out.Aborted {
		outputs = append(outputs, e.snapshot(g))
	}
	for _, g := range out.Ignored {
		snap := e.snapshot(g)
		snap.Err = &CapacityError{RequestID: g.RequestID, Reason: "prompt can never be scheduled"}
		outputs = append(outputs, snap)
	}

	if out.IsEmpty() {
		e.lastPrefillTokens, e.lastDecodeTokens = 0, 0
		e.dispatch(outputs)
		return outputs, nil
	}

	batch := out.Batch()
	e.lastPrefillTokens, e.lastDecodeTokens = batch.NumPrefillTokens, batch.NumDecodeTokens
	result, err := e.executor.Execute(ctx, batch)
	if err == nil {
		_, err = e.scheduler.Postprocess(out, result)
	}
	if err != nil {
		// swap victims of this step never had their blocks copied either
		groups := out.Affected()
		ids := make([]string, 0, len(groups))
		for _, g := range groups {
			ids = append(ids, g.RequestID)
		}
		e.scheduler.FailGroups(groups)

		execErr := &ExecutorError{Step: out.Step, RequestIDs: ids, Err: err}
		for _, g := range groups {
			snap := e.snapshot(g)
			snap.Err = execErr
			outputs = append(outputs, snap)
		}
		e.dispatch(outputs)

		logrus.WithError(err).WithFields(logrus.Fields{"step": out.Step, "requests": len(ids)}).Error("executor failed")
		return outputs, execErr
	}

	for _, sg := range out.Scheduled {
		g := sg.Group
		if g.Status() != StatusFinished && g.IsPrefill() {
			// mid-prompt chunk, nothing new to report
			continue
		}
		outputs = append(outputs, e.snapshot(g))
	}
	e.dispatch(outputs)
	return outputs, nil
}

// dispatch delivers snapshots to subscribed streams. Intermediate snapshots
// are dropped when a stream is full since each one supersedes the last; the
// final snapshot is always delivered.
func (e *Engine) dispatch(outputs []RequestOutput) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, out := range outputs {
		ch, ok := e.streams[out.RequestID]
		if !ok {
			continue
		}
		if !out.Finished {
			select {
			case ch <- out:
			default:
			}
			continue
		}

		deliverFinal(ch, out)
		delete(e.streams, out.RequestID)
	}
}

// deliverFinal sends out, dropping the oldest buffered snapshot if the stream
// is full, and closes the stream.
func deliverFinal(ch chan RequestOutput, out RequestOutput) {
	select {
	case ch <- out:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- out
	}
	close(ch)
}

// Run steps the engine until ctx is done. Executor failures fail their batch
// and the loop goes on.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !e.scheduler.HasUnfinished() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			}
			continue
		}

		outputs, err := e.Step(ctx)
		if err != nil {
			var execErr *ExecutorError
			if !errors.As(err, &execErr) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if len(outputs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

// Generate runs prompts to completion on the calling goroutine and returns
// the final outputs in prompt order.
func (e *Engine) Generate(ctx context.Context, prompts []string, sp *SamplingParams, useProgress bool) ([]RequestOutput, error) {
	ids := make([]string, len(prompts))
	for i, prompt := range prompts {
		id, err := e.AddRequest(&Request{Prompt: prompt, Params: sp})
		if err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		ids[i] = id
	}

	var bar *progressbar.ProgressBar
	if useProgress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	finals := make(map[string]RequestOutput, len(prompts))
	var prefillThroughput, decodeThroughput float64

	for e.HasUnfinished() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		outputs, err := e.Step(ctx)
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if bar != nil && elapsed > 0 {
			if e.lastPrefillTokens > 0 {
				prefillThroughput = float64(e.lastPrefillTokens) / elapsed
			}
			if e.lastDecodeTokens > 0 {
				decodeThroughput = float64(e.lastDecodeTokens) / elapsed
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
		}

		for _, out := range outputs {
			if !out.Finished {
				continue
			}
			finals[out.RequestID] = out
			if bar != nil {
				bar.Add(1)
			}
		}
	}

	if bar != nil {
		bar.Finish()
	}

	results := make([]RequestOutput, len(ids))
	for i, id := range ids {
		results[i] = finals[id]
	}
	return results, nil
}
