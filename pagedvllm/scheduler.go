package pagedvllm

import (
	"container/list"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ScheduledGroup is one group's share of a step
type ScheduledGroup struct {
	Group *SequenceGroup
	Seqs  []*Sequence
	// TokenChunkSize is the number of tokens each sequence computes this step
	TokenChunkSize int
	IsPrefill      bool
}

// SchedulerOutputs is the result of one Schedule call
type SchedulerOutputs struct {
	Step             uint64
	Scheduled        []ScheduledGroup
	NumBatchedTokens int
	BlocksToSwapIn   []BlockMapping
	BlocksToSwapOut  []BlockMapping
	BlocksToCopy     []BlockMapping

	// Preempted lists groups evicted this step, by swap or recompute
	Preempted []*SequenceGroup
	// SwappedIn and SwappedOut list the groups whose blocks move this step.
	// Their cache is only valid once the executor applies the mappings.
	SwappedIn  []*SequenceGroup
	SwappedOut []*SequenceGroup
	// Ignored lists groups dropped at admission because they can never fit
	Ignored []*SequenceGroup
	// Aborted lists cancelled groups removed this step
	Aborted []*SequenceGroup
}

// IsEmpty reports whether the step has no work for the executor
func (o *SchedulerOutputs) IsEmpty() bool {
	return len(o.Scheduled) == 0 && len(o.BlocksToSwapIn) == 0 &&
		len(o.BlocksToSwapOut) == 0 && len(o.BlocksToCopy) == 0
}

// Affected returns every group whose cache depends on this step's batch:
// the scheduled groups and the groups moved by swap, without duplicates.
func (o *SchedulerOutputs) Affected() []*SequenceGroup {
	seen := make(map[*SequenceGroup]struct{})
	var groups []*SequenceGroup
	add := func(g *SequenceGroup) {
		if _, ok := seen[g]; ok {
			return
		}
		seen[g] = struct{}{}
		groups = append(groups, g)
	}
	for _, sg := range o.Scheduled {
		add(sg.Group)
	}
	for _, g := range o.SwappedIn {
		add(g)
	}
	for _, g := range o.SwappedOut {
		add(g)
	}
	return groups
}

// Batch builds the executor descriptor. It must be called before Postprocess.
func (o *SchedulerOutputs) Batch() *Batch {
	b := &Batch{
		Step:            o.Step,
		BlocksToSwapIn:  o.BlocksToSwapIn,
		BlocksToSwapOut: o.BlocksToSwapOut,
		BlocksToCopy:    o.BlocksToCopy,
	}

	for _, sg := range o.Scheduled {
		for _, seq := range sg.Seqs {
			start := seq.numComputed
			end := start + sg.TokenChunkSize
			slots := make([]int, 0, sg.TokenChunkSize)
			for pos := start; pos < end; pos++ {
				slots = append(slots, seq.table.Slot(pos))
			}

			b.Sequences = append(b.Sequences, SequenceData{
				RequestID:       sg.Group.RequestID,
				SeqID:           seq.SeqID,
				IsPrefill:       sg.IsPrefill,
				TokenIDs:        append([]int(nil), seq.TokenIDs[start:end]...),
				StartPos:        start,
				ContextLen:      end,
				ContextTokenIDs: append([]int(nil), seq.TokenIDs[:end]...),
				NumPromptTokens: seq.NumPromptTokens,
				BlockTable:      seq.table.Blocks(),
				SlotMapping:     slots,
				NumSamples:      numSamples(sg.Group, seq, sg.TokenChunkSize),
				Params:          sg.Group.Params,
			})

			if sg.IsPrefill {
				b.NumPrefillTokens += sg.TokenChunkSize
			} else {
				b.NumDecodeTokens += sg.TokenChunkSize
			}
		}
	}
	return b
}

// numSamples returns how many tokens the executor must sample for seq after
// computing chunk tokens.
func numSamples(g *SequenceGroup, seq *Sequence, chunk int) int {
	if seq.numComputed+chunk < seq.Len() {
		return 0
	}
	if !g.forked && seq == g.root() {
		return g.Params.NumSequences()
	}
	return 1
}

// StopChecker reports whether seq matched a stop string with its latest
// token, and which one.
type StopChecker func(g *SequenceGroup, seq *Sequence) (string, bool)

// Stats is a point-in-time view of the scheduler
type Stats struct {
	Step                 uint64 `json:"step"`
	NumWaiting           int    `json:"num_waiting"`
	NumRunning           int    `json:"num_running"`
	NumSwapped           int    `json:"num_swapped"`
	NumPreemptions       uint64 `json:"num_preemptions"`
	NumSwapOuts          uint64 `json:"num_swap_outs"`
	NumRecomputes        uint64 `json:"num_recomputes"`
	NumFinished          uint64 `json:"num_finished"`
	NumAborted           uint64 `json:"num_aborted"`
	NumFailed            uint64 `json:"num_failed"`
	NumIgnored           uint64 `json:"num_ignored"`
	PrefixCacheHitBlocks uint64 `json:"prefix_cache_hit_blocks"`
	GPUBlocksTotal       int    `json:"gpu_blocks_total"`
	GPUBlocksFree        int    `json:"gpu_blocks_free"`
	CPUBlocksTotal       int    `json:"cpu_blocks_total"`
	CPUBlocksFree        int    `json:"cpu_blocks_free"`
}

// SchedulerOption is a functional option for Scheduler
type SchedulerOption func(*Scheduler)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithPolicy overrides the preemption policy named in the config
func WithPolicy(p PreemptionPolicy) SchedulerOption {
	return func(s *Scheduler) {
		s.policy = p
	}
}

// WithStopChecker installs a stop string check run after every sampled token
func WithStopChecker(fn StopChecker) SchedulerOption {
	return func(s *Scheduler) {
		s.stopChecker = fn
	}
}

// Scheduler manages the waiting, running and swapped queues and owns the block
// manager. Schedule and Postprocess must be called from a single goroutine;
// AddRequest, Abort, HasUnfinished and Stats are safe from any goroutine.
type Scheduler struct {
	config       *Config
	blockManager *BlockManager
	policy       PreemptionPolicy
	stopChecker  StopChecker
	now          func() time.Time

	waiting *list.List
	running *list.List
	swapped *list.List

	inboxMu sync.Mutex
	inbox   []*SequenceGroup
	live    map[string]*SequenceGroup

	step              uint64
	admitCounter      uint64
	prevTime          time.Time
	prevPrompt        bool
	lastPromptLatency time.Duration

	counters Stats
	statsMu  sync.Mutex
	stats    Stats
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config, opts ...SchedulerOption) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	policy, err := NewPreemptionPolicy(config.PreemptionPolicy)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		config: config,
		blockManager: NewBlockManager(config.DeviceBlocks(), config.SwapBlocks(), config.BlockSize,
			config.WatermarkFraction, config.EnablePrefixCaching),
		policy:  policy,
		now:     time.Now,
		waiting: list.New(),
		running: list.New(),
		swapped: list.New(),
		live:    make(map[string]*SequenceGroup),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.publishStats()

	logrus.WithFields(logrus.Fields{
		"gpu_blocks": s.blockManager.gpu.NumTotal(),
		"cpu_blocks": s.blockManager.cpu.NumTotal(),
		"watermark":  s.blockManager.gpu.WatermarkBlocks(),
		"block_size": config.BlockSize,
		"policy":     s.policy.Name(),
	}).Info("kv cache initialized")

	return s, nil
}

// BlockManager returns the scheduler's block manager
func (s *Scheduler) BlockManager() *BlockManager {
	return s.blockManager
}

// checkCapacity rejects a group whose worst-case footprint cannot fit even in
// an empty device pool.
func (s *Scheduler) checkCapacity(g *SequenceGroup) error {
	promptLen := g.PromptLen()
	if promptLen == 0 {
		return validationErrorf("prompt", "must not be empty")
	}
	if promptLen > s.config.MaxModelLen {
		return &CapacityError{
			RequestID: g.RequestID,
			Reason:    fmt.Sprintf("prompt of %d tokens exceeds max model length %d", promptLen, s.config.MaxModelLen),
		}
	}

	bs := s.config.BlockSize
	total := min(promptLen+g.Params.MaxTokens, s.config.MaxModelLen)
	shared := promptLen / bs
	required := shared + g.Params.NumSequences()*(NumRequiredBlocks(total, bs)-shared)
	available := s.blockManager.gpu.NumTotal() - s.blockManager.gpu.WatermarkBlocks()
	if required > available {
		return &CapacityError{
			RequestID: g.RequestID,
			Reason:    fmt.Sprintf("needs %d kv cache blocks, pool offers %d", required, available),
		}
	}
	return nil
}

// AddRequest queues a group for admission at the next step
func (s *Scheduler) AddRequest(g *SequenceGroup) error {
	if err := s.checkCapacity(g); err != nil {
		return err
	}

	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()

	if _, ok := s.live[g.RequestID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, g.RequestID)
	}
	s.live[g.RequestID] = g
	s.inbox = append(s.inbox, g)
	return nil
}

// Abort marks a request cancelled. Its blocks are released at the next step.
func (s *Scheduler) Abort(requestID string) error {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()

	g, ok := s.live[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	g.Cancel()
	return nil
}

// HasUnfinished reports whether any request is queued or in flight
func (s *Scheduler) HasUnfinished() bool {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	return len(s.live) > 0
}

// Stats returns the latest scheduler snapshot
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Scheduler) publishStats() {
	snap := s.counters
	snap.Step = s.step
	snap.NumWaiting = s.waiting.Len()
	snap.NumRunning = s.running.Len()
	snap.NumSwapped = s.swapped.Len()
	snap.GPUBlocksTotal = s.blockManager.gpu.NumTotal()
	snap.GPUBlocksFree = s.blockManager.gpu.NumFree()
	snap.CPUBlocksTotal = s.blockManager.cpu.NumTotal()
	snap.CPUBlocksFree = s.blockManager.cpu.NumFree()

	s.statsMu.Lock()
	s.stats = snap
	s.statsMu.Unlock()
}

func (s *Scheduler) forget(g *SequenceGroup) {
	s.inboxMu.Lock()
	delete(s.live, g.RequestID)
	s.inboxMu.Unlock()
}

func (s *Scheduler) drainInbox() {
	s.inboxMu.Lock()
	inbox := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()

	for _, g := range inbox {
		g.status = StatusWaiting
		g.elem = s.waiting.PushBack(g)
	}
}

func (s *Scheduler) queueFor(status SequenceStatus) *list.List {
	switch status {
	case StatusWaiting:
		return s.waiting
	case StatusRunning:
		return s.running
	case StatusSwapped:
		return s.swapped
	default:
		return nil
	}
}

func (s *Scheduler) removeFromQueue(g *SequenceGroup) {
	if q := s.queueFor(g.status); q != nil && g.elem != nil {
		q.Remove(g.elem)
	}
	g.elem = nil
}

// insertRunning keeps the running queue ordered by first admission
func (s *Scheduler) insertRunning(g *SequenceGroup) {
	for e := s.running.Back(); e != nil; e = e.Prev() {
		if e.Value.(*SequenceGroup).admitSeq < g.admitSeq {
			g.elem = s.running.InsertAfter(g, e)
			return
		}
	}
	g.elem = s.running.PushFront(g)
}

func groupsOf(q *list.List) []*SequenceGroup {
	groups := make([]*SequenceGroup, 0, q.Len())
	for e := q.Front(); e != nil; e = e.Next() {
		groups = append(groups, e.Value.(*SequenceGroup))
	}
	return groups
}

// numRunningSeqs counts the sequence seats held by running groups
func (s *Scheduler) numRunningSeqs() int {
	n := 0
	for e := s.running.Front(); e != nil; e = e.Next() {
		n += e.Value.(*SequenceGroup).MaxNumRunningSeqs()
	}
	return n
}

// reapCancelled removes every cancelled group from the queues
func (s *Scheduler) reapCancelled(out *SchedulerOutputs) {
	for _, q := range []*list.List{s.waiting, s.running, s.swapped} {
		for _, g := range groupsOf(q) {
			if !g.IsCancelled() {
				continue
			}
			s.removeFromQueue(g)
			s.blockManager.FreeGroup(g)
			g.finish(FinishCancelled)
			s.forget(g)
			s.counters.NumAborted++
			out.Aborted = append(out.Aborted, g)
			logrus.WithField("request_id", g.RequestID).Info("request cancelled")
		}
	}
}

type schedulingBudget struct {
	tokenBudget int
	numTokens   int
}

func (b *schedulingBudget) remaining() int {
	return b.tokenBudget - b.numTokens
}

// Schedule decides the next step: swap in, extend running groups, preempt
// when the pool runs dry, then admit waiting groups.
func (s *Scheduler) Schedule() *SchedulerOutputs {
	now := s.now()
	s.step++
	out := &SchedulerOutputs{Step: s.step}

	s.drainInbox()
	s.reapCancelled(out)

	budget := &schedulingBudget{tokenBudget: s.config.MaxNumBatchedTokens}

	s.scheduleSwapped(out)
	preempted := s.scheduleRunning(out, budget)
	passed := s.passedDelay(now)
	if !preempted && passed {
		s.scheduleWaiting(out, budget)
	}

	out.NumBatchedTokens = budget.numTokens
	s.publishStats()

	logrus.WithFields(logrus.Fields{
		"step":      out.Step,
		"scheduled": len(out.Scheduled),
		"tokens":    out.NumBatchedTokens,
		"waiting":   s.waiting.Len(),
		"running":   s.running.Len(),
		"swapped":   s.swapped.Len(),
		"free_gpu":  s.blockManager.gpu.NumFree(),
		"preempted": len(out.Preempted),
		"swap_in":   len(out.BlocksToSwapIn),
		"swap_out":  len(out.BlocksToSwapOut),
		"copies":    len(out.BlocksToCopy),
	}).Debug("scheduled step")

	return out
}

// scheduleSwapped resumes swapped groups strictly in eviction order
func (s *Scheduler) scheduleSwapped(out *SchedulerOutputs) {
	for s.swapped.Len() > 0 {
		e := s.swapped.Front()
		g := e.Value.(*SequenceGroup)

		if !s.blockManager.CanSwapIn(g) {
			break
		}
		if s.numRunningSeqs()+g.MaxNumRunningSeqs() > s.config.MaxNumSeqs {
			break
		}

		mappings, err := s.blockManager.SwapIn(g)
		if err != nil {
			logrus.WithError(err).WithField("request_id", g.RequestID).Warn("swap in failed")
			break
		}

		s.swapped.Remove(e)
		g.setStatus(StatusRunning)
		s.insertRunning(g)
		out.BlocksToSwapIn = append(out.BlocksToSwapIn, mappings...)
		out.SwappedIn = append(out.SwappedIn, g)

		logrus.WithFields(logrus.Fields{"request_id": g.RequestID, "blocks": len(mappings)}).Info("swapped in")
	}
}

// chunkFor returns how many tokens each of the group's sequences computes
// this step given the remaining token budget, or 0 if the group must sit
// this step out.
func (s *Scheduler) chunkFor(g *SequenceGroup, remaining int) int {
	if g.IsPrefill() {
		n := g.root().NumUncomputed()
		if n <= remaining {
			return n
		}
		if s.config.EnableChunkedPrefill {
			return max(remaining, 0)
		}
		return 0
	}
	if g.NumUnfinished() <= remaining {
		return 1
	}
	return 0
}

func (s *Scheduler) scheduleGroup(out *SchedulerOutputs, budget *schedulingBudget, g *SequenceGroup, chunk int) {
	seqs := g.UnfinishedSeqs()
	out.Scheduled = append(out.Scheduled, ScheduledGroup{
		Group:          g,
		Seqs:           seqs,
		TokenChunkSize: chunk,
		IsPrefill:      g.IsPrefill(),
	})
	budget.numTokens += chunk * len(seqs)
}

// scheduleRunning extends running groups oldest first and preempts when the
// device pool cannot take the next group. Reports whether anything was
// preempted.
func (s *Scheduler) scheduleRunning(out *SchedulerOutputs, budget *schedulingBudget) bool {
	preempted := false
	pending := groupsOf(s.running)

	for len(pending) > 0 {
		g := pending[0]
		pending = pending[1:]

		chunk := s.chunkFor(g, budget.remaining())
		if chunk == 0 {
			continue
		}

		for !s.blockManager.CanAppendSlots(g) {
			victim := s.policy.SelectVictim(append([]*SequenceGroup{g}, pending...))
			s.preempt(victim, out)
			preempted = true
			if victim == g {
				break
			}
			pending = slices.DeleteFunc(pending, func(p *SequenceGroup) bool { return p == victim })
		}
		if g.status != StatusRunning {
			continue
		}

		if err := s.appendSlots(g, out); err != nil {
			logrus.WithError(err).WithField("request_id", g.RequestID).Error("appending slots after capacity check")
			s.preempt(g, out)
			preempted = true
			continue
		}
		s.scheduleGroup(out, budget, g, chunk)
	}

	return preempted
}

func (s *Scheduler) appendSlots(g *SequenceGroup, out *SchedulerOutputs) error {
	for _, seq := range g.UnfinishedSeqs() {
		copies, err := s.blockManager.AppendSlots(seq)
		if err != nil {
			return err
		}
		out.BlocksToCopy = append(out.BlocksToCopy, copies...)
	}
	return nil
}

// shouldSwap decides between swap and recompute for a victim. In auto mode
// only groups with several sequences are swapped, since recomputing a single
// sequence costs one prefill while recomputing forks loses their samples.
func (s *Scheduler) shouldSwap(g *SequenceGroup) bool {
	switch s.config.PreemptionMode {
	case PreemptionRecompute:
		return false
	case PreemptionSwap:
		return s.blockManager.CanSwapOut(g)
	default:
		return len(g.seqs) > 1 && s.blockManager.CanSwapOut(g)
	}
}

// preempt evicts a running group by swap if possible, else by recompute
func (s *Scheduler) preempt(g *SequenceGroup, out *SchedulerOutputs) {
	s.removeFromQueue(g)
	g.NumPreemptions++
	s.counters.NumPreemptions++
	out.Preempted = append(out.Preempted, g)

	log := logrus.WithFields(logrus.Fields{
		"request_id":  g.RequestID,
		"step":        s.step,
		"preemptions": g.NumPreemptions,
	})

	if s.shouldSwap(g) {
		mappings, err := s.blockManager.SwapOut(g)
		if err == nil {
			g.setStatus(StatusSwapped)
			g.elem = s.swapped.PushBack(g)
			out.BlocksToSwapOut = append(out.BlocksToSwapOut, mappings...)
			out.SwappedOut = append(out.SwappedOut, g)
			s.counters.NumSwapOuts++
			log.WithField("blocks", len(mappings)).Warn("preempted by swap")
			return
		}
		log.WithError(err).Warn("swap out failed, recomputing")
	}

	s.blockManager.FreeGroup(g)
	g.resetForRecompute()
	g.elem = s.waiting.PushFront(g)
	s.counters.NumRecomputes++
	log.Warn("preempted by recompute")
}

// passedDelay gates admission so that prompts are batched together instead of
// admitted one per step.
func (s *Scheduler) passedDelay(now time.Time) bool {
	if s.prevPrompt {
		s.lastPromptLatency = now.Sub(s.prevTime)
	}
	s.prevTime, s.prevPrompt = now, false

	if s.config.DelayFactor <= 0 || s.waiting.Len() == 0 {
		return true
	}
	if s.running.Len() == 0 {
		return true
	}

	earliest := now
	for e := s.waiting.Front(); e != nil; e = e.Next() {
		if at := e.Value.(*SequenceGroup).ArrivalTime; at.Before(earliest) {
			earliest = at
		}
	}
	return now.Sub(earliest) > time.Duration(s.config.DelayFactor*float64(s.lastPromptLatency))
}

func (s *Scheduler) ignore(g *SequenceGroup, out *SchedulerOutputs, reason string) {
	s.removeFromQueue(g)
	g.finish(FinishLength)
	s.forget(g)
	s.counters.NumIgnored++
	out.Ignored = append(out.Ignored, g)
	logrus.WithFields(logrus.Fields{"request_id": g.RequestID, "reason": reason}).Warn("ignoring request that can never be scheduled")
}

// scheduleWaiting admits waiting groups in FIFO order until a budget runs out
func (s *Scheduler) scheduleWaiting(out *SchedulerOutputs, budget *schedulingBudget) {
	for e := s.waiting.Front(); e != nil; {
		g := e.Value.(*SequenceGroup)
		next := e.Next()

		if g.PromptLen() > s.config.MaxModelLen {
			s.ignore(g, out, "prompt exceeds max model length")
			e = next
			continue
		}

		status := s.blockManager.CanAllocate(g)
		if status == AllocNever {
			s.ignore(g, out, "prompt exceeds device pool")
			e = next
			continue
		}
		if status == AllocLater {
			break
		}

		if s.numRunningSeqs()+g.MaxNumRunningSeqs() > s.config.MaxNumSeqs {
			break
		}

		remaining := budget.remaining()
		chunk := g.root().NumUncomputed()
		if chunk > remaining {
			if !s.config.EnableChunkedPrefill || remaining <= 0 {
				break
			}
			chunk = remaining
		}

		hits, err := s.blockManager.Allocate(g)
		if err != nil {
			break
		}
		s.counters.PrefixCacheHitBlocks += uint64(hits)
		chunk = min(chunk, g.root().NumUncomputed())

		s.waiting.Remove(e)
		if g.admitSeq == 0 {
			s.admitCounter++
			g.admitSeq = s.admitCounter
		}
		g.setStatus(StatusRunning)
		s.insertRunning(g)
		s.scheduleGroup(out, budget, g, chunk)
		s.prevPrompt = true

		logrus.WithFields(logrus.Fields{
			"request_id": g.RequestID,
			"prompt":     g.PromptLen(),
			"chunk":      chunk,
		}).Debug("admitted request")

		e = next
	}
}

// Postprocess applies the executor's samples to the scheduled sequences,
// checks stop conditions and releases groups whose sequences have all
// finished. A result that lacks samples for a scheduled sequence is rejected
// with ErrMalformedResult before any state changes.
func (s *Scheduler) Postprocess(out *SchedulerOutputs, result *BatchResult) ([]*SequenceGroup, error) {
	samples := result.bySeq()
	for _, sg := range out.Scheduled {
		for _, seq := range sg.Seqs {
			need := numSamples(sg.Group, seq, sg.TokenChunkSize)
			if got := len(samples[seq.SeqID]); need > 0 && got < need {
				return nil, fmt.Errorf("%w: request %s sequence %d needs %d samples, got %d",
					ErrMalformedResult, sg.Group.RequestID, seq.SeqID, need, got)
			}
		}
	}

	var finished []*SequenceGroup
	for _, sg := range out.Scheduled {
		g := sg.Group
		if g.status != StatusRunning {
			continue
		}

		for _, seq := range sg.Seqs {
			need := numSamples(g, seq, sg.TokenChunkSize)
			seq.numComputed += sg.TokenChunkSize
			s.blockManager.RegisterComputed(seq)
			if need == 0 {
				continue
			}

			ss := samples[seq.SeqID]
			if need > 1 {
				s.forkGroup(g, seq, ss[1:need])
			}
			s.appendSample(g, seq, ss[0])
		}

		if g.IsFinished() {
			s.finishGroup(g)
			finished = append(finished, g)
		}
	}

	s.publishStats()
	return finished, nil
}

// forkGroup creates one child of parent per extra sample. Children share the
// parent's blocks until they write past the shared prefix.
func (s *Scheduler) forkGroup(g *SequenceGroup, parent *Sequence, extra []Sample) {
	for _, sample := range extra {
		child := parent.fork()
		s.blockManager.Fork(parent, child)
		g.seqs = append(g.seqs, child)
		s.appendSample(g, child, sample)
	}
	g.forked = true
}

func (s *Scheduler) appendSample(g *SequenceGroup, seq *Sequence, sample Sample) {
	seq.AppendToken(sample.TokenID, sample.LogProb, sample.TopLogProbs)

	sp := g.Params
	switch {
	case !sp.IgnoreEOS && sample.TokenID == s.config.EOS:
		seq.finish(FinishStop)
	case slices.Contains(sp.StopTokenIDs, sample.TokenID):
		seq.finish(FinishStop)
	default:
		if s.stopChecker != nil {
			if matched, ok := s.stopChecker(g, seq); ok {
				seq.StopMatched = matched
				seq.finish(FinishStopSequence)
				return
			}
		}
		if seq.NumCompletionTokens() >= sp.MaxTokens || seq.Len() >= s.config.MaxModelLen {
			seq.finish(FinishLength)
		}
	}
}

func (s *Scheduler) finishGroup(g *SequenceGroup) {
	s.removeFromQueue(g)
	s.blockManager.FreeGroup(g)
	g.status = StatusFinished
	s.forget(g)
	s.counters.NumFinished++
}

// FailGroups finishes the groups with FinishError and releases their blocks.
// The engine calls it when the executor fails for a batch.
func (s *Scheduler) FailGroups(groups []*SequenceGroup) {
	for _, g := range groups {
		if g.status == StatusFinished {
			continue
		}
		s.removeFromQueue(g)
		s.blockManager.FreeGroup(g)
		g.finish(FinishError)
		s.forget(g)
		s.counters.NumFailed++
	}
	s.publishStats()
}
