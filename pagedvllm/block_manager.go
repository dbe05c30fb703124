package pagedvllm

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// AllocStatus is the result of an admission check
type AllocStatus int

const (
	// AllocOK means the prompt fits now
	AllocOK AllocStatus = iota
	// AllocLater means the prompt fits once running work frees blocks
	AllocLater
	// AllocNever means the prompt cannot fit even in an empty pool
	AllocNever
)

// BlockMapping pairs a source block with its destination for swap and copy
type BlockMapping struct {
	Src BlockID `json:"src"`
	Dst BlockID `json:"dst"`
}

// BlockManager maps sequences onto the device pool and the optional host
// swap pool.
type BlockManager struct {
	blockSize int
	gpu       *BlockAllocator
	cpu       *BlockAllocator
}

// NewBlockManager creates a new block manager
func NewBlockManager(numDeviceBlocks, numSwapBlocks, blockSize int, watermark float64, prefixCaching bool) *BlockManager {
	return &BlockManager{
		blockSize: blockSize,
		gpu:       NewBlockAllocator(DeviceGPU, numDeviceBlocks, blockSize, watermark, prefixCaching),
		cpu:       NewBlockAllocator(DeviceCPU, numSwapBlocks, blockSize, 0, false),
	}
}

// GPU returns the device pool allocator
func (bm *BlockManager) GPU() *BlockAllocator { return bm.gpu }

// CPU returns the host swap pool allocator
func (bm *BlockManager) CPU() *BlockAllocator { return bm.cpu }

// BlockSize returns the number of token slots per block
func (bm *BlockManager) BlockSize() int { return bm.blockSize }

func (bm *BlockManager) allocatorFor(d Device) *BlockAllocator {
	if d == DeviceCPU {
		return bm.cpu
	}
	return bm.gpu
}

// CanAllocate checks whether the group's prompt can be placed in the device
// pool without dipping into the watermark.
func (bm *BlockManager) CanAllocate(g *SequenceGroup) AllocStatus {
	required := NumRequiredBlocks(g.PromptLen(), bm.blockSize)
	if required > bm.gpu.NumTotal()-bm.gpu.WatermarkBlocks() {
		return AllocNever
	}
	if !bm.gpu.CanAllocate(required) {
		return AllocLater
	}
	return AllocOK
}

// Allocate gives the group's root sequence blocks for its whole prompt.
// Full prompt blocks already in the prefix cache are shared instead of
// allocated; the last prompt token always gets a fresh block so the forward
// pass has something to compute. Returns the number of cached blocks reused.
func (bm *BlockManager) Allocate(g *SequenceGroup) (int, error) {
	seq := g.root()
	if !seq.table.IsEmpty() {
		return 0, errors.New("sequence already has blocks")
	}

	promptLen := seq.NumPromptTokens
	required := NumRequiredBlocks(promptLen, bm.blockSize)
	if !bm.gpu.CanAllocate(required) {
		return 0, ErrOutOfMemory
	}

	blocks := make([]BlockID, 0, required)
	hashes := make([]uint64, 0)
	cacheable := (promptLen - 1) / bm.blockSize
	prev := uint64(0)
	for i := 0; i < cacheable; i++ {
		tokens := seq.TokenIDs[i*bm.blockSize : (i+1)*bm.blockSize]
		h := ComputeHash(tokens, prev)
		id, ok := bm.gpu.AcquireCached(h, tokens)
		if !ok {
			break
		}
		blocks = append(blocks, id)
		hashes = append(hashes, h)
		prev = h
	}
	hits := len(blocks)

	fresh, err := bm.gpu.Allocate(required - hits)
	if err != nil {
		for _, id := range blocks {
			bm.gpu.Free(id)
		}
		return 0, err
	}
	blocks = append(blocks, fresh...)

	seq.table.device = DeviceGPU
	seq.table.blocks = blocks
	seq.table.numTokens = promptLen
	seq.hashes = hashes
	seq.numComputed = hits * bm.blockSize

	if hits > 0 {
		logrus.WithFields(logrus.Fields{"request_id": g.RequestID, "blocks": hits}).Debug("prefix cache hit")
	}
	return hits, nil
}

// slotsNeeded returns how many fresh blocks appending to seq would take,
// counting a copy-on-write of a shared partial last block.
func (bm *BlockManager) slotsNeeded(seq *Sequence) int {
	t := seq.table
	n := seq.Len() - t.numTokens
	if n <= 0 {
		return 0
	}
	need := t.blocksNeeded(n)
	if t.lastBlockPartial() && bm.gpu.RefCount(t.blocks[len(t.blocks)-1]) > 1 {
		need++
	}
	return need
}

// CanAppendSlots checks whether every unfinished sequence of the group can
// get slots for its uncached tokens. A sequence that needs exactly one block
// may take it from the watermark reserve.
func (bm *BlockManager) CanAppendSlots(g *SequenceGroup) bool {
	total := 0
	reserveOK := true
	for _, seq := range g.UnfinishedSeqs() {
		need := bm.slotsNeeded(seq)
		if need > 1 {
			reserveOK = false
		}
		total += need
	}
	if total == 0 {
		return true
	}
	if reserveOK {
		return bm.gpu.NumFree() >= total
	}
	return bm.gpu.CanAllocate(total)
}

func (bm *BlockManager) allocateGPU(need int) ([]BlockID, error) {
	switch need {
	case 0:
		return nil, nil
	case 1:
		id, err := bm.gpu.AllocateReserved()
		if err != nil {
			return nil, err
		}
		return []BlockID{id}, nil
	}
	return bm.gpu.Allocate(need)
}

// AppendSlots grows the sequence's table to cover every token. If the last
// block is partial and shared with a sibling, it is copied first and the
// returned mapping tells the executor which block to duplicate.
func (bm *BlockManager) AppendSlots(seq *Sequence) ([]BlockMapping, error) {
	t := seq.table
	n := seq.Len() - t.numTokens
	if n <= 0 {
		return nil, nil
	}

	need := bm.slotsNeeded(seq)
	fresh, err := bm.allocateGPU(need)
	if err != nil {
		return nil, err
	}

	var copies []BlockMapping
	if t.lastBlockPartial() {
		last := len(t.blocks) - 1
		old := t.blocks[last]
		if bm.gpu.RefCount(old) > 1 {
			dst := fresh[0]
			fresh = fresh[1:]
			copies = append(copies, BlockMapping{Src: old, Dst: dst})
			t.blocks[last] = dst
			bm.gpu.Free(old)
			logrus.WithFields(logrus.Fields{"seq_id": seq.SeqID, "src": old, "dst": dst}).Trace("copy on write")
		}
	}

	t.blocks = append(t.blocks, fresh...)
	t.numTokens += n
	for _, id := range t.blocks[len(t.blocks)-len(fresh):] {
		bm.gpu.Touch(id)
	}
	return copies, nil
}

// Fork shares every block of parent with child
func (bm *BlockManager) Fork(parent, child *Sequence) {
	child.table = parent.table.clone()
	a := bm.allocatorFor(parent.table.device)
	for _, id := range child.table.blocks {
		a.Fork(id)
	}
}

// Truncate shortens the sequence's table to numTokens slots and frees the
// trailing blocks.
func (bm *BlockManager) Truncate(seq *Sequence, numTokens int) error {
	t := seq.table
	keep := NumRequiredBlocks(numTokens, bm.blockSize)
	if keep > len(t.blocks) {
		return nil
	}

	a := bm.allocatorFor(t.device)
	var firstErr error
	for i := len(t.blocks) - 1; i >= keep; i-- {
		if err := a.Free(t.blocks[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.blocks = t.blocks[:keep]
	t.numTokens = min(t.numTokens, numTokens)
	if full := numTokens / bm.blockSize; len(seq.hashes) > full {
		seq.hashes = seq.hashes[:full]
	}
	seq.numComputed = min(seq.numComputed, numTokens)
	if keep == 0 {
		t.device = DeviceGPU
	}
	return firstErr
}

// Free releases every block of the sequence. Freeing a sequence that holds
// no blocks returns ErrDoubleFree and changes nothing.
func (bm *BlockManager) Free(seq *Sequence) error {
	if seq.table.IsEmpty() {
		return ErrDoubleFree
	}
	return bm.Truncate(seq, 0)
}

// FreeGroup releases the blocks of every sequence in the group
func (bm *BlockManager) FreeGroup(g *SequenceGroup) {
	for _, seq := range g.seqs {
		if seq.table.IsEmpty() {
			continue
		}
		if err := bm.Free(seq); err != nil {
			logrus.WithError(err).WithField("request_id", g.RequestID).Warn("freeing sequence blocks")
		}
	}
}

// RegisterComputed publishes the sequence's newly computed full blocks to the
// prefix cache.
func (bm *BlockManager) RegisterComputed(seq *Sequence) {
	t := seq.table
	if !bm.gpu.caching || t.device != DeviceGPU {
		return
	}
	for i := len(seq.hashes); (i+1)*bm.blockSize <= seq.numComputed && i < len(t.blocks); i++ {
		prev := uint64(0)
		if i > 0 {
			prev = seq.hashes[i-1]
		}
		tokens := seq.TokenIDs[i*bm.blockSize : (i+1)*bm.blockSize]
		h := ComputeHash(tokens, prev)
		bm.gpu.Register(t.blocks[i], h, tokens)
		seq.hashes = append(seq.hashes, h)
	}
}

// distinctBlocks counts the distinct physical blocks held by the group
func distinctBlocks(g *SequenceGroup) int {
	seen := make(map[BlockID]struct{})
	for _, seq := range g.seqs {
		for _, id := range seq.table.blocks {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// CanSwapIn checks whether the device pool can take the group's host blocks
// plus one growth block per unfinished sequence, above the watermark.
func (bm *BlockManager) CanSwapIn(g *SequenceGroup) bool {
	return bm.gpu.CanAllocate(distinctBlocks(g) + g.NumUnfinished())
}

// CanSwapOut checks whether the host pool can take the group's blocks
func (bm *BlockManager) CanSwapOut(g *SequenceGroup) bool {
	return bm.cpu.NumTotal() > 0 && distinctBlocks(g) <= bm.cpu.NumFree()
}

// SwapIn moves the group's blocks from the host pool to the device pool
func (bm *BlockManager) SwapIn(g *SequenceGroup) ([]BlockMapping, error) {
	return bm.move(g, bm.cpu, bm.gpu)
}

// SwapOut moves the group's blocks from the device pool to the host pool
func (bm *BlockManager) SwapOut(g *SequenceGroup) ([]BlockMapping, error) {
	return bm.move(g, bm.gpu, bm.cpu)
}

// move relocates every block of the group. Blocks shared between sibling
// sequences stay shared in the destination pool.
func (bm *BlockManager) move(g *SequenceGroup, src, dst *BlockAllocator) ([]BlockMapping, error) {
	if distinctBlocks(g) > dst.NumFree() {
		return nil, ErrOutOfMemory
	}

	moved := make(map[BlockID]BlockID)
	var mappings []BlockMapping
	for _, seq := range g.seqs {
		t := seq.table
		if t.IsEmpty() {
			continue
		}
		for i, id := range t.blocks {
			to, ok := moved[id]
			if ok {
				dst.Fork(to)
			} else {
				to = dst.pop()
				moved[id] = to
				mappings = append(mappings, BlockMapping{Src: id, Dst: to})
			}
			src.Free(id)
			t.blocks[i] = to
		}
		t.device = dst.Device()
	}
	return mappings, nil
}
