package pagedvllm

// NumRequiredBlocks returns how many blocks hold tokenCount tokens.
func NumRequiredBlocks(tokenCount, blockSize int) int {
	if tokenCount <= 0 {
		return 0
	}
	return (tokenCount + blockSize - 1) / blockSize
}

// BlockTable maps a sequence's logical blocks to physical blocks in one pool.
// len(blocks) is always NumRequiredBlocks(numTokens, blockSize).
type BlockTable struct {
	blockSize int
	device    Device
	blocks    []BlockID
	numTokens int
}

// NewBlockTable creates an empty table on the device pool
func NewBlockTable(blockSize int) *BlockTable {
	return &BlockTable{blockSize: blockSize, device: DeviceGPU}
}

// Len returns the number of logical blocks
func (t *BlockTable) Len() int { return len(t.blocks) }

// NumTokens returns the number of token slots the table covers
func (t *BlockTable) NumTokens() int { return t.numTokens }

// Device returns the pool the table's blocks live in
func (t *BlockTable) Device() Device { return t.device }

// Blocks returns a snapshot of the physical block handles
func (t *BlockTable) Blocks() []BlockID {
	return append([]BlockID(nil), t.blocks...)
}

// Block returns the physical block for logical block i
func (t *BlockTable) Block(i int) BlockID { return t.blocks[i] }

// IsEmpty reports whether the table holds no blocks
func (t *BlockTable) IsEmpty() bool { return len(t.blocks) == 0 }

// lastBlockPartial reports whether the last block has free slots left
func (t *BlockTable) lastBlockPartial() bool {
	return t.numTokens%t.blockSize != 0
}

// Slot returns the flat cache slot of token position pos
func (t *BlockTable) Slot(pos int) int {
	return int(t.blocks[pos/t.blockSize])*t.blockSize + pos%t.blockSize
}

// blocksNeeded returns how many new blocks are needed to grow by n slots,
// not counting a copy-on-write of the last block.
func (t *BlockTable) blocksNeeded(n int) int {
	return NumRequiredBlocks(t.numTokens+n, t.blockSize) - len(t.blocks)
}

func (t *BlockTable) clone() *BlockTable {
	return &BlockTable{
		blockSize: t.blockSize,
		device:    t.device,
		blocks:    append([]BlockID(nil), t.blocks...),
		numTokens: t.numTokens,
	}
}
