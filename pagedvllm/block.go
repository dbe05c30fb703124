package pagedvllm

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/sirupsen/logrus"
)

// Device identifies the pool a block lives in.
type Device int

const (
	DeviceGPU Device = iota
	DeviceCPU
)

func (d Device) String() string {
	switch d {
	case DeviceGPU:
		return "gpu"
	case DeviceCPU:
		return "cpu"
	default:
		return "unknown"
	}
}

// BlockID is a handle into a pool's block arena.
type BlockID int

// Block represents a KV cache block
type Block struct {
	ID         BlockID
	Device     Device
	RefCount   int
	LastAccess uint64
	Hash       uint64
	TokenIDs   []int
}

// reset clears cached content so the block can be handed out again
func (b *Block) reset() {
	b.RefCount = 0
	b.Hash = 0
	b.TokenIDs = nil
}

// ComputeHash computes the hash of token IDs chained onto an optional prefix hash
func ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()

	var buf [8]byte
	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}

	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tokenID))
		h.Write(buf[:4])
	}

	return h.Sum64()
}

// evictKey orders cached free blocks from least to most recently used.
type evictKey struct {
	access uint64
	id     BlockID
}

func compareEvictKeys(a, b interface{}) int {
	ka, kb := a.(evictKey), b.(evictKey)
	switch {
	case ka.access < kb.access:
		return -1
	case ka.access > kb.access:
		return 1
	case ka.id < kb.id:
		return -1
	case ka.id > kb.id:
		return 1
	}
	return 0
}

// BlockAllocator owns a fixed pool of blocks on one device.
//
// Free blocks that still hold a registered prefix hash are kept in an evictor
// and can be revived by AcquireCached until they are handed out again. Plain
// free blocks are always handed out before cached ones.
type BlockAllocator struct {
	device    Device
	blockSize int
	blocks    []*Block
	free      []BlockID
	evictor   *redblacktree.Tree
	cached    map[uint64]BlockID
	watermark int
	clock     uint64
	caching   bool
}

// NewBlockAllocator creates an allocator with numBlocks blocks. watermark is
// the fraction of the pool withheld from Allocate.
func NewBlockAllocator(device Device, numBlocks, blockSize int, watermark float64, prefixCaching bool) *BlockAllocator {
	blocks := make([]*Block, numBlocks)
	free := make([]BlockID, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks[i] = &Block{ID: BlockID(i), Device: device}
		free[i] = BlockID(i)
	}

	return &BlockAllocator{
		device:    device,
		blockSize: blockSize,
		blocks:    blocks,
		free:      free,
		evictor:   redblacktree.NewWith(compareEvictKeys),
		cached:    make(map[uint64]BlockID),
		watermark: int(math.Ceil(watermark * float64(numBlocks))),
		caching:   prefixCaching,
	}
}

func (a *BlockAllocator) Device() Device       { return a.device }
func (a *BlockAllocator) NumTotal() int        { return len(a.blocks) }
func (a *BlockAllocator) NumFree() int         { return len(a.free) + a.evictor.Size() }
func (a *BlockAllocator) NumUsed() int         { return a.NumTotal() - a.NumFree() }
func (a *BlockAllocator) WatermarkBlocks() int { return a.watermark }

// NumAllocatable returns how many blocks Allocate could hand out right now.
func (a *BlockAllocator) NumAllocatable() int {
	return max(0, a.NumFree()-a.watermark)
}

// Block returns the block behind id.
func (a *BlockAllocator) Block(id BlockID) *Block {
	return a.blocks[id]
}

// RefCount returns the reference count of id.
func (a *BlockAllocator) RefCount(id BlockID) int {
	return a.blocks[id].RefCount
}

func (a *BlockAllocator) tick() uint64 {
	a.clock++
	return a.clock
}

// CanAllocate reports whether n blocks can be allocated without dipping into
// the watermark.
func (a *BlockAllocator) CanAllocate(n int) bool {
	return a.NumFree()-n >= a.watermark
}

// Allocate hands out n blocks with a reference count of one each. It fails
// with ErrOutOfMemory if fewer than n blocks are free above the watermark.
func (a *BlockAllocator) Allocate(n int) ([]BlockID, error) {
	if !a.CanAllocate(n) {
		return nil, ErrOutOfMemory
	}

	ids := make([]BlockID, n)
	for i := range ids {
		ids[i] = a.pop()
	}
	return ids, nil
}

// AllocateReserved hands out a single block and may use the watermark
// reserve. It exists so a running sequence can always extend by one block.
func (a *BlockAllocator) AllocateReserved() (BlockID, error) {
	if a.NumFree() < 1 {
		return 0, ErrOutOfMemory
	}
	return a.pop(), nil
}

// pop takes a plain free block if there is one, otherwise evicts the least
// recently used cached block.
func (a *BlockAllocator) pop() BlockID {
	var id BlockID
	if len(a.free) > 0 {
		id = a.free[0]
		a.free = a.free[1:]
	} else {
		node := a.evictor.Left()
		key := node.Key.(evictKey)
		a.evictor.Remove(key)
		id = key.id
		b := a.blocks[id]
		if cur, ok := a.cached[b.Hash]; ok && cur == id {
			delete(a.cached, b.Hash)
		}
		logrus.WithFields(logrus.Fields{"device": a.device, "block": id}).Trace("evicting cached block")
	}

	b := a.blocks[id]
	if b.RefCount != 0 {
		panic("block is already allocated")
	}
	b.reset()
	b.RefCount = 1
	b.LastAccess = a.tick()
	return id
}

// Free drops one reference to id. The block returns to the pool when its
// count reaches zero. Freeing an unreferenced block returns ErrDoubleFree and
// changes nothing.
func (a *BlockAllocator) Free(id BlockID) error {
	b := a.blocks[id]
	if b.RefCount == 0 {
		logrus.WithFields(logrus.Fields{"device": a.device, "block": id}).Warn("ignoring double free of kv cache block")
		return ErrDoubleFree
	}

	b.RefCount--
	if b.RefCount > 0 {
		return nil
	}

	if a.caching && b.Hash != 0 {
		if cur, ok := a.cached[b.Hash]; ok && cur == id {
			a.evictor.Put(evictKey{access: b.LastAccess, id: id}, id)
			return nil
		}
	}

	b.reset()
	a.free = append(a.free, id)
	return nil
}

// Fork adds a reference to id without copying its contents.
func (a *BlockAllocator) Fork(id BlockID) BlockID {
	b := a.blocks[id]
	if b.RefCount == 0 {
		panic("cannot fork a free block")
	}
	b.RefCount++
	b.LastAccess = a.tick()
	return id
}

// Touch records an access for eviction ordering.
func (a *BlockAllocator) Touch(id BlockID) {
	a.blocks[id].LastAccess = a.tick()
}

// lookupCached returns the cached block holding exactly tokenIDs under hash.
func (a *BlockAllocator) lookupCached(hash uint64, tokenIDs []int) (*Block, bool) {
	if !a.caching {
		return nil, false
	}
	id, ok := a.cached[hash]
	if !ok {
		return nil, false
	}
	b := a.blocks[id]
	if len(b.TokenIDs) != len(tokenIDs) {
		return nil, false
	}
	for i, tid := range tokenIDs {
		if b.TokenIDs[i] != tid {
			return nil, false
		}
	}
	return b, true
}

// AcquireCached takes a reference on the cached block for hash, reviving it
// from the evictor if it was free.
func (a *BlockAllocator) AcquireCached(hash uint64, tokenIDs []int) (BlockID, bool) {
	b, ok := a.lookupCached(hash, tokenIDs)
	if !ok {
		return 0, false
	}
	if b.RefCount == 0 {
		a.evictor.Remove(evictKey{access: b.LastAccess, id: b.ID})
	}
	b.RefCount++
	b.LastAccess = a.tick()
	return b.ID, true
}

// Register records a full block's hash so later prompts can share it. A hash
// that is already registered keeps its original block.
func (a *BlockAllocator) Register(id BlockID, hash uint64, tokenIDs []int) {
	if !a.caching || hash == 0 {
		return
	}
	if _, ok := a.cached[hash]; ok {
		return
	}
	b := a.blocks[id]
	b.Hash = hash
	b.TokenIDs = append([]int(nil), tokenIDs...)
	a.cached[hash] = id
}
