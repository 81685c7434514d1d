package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// block is one unit of legacy-mode cache storage: a fixed-size slice of the
// shared block pool, tracked by a prefix hash once full so later requests
// with the same token prefix can reuse it instead of recomputing K/V.
type block struct {
	id       int64
	refCount int
	inUse    bool
	hash     string
	tokens   []int64
	prevFree *block
	nextFree *block
}

// BlockPool is the legacy (non-VMM) counterpart to SlotTable: a shared pool
// of fixed-size blocks addressed by per-request block tables, with
// prefix-hash reuse and reverse-order LRU eviction. Grounded directly on the
// teacher's KVCacheState (sim/kvcache.go): same free-list shape, same
// hash-then-evict-in-reverse policy, generalized from token-id hashing to
// the legacy block-table/slot_mapping addressing this spec requires.
type BlockPool struct {
	NumBlocks   int64
	BlockSize   int64
	blocks      []*block
	requestMap  map[string][]int64 // request ID -> block id sequence
	hashToBlock map[string]int64
	freeHead    *block
	freeTail    *block
	usedCount   int64
}

// NewBlockPool initializes the pool and places all blocks in the free list
// in order.
func NewBlockPool(numBlocks, blockSize int64) *BlockPool {
	p := &BlockPool{
		NumBlocks:   numBlocks,
		BlockSize:   blockSize,
		blocks:      make([]*block, numBlocks),
		requestMap:  make(map[string][]int64),
		hashToBlock: make(map[string]int64),
	}
	for i := int64(0); i < numBlocks; i++ {
		b := &block{id: i}
		p.blocks[i] = b
		p.appendToFreeList(b)
	}
	return p
}

func (p *BlockPool) appendToFreeList(b *block) {
	b.nextFree = nil
	if p.freeTail != nil {
		p.freeTail.nextFree = b
		b.prevFree = p.freeTail
		p.freeTail = b
	} else {
		p.freeHead = b
		p.freeTail = b
		b.prevFree = nil
	}
}

func (p *BlockPool) removeFromFreeList(b *block) {
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		p.freeHead = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	} else {
		p.freeTail = b.prevFree
	}
	b.nextFree = nil
	b.prevFree = nil
}

func hashTokens(tokens []int64) string {
	h := sha256.New()
	var sb strings.Builder
	for i, tok := range tokens {
		if i > 0 {
			sb.WriteString("|")
		}
		sb.WriteString(strconv.FormatInt(tok, 10))
	}
	h.Write([]byte(sb.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// GetCachedBlocks returns the ids of full blocks at the front of tokens that
// are already cached under a matching prefix hash. Pure: does not modify
// pool state. Used by legacy block-table construction (AllocateBlocks) to
// skip recomputing a cached prefix. The Metadata Assembler does not consult
// it, and no "no-cache" attention variant is selected from it.
func (p *BlockPool) GetCachedBlocks(tokens []int64) []int64 {
	var ids []int64
	n := int64(len(tokens)) / p.BlockSize
	for i := int64(0); i < n; i++ {
		chunk := tokens[:(i+1)*p.BlockSize]
		h := hashTokens(chunk)
		id, ok := p.hashToBlock[h]
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// countFreeBlocks returns the number of blocks not currently in use.
func (p *BlockPool) countFreeBlocks() int64 { return p.NumBlocks - p.usedCount }

// popFreeBlock evicts a block from the free list and prepares it for reuse.
func (p *BlockPool) popFreeBlock() *block {
	head := p.freeHead
	if head == nil {
		return nil
	}
	p.removeFromFreeList(head)
	if head.hash != "" {
		delete(p.hashToBlock, head.hash)
		head.hash = ""
	}
	head.tokens = nil
	return head
}

// AllocateBlocks reserves blocks for reqID covering tokens, reusing cached
// blocks for the prefix it recognizes and allocating fresh ones from the
// free list for the remainder. Returns false (no state is mutated on
// failure beyond blocks already committed to earlier requests in the same
// step) if the free list cannot cover the remaining tokens.
func (p *BlockPool) AllocateBlocks(reqID string, tokens []int64) ([]int64, bool) {
	cached := p.GetCachedBlocks(tokens)
	remaining := tokens[int64(len(cached))*p.BlockSize:]
	numRemaining := (int64(len(remaining)) + p.BlockSize - 1) / p.BlockSize

	// Cached blocks that are not in use sit on the free list too, so they
	// count against the free blocks the remainder can draw on.
	needFree := numRemaining
	for _, id := range cached {
		if !p.blocks[id].inUse {
			needFree++
		}
	}
	if needFree > p.countFreeBlocks() {
		return nil, false
	}

	allocated := make([]int64, 0, int64(len(cached))+numRemaining)

	for _, id := range cached {
		b := p.blocks[id]
		b.refCount++
		if !b.inUse {
			b.inUse = true
			p.usedCount++
			p.removeFromFreeList(b)
		}
		allocated = append(allocated, id)
	}

	for i := int64(0); i < numRemaining; i++ {
		b := p.popFreeBlock()
		if b == nil {
			return nil, false
		}
		start := (int64(len(cached)) + i) * p.BlockSize
		end := start + p.BlockSize
		if end > int64(len(tokens)) {
			end = int64(len(tokens))
		}
		b.tokens = append([]int64{}, tokens[start:end]...)
		b.refCount = 1
		b.inUse = true
		p.usedCount++

		if int64(len(b.tokens)) == p.BlockSize {
			h := hashTokens(tokens[:end])
			b.hash = h
			p.hashToBlock[h] = b.id
		}
		allocated = append(allocated, b.id)
	}

	p.requestMap[reqID] = allocated
	return allocated, true
}

// ReleaseBlocks decrements the refcount of every block owned by reqID,
// freeing those that drop to zero. Freed blocks are appended to the tail of
// the free list in reverse order: the last block of a request hashes more
// tokens and so is the least likely to be reused, and is therefore evicted
// first.
func (p *BlockPool) ReleaseBlocks(reqID string) {
	ids := p.requestMap[reqID]
	delete(p.requestMap, reqID)
	for i := len(ids) - 1; i >= 0; i-- {
		b := p.blocks[ids[i]]
		b.refCount--
		if b.refCount == 0 {
			b.inUse = false
			p.usedCount--
			p.appendToFreeList(b)
		}
	}
}

// BlockTable returns the block id sequence currently assigned to reqID.
func (p *BlockPool) BlockTable(reqID string) []int64 { return p.requestMap[reqID] }
