// Package blockpool buffers blocks whose parent is not yet canonical. Entries
// form a forest keyed by parent hash; a branch becomes executable once its
// bottom block attaches to the canonical best block.
package blockpool

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/sunlidong/iotchain/types"
)

const (
	// DefaultMaxBlocksBehind drops entries this far below the canonical head.
	DefaultMaxBlocksBehind uint64 = 10
	// DefaultMaxBlocksAhead rejects entries this far above the canonical head.
	DefaultMaxBlocksAhead uint64 = 10
)

// PooledBlock is a buffered block plus the canonical best number observed
// when it was inserted, used for staleness eviction.
type PooledBlock struct {
	Block        *types.Block
	BestNumberAtInsert uint64
}

// BlockPool indexes buffered blocks by their own hash and by parent hash.
// All methods are safe for concurrent use.
type BlockPool struct {
	mu        sync.Mutex
	byHash    map[common.Hash]*PooledBlock
	byParent  map[common.Hash][]common.Hash
	maxBehind uint64
	maxAhead  uint64
	logger    log.Logger
}

func New(maxBehind, maxAhead uint64) *BlockPool {
	return &BlockPool{
		byHash:    make(map[common.Hash]*PooledBlock),
		byParent:  make(map[common.Hash][]common.Hash),
		maxBehind: maxBehind,
		maxAhead:  maxAhead,
		logger:    log.New("module", "blockpool"),
	}
}

// AddBlock inserts the block keyed by parent hash. It returns nil for
// duplicates and for blocks too far behind or ahead of the canonical best
// number; otherwise it returns the pooled entry. Insertion also evicts
// entries that have gone stale relative to bestNumber.
func (p *BlockPool) AddBlock(block *types.Block, bestNumber uint64) *PooledBlock {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.evictStale(bestNumber)

	hash := block.Hash()
	if _, ok := p.byHash[hash]; ok {
		return nil
	}
	number := block.Number()
	if number+p.maxBehind <= bestNumber {
		p.logger.Debug("rejecting stale block", "number", number, "best", bestNumber)
		return nil
	}
	if number > bestNumber+p.maxAhead {
		p.logger.Debug("rejecting block too far ahead", "number", number, "best", bestNumber)
		return nil
	}

	entry := &PooledBlock{Block: block, BestNumberAtInsert: bestNumber}
	p.byHash[hash] = entry
	p.byParent[block.ParentHash()] = append(p.byParent[block.ParentHash()], hash)
	p.logger.Trace("pooled block", "number", number, "hash", hash, "parent", block.ParentHash())
	return entry
}

// GetBranch walks parent links from topHash back to the first block whose
// parent is not pooled and returns the branch in root-to-tip order. The
// bottom block's parent is by construction outside the pool, so when the
// caller selected topHash because its branch attaches to the canonical best
// block, the branch can be executed directly. With dequeue set the returned
// entries are removed.
func (p *BlockPool) GetBranch(topHash common.Hash, dequeue bool) []*types.Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reversed []*types.Block
	hash := topHash
	for {
		entry, ok := p.byHash[hash]
		if !ok {
			break
		}
		reversed = append(reversed, entry.Block)
		hash = entry.Block.ParentHash()
	}

	branch := make([]*types.Block, len(reversed))
	for i, b := range reversed {
		branch[len(reversed)-1-i] = b
	}
	if dequeue {
		for _, b := range branch {
			p.remove(b.Hash())
		}
	}
	return branch
}

// Contains reports whether the block is buffered.
func (p *BlockPool) Contains(hash common.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[hash]
	return ok
}

// Get returns the pooled entry for hash, nil when absent.
func (p *BlockPool) Get(hash common.Hash) *PooledBlock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byHash[hash]
}

// Children returns the hashes of buffered blocks whose parent is parentHash.
func (p *BlockPool) Children(parentHash common.Hash) []common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]common.Hash(nil), p.byParent[parentHash]...)
}

// Len returns the number of buffered blocks.
func (p *BlockPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// remove drops one entry; caller holds the lock.
func (p *BlockPool) remove(hash common.Hash) {
	entry, ok := p.byHash[hash]
	if !ok {
		return
	}
	delete(p.byHash, hash)
	parent := entry.Block.ParentHash()
	siblings := p.byParent[parent]
	for i, h := range siblings {
		if h == hash {
			p.byParent[parent] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(p.byParent[parent]) == 0 {
		delete(p.byParent, parent)
	}
}

// evictStale drops entries that fell below the staleness horizon; caller
// holds the lock.
func (p *BlockPool) evictStale(bestNumber uint64) {
	for hash, entry := range p.byHash {
		if entry.Block.Number()+p.maxBehind <= bestNumber {
			p.logger.Trace("evicting stale pooled block", "number", entry.Block.Number(), "hash", hash)
			p.remove(hash)
		}
	}
}
