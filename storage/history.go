package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/sunlidong/iotchain/state"
	"github.com/sunlidong/iotchain/types"
	"github.com/sunlidong/iotchain/word256"
)

// Key prefixes. Each index answers one lookup:
//   hdr_<hash>   -> RLP(header)
//   blk_<hash>   -> RLP(block)
//   num_<number> -> block hash
//   td_<hash>    -> RLP(total difficulty)
//   rcp_<hash>   -> RLP(receipts)
//   best         -> hash of the canonical best block
var (
	headerPrefix   = []byte("hdr_")
	blockPrefix    = []byte("blk_")
	numberPrefix   = []byte("num_")
	tdPrefix       = []byte("td_")
	receiptsPrefix = []byte("rcp_")
	bestBlockKey   = []byte("best")
)

var ErrBlockNotFound = errors.New("block not found")

// History is the chain store: canonical blocks, receipts, total difficulty
// and the world states reachable from their roots.
type History struct {
	db     KVStore
	logger log.Logger
}

func NewHistory(db KVStore) *History {
	return &History{
		db:     db,
		logger: log.New("module", "history"),
	}
}

// DB exposes the underlying store for the world-state node layer; state nodes
// and history records share one database.
func (h *History) DB() KVStore { return h.db }

func hashKey(prefix []byte, hash common.Hash) []byte {
	return append(append([]byte(nil), prefix...), hash[:]...)
}

func numberKey(number uint64) []byte {
	key := make([]byte, len(numberPrefix)+8)
	copy(key, numberPrefix)
	binary.BigEndian.PutUint64(key[len(numberPrefix):], number)
	return key
}

// PutBlockAndReceipts stores the block with its receipts and total
// difficulty; when asBest is set it also becomes the canonical best block.
// This is a durability boundary: everything is written in one batch.
func (h *History) PutBlockAndReceipts(block *types.Block, receipts []*types.Receipt, td word256.Word256, asBest bool) error {
	hash := block.Hash()

	encHeader, err := rlp.EncodeToBytes(block.Header)
	if err != nil {
		return fmt.Errorf("encode header %s: %w", hash, err)
	}
	encBlock, err := rlp.EncodeToBytes(block)
	if err != nil {
		return fmt.Errorf("encode block %s: %w", hash, err)
	}
	encReceipts, err := rlp.EncodeToBytes(receipts)
	if err != nil {
		return fmt.Errorf("encode receipts %s: %w", hash, err)
	}
	encTd, err := rlp.EncodeToBytes(&td)
	if err != nil {
		return fmt.Errorf("encode total difficulty %s: %w", hash, err)
	}

	puts := []KVPair{
		{Key: hashKey(headerPrefix, hash), Value: encHeader},
		{Key: hashKey(blockPrefix, hash), Value: encBlock},
		{Key: hashKey(tdPrefix, hash), Value: encTd},
		{Key: hashKey(receiptsPrefix, hash), Value: encReceipts},
	}
	if asBest {
		puts = append(puts,
			KVPair{Key: numberKey(block.Number()), Value: hash[:]},
			KVPair{Key: bestBlockKey, Value: hash[:]},
		)
	}
	if err := h.db.WriteBatch(puts, nil); err != nil {
		return fmt.Errorf("write block %s: %w", hash, err)
	}
	h.logger.Debug("stored block", "number", block.Number(), "hash", hash, "best", asBest, "txs", len(block.Transactions()))
	return nil
}

// GetBlockHeaderByHash retrieves a header, ErrBlockNotFound when absent.
func (h *History) GetBlockHeaderByHash(hash common.Hash) (*types.BlockHeader, error) {
	enc, found, err := h.db.Get(hashKey(headerPrefix, hash))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: header %s", ErrBlockNotFound, hash)
	}
	header := new(types.BlockHeader)
	if err := rlp.DecodeBytes(enc, header); err != nil {
		return nil, fmt.Errorf("decode header %s: %w", hash, err)
	}
	return header, nil
}

// GetBlockByHash retrieves a full block, ErrBlockNotFound when absent.
func (h *History) GetBlockByHash(hash common.Hash) (*types.Block, error) {
	enc, found, err := h.db.Get(hashKey(blockPrefix, hash))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
	}
	block := new(types.Block)
	if err := rlp.DecodeBytes(enc, block); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", hash, err)
	}
	return block, nil
}

// GetBlockByNumber retrieves the canonical block at the given height.
func (h *History) GetBlockByNumber(number uint64) (*types.Block, error) {
	hashBytes, found, err := h.db.Get(numberKey(number))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: number %d", ErrBlockNotFound, number)
	}
	return h.GetBlockByHash(common.BytesToHash(hashBytes))
}

// GetHashByNumber returns the canonical hash at a height, zero when unknown.
func (h *History) GetHashByNumber(number uint64) (common.Hash, error) {
	hashBytes, found, err := h.db.Get(numberKey(number))
	if err != nil || !found {
		return common.Hash{}, err
	}
	return common.BytesToHash(hashBytes), nil
}

// GetTotalDifficultyByHash returns the cumulative difficulty up to the block.
func (h *History) GetTotalDifficultyByHash(hash common.Hash) (word256.Word256, error) {
	enc, found, err := h.db.Get(hashKey(tdPrefix, hash))
	if err != nil {
		return word256.Zero, err
	}
	if !found {
		return word256.Zero, fmt.Errorf("%w: total difficulty %s", ErrBlockNotFound, hash)
	}
	var td word256.Word256
	if err := rlp.DecodeBytes(enc, &td); err != nil {
		return word256.Zero, fmt.Errorf("decode total difficulty %s: %w", hash, err)
	}
	return td, nil
}

// SetCanonicalHead makes the chain ending at block the canonical one. The
// number index is rewritten from the new head back to the fork point, so a
// reorg replaces every stale mapping of the abandoned branch prefix it
// overlaps. The whole switch is written in one batch.
func (h *History) SetCanonicalHead(block *types.Block) error {
	hash := block.Hash()
	puts := []KVPair{{Key: bestBlockKey, Value: hash[:]}}

	// Mappings above the new head belong to an abandoned longer chain.
	oldNumber, err := h.GetBestBlockNumber()
	if err != nil {
		return err
	}
	var deletes [][]byte
	for n := block.Number() + 1; n <= oldNumber; n++ {
		deletes = append(deletes, numberKey(n))
	}

	cur := block
	for {
		curHash := cur.Hash()
		canonical, err := h.GetHashByNumber(cur.Number())
		if err != nil {
			return err
		}
		if canonical == curHash {
			break
		}
		puts = append(puts, KVPair{Key: numberKey(cur.Number()), Value: curHash[:]})
		if cur.Number() == 0 {
			break
		}
		cur, err = h.GetBlockByHash(cur.Header.ParentHash)
		if err != nil {
			return fmt.Errorf("walk reorg ancestor: %w", err)
		}
	}

	if err := h.db.WriteBatch(puts, deletes); err != nil {
		return fmt.Errorf("switch canonical head to %s: %w", hash, err)
	}
	h.logger.Info("canonical head switched", "number", block.Number(), "hash", hash, "rewritten", len(puts)-1)
	return nil
}

// GetReceiptsByHash returns the receipts recorded with a block.
func (h *History) GetReceiptsByHash(hash common.Hash) ([]*types.Receipt, error) {
	enc, found, err := h.db.Get(hashKey(receiptsPrefix, hash))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: receipts %s", ErrBlockNotFound, hash)
	}
	var receipts []*types.Receipt
	if err := rlp.DecodeBytes(enc, &receipts); err != nil {
		return nil, fmt.Errorf("decode receipts %s: %w", hash, err)
	}
	return receipts, nil
}

// GetBestBlock returns the canonical head, ErrBlockNotFound before genesis.
func (h *History) GetBestBlock() (*types.Block, error) {
	hashBytes, found, err := h.db.Get(bestBlockKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: no best block", ErrBlockNotFound)
	}
	return h.GetBlockByHash(common.BytesToHash(hashBytes))
}

// GetBestBlockNumber returns the canonical head height, 0 before genesis.
func (h *History) GetBestBlockNumber() (uint64, error) {
	blk, err := h.GetBestBlock()
	if err != nil {
		if errors.Is(err, ErrBlockNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return blk.Number(), nil
}

// GetWorldState opens the world state at root, or the empty state when root
// is nil. State nodes live in the same database as the chain records.
func (h *History) GetWorldState(startNonce uint64, root *common.Hash) (state.WorldState, error) {
	r := common.Hash{}
	if root != nil {
		r = *root
	}
	return state.New(h.db, startNonce, r)
}
