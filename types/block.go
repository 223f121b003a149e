package types

import (
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/sunlidong/iotchain/word256"
)

// BlockHeader carries everything needed to validate a block against its
// parent and against the state produced by executing its body.
type BlockHeader struct {
	ParentHash   common.Hash
	OmmersHash   common.Hash
	Beneficiary  common.Address
	StateRoot    common.Hash
	TxRoot       common.Hash
	ReceiptsRoot common.Hash
	LogsBloom    ethereumTypes.Bloom
	Difficulty   word256.Word256
	Number       uint64
	GasLimit     uint64
	GasUsed      uint64
	Timestamp    uint64
	ExtraData    []byte
	MixHash      common.Hash
	Nonce        uint64
}

// Hash returns the Keccak-256 hash of the RLP-encoded header. The hash is the
// block's identity.
func (h *BlockHeader) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		// All header fields are RLP-encodable; this cannot fail for a
		// well-formed header.
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// Copy returns a deep copy, for headers about to be modified (block
// construction, tests).
func (h *BlockHeader) Copy() *BlockHeader {
	cpy := *h
	cpy.ExtraData = append([]byte(nil), h.ExtraData...)
	return &cpy
}

// BlockBody holds the transactions executed by the block and the ommer
// headers it references for partial rewards.
type BlockBody struct {
	Transactions []*SignedTransaction
	Ommers       []*BlockHeader
}

// TxRoot returns the commitment over the body's transactions.
func (b *BlockBody) TxRoot() common.Hash {
	return DeriveListRoot(b.Transactions)
}

// OmmersHash returns the commitment over the body's ommer headers.
func (b *BlockBody) OmmersHash() common.Hash {
	return DeriveListRoot(b.Ommers)
}

// Block is an immutable (header, body) pair. Identity is the header hash.
type Block struct {
	Header *BlockHeader
	Body   *BlockBody
}

func NewBlock(header *BlockHeader, body *BlockBody) *Block {
	if body == nil {
		body = &BlockBody{}
	}
	return &Block{Header: header, Body: body}
}

func (b *Block) Hash() common.Hash           { return b.Header.Hash() }
func (b *Block) ParentHash() common.Hash     { return b.Header.ParentHash }
func (b *Block) Number() uint64              { return b.Header.Number }
func (b *Block) Difficulty() word256.Word256 { return b.Header.Difficulty }

func (b *Block) Transactions() []*SignedTransaction {
	return b.Body.Transactions
}

// DeriveListRoot commits a list of RLP-encodable items as the Keccak-256 hash
// of their joint RLP encoding. Headers commit to transactions, receipts and
// ommers through this; validation recomputes the value from the body and
// compares like against like.
func DeriveListRoot(items interface{}) common.Hash {
	enc, err := rlp.EncodeToBytes(items)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}
