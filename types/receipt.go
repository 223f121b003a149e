package types

import (
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/ethereum/go-ethereum/common"
)

// Log is a single event emitted by contract code during execution.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// Receipt is the per-transaction execution record. Receipts are
// order-significant: index = transaction index within the block.
type Receipt struct {
	PostState         common.Hash
	CumulativeGasUsed uint64
	LogsBloom         ethereumTypes.Bloom
	Logs              []*Log
}

// NewReceipt derives the logs bloom from the logs.
func NewReceipt(postState common.Hash, cumulativeGas uint64, logs []*Log) *Receipt {
	return &Receipt{
		PostState:         postState,
		CumulativeGasUsed: cumulativeGas,
		LogsBloom:         LogsBloom(logs),
		Logs:              logs,
	}
}

// LogsBloom folds log addresses and topics into a 2048-bit bloom filter.
func LogsBloom(logs []*Log) ethereumTypes.Bloom {
	var bloom ethereumTypes.Bloom
	for _, l := range logs {
		bloom.Add(l.Address.Bytes())
		for _, topic := range l.Topics {
			bloom.Add(topic.Bytes())
		}
	}
	return bloom
}

// MergeBlooms ors together the per-receipt blooms into the block-level bloom.
func MergeBlooms(receipts []*Receipt) ethereumTypes.Bloom {
	var out ethereumTypes.Bloom
	for _, r := range receipts {
		for i := range out {
			out[i] |= r.LogsBloom[i]
		}
	}
	return out
}

// ReceiptsRoot returns the commitment over a block's receipts.
func ReceiptsRoot(receipts []*Receipt) common.Hash {
	return DeriveListRoot(receipts)
}
