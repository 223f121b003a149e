// Package executor drives the block import pipeline: structural validation,
// consensus decision, branch execution against the parent world state,
// post-execution checks against the header's declared values, persistence.
package executor

import (
	"errors"
	"fmt"

	"github.com/sunlidong/iotchain/config"
	"github.com/sunlidong/iotchain/types"
	"github.com/sunlidong/iotchain/word256"
)

var (
	ErrNonceMismatch     = errors.New("transaction nonce mismatch")
	ErrInsufficientFunds = errors.New("sender balance below upfront cost")
	ErrIntrinsicGas      = errors.New("intrinsic gas exceeds transaction gas limit")
	ErrBlockGasExceeded  = errors.New("transaction exceeds block gas limit")
	ErrChainIDMismatch   = errors.New("transaction signed for another chain")

	ErrHeaderContinuity  = errors.New("header does not extend parent")
	ErrHeaderGasLimit    = errors.New("header gas limit out of bounds")
	ErrHeaderGasUsed     = errors.New("header gas used above gas limit")
	ErrHeaderTimestamp   = errors.New("header timestamp not after parent")
	ErrBodyTxRoot        = errors.New("body transactions do not match header tx root")
	ErrBodyOmmersHash    = errors.New("body ommers do not match header ommers hash")
	ErrStateRootMismatch = errors.New("computed state root differs from header")
	ErrGasUsedMismatch   = errors.New("computed gas used differs from header")
	ErrReceiptsMismatch  = errors.New("computed receipts root differs from header")
	ErrBloomMismatch     = errors.New("computed logs bloom differs from header")
)

const (
	// minGasLimit is the floor for any block gas limit.
	minGasLimit = 5000
	// gasLimitBoundDivisor bounds the per-block gas limit drift.
	gasLimitBoundDivisor = 1024
)

// commonHeaderValidator checks continuity against the parent: linkage,
// numbering, timestamp ordering and gas limit drift.
func commonHeaderValidator(parent, header *types.BlockHeader) error {
	if header.ParentHash != parent.Hash() {
		return fmt.Errorf("%w: parent hash %x", ErrHeaderContinuity, header.ParentHash)
	}
	if header.Number != parent.Number+1 {
		return fmt.Errorf("%w: number %d after %d", ErrHeaderContinuity, header.Number, parent.Number)
	}
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("%w: used %d limit %d", ErrHeaderGasUsed, header.GasUsed, header.GasLimit)
	}
	if header.GasLimit < minGasLimit {
		return fmt.Errorf("%w: limit %d below floor", ErrHeaderGasLimit, header.GasLimit)
	}
	drift := int64(header.GasLimit) - int64(parent.GasLimit)
	if drift < 0 {
		drift = -drift
	}
	if uint64(drift) >= parent.GasLimit/gasLimitBoundDivisor+1 {
		return fmt.Errorf("%w: limit %d drifts too far from parent %d", ErrHeaderGasLimit, header.GasLimit, parent.GasLimit)
	}
	if header.Timestamp <= parent.Timestamp {
		return fmt.Errorf("%w: timestamp %d parent %d", ErrHeaderTimestamp, header.Timestamp, parent.Timestamp)
	}
	return nil
}

// commonBlockValidator checks that the body matches the header commitments.
// The logs bloom is checked after execution, once receipts exist.
func commonBlockValidator(block *types.Block) error {
	if block.Body.TxRoot() != block.Header.TxRoot {
		return ErrBodyTxRoot
	}
	if block.Body.OmmersHash() != block.Header.OmmersHash {
		return ErrBodyOmmersHash
	}
	return nil
}

// TxValidator gates a transaction before execution.
type TxValidator interface {
	Validate(tx *types.SignedTransaction, sender types.Account, header *types.BlockHeader,
		upfrontCost word256.Word256, accumulatedGas uint64) error
	// ValidateSimulateTx is the lighter check used by gas estimation. It
	// prices the intrinsic cost at the given block number.
	ValidateSimulateTx(tx *types.SignedTransaction, number uint64) error
}

type txValidator struct {
	cfg *config.ChainConfig
}

func NewTxValidator(cfg *config.ChainConfig) TxValidator {
	return &txValidator{cfg: cfg}
}

func (v *txValidator) Validate(tx *types.SignedTransaction, sender types.Account, header *types.BlockHeader,
	upfrontCost word256.Word256, accumulatedGas uint64) error {
	if tx.Protected() {
		if !v.cfg.IsEIP155(header.Number) || tx.ChainID() != v.cfg.ChainID {
			return fmt.Errorf("%w: tx chain id %d", ErrChainIDMismatch, tx.ChainID())
		}
	}
	if tx.Nonce != sender.Nonce {
		return fmt.Errorf("%w: tx %d account %d", ErrNonceMismatch, tx.Nonce, sender.Nonce)
	}
	fs := v.cfg.EvmConfigForBlock(header.Number).FeeSchedule
	if intrinsicGas(v.cfg, fs, tx, header.Number) > tx.GasLimit {
		return fmt.Errorf("%w: tx gas limit %d", ErrIntrinsicGas, tx.GasLimit)
	}
	if sender.Balance.Lt(upfrontCost) {
		return fmt.Errorf("%w: balance %s upfront %s", ErrInsufficientFunds, sender.Balance, upfrontCost)
	}
	if accumulatedGas+tx.GasLimit > header.GasLimit {
		return fmt.Errorf("%w: accumulated %d tx limit %d block limit %d",
			ErrBlockGasExceeded, accumulatedGas, tx.GasLimit, header.GasLimit)
	}
	return nil
}

func (v *txValidator) ValidateSimulateTx(tx *types.SignedTransaction, number uint64) error {
	fs := v.cfg.EvmConfigForBlock(number).FeeSchedule
	if intrinsicGas(v.cfg, fs, tx, number) > tx.GasLimit {
		return fmt.Errorf("%w: tx gas limit %d", ErrIntrinsicGas, tx.GasLimit)
	}
	return nil
}

// intrinsicGas is the flat cost charged before any code runs: the base
// transaction cost (higher for contract creation once the fork is active)
// plus the calldata byte costs.
func intrinsicGas(cfg *config.ChainConfig, fs config.FeeSchedule, tx *types.SignedTransaction, number uint64) uint64 {
	gas := fs.TxGas
	if tx.ContractCreation() && cfg.IsHomestead(number) {
		gas = fs.TxCreateGas
	}
	for _, b := range tx.Payload {
		if b == 0 {
			gas += fs.TxDataZero
		} else {
			gas += fs.TxDataNonZero
		}
	}
	return gas
}
