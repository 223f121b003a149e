// Package vm executes account code: a fetch-decode-execute interpreter over
// 256-bit words with per-operation gas metering. CALL-family reentry runs on
// an explicit frame stack bounded by the configured call depth, so exceeding
// the depth is detected deterministically and never grows the Go stack.
package vm

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sunlidong/iotchain/config"
	"github.com/sunlidong/iotchain/state"
	"github.com/sunlidong/iotchain/types"
	"github.com/sunlidong/iotchain/word256"
)

var (
	// ErrOutOfGas aborts the current call frame and consumes all its gas.
	ErrOutOfGas = errors.New("out of gas")
	// ErrRevert is the REVERT outcome: effects discarded, remaining gas
	// returned to the caller. It is a first-class result, not a fault.
	ErrRevert = errors.New("execution reverted")
	// ErrInvalidOpcode covers INVALID and any unassigned opcode.
	ErrInvalidOpcode = errors.New("invalid opcode")
	// ErrInvalidJump is a jump to a non-JUMPDEST destination.
	ErrInvalidJump = errors.New("invalid jump destination")
	// ErrCallDepthExceeded leaves the state of the attempted call unchanged.
	ErrCallDepthExceeded = errors.New("max call depth exceeded")
	// ErrWriteProtection is a state mutation attempted inside STATICCALL.
	ErrWriteProtection = errors.New("write protection")
)

// ProgramContext is the ephemeral call environment for one execution. It is
// consumed entirely within one transaction; nothing here is persisted.
type ProgramContext struct {
	Config config.EvmConfig

	// Call environment.
	Origin   common.Address
	GasPrice word256.Word256
	Caller   common.Address
	Owner    common.Address // account whose storage and balance the code runs against
	Value    word256.Word256
	Input    []byte
	Code     []byte
	Gas      uint64

	// Block environment.
	Header       *types.BlockHeader
	GetBlockHash func(number uint64) common.Hash

	World state.WorldState

	CallDepth      int
	ReadOnly       bool
	IsContractInit bool
}

// ProgramResult is the outcome of one execution. On error the World field
// carries the state as it was when the frame started; all effects of the
// failed frame are gone.
type ProgramResult struct {
	ReturnData        []byte
	GasRemaining      uint64
	GasRefund         uint64
	Logs              []*types.Log
	AddressesToDelete []common.Address
	Error             error
	World             state.WorldState
}

// Reverted reports whether the result is a REVERT (as opposed to a fault).
func (r *ProgramResult) Reverted() bool {
	return errors.Is(r.Error, ErrRevert)
}

// validJumpDests scans code for JUMPDEST positions, skipping PUSH immediates.
func validJumpDests(code []byte) map[uint64]bool {
	dests := make(map[uint64]bool)
	for pc := 0; pc < len(code); pc++ {
		op := OpCode(code[pc])
		if op == JUMPDEST {
			dests[uint64(pc)] = true
		} else if op.IsPush() {
			pc += op.PushBytes()
		}
	}
	return dests
}
