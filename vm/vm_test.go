package vm

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunlidong/iotchain/config"
	"github.com/sunlidong/iotchain/state"
	"github.com/sunlidong/iotchain/storage"
	"github.com/sunlidong/iotchain/types"
	"github.com/sunlidong/iotchain/word256"
)

var (
	testCaller = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testOwner  = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func testWorld(t *testing.T) state.WorldState {
	t.Helper()
	world, err := state.New(storage.NewMemoryStore(), 0, state.EmptyRoot)
	require.NoError(t, err)
	return world
}

func testContext(t *testing.T, world state.WorldState, code []byte, gas uint64) ProgramContext {
	t.Helper()
	cfg := config.TestChainConfig()
	return ProgramContext{
		Config:   cfg.EvmConfigForBlock(1),
		Origin:   testCaller,
		GasPrice: word256.One,
		Caller:   testCaller,
		Owner:    testOwner,
		Input:    nil,
		Code:     code,
		Gas:      gas,
		Header: &types.BlockHeader{
			Number:     1,
			GasLimit:   10_000_000,
			Timestamp:  1234,
			Difficulty: word256.FromUint64(131072),
		},
		World: world,
	}
}

func run(t *testing.T, code []byte, gas uint64) ProgramResult {
	t.Helper()
	world := testWorld(t)
	return NewInterpreter().Run(testContext(t, world, code, gas))
}

// retTop returns code that stores the current stack top at memory 0 and
// returns the 32-byte word.
func retTop() []byte {
	return []byte{
		byte(PUSH1), 0x00, byte(MSTORE),
		byte(PUSH1), 0x20, byte(PUSH1), 0x00, byte(RETURN),
	}
}

func TestArithmeticProgram(t *testing.T) {
	// 3 + 4 * 5 = 23
	code := append([]byte{
		byte(PUSH1), 0x05,
		byte(PUSH1), 0x04,
		byte(MUL),
		byte(PUSH1), 0x03,
		byte(ADD),
	}, retTop()...)

	res := run(t, code, 100_000)
	require.NoError(t, res.Error)
	assert.Equal(t, word256.FromUint64(23), word256.MustFromBytes(res.ReturnData))
	assert.Less(t, res.GasRemaining, uint64(100_000))
}

func TestDivByZeroIsZero(t *testing.T) {
	code := append([]byte{
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x07,
		byte(DIV),
	}, retTop()...)

	res := run(t, code, 100_000)
	require.NoError(t, res.Error)
	assert.True(t, word256.MustFromBytes(res.ReturnData).IsZero())
}

func TestStopReturnsEmpty(t *testing.T) {
	res := run(t, []byte{byte(STOP)}, 10_000)
	require.NoError(t, res.Error)
	assert.Empty(t, res.ReturnData)
	assert.Equal(t, uint64(10_000), res.GasRemaining)
}

func TestOutOfGasConsumesWholeBudget(t *testing.T) {
	// An SSTORE costs 20000 for a fresh slot; give less.
	code := []byte{
		byte(PUSH1), 0x01,
		byte(PUSH1), 0x00,
		byte(SSTORE),
	}
	res := run(t, code, 10_000)
	require.ErrorIs(t, res.Error, ErrOutOfGas)
	assert.Equal(t, uint64(0), res.GasRemaining)
}

func TestInvalidJumpFaults(t *testing.T) {
	code := []byte{byte(PUSH1), 0x01, byte(JUMP)} // offset 1 is a PUSH immediate
	res := run(t, code, 10_000)
	require.ErrorIs(t, res.Error, ErrInvalidJump)
}

func TestJumpOverInvalidOpcode(t *testing.T) {
	code := append([]byte{
		byte(PUSH1), 0x04,
		byte(JUMP),
		byte(INVALID),
		byte(JUMPDEST),
		byte(PUSH1), 0x2a,
	}, retTop()...)
	res := run(t, code, 100_000)
	require.NoError(t, res.Error)
	assert.Equal(t, word256.FromUint64(42), word256.MustFromBytes(res.ReturnData))
}

func TestConditionalJumpNotTaken(t *testing.T) {
	code := append([]byte{
		byte(PUSH1), 0x00, // condition false
		byte(PUSH1), 0x07, // dest (JUMPDEST below, never reached)
		byte(JUMPI),
		byte(PUSH1), 0x07,
		byte(JUMPDEST),
	}, retTop()...)
	res := run(t, code, 100_000)
	require.NoError(t, res.Error)
	assert.Equal(t, word256.FromUint64(7), word256.MustFromBytes(res.ReturnData))
}

func TestRevertReturnsGasAndPayload(t *testing.T) {
	code := []byte{
		byte(PUSH1), 0xee,
		byte(PUSH1), 0x00,
		byte(MSTORE),
		byte(PUSH1), 0x20,
		byte(PUSH1), 0x00,
		byte(REVERT),
	}
	res := run(t, code, 100_000)
	require.ErrorIs(t, res.Error, ErrRevert)
	assert.True(t, res.Reverted())
	assert.Greater(t, res.GasRemaining, uint64(0))
	require.Len(t, res.ReturnData, 32)
	assert.Equal(t, byte(0xee), res.ReturnData[31])
}

func TestRevertDiscardsStorageWrites(t *testing.T) {
	world := testWorld(t)
	code := []byte{
		byte(PUSH1), 0x2a,
		byte(PUSH1), 0x01,
		byte(SSTORE),
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x00,
		byte(REVERT),
	}
	res := NewInterpreter().Run(testContext(t, world, code, 100_000))
	require.ErrorIs(t, res.Error, ErrRevert)

	key := common.BytesToHash([]byte{0x01})
	got, err := res.World.GetStorage(testOwner, key)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestStorageRoundTrip(t *testing.T) {
	// SSTORE slot 1 = 42, then SLOAD and return it.
	code := append([]byte{
		byte(PUSH1), 0x2a,
		byte(PUSH1), 0x01,
		byte(SSTORE),
		byte(PUSH1), 0x01,
		byte(SLOAD),
	}, retTop()...)
	res := run(t, code, 100_000)
	require.NoError(t, res.Error)
	assert.Equal(t, word256.FromUint64(42), word256.MustFromBytes(res.ReturnData))
}

func TestSStoreClearRefund(t *testing.T) {
	world := testWorld(t)
	key := common.BytesToHash([]byte{0x01})
	world = world.PutStorage(testOwner, key, word256.FromUint64(7))

	code := []byte{
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x01,
		byte(SSTORE),
		byte(STOP),
	}
	res := NewInterpreter().Run(testContext(t, world, code, 100_000))
	require.NoError(t, res.Error)
	assert.Equal(t, uint64(15000), res.GasRefund)
}

func TestCalldataOps(t *testing.T) {
	world := testWorld(t)
	ctx := testContext(t, world, append([]byte{
		byte(PUSH1), 0x00,
		byte(CALLDATALOAD),
	}, retTop()...), 100_000)
	input := make([]byte, 32)
	input[31] = 0x09
	ctx.Input = input

	res := NewInterpreter().Run(ctx)
	require.NoError(t, res.Error)
	assert.Equal(t, word256.FromUint64(9), word256.MustFromBytes(res.ReturnData))
}

func TestMemoryExpansionCharged(t *testing.T) {
	// MSTORE at a large offset should cost noticeably more than at zero.
	store := func(offset byte) uint64 {
		code := []byte{
			byte(PUSH1), 0x01,
			byte(PUSH1), offset,
			byte(MSTORE),
			byte(STOP),
		}
		res := run(t, code, 100_000)
		require.NoError(t, res.Error)
		return 100_000 - res.GasRemaining
	}
	assert.Greater(t, store(0xff), store(0x00))
}

func TestStackUnderflowFaults(t *testing.T) {
	res := run(t, []byte{byte(ADD)}, 10_000)
	require.Error(t, res.Error)
	assert.Equal(t, uint64(0), res.GasRemaining)
}

func TestLogsCollected(t *testing.T) {
	// LOG1 with one topic and no data.
	code := []byte{
		byte(PUSH1), 0xab, // topic
		byte(PUSH1), 0x00, // size
		byte(PUSH1), 0x00, // offset
		byte(LOG0 + 1),
		byte(STOP),
	}
	res := run(t, code, 100_000)
	require.NoError(t, res.Error)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, testOwner, res.Logs[0].Address)
	require.Len(t, res.Logs[0].Topics, 1)
	assert.Equal(t, common.BytesToHash([]byte{0xab}), res.Logs[0].Topics[0])
}

func TestCallIntoPlainAccount(t *testing.T) {
	world := testWorld(t)
	world = world.PutAccount(testOwner, types.NewAccount(0).AddBalance(word256.FromUint64(1_000_000)))

	target := common.HexToAddress("0x3000000000000000000000000000000000000003")
	// CALL(gas=50000, to=target, value=1, in=0/0, ret=0/0) then return the flag.
	code := append([]byte{
		byte(PUSH1), 0x00, // retSize
		byte(PUSH1), 0x00, // retOffset
		byte(PUSH1), 0x00, // inSize
		byte(PUSH1), 0x00, // inOffset
		byte(PUSH1), 0x01, // value
		byte(PUSH1 + 19),
	}, target[:]...)
	code = append(code,
		byte(PUSH1 + 2), 0x00, 0xc3, 0x50, // gas 50000
		byte(CALL),
	)
	code = append(code, retTop()...)

	res := NewInterpreter().Run(testContext(t, world, code, 200_000))
	require.NoError(t, res.Error)
	assert.Equal(t, word256.One, word256.MustFromBytes(res.ReturnData))

	balance, err := res.World.GetBalance(target)
	require.NoError(t, err)
	assert.Equal(t, word256.One, balance)
}

func TestCallWithInsufficientBalancePushesZero(t *testing.T) {
	world := testWorld(t) // owner has no balance at all
	target := common.HexToAddress("0x3000000000000000000000000000000000000003")
	code := append([]byte{
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x01, // value it cannot afford
		byte(PUSH1 + 19),
	}, target[:]...)
	code = append(code,
		byte(PUSH1 + 2), 0x00, 0xc3, 0x50,
		byte(CALL),
	)
	code = append(code, retTop()...)

	res := NewInterpreter().Run(testContext(t, world, code, 200_000))
	require.NoError(t, res.Error)
	assert.True(t, word256.MustFromBytes(res.ReturnData).IsZero())
}

func TestMemoryExpansionNearAddressLimit(t *testing.T) {
	// An MSTORE at the top of the 64-bit address space must run out of gas
	// instead of wrapping the word count and skipping the expansion charge.
	code := []byte{
		byte(PUSH1), 0x42,
		byte(PUSH1 + 7), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xdf,
		byte(MSTORE),
		byte(STOP),
	}

	res := run(t, code, 50_000)
	require.ErrorIs(t, res.Error, ErrOutOfGas)
	assert.Equal(t, uint64(0), res.GasRemaining)
}

func TestCallContinuationRunsOnce(t *testing.T) {
	world := testWorld(t)
	callee := common.HexToAddress("0x7000000000000000000000000000000000000007")
	var err error
	world, err = world.InitialiseAccount(callee)
	require.NoError(t, err)
	// Callee returns the 32-byte word 42.
	world, err = world.PutCode(callee, []byte{
		byte(PUSH1), 0x2a,
		byte(PUSH1), 0x00,
		byte(MSTORE),
		byte(PUSH1), 0x20,
		byte(PUSH1), 0x00,
		byte(RETURN),
	})
	require.NoError(t, err)

	// After the call settles the caller consumes the return data and keeps
	// going: a replayed CALL would pop seven fresh operands and underflow.
	code := append([]byte{
		byte(PUSH1), 0x20, // retSize
		byte(PUSH1), 0x00, // retOffset
		byte(PUSH1), 0x00, // inSize
		byte(PUSH1), 0x00, // inOffset
		byte(PUSH1), 0x00, // value
		byte(PUSH1 + 19),
	}, callee[:]...)
	code = append(code,
		byte(PUSH1 + 2), 0x00, 0xc3, 0x50, // gas 50000
		byte(CALL),
		byte(POP),         // success flag
		byte(PUSH1), 0x00, // return data slot
		byte(MLOAD),
		byte(PUSH1), 0x01,
		byte(ADD),
	)
	code = append(code, retTop()...)

	res := NewInterpreter().Run(testContext(t, world, code, 300_000))
	require.NoError(t, res.Error)
	assert.Equal(t, word256.FromUint64(43), word256.MustFromBytes(res.ReturnData))
}

func TestStaticCallBlocksWrites(t *testing.T) {
	world := testWorld(t)
	// Callee writes storage; it must fault inside STATICCALL and push 0.
	callee := common.HexToAddress("0x4000000000000000000000000000000000000004")
	var err error
	world, err = world.InitialiseAccount(callee)
	require.NoError(t, err)
	world, err = world.PutCode(callee, []byte{
		byte(PUSH1), 0x01,
		byte(PUSH1), 0x00,
		byte(SSTORE),
		byte(STOP),
	})
	require.NoError(t, err)

	code := append([]byte{
		byte(PUSH1), 0x00, // retSize
		byte(PUSH1), 0x00, // retOffset
		byte(PUSH1), 0x00, // inSize
		byte(PUSH1), 0x00, // inOffset
		byte(PUSH1 + 19),
	}, callee[:]...)
	code = append(code,
		byte(PUSH1 + 2), 0x00, 0xc3, 0x50,
		byte(STATICCALL),
	)
	code = append(code, retTop()...)

	res := NewInterpreter().Run(testContext(t, world, code, 300_000))
	require.NoError(t, res.Error)
	assert.True(t, word256.MustFromBytes(res.ReturnData).IsZero())

	got, err := res.World.GetStorage(callee, common.BytesToHash([]byte{0x00}))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestCreateDeploysCode(t *testing.T) {
	world := testWorld(t)
	world = world.PutAccount(testOwner, types.NewAccount(0).AddBalance(word256.FromUint64(1_000_000)))

	// Init code: return one byte 0xfe... use RETURN of a single STOP byte so
	// the deployed code is {STOP}.
	// MSTORE8(0, 0x00); RETURN(0, 1)
	initCode := []byte{
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x00,
		byte(MSTORE8),
		byte(PUSH1), 0x01,
		byte(PUSH1), 0x00,
		byte(RETURN),
	}

	// Store init code in memory via CODECOPY of its own tail, simpler: embed
	// the init code as PUSH bytes is fiddly; CODECOPY from a known offset.
	// Layout: [prelude][CREATE sequence][initCode at offset tailOff]
	prelude := []byte{
		byte(PUSH1), byte(len(initCode)), // size
		byte(PUSH1), 0x00, // code offset, patched below
		byte(PUSH1), 0x00, // mem offset
		byte(CODECOPY),
		byte(PUSH1), byte(len(initCode)), // size
		byte(PUSH1), 0x00, // mem offset
		byte(PUSH1), 0x00, // value
		byte(CREATE),
	}
	code := append(prelude, retTop()...)
	tailOff := len(code)
	code = append(code, initCode...)
	code[3] = byte(tailOff) // patch the CODECOPY source offset

	res := NewInterpreter().Run(testContext(t, world, code, 500_000))
	require.NoError(t, res.Error)

	created := wordToAddress(word256.MustFromBytes(res.ReturnData))
	require.NotEqual(t, common.Address{}, created)

	deployed, err := res.World.GetCode(created)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(STOP)}, deployed)

	// Creator nonce consumed.
	acc, err := res.World.GetAccount(testOwner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.Nonce)
}

func TestInitFrameCodeDepositUnaffordable(t *testing.T) {
	world := testWorld(t)
	// Root init frame: returns 32 bytes of code but has no gas left for the
	// 200/byte deposit.
	initCode := []byte{
		byte(PUSH1), 0x20,
		byte(PUSH1), 0x00,
		byte(RETURN),
	}
	ctx := testContext(t, world, initCode, 20) // enough for pushes + return only
	ctx.IsContractInit = true

	res := NewInterpreter().Run(ctx)
	require.ErrorIs(t, res.Error, ErrOutOfGas)
}

func TestInitFrameCodeDepositOversize(t *testing.T) {
	world := testWorld(t)
	// Root init frame: returns one byte over the deployed-code size cap. The
	// gas budget would cover the deposit, the size check alone must fail it.
	initCode := []byte{
		byte(PUSH1 + 1), 0x60, 0x01, // 24577
		byte(PUSH1), 0x00,
		byte(RETURN),
	}
	ctx := testContext(t, world, initCode, 10_000_000)
	ctx.IsContractInit = true

	res := NewInterpreter().Run(ctx)
	require.ErrorIs(t, res.Error, ErrOutOfGas)

	code, err := res.World.GetCode(testOwner)
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestSelfDestructTransfersAndRefunds(t *testing.T) {
	world := testWorld(t)
	world = world.PutAccount(testOwner, types.NewAccount(0).AddBalance(word256.FromUint64(777)))
	beneficiary := common.HexToAddress("0x5000000000000000000000000000000000000005")
	var err error
	world, err = world.InitialiseAccount(beneficiary)
	require.NoError(t, err)

	code := append([]byte{byte(PUSH1 + 19)}, beneficiary[:]...)
	code = append(code, byte(SELFDESTRUCT))

	res := NewInterpreter().Run(testContext(t, world, code, 100_000))
	require.NoError(t, res.Error)
	assert.Equal(t, []common.Address{testOwner}, res.AddressesToDelete)
	assert.Equal(t, uint64(24000), res.GasRefund)

	balance, err := res.World.GetBalance(beneficiary)
	require.NoError(t, err)
	assert.Equal(t, word256.FromUint64(777), balance)
}

func TestCallDepthLimitPushesZero(t *testing.T) {
	world := testWorld(t)
	code := append([]byte{
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x00,
		byte(PUSH1), 0x00,
		byte(PUSH1 + 19),
	}, testOwner[:]...)
	code = append(code,
		byte(PUSH1 + 1), 0xff, 0xff,
		byte(CALL),
	)
	code = append(code, retTop()...)

	ctx := testContext(t, world, code, 100_000)
	ctx.CallDepth = config.MaxCallDepth // already at the limit
	res := NewInterpreter().Run(ctx)
	require.NoError(t, res.Error)
	assert.True(t, word256.MustFromBytes(res.ReturnData).IsZero())
}

func TestShiftOpcodes(t *testing.T) {
	// 1 << 4 = 16
	code := append([]byte{
		byte(PUSH1), 0x01,
		byte(PUSH1), 0x04,
		byte(SHL),
	}, retTop()...)
	res := run(t, code, 100_000)
	require.NoError(t, res.Error)
	assert.Equal(t, word256.FromUint64(16), word256.MustFromBytes(res.ReturnData))
}
