package config

// FeeSchedule is the gas cost table the interpreter charges against. Values
// follow the classic schedule; the post-fork columns differ only where a fork
// repriced an operation.
type FeeSchedule struct {
	Zero     uint64
	Base     uint64
	VeryLow  uint64
	Low      uint64
	Mid      uint64
	High     uint64
	Exp      uint64
	ExpByte  uint64
	Sha3     uint64
	Sha3Word uint64
	Balance  uint64
	SLoad    uint64

	SStoreSet    uint64
	SStoreReset  uint64
	SStoreClear  uint64 // refund for clearing a slot
	Jumpdest     uint64
	Log          uint64
	LogData      uint64
	LogTopic     uint64
	Create       uint64
	CodeDeposit  uint64 // per byte of deployed code
	Call         uint64
	CallValue    uint64
	CallStipend  uint64
	NewAccount   uint64
	SelfDestruct       uint64
	SelfDestructRefund uint64

	Memory       uint64
	QuadCoeffDiv uint64
	Copy         uint64 // per word copied
	BlockHash    uint64
	ExtCode      uint64

	TxGas         uint64
	TxCreateGas   uint64
	TxDataZero    uint64
	TxDataNonZero uint64
}

// frontierSchedule is the original fee table.
var frontierSchedule = FeeSchedule{
	Zero:     0,
	Base:     2,
	VeryLow:  3,
	Low:      5,
	Mid:      8,
	High:     10,
	Exp:      10,
	ExpByte:  10,
	Sha3:     30,
	Sha3Word: 6,
	Balance:  20,
	SLoad:    50,

	SStoreSet:          20000,
	SStoreReset:        5000,
	SStoreClear:        15000,
	Jumpdest:           1,
	Log:                375,
	LogData:            8,
	LogTopic:           375,
	Create:             32000,
	CodeDeposit:        200,
	Call:               40,
	CallValue:          9000,
	CallStipend:        2300,
	NewAccount:         25000,
	SelfDestruct:       0,
	SelfDestructRefund: 24000,

	Memory:       3,
	QuadCoeffDiv: 512,
	Copy:         3,
	BlockHash:    20,
	ExtCode:      20,

	TxGas:         21000,
	TxCreateGas:   53000,
	TxDataZero:    4,
	TxDataNonZero: 68,
}

// homesteadSchedule reprices state access and exponent bytes.
var homesteadSchedule = func() FeeSchedule {
	s := frontierSchedule
	s.ExpByte = 50
	s.Balance = 400
	s.SLoad = 200
	s.Call = 700
	s.ExtCode = 700
	s.SelfDestruct = 5000
	return s
}()

// EvmConfig bundles the interpreter parameters in force at one block number.
type EvmConfig struct {
	FeeSchedule  FeeSchedule
	MaxCodeSize  int
	MaxCallDepth int
	StackLimit   int
	// PruneEmptyAccounts enables the EIP-161 touched-account cleanup.
	PruneEmptyAccounts bool
}

const (
	// DefaultMaxCodeSize caps deployed contract code once the fork is active.
	DefaultMaxCodeSize = 24576
	// MaxCallDepth bounds CALL-family recursion.
	MaxCallDepth = 1024
	// StackLimit is the interpreter operand stack bound.
	StackLimit = 1024
)

// EvmConfigForBlock selects the interpreter parameters for a block number.
func (c *ChainConfig) EvmConfigForBlock(number uint64) EvmConfig {
	schedule := frontierSchedule
	if c.IsHomestead(number) {
		schedule = homesteadSchedule
	}
	maxCodeSize := 0 // unlimited before the fork
	if number >= c.MaxCodeSizeBlock {
		maxCodeSize = DefaultMaxCodeSize
	}
	return EvmConfig{
		FeeSchedule:        schedule,
		MaxCodeSize:        maxCodeSize,
		MaxCallDepth:       MaxCallDepth,
		StackLimit:         StackLimit,
		PruneEmptyAccounts: c.IsEIP161(number),
	}
}
