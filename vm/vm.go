package vm

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/crypto/sha3"

	"github.com/sunlidong/iotchain/config"
	"github.com/sunlidong/iotchain/state"
	"github.com/sunlidong/iotchain/types"
	"github.com/sunlidong/iotchain/word256"
)

// Interpreter executes ProgramContexts. It is stateless and safe to share.
type Interpreter struct {
	logger log.Logger
}

func NewInterpreter() *Interpreter {
	return &Interpreter{logger: log.New("module", "vm")}
}

// frame is one call frame: its own stack, memory, gas budget and speculative
// world state. Frames live in an explicit stack inside Run; resume carries
// the continuation for a pending child call.
type frame struct {
	ctx        ProgramContext
	entryWorld state.WorldState

	stack     *Stack
	mem       *Memory
	pc        uint64
	gas       uint64
	refund    uint64
	logs      []*types.Log
	deletes   []common.Address
	jumpdests map[uint64]bool

	resume resumeInfo
}

type resumeInfo struct {
	op        OpCode
	retOffset uint64
	retSize   uint64
	created   common.Address
}

func newFrame(ctx ProgramContext) *frame {
	return &frame{
		ctx:        ctx,
		entryWorld: ctx.World,
		stack:      NewStack(ctx.Config.StackLimit),
		mem:        NewMemory(),
		gas:        ctx.Gas,
		jumpdests:  validJumpDests(ctx.Code),
	}
}

func (f *frame) useGas(amount uint64) bool {
	if f.gas < amount {
		f.gas = 0
		return false
	}
	f.gas -= amount
	return true
}

// Run executes the context to completion or failure. Effects of a failing
// frame never leak: the result of a failed root frame carries the world as it
// was on entry, and a failed child frame leaves its parent's world untouched.
func (in *Interpreter) Run(ctx ProgramContext) ProgramResult {
	frames := []*frame{newFrame(ctx)}
	for {
		f := frames[len(frames)-1]
		child, res := in.execute(f)
		if child != nil {
			frames = append(frames, child)
			continue
		}
		frames = frames[:len(frames)-1]
		if len(frames) == 0 {
			return *res
		}
		in.resumeParent(frames[len(frames)-1], res)
	}
}

func success(f *frame, ret []byte) *ProgramResult {
	return &ProgramResult{
		ReturnData:        ret,
		GasRemaining:      f.gas,
		GasRefund:         f.refund,
		Logs:              f.logs,
		AddressesToDelete: f.deletes,
		World:             f.ctx.World,
	}
}

// failure discards the frame's effects. A revert hands back the remaining gas
// and the revert payload; every other fault consumes the frame's whole budget.
func failure(f *frame, err error, ret []byte) *ProgramResult {
	res := &ProgramResult{Error: err, World: f.entryWorld}
	if errors.Is(err, ErrRevert) {
		res.GasRemaining = f.gas
		res.ReturnData = ret
	}
	return res
}

// resumeParent applies a completed child result to the frame that spawned it.
func (in *Interpreter) resumeParent(parent *frame, res *ProgramResult) {
	r := parent.resume
	parent.gas += res.GasRemaining

	if res.Error == nil {
		parent.ctx.World = res.World
		parent.refund += res.GasRefund
		parent.logs = append(parent.logs, res.Logs...)
		parent.deletes = append(parent.deletes, res.AddressesToDelete...)
	}

	if r.op == CREATE {
		if res.Error == nil {
			parent.stack.Push(addressToWord(r.created))
		} else {
			parent.stack.Push(word256.Zero)
		}
		return
	}

	if res.Error == nil {
		n := uint64(len(res.ReturnData))
		if n > r.retSize {
			n = r.retSize
		}
		if n > 0 {
			parent.mem.Set(r.retOffset, res.ReturnData[:n])
		}
		parent.stack.Push(word256.One)
	} else {
		parent.stack.Push(word256.Zero)
	}
}

func memCost(fs config.FeeSchedule, words uint64) uint64 {
	return fs.Memory*words + words*words/fs.QuadCoeffDiv
}

// maxMemoryBytes bounds a frame's addressable memory. It is the largest size
// whose word count squared still fits in uint64, so memCost cannot wrap.
const maxMemoryBytes = 0x1FFFFFFFE0

// chargeMemory charges the quadratic expansion cost for [offset, offset+size)
// and grows the frame memory. A zero size is free and does not expand.
func (f *frame) chargeMemory(offset, size uint64) error {
	if size == 0 {
		return nil
	}
	if offset+size < offset || offset+size > maxMemoryBytes {
		return ErrOutOfGas
	}
	fs := f.ctx.Config.FeeSchedule
	cur := f.mem.Words()
	needed := f.mem.wordsAfter(offset, size)
	if needed > cur {
		delta := memCost(fs, needed) - memCost(fs, cur)
		if !f.useGas(delta) {
			return ErrOutOfGas
		}
	}
	f.mem.Expand(offset, size)
	return nil
}

func asU64(w word256.Word256) (uint64, bool) {
	if !w.IsUint64() {
		return 0, false
	}
	return w.Uint64(), true
}

func wordToAddress(w word256.Word256) common.Address {
	b := w.Bytes32()
	return common.BytesToAddress(b[12:])
}

func addressToWord(addr common.Address) word256.Word256 {
	return word256.MustFromBytes(addr[:])
}

func hashToWord(h common.Hash) word256.Word256 {
	return word256.MustFromBytes(h[:])
}

func boolWord(b bool) word256.Word256 {
	if b {
		return word256.One
	}
	return word256.Zero
}

// getData extracts [offset, offset+size) from data, zero-padded beyond its
// end. A non-uint64 offset reads past any real payload, hence all zeroes.
func getData(data []byte, offset word256.Word256, size uint64) []byte {
	out := make([]byte, size)
	off, ok := asU64(offset)
	if !ok || off >= uint64(len(data)) {
		return out
	}
	copy(out, data[off:])
	return out
}

func allButOne64th(gas uint64) uint64 {
	return gas - gas/64
}

// execute steps the frame until it spawns a child call (child != nil) or
// completes (res != nil).
func (in *Interpreter) execute(f *frame) (child *frame, res *ProgramResult) {
	fs := f.ctx.Config.FeeSchedule

	for {
		if f.pc >= uint64(len(f.ctx.Code)) {
			return nil, in.halt(f, nil)
		}
		op := OpCode(f.ctx.Code[f.pc])

		switch op {
		case STOP:
			return nil, in.halt(f, nil)

		// Arithmetic.
		case ADD, SUB:
			if !f.useGas(fs.VeryLow) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			a, b, err := f.stack.Pop2()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			if op == ADD {
				f.stack.Push(a.Add(b))
			} else {
				f.stack.Push(a.Sub(b))
			}

		case MUL, DIV, SDIV, MOD, SMOD, SIGNEXTEND:
			if !f.useGas(fs.Low) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			a, b, err := f.stack.Pop2()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			var out word256.Word256
			switch op {
			case MUL:
				out = a.Mul(b)
			case DIV:
				out = a.Div(b)
			case SDIV:
				out = a.SDiv(b)
			case MOD:
				out = a.Mod(b)
			case SMOD:
				out = a.SMod(b)
			case SIGNEXTEND:
				out = b.SignExtend(a)
			}
			f.stack.Push(out)

		case ADDMOD, MULMOD:
			if !f.useGas(fs.Mid) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			a, b, n, err := f.stack.Pop3()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			if op == ADDMOD {
				f.stack.Push(a.AddMod(b, n))
			} else {
				f.stack.Push(a.MulMod(b, n))
			}

		case EXP:
			a, b, err := f.stack.Pop2()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			if !f.useGas(fs.Exp + fs.ExpByte*uint64(b.ByteSize())) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			f.stack.Push(a.Exp(b))

		// Comparison and bitwise.
		case LT, GT, SLT, SGT, EQ, AND, OR, XOR, BYTE, SHL, SHR, SAR:
			if !f.useGas(fs.VeryLow) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			a, b, err := f.stack.Pop2()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			var out word256.Word256
			switch op {
			case LT:
				out = boolWord(a.Lt(b))
			case GT:
				out = boolWord(a.Gt(b))
			case SLT:
				out = boolWord(a.SLt(b))
			case SGT:
				out = boolWord(a.SGt(b))
			case EQ:
				out = boolWord(a.Eq(b))
			case AND:
				out = a.And(b)
			case OR:
				out = a.Or(b)
			case XOR:
				out = a.Xor(b)
			case BYTE:
				out = b.GetByte(a)
			case SHL:
				out = b.Lsh(a)
			case SHR:
				out = b.Rsh(a)
			case SAR:
				out = b.SRsh(a)
			}
			f.stack.Push(out)

		case ISZERO, NOT:
			if !f.useGas(fs.VeryLow) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			a, err := f.stack.Pop()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			if op == ISZERO {
				f.stack.Push(boolWord(a.IsZero()))
			} else {
				f.stack.Push(a.Not())
			}

		case SHA3:
			offW, sizeW, err := f.stack.Pop2()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			off, okOff := asU64(offW)
			size, okSize := asU64(sizeW)
			if !okOff || !okSize {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if !f.useGas(fs.Sha3 + fs.Sha3Word*toWords(size)) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if err := f.chargeMemory(off, size); err != nil {
				return nil, failure(f, err, nil)
			}
			h := sha3.NewLegacyKeccak256()
			h.Write(f.mem.Get(off, size))
			f.stack.Push(word256.MustFromBytes(h.Sum(nil)))

		// Environment and block values that push one word.
		case ADDRESS, ORIGIN, CALLER, CALLVALUE, GASPRICE, CALLDATASIZE, CODESIZE,
			COINBASE, TIMESTAMP, NUMBER, DIFFICULTY, GASLIMIT, PC, MSIZE, GAS:
			if !f.useGas(fs.Base) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			var w word256.Word256
			switch op {
			case ADDRESS:
				w = addressToWord(f.ctx.Owner)
			case ORIGIN:
				w = addressToWord(f.ctx.Origin)
			case CALLER:
				w = addressToWord(f.ctx.Caller)
			case CALLVALUE:
				w = f.ctx.Value
			case GASPRICE:
				w = f.ctx.GasPrice
			case CALLDATASIZE:
				w = word256.FromUint64(uint64(len(f.ctx.Input)))
			case CODESIZE:
				w = word256.FromUint64(uint64(len(f.ctx.Code)))
			case COINBASE:
				w = addressToWord(f.ctx.Header.Beneficiary)
			case TIMESTAMP:
				w = word256.FromUint64(f.ctx.Header.Timestamp)
			case NUMBER:
				w = word256.FromUint64(f.ctx.Header.Number)
			case DIFFICULTY:
				w = f.ctx.Header.Difficulty
			case GASLIMIT:
				w = word256.FromUint64(f.ctx.Header.GasLimit)
			case PC:
				w = word256.FromUint64(f.pc)
			case MSIZE:
				w = word256.FromUint64(uint64(f.mem.Len()))
			case GAS:
				w = word256.FromUint64(f.gas)
			}
			if err := f.stack.Push(w); err != nil {
				return nil, failure(f, err, nil)
			}

		case BALANCE:
			if !f.useGas(fs.Balance) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			a, err := f.stack.Pop()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			balance, err := f.ctx.World.GetBalance(wordToAddress(a))
			if err != nil {
				return nil, failure(f, err, nil)
			}
			f.stack.Push(balance)

		case CALLDATALOAD:
			if !f.useGas(fs.VeryLow) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			offW, err := f.stack.Pop()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			f.stack.Push(word256.MustFromBytes(getData(f.ctx.Input, offW, 32)))

		case CALLDATACOPY, CODECOPY:
			memOffW, dataOffW, sizeW, err := f.stack.Pop3()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			memOff, okM := asU64(memOffW)
			size, okS := asU64(sizeW)
			if !okM || !okS {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if !f.useGas(fs.VeryLow + fs.Copy*toWords(size)) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if err := f.chargeMemory(memOff, size); err != nil {
				return nil, failure(f, err, nil)
			}
			src := f.ctx.Input
			if op == CODECOPY {
				src = f.ctx.Code
			}
			f.mem.Set(memOff, getData(src, dataOffW, size))

		case EXTCODESIZE:
			if !f.useGas(fs.ExtCode) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			a, err := f.stack.Pop()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			code, err := f.ctx.World.GetCode(wordToAddress(a))
			if err != nil {
				return nil, failure(f, err, nil)
			}
			f.stack.Push(word256.FromUint64(uint64(len(code))))

		case EXTCODECOPY:
			addrW, err := f.stack.Pop()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			memOffW, dataOffW, sizeW, err := f.stack.Pop3()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			memOff, okM := asU64(memOffW)
			size, okS := asU64(sizeW)
			if !okM || !okS {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if !f.useGas(fs.ExtCode + fs.Copy*toWords(size)) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if err := f.chargeMemory(memOff, size); err != nil {
				return nil, failure(f, err, nil)
			}
			code, err := f.ctx.World.GetCode(wordToAddress(addrW))
			if err != nil {
				return nil, failure(f, err, nil)
			}
			f.mem.Set(memOff, getData(code, dataOffW, size))

		case BLOCKHASH:
			if !f.useGas(fs.BlockHash) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			a, err := f.stack.Pop()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			var hash common.Hash
			if n, ok := asU64(a); ok && f.ctx.GetBlockHash != nil {
				cur := f.ctx.Header.Number
				if n < cur && cur-n <= 256 {
					hash = f.ctx.GetBlockHash(n)
				}
			}
			f.stack.Push(hashToWord(hash))

		// Stack, memory, storage, flow.
		case POP:
			if !f.useGas(fs.Base) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if _, err := f.stack.Pop(); err != nil {
				return nil, failure(f, err, nil)
			}

		case MLOAD:
			if !f.useGas(fs.VeryLow) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			offW, err := f.stack.Pop()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			off, ok := asU64(offW)
			if !ok {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if err := f.chargeMemory(off, 32); err != nil {
				return nil, failure(f, err, nil)
			}
			f.stack.Push(word256.MustFromBytes(f.mem.Get(off, 32)))

		case MSTORE:
			if !f.useGas(fs.VeryLow) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			offW, val, err := f.stack.Pop2()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			off, ok := asU64(offW)
			if !ok {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if err := f.chargeMemory(off, 32); err != nil {
				return nil, failure(f, err, nil)
			}
			b := val.Bytes32()
			f.mem.Set(off, b[:])

		case MSTORE8:
			if !f.useGas(fs.VeryLow) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			offW, val, err := f.stack.Pop2()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			off, ok := asU64(offW)
			if !ok {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if err := f.chargeMemory(off, 1); err != nil {
				return nil, failure(f, err, nil)
			}
			b := val.Bytes32()
			f.mem.SetByte(off, b[31])

		case SLOAD:
			if !f.useGas(fs.SLoad) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			keyW, err := f.stack.Pop()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			value, err := f.ctx.World.GetStorage(f.ctx.Owner, common.Hash(keyW.Bytes32()))
			if err != nil {
				return nil, failure(f, err, nil)
			}
			f.stack.Push(value)

		case SSTORE:
			if f.ctx.ReadOnly {
				return nil, failure(f, ErrWriteProtection, nil)
			}
			keyW, val, err := f.stack.Pop2()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			key := common.Hash(keyW.Bytes32())
			current, err := f.ctx.World.GetStorage(f.ctx.Owner, key)
			if err != nil {
				return nil, failure(f, err, nil)
			}
			cost := fs.SStoreReset
			if current.IsZero() && !val.IsZero() {
				cost = fs.SStoreSet
			}
			if !f.useGas(cost) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if !current.IsZero() && val.IsZero() {
				f.refund += fs.SStoreClear
			}
			f.ctx.World = f.ctx.World.PutStorage(f.ctx.Owner, key, val)

		case JUMP, JUMPI:
			cost := fs.Mid
			if op == JUMPI {
				cost = fs.High
			}
			if !f.useGas(cost) {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			destW, err := f.stack.Pop()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			taken := true
			if op == JUMPI {
				cond, err := f.stack.Pop()
				if err != nil {
					return nil, failure(f, err, nil)
				}
				taken = !cond.IsZero()
			}
			if taken {
				dest, ok := asU64(destW)
				if !ok || !f.jumpdests[dest] {
					return nil, failure(f, ErrInvalidJump, nil)
				}
				f.pc = dest
				continue
			}

		case JUMPDEST:
			if !f.useGas(fs.Jumpdest) {
				return nil, failure(f, ErrOutOfGas, nil)
			}

		case RETURN:
			offW, sizeW, err := f.stack.Pop2()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			off, okOff := asU64(offW)
			size, okSize := asU64(sizeW)
			if !okOff || !okSize {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if err := f.chargeMemory(off, size); err != nil {
				return nil, failure(f, err, nil)
			}
			return nil, in.halt(f, f.mem.Get(off, size))

		case REVERT:
			offW, sizeW, err := f.stack.Pop2()
			if err != nil {
				return nil, failure(f, err, nil)
			}
			off, okOff := asU64(offW)
			size, okSize := asU64(sizeW)
			if !okOff || !okSize {
				return nil, failure(f, ErrOutOfGas, nil)
			}
			if err := f.chargeMemory(off, size); err != nil {
				return nil, failure(f, err, nil)
			}
			return nil, failure(f, ErrRevert, f.mem.Get(off, size))

		case SELFDESTRUCT:
			if res := in.opSelfDestruct(f); res != nil {
				return nil, res
			}
			return nil, success(f, nil)

		case CREATE:
			child, res := in.opCreate(f)
			if res != nil {
				return nil, res
			}
			if child != nil {
				// The frame resumes past the opcode once the child settles.
				f.pc++
				return child, nil
			}

		case CALL, CALLCODE, DELEGATECALL, STATICCALL:
			child, res := in.opCall(f, op)
			if res != nil {
				return nil, res
			}
			if child != nil {
				f.pc++
				return child, nil
			}

		case INVALID:
			return nil, failure(f, ErrInvalidOpcode, nil)

		default:
			switch {
			case op.IsPush():
				if !f.useGas(fs.VeryLow) {
					return nil, failure(f, ErrOutOfGas, nil)
				}
				n := uint64(op.PushBytes())
				w := word256.MustFromBytes(getData(f.ctx.Code, word256.FromUint64(f.pc+1), n))
				if err := f.stack.Push(w); err != nil {
					return nil, failure(f, err, nil)
				}
				f.pc += n
			case op >= DUP1 && op <= DUP16:
				if !f.useGas(fs.VeryLow) {
					return nil, failure(f, ErrOutOfGas, nil)
				}
				if err := f.stack.Dup(int(op-DUP1) + 1); err != nil {
					return nil, failure(f, err, nil)
				}
			case op >= SWAP1 && op <= SWAP16:
				if !f.useGas(fs.VeryLow) {
					return nil, failure(f, ErrOutOfGas, nil)
				}
				if err := f.stack.Swap(int(op-SWAP1) + 1); err != nil {
					return nil, failure(f, err, nil)
				}
			case op >= LOG0 && op <= LOG4:
				if res := in.opLog(f, int(op-LOG0)); res != nil {
					return nil, res
				}
			default:
				return nil, failure(f, ErrInvalidOpcode, nil)
			}
		}

		f.pc++
	}
}

// halt completes a frame normally. For contract-init frames this is the code
// deposit step: oversize code or an unaffordable deposit cost fails the whole
// frame with OutOfGas and no code is stored.
func (in *Interpreter) halt(f *frame, ret []byte) *ProgramResult {
	if !f.ctx.IsContractInit {
		return success(f, ret)
	}
	cfg := f.ctx.Config
	if cfg.MaxCodeSize > 0 && len(ret) > cfg.MaxCodeSize {
		in.logger.Debug("code deposit rejected", "addr", f.ctx.Owner, "size", len(ret), "max", cfg.MaxCodeSize)
		return failure(f, ErrOutOfGas, nil)
	}
	if !f.useGas(cfg.FeeSchedule.CodeDeposit * uint64(len(ret))) {
		return failure(f, ErrOutOfGas, nil)
	}
	world, err := f.ctx.World.PutCode(f.ctx.Owner, ret)
	if err != nil {
		return failure(f, err, nil)
	}
	f.ctx.World = world
	return success(f, ret)
}

func (in *Interpreter) opLog(f *frame, topicCount int) *ProgramResult {
	if f.ctx.ReadOnly {
		return failure(f, ErrWriteProtection, nil)
	}
	fs := f.ctx.Config.FeeSchedule
	offW, sizeW, err := f.stack.Pop2()
	if err != nil {
		return failure(f, err, nil)
	}
	off, okOff := asU64(offW)
	size, okSize := asU64(sizeW)
	if !okOff || !okSize {
		return failure(f, ErrOutOfGas, nil)
	}
	topics := make([]common.Hash, topicCount)
	for i := 0; i < topicCount; i++ {
		t, err := f.stack.Pop()
		if err != nil {
			return failure(f, err, nil)
		}
		topics[i] = common.Hash(t.Bytes32())
	}
	if !f.useGas(fs.Log + fs.LogData*size + fs.LogTopic*uint64(topicCount)) {
		return failure(f, ErrOutOfGas, nil)
	}
	if err := f.chargeMemory(off, size); err != nil {
		return failure(f, err, nil)
	}
	f.logs = append(f.logs, &types.Log{
		Address: f.ctx.Owner,
		Topics:  topics,
		Data:    f.mem.Get(off, size),
	})
	return nil
}

func (in *Interpreter) opSelfDestruct(f *frame) *ProgramResult {
	if f.ctx.ReadOnly {
		return failure(f, ErrWriteProtection, nil)
	}
	fs := f.ctx.Config.FeeSchedule
	benW, err := f.stack.Pop()
	if err != nil {
		return failure(f, err, nil)
	}
	beneficiary := wordToAddress(benW)

	balance, err := f.ctx.World.GetBalance(f.ctx.Owner)
	if err != nil {
		return failure(f, err, nil)
	}
	cost := fs.SelfDestruct
	if f.ctx.Config.PruneEmptyAccounts && !balance.IsZero() {
		exists, err := f.ctx.World.AccountExists(beneficiary)
		if err != nil {
			return failure(f, err, nil)
		}
		if !exists {
			cost += fs.NewAccount
		}
	}
	if !f.useGas(cost) {
		return failure(f, ErrOutOfGas, nil)
	}

	alreadySlated := false
	for _, a := range f.deletes {
		if a == f.ctx.Owner {
			alreadySlated = true
			break
		}
	}
	if !alreadySlated {
		f.refund += fs.SelfDestructRefund
	}

	world, err := f.ctx.World.Transfer(f.ctx.Owner, beneficiary, balance)
	if err != nil {
		return failure(f, err, nil)
	}
	f.ctx.World = world
	f.deletes = append(f.deletes, f.ctx.Owner)
	return nil
}

// opCreate spawns a contract-creation frame, or settles immediately (push 0)
// on balance shortfall, depth limit or address collision.
func (in *Interpreter) opCreate(f *frame) (*frame, *ProgramResult) {
	if f.ctx.ReadOnly {
		return nil, failure(f, ErrWriteProtection, nil)
	}
	fs := f.ctx.Config.FeeSchedule
	value, offW, sizeW, err := f.stack.Pop3()
	if err != nil {
		return nil, failure(f, err, nil)
	}
	off, okOff := asU64(offW)
	size, okSize := asU64(sizeW)
	if !okOff || !okSize {
		return nil, failure(f, ErrOutOfGas, nil)
	}
	if !f.useGas(fs.Create) {
		return nil, failure(f, ErrOutOfGas, nil)
	}
	if err := f.chargeMemory(off, size); err != nil {
		return nil, failure(f, err, nil)
	}
	initCode := f.mem.Get(off, size)

	balance, err := f.ctx.World.GetBalance(f.ctx.Owner)
	if err != nil {
		return nil, failure(f, err, nil)
	}
	if balance.Lt(value) || f.ctx.CallDepth+1 > f.ctx.Config.MaxCallDepth {
		f.stack.Push(word256.Zero)
		return nil, nil
	}

	// The creator's nonce bumps before address derivation, so a failed
	// creation still consumes the nonce.
	world := f.ctx.World
	owner, err := world.GetGuaranteedAccount(f.ctx.Owner)
	if err != nil {
		return nil, failure(f, err, nil)
	}
	world = world.PutAccount(f.ctx.Owner, owner.IncreaseNonce())
	created, err := world.CreateAddress(f.ctx.Owner)
	if err != nil {
		return nil, failure(f, err, nil)
	}
	f.ctx.World = world

	collision, err := world.NonEmptyCodeOrNonceAccount(created)
	if err != nil {
		return nil, failure(f, err, nil)
	}
	if collision {
		f.stack.Push(word256.Zero)
		return nil, nil
	}

	childGas := allButOne64th(f.gas)
	f.useGas(childGas)

	childWorld, err := world.InitialiseAccount(created)
	if err != nil {
		return nil, failure(f, err, nil)
	}
	childWorld, err = childWorld.Transfer(f.ctx.Owner, created, value)
	if err != nil {
		return nil, failure(f, err, nil)
	}

	childCtx := f.ctx
	childCtx.Caller = f.ctx.Owner
	childCtx.Owner = created
	childCtx.Value = value
	childCtx.Input = nil
	childCtx.Code = initCode
	childCtx.Gas = childGas
	childCtx.World = childWorld
	childCtx.CallDepth = f.ctx.CallDepth + 1
	childCtx.IsContractInit = true

	f.resume = resumeInfo{op: CREATE, created: created}
	return newFrame(childCtx), nil
}

// opCall spawns a CALL/CALLCODE/DELEGATECALL/STATICCALL frame, or settles
// immediately (push 0 and return the reserved gas) on depth limit or balance
// shortfall.
func (in *Interpreter) opCall(f *frame, op OpCode) (*frame, *ProgramResult) {
	fs := f.ctx.Config.FeeSchedule

	gasW, toW, err := f.stack.Pop2()
	if err != nil {
		return nil, failure(f, err, nil)
	}
	value := word256.Zero
	if op == CALL || op == CALLCODE {
		value, err = f.stack.Pop()
		if err != nil {
			return nil, failure(f, err, nil)
		}
	}
	inOffW, inSizeW, err := f.stack.Pop2()
	if err != nil {
		return nil, failure(f, err, nil)
	}
	retOffW, retSizeW, err := f.stack.Pop2()
	if err != nil {
		return nil, failure(f, err, nil)
	}
	inOff, ok1 := asU64(inOffW)
	inSize, ok2 := asU64(inSizeW)
	retOff, ok3 := asU64(retOffW)
	retSize, ok4 := asU64(retSizeW)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, failure(f, ErrOutOfGas, nil)
	}
	to := wordToAddress(toW)

	if op == CALL && !value.IsZero() && f.ctx.ReadOnly {
		return nil, failure(f, ErrWriteProtection, nil)
	}

	if err := f.chargeMemory(inOff, inSize); err != nil {
		return nil, failure(f, err, nil)
	}
	if err := f.chargeMemory(retOff, retSize); err != nil {
		return nil, failure(f, err, nil)
	}

	cost := fs.Call
	if !value.IsZero() {
		cost += fs.CallValue
	}
	if op == CALL {
		exists, err := f.ctx.World.AccountExists(to)
		if err != nil {
			return nil, failure(f, err, nil)
		}
		if !exists {
			// Post-fork, only a value-bearing call pays for account creation.
			if !f.ctx.Config.PruneEmptyAccounts || !value.IsZero() {
				cost += fs.NewAccount
			}
		}
	}
	if !f.useGas(cost) {
		return nil, failure(f, ErrOutOfGas, nil)
	}

	childGas := allButOne64th(f.gas)
	if req, ok := asU64(gasW); ok && req < childGas {
		childGas = req
	}
	f.useGas(childGas)
	if !value.IsZero() {
		childGas += fs.CallStipend
	}

	if f.ctx.CallDepth+1 > f.ctx.Config.MaxCallDepth {
		f.gas += childGas
		f.stack.Push(word256.Zero)
		return nil, nil
	}

	childWorld := f.ctx.World
	if !value.IsZero() {
		balance, err := childWorld.GetBalance(f.ctx.Owner)
		if err != nil {
			return nil, failure(f, err, nil)
		}
		if balance.Lt(value) {
			f.gas += childGas
			f.stack.Push(word256.Zero)
			return nil, nil
		}
		if op == CALL {
			childWorld, err = childWorld.Transfer(f.ctx.Owner, to, value)
			if err != nil {
				return nil, failure(f, err, nil)
			}
		}
	}

	code, err := childWorld.GetCode(to)
	if err != nil {
		return nil, failure(f, err, nil)
	}

	childCtx := f.ctx
	childCtx.Gas = childGas
	childCtx.Input = f.mem.Get(inOff, inSize)
	childCtx.Code = code
	childCtx.World = childWorld
	childCtx.CallDepth = f.ctx.CallDepth + 1
	childCtx.IsContractInit = false
	switch op {
	case CALL:
		childCtx.Owner = to
		childCtx.Caller = f.ctx.Owner
		childCtx.Value = value
	case CALLCODE:
		childCtx.Owner = f.ctx.Owner
		childCtx.Caller = f.ctx.Owner
		childCtx.Value = value
	case DELEGATECALL:
		childCtx.Owner = f.ctx.Owner
		// Caller and value pass through unchanged.
	case STATICCALL:
		childCtx.Owner = to
		childCtx.Caller = f.ctx.Owner
		childCtx.Value = word256.Zero
		childCtx.ReadOnly = true
	}

	f.resume = resumeInfo{op: op, retOffset: retOff, retSize: retSize}
	return newFrame(childCtx), nil
}
