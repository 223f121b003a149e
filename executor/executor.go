package executor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/sunlidong/iotchain/blockpool"
	"github.com/sunlidong/iotchain/config"
	"github.com/sunlidong/iotchain/consensus"
	"github.com/sunlidong/iotchain/state"
	"github.com/sunlidong/iotchain/storage"
	"github.com/sunlidong/iotchain/types"
	"github.com/sunlidong/iotchain/vm"
	"github.com/sunlidong/iotchain/word256"
)

// ImportStatus is the terminal state of one import pipeline run.
type ImportStatus int

const (
	// ImportSucceed: at least the candidate's branch was committed.
	ImportSucceed ImportStatus = iota
	// ImportPooled: the candidate is valid but not yet connectable; it is
	// buffered and the canonical head is unchanged.
	ImportPooled
	// ImportFailed: the candidate (or a block of its branch) was rejected.
	// Blocks committed before the failing one stay committed.
	ImportFailed
)

func (s ImportStatus) String() string {
	switch s {
	case ImportSucceed:
		return "Succeed"
	case ImportPooled:
		return "Pooled"
	case ImportFailed:
		return "Failed"
	default:
		return fmt.Sprintf("ImportStatus(%d)", int(s))
	}
}

// ImportResult reports what one ImportBlock call did. Imported and
// TotalDifficulties run in parallel, oldest first.
type ImportResult struct {
	Status            ImportStatus
	Imported          []*types.Block
	TotalDifficulties []word256.Word256
	Err               error
}

// BlockExecutor serializes block imports against the canonical chain. Only
// one import pipeline runs at a time; read-only queries against persisted
// state do not take the import lock.
type BlockExecutor struct {
	mu sync.Mutex

	cfg         *config.ChainConfig
	history     *storage.History
	pool        *blockpool.BlockPool
	consensus   consensus.Consensus
	interpreter *vm.Interpreter
	validator   TxValidator

	// shortCircuit aborts a block on the first fatal transaction error.
	// When disabled the failing transaction is skipped and the block
	// continues without it.
	shortCircuit bool

	logger log.Logger
}

func New(cfg *config.ChainConfig, history *storage.History, cons consensus.Consensus) *BlockExecutor {
	return &BlockExecutor{
		cfg:          cfg,
		history:      history,
		pool:         blockpool.New(blockpool.DefaultMaxBlocksBehind, blockpool.DefaultMaxBlocksAhead),
		consensus:    cons,
		interpreter:  vm.NewInterpreter(),
		validator:    NewTxValidator(cfg),
		shortCircuit: true,
		logger:       log.New("module", "executor"),
	}
}

// SetShortCircuit switches the per-block transaction failure policy.
func (e *BlockExecutor) SetShortCircuit(v bool) { e.shortCircuit = v }

// Pool exposes the block pool for callers that inspect buffered blocks.
func (e *BlockExecutor) Pool() *blockpool.BlockPool { return e.pool }

func failed(imported []*types.Block, tds []word256.Word256, err error) ImportResult {
	return ImportResult{Status: ImportFailed, Imported: imported, TotalDifficulties: tds, Err: err}
}

// ImportBlock runs the full pipeline for one candidate block.
func (e *BlockExecutor) ImportBlock(block *types.Block) ImportResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.importBlock(block)
}

// ImportBlocks is the best-effort batch variant: failures are skipped and all
// blocks that ended up committed are returned.
func (e *BlockExecutor) ImportBlocks(blocks []*types.Block) []*types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()

	var committed []*types.Block
	for _, block := range blocks {
		res := e.importBlock(block)
		committed = append(committed, res.Imported...)
		if res.Err != nil {
			e.logger.Warn("batch import skipped block", "hash", block.Hash(), "number", block.Number(), "err", res.Err)
		}
	}
	return committed
}

func (e *BlockExecutor) importBlock(block *types.Block) ImportResult {
	if err := commonBlockValidator(block); err != nil {
		return failed(nil, nil, err)
	}

	best, err := e.history.GetBestBlock()
	if err != nil {
		return failed(nil, nil, fmt.Errorf("load best block: %w", err))
	}

	decision, err := e.consensus.Run(best, block)
	if err != nil {
		return failed(nil, nil, err)
	}

	if e.pool.AddBlock(block, best.Number()) == nil && !e.pool.Contains(block.Hash()) {
		return failed(nil, nil, fmt.Errorf("block %s (number %d) rejected by pool at best %d",
			block.Hash(), block.Number(), best.Number()))
	}

	// A Pooled decision can still be executable right away when the gap to
	// the best block is already buffered. A branch rooted at any block we
	// already hold is executable too; fork choice below decides the head.
	branch := e.pool.GetBranch(block.Hash(), false)
	if len(branch) == 0 {
		e.logger.Debug("block pooled", "hash", block.Hash(), "number", block.Number(), "decision", decision)
		return ImportResult{Status: ImportPooled}
	}
	parent := best
	if branch[0].Header.ParentHash != best.Hash() {
		p, err := e.history.GetBlockByHash(branch[0].Header.ParentHash)
		if err != nil {
			if errors.Is(err, storage.ErrBlockNotFound) {
				e.logger.Debug("block pooled", "hash", block.Hash(), "number", block.Number(), "decision", decision)
				return ImportResult{Status: ImportPooled}
			}
			return failed(nil, nil, err)
		}
		parent = p
	}
	branch = e.pool.GetBranch(block.Hash(), true)

	res := e.executeBranch(parent, branch)
	if res.Status == ImportSucceed {
		e.drainPool(&res)
	}
	return res
}

// executeBranch imports a root-to-tip branch whose first block attaches to
// parent, which may sit off the canonical chain. A block becomes the new head
// only when its total difficulty exceeds the current head's; on a tie the
// first-seen chain keeps the head. Progress is not rolled back: blocks
// committed before a failure stay committed.
func (e *BlockExecutor) executeBranch(parent *types.Block, branch []*types.Block) ImportResult {
	var imported []*types.Block
	var tds []word256.Word256

	parentTD, err := e.history.GetTotalDifficultyByHash(parent.Hash())
	if err != nil {
		return failed(nil, nil, fmt.Errorf("load total difficulty of %s: %w", parent.Hash(), err))
	}

	best, err := e.history.GetBestBlock()
	if err != nil {
		return failed(nil, nil, fmt.Errorf("load best block: %w", err))
	}
	bestTD, err := e.history.GetTotalDifficultyByHash(best.Hash())
	if err != nil {
		return failed(nil, nil, fmt.Errorf("load total difficulty of %s: %w", best.Hash(), err))
	}

	for _, block := range branch {
		if err := commonHeaderValidator(parent.Header, block.Header); err != nil {
			return failed(imported, tds, err)
		}
		if err := commonBlockValidator(block); err != nil {
			return failed(imported, tds, err)
		}
		if err := e.consensus.SemanticValidate(parent.Header, block); err != nil {
			return failed(imported, tds, err)
		}

		receipts, world, gasUsed, err := e.ExecuteBlock(block)
		if err != nil {
			return failed(imported, tds, err)
		}

		// PostValidating: declared values must match what execution produced.
		if world.Root() != block.Header.StateRoot {
			return failed(imported, tds, fmt.Errorf("%w: computed %s declared %s",
				ErrStateRootMismatch, world.Root(), block.Header.StateRoot))
		}
		if gasUsed != block.Header.GasUsed {
			return failed(imported, tds, fmt.Errorf("%w: computed %d declared %d",
				ErrGasUsedMismatch, gasUsed, block.Header.GasUsed))
		}
		if types.ReceiptsRoot(receipts) != block.Header.ReceiptsRoot {
			return failed(imported, tds, ErrReceiptsMismatch)
		}
		if types.MergeBlooms(receipts) != block.Header.LogsBloom {
			return failed(imported, tds, ErrBloomMismatch)
		}

		td := parentTD.Add(block.Difficulty())
		if err := e.history.PutBlockAndReceipts(block, receipts, td, false); err != nil {
			return failed(imported, tds, fmt.Errorf("persist block %s: %w", block.Hash(), err))
		}
		if td.Gt(bestTD) {
			if err := e.history.SetCanonicalHead(block); err != nil {
				return failed(imported, tds, fmt.Errorf("promote block %s: %w", block.Hash(), err))
			}
			bestTD = td
		}
		e.logger.Info("imported block", "number", block.Number(), "hash", block.Hash(),
			"txs", len(block.Body.Transactions), "gasUsed", gasUsed)

		imported = append(imported, block)
		tds = append(tds, td)
		parent = block
		parentTD = td
	}

	return ImportResult{Status: ImportSucceed, Imported: imported, TotalDifficulties: tds}
}

// drainPool keeps importing buffered descendants of the new best block until
// no pooled child connects.
func (e *BlockExecutor) drainPool(res *ImportResult) {
	for {
		best := res.Imported[len(res.Imported)-1]
		progressed := false
		for _, childHash := range e.pool.Children(best.Hash()) {
			branch := e.pool.GetBranch(childHash, true)
			if len(branch) == 0 {
				continue
			}
			sub := e.executeBranch(best, branch)
			res.Imported = append(res.Imported, sub.Imported...)
			res.TotalDifficulties = append(res.TotalDifficulties, sub.TotalDifficulties...)
			if sub.Status == ImportSucceed && len(sub.Imported) > 0 {
				progressed = true
				break
			}
		}
		if !progressed {
			return
		}
	}
}

// ExecuteBlock replays a block's transactions against its parent's persisted
// state and returns the receipts, the persisted resulting world and the
// cumulative gas used. It does not commit the block itself.
func (e *BlockExecutor) ExecuteBlock(block *types.Block) ([]*types.Receipt, state.WorldState, uint64, error) {
	header := block.Header

	parentHeader, err := e.history.GetBlockHeaderByHash(header.ParentHash)
	if err != nil {
		return nil, state.WorldState{}, 0, fmt.Errorf("load parent of %s: %w", block.Hash(), err)
	}
	world, err := e.history.GetWorldState(e.cfg.StartNonce, &parentHeader.StateRoot)
	if err != nil {
		return nil, state.WorldState{}, 0, fmt.Errorf("open world state %s: %w", parentHeader.StateRoot, err)
	}
	world = world.ClearTouchedAccounts()

	evm := e.cfg.EvmConfigForBlock(header.Number)
	getHash := func(n uint64) common.Hash {
		h, err := e.history.GetHashByNumber(n)
		if err != nil {
			return common.Hash{}
		}
		return h
	}

	receipts := []*types.Receipt{}
	var cumulative uint64
	for i, tx := range block.Body.Transactions {
		newWorld, gasUsed, logs, err := e.executeTransaction(world, tx, header, evm, cumulative, getHash)
		if err != nil {
			if e.shortCircuit {
				return nil, state.WorldState{}, 0, fmt.Errorf("tx %d (%s): %w", i, tx.Hash(), err)
			}
			// Validation failures return the untouched world; anything past
			// the upfront debit returns the debited one. Both are adopted.
			world = newWorld
			e.logger.Warn("transaction excluded from block", "index", i, "hash", tx.Hash(), "err", err)
			continue
		}
		world = newWorld
		cumulative += gasUsed
		receipts = append(receipts, types.NewReceipt(world.Root(), cumulative, logs))
	}

	// Rewards for the block beneficiary and any referenced ommers.
	world, err = credit(world, header.Beneficiary, e.consensus.CalcBlockMinerReward(header.Number, len(block.Body.Ommers)))
	if err != nil {
		return nil, state.WorldState{}, 0, err
	}
	for _, ommer := range block.Body.Ommers {
		world, err = credit(world, ommer.Beneficiary, e.consensus.CalcOmmerMinerReward(header.Number, ommer.Number))
		if err != nil {
			return nil, state.WorldState{}, 0, err
		}
	}

	if evm.PruneEmptyAccounts {
		for _, addr := range world.TouchedAccounts() {
			acc, ok, err := world.GetAccountOpt(addr)
			if err != nil {
				return nil, state.WorldState{}, 0, err
			}
			if ok && acc.IsEmpty(e.cfg.StartNonce) {
				world = world.DeleteAccount(addr)
			}
		}
	}
	world = world.ClearTouchedAccounts()

	world, err = world.Persisted()
	if err != nil {
		return nil, state.WorldState{}, 0, fmt.Errorf("persist block state: %w", err)
	}
	return receipts, world, cumulative, nil
}

func credit(world state.WorldState, addr common.Address, value word256.Word256) (state.WorldState, error) {
	acc, err := world.GetGuaranteedAccount(addr)
	if err != nil {
		return world, err
	}
	return world.PutAccount(addr, acc.AddBalance(value)).TouchAccounts(addr), nil
}

// executeTransaction applies one transaction. The upfront debit
// (gasLimit×gasPrice+value) and the nonce increment happen before the
// interpreter runs and are kept even when it fails; everything the
// interpreter itself did is discarded on failure. The returned world is
// persisted so the receipt can carry the intermediate root.
func (e *BlockExecutor) executeTransaction(world state.WorldState, tx *types.SignedTransaction,
	header *types.BlockHeader, evm config.EvmConfig, accumulatedGas uint64,
	getHash func(uint64) common.Hash) (state.WorldState, uint64, []*types.Log, error) {

	sender, err := tx.Sender()
	if err != nil {
		return world, 0, nil, err
	}
	senderAcc, err := world.GetGuaranteedAccount(sender)
	if err != nil {
		return world, 0, nil, err
	}
	upfront := tx.UpfrontCost()
	if err := e.validator.Validate(tx, senderAcc, header, upfront, accumulatedGas); err != nil {
		return world, 0, nil, err
	}

	intrinsic := intrinsicGas(e.cfg, evm.FeeSchedule, tx, header.Number)

	world = world.PutAccount(sender, senderAcc.IncreaseNonce().SubBalance(upfront)).TouchAccounts(sender)
	worldAfterDebit := world

	ctx := vm.ProgramContext{
		Config:       evm,
		Origin:       sender,
		GasPrice:     tx.GasPrice,
		Caller:       sender,
		Value:        tx.Value,
		Input:        tx.Payload,
		Gas:          tx.GasLimit - intrinsic,
		Header:       header,
		GetBlockHash: getHash,
	}

	var res vm.ProgramResult
	collision := false
	if tx.ContractCreation() {
		// The sender nonce is already bumped, so the derived address uses
		// the nonce this transaction was signed with.
		created, err := world.CreateAddress(sender)
		if err != nil {
			return world, 0, nil, err
		}
		collision, err = world.NonEmptyCodeOrNonceAccount(created)
		if err != nil {
			return world, 0, nil, err
		}
		if !collision {
			worldExec, err := world.InitialiseAccount(created)
			if err != nil {
				return world, 0, nil, err
			}
			worldExec, err = credit(worldExec, created, tx.Value)
			if err != nil {
				return world, 0, nil, err
			}
			ctx.Owner = created
			ctx.Code = tx.Payload
			ctx.Input = nil
			ctx.IsContractInit = true
			ctx.World = worldExec
		}
	} else {
		to := *tx.To
		zeroToMissing, err := world.IsZeroValueTransferToNonExistentAccount(to, tx.Value)
		if err != nil {
			return world, 0, nil, err
		}
		worldExec := world
		if zeroToMissing {
			worldExec = world.TouchAccounts(to)
		} else {
			worldExec, err = credit(world, to, tx.Value)
			if err != nil {
				return world, 0, nil, err
			}
		}
		code, err := worldExec.GetCode(to)
		if err != nil {
			return world, 0, nil, err
		}
		ctx.Owner = to
		ctx.Code = code
		ctx.World = worldExec
	}

	if collision {
		// An occupied creation address consumes the whole gas budget.
		res = vm.ProgramResult{Error: vm.ErrOutOfGas, World: worldAfterDebit}
	} else {
		res = e.interpreter.Run(ctx)
	}

	resultWorld := res.World
	var logs []*types.Log
	if res.Error != nil {
		// Effects of the failed run are gone; the debit and nonce stay.
		resultWorld = worldAfterDebit
		e.logger.Debug("transaction execution failed", "hash", tx.Hash(), "err", res.Error)
	} else {
		logs = res.Logs
		for _, addr := range res.AddressesToDelete {
			resultWorld = resultWorld.DeleteAccount(addr)
		}
	}

	gasUsedByRun := tx.GasLimit - res.GasRemaining
	refund := min(gasUsedByRun/2, res.GasRefund) + res.GasRemaining
	gasUsed := tx.GasLimit - refund

	resultWorld, err = credit(resultWorld, sender, tx.GasPrice.Mul(word256.FromUint64(refund)))
	if err != nil {
		return world, 0, nil, err
	}
	resultWorld, err = credit(resultWorld, header.Beneficiary, tx.GasPrice.Mul(word256.FromUint64(gasUsed)))
	if err != nil {
		return world, 0, nil, err
	}

	resultWorld, err = resultWorld.Persisted()
	if err != nil {
		return world, 0, nil, fmt.Errorf("persist transaction state: %w", err)
	}
	return resultWorld, gasUsed, logs, nil
}

// SimulateTransaction runs tx against the current best state without
// persisting anything. A non-nil from overrides signature recovery; gas
// estimation needs that because altering the gas limit invalidates the
// signature.
func (e *BlockExecutor) SimulateTransaction(tx *types.SignedTransaction, from *common.Address) (*vm.ProgramResult, error) {
	best, err := e.history.GetBestBlock()
	if err != nil {
		return nil, err
	}
	if err := e.validator.ValidateSimulateTx(tx, best.Header.Number); err != nil {
		return nil, err
	}

	sender := common.Address{}
	if from != nil {
		sender = *from
	} else {
		s, err := tx.Sender()
		if err != nil {
			return nil, err
		}
		sender = s
	}

	world, err := e.history.GetWorldState(e.cfg.StartNonce, &best.Header.StateRoot)
	if err != nil {
		return nil, err
	}

	header := best.Header
	evm := e.cfg.EvmConfigForBlock(header.Number)
	intrinsic := intrinsicGas(e.cfg, evm.FeeSchedule, tx, header.Number)

	ctx := vm.ProgramContext{
		Config:   evm,
		Origin:   sender,
		GasPrice: tx.GasPrice,
		Caller:   sender,
		Value:    tx.Value,
		Input:    tx.Payload,
		Gas:      tx.GasLimit - intrinsic,
		Header:   header,
		GetBlockHash: func(n uint64) common.Hash {
			h, err := e.history.GetHashByNumber(n)
			if err != nil {
				return common.Hash{}
			}
			return h
		},
	}

	if tx.ContractCreation() {
		acc, err := world.GetGuaranteedAccount(sender)
		if err != nil {
			return nil, err
		}
		world = world.PutAccount(sender, acc.IncreaseNonce())
		created, err := world.CreateAddress(sender)
		if err != nil {
			return nil, err
		}
		world, err = world.InitialiseAccount(created)
		if err != nil {
			return nil, err
		}
		ctx.Owner = created
		ctx.Code = tx.Payload
		ctx.Input = nil
		ctx.IsContractInit = true
	} else {
		to := *tx.To
		code, err := world.GetCode(to)
		if err != nil {
			return nil, err
		}
		ctx.Owner = to
		ctx.Code = code
	}
	ctx.World = world

	res := e.interpreter.Run(ctx)
	return &res, nil
}

// BinarySearchGasEstimation finds the smallest gas limit in [intrinsic gas,
// tx gas limit] at which the simulated transaction does not run out of gas.
// Gas usage is monotonic in the limit, so the search is a plain bisection.
func (e *BlockExecutor) BinarySearchGasEstimation(tx *types.SignedTransaction) (uint64, error) {
	sender, err := tx.Sender()
	if err != nil {
		return 0, err
	}
	best, err := e.history.GetBestBlock()
	if err != nil {
		return 0, err
	}
	fs := e.cfg.EvmConfigForBlock(best.Header.Number).FeeSchedule
	lo := intrinsicGas(e.cfg, fs, tx, best.Header.Number)
	hi := tx.GasLimit
	if hi < lo {
		return 0, fmt.Errorf("%w: tx gas limit %d below intrinsic %d", ErrIntrinsicGas, tx.GasLimit, lo)
	}

	succeeds := func(limit uint64) (bool, error) {
		t := *tx
		t.GasLimit = limit
		res, err := e.SimulateTransaction(&t, &sender)
		if err != nil {
			if errors.Is(err, ErrIntrinsicGas) {
				return false, nil
			}
			return false, err
		}
		return !errors.Is(res.Error, vm.ErrOutOfGas), nil
	}

	for lo < hi {
		mid := lo + (hi-lo)/2
		ok, err := succeeds(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	ok, err := succeeds(hi)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("transaction runs out of gas even at its own limit %d", hi)
	}
	return hi, nil
}
