package executor

import (
	"errors"
	"fmt"

	"github.com/sunlidong/iotchain/config"
	"github.com/sunlidong/iotchain/storage"
	"github.com/sunlidong/iotchain/types"
)

var ErrNoGenesisSpec = errors.New("chain config carries no genesis block")

// SetupGenesis writes the genesis block and its allocated world state if the
// chain database is empty. An already-initialised database returns the stored
// genesis untouched.
func SetupGenesis(cfg *config.ChainConfig, history *storage.History) (*types.Block, error) {
	if stored, err := history.GetBlockByNumber(0); err == nil {
		return stored, nil
	} else if !errors.Is(err, storage.ErrBlockNotFound) {
		return nil, err
	}
	if cfg.Genesis == nil {
		return nil, ErrNoGenesisSpec
	}
	g := cfg.Genesis

	world, err := history.GetWorldState(cfg.StartNonce, nil)
	if err != nil {
		return nil, fmt.Errorf("open empty world state: %w", err)
	}
	for addr, balance := range g.Alloc {
		world = world.PutAccount(addr, types.NewAccount(cfg.StartNonce).AddBalance(balance))
	}
	world, err = world.Persisted()
	if err != nil {
		return nil, fmt.Errorf("persist genesis state: %w", err)
	}

	body := &types.BlockBody{}
	header := &types.BlockHeader{
		OmmersHash:   body.OmmersHash(),
		Beneficiary:  g.Beneficiary,
		StateRoot:    world.Root(),
		TxRoot:       body.TxRoot(),
		ReceiptsRoot: types.ReceiptsRoot(nil),
		Difficulty:   g.Difficulty,
		Number:       0,
		GasLimit:     g.GasLimit,
		Timestamp:    g.Timestamp,
		ExtraData:    g.ExtraData,
	}
	block := types.NewBlock(header, body)
	if err := history.PutBlockAndReceipts(block, nil, header.Difficulty, true); err != nil {
		return nil, fmt.Errorf("persist genesis block: %w", err)
	}
	return block, nil
}
