package consensus

import (
	"fmt"

	"github.com/sunlidong/iotchain/config"
	"github.com/sunlidong/iotchain/types"
)

// Devnet accepts any structurally valid block that extends its parent. It
// exists for single-node development chains and for tests; it shares the
// reward schedule with the other variants.
type Devnet struct {
	rewardCalculator
}

func NewDevnet(cfg *config.ChainConfig) *Devnet {
	return &Devnet{rewardCalculator{baseReward: cfg.BlockReward}}
}

func (d *Devnet) Run(best *types.Block, candidate *types.Block) (Decision, error) {
	return decide(d, best, candidate)
}

func (d *Devnet) SemanticValidate(parent *types.BlockHeader, block *types.Block) error {
	if block.Header.Timestamp <= parent.Timestamp {
		return fmt.Errorf("block %d timestamp %d not after parent %d",
			block.Header.Number, block.Header.Timestamp, parent.Timestamp)
	}
	return nil
}
