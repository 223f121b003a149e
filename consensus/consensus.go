// Package consensus decides whether a candidate block extends the canonical
// chain, gets buffered, or is rejected, and how miner and ommer rewards are
// calculated. The variant set is closed: a deployment selects one policy from
// its chain spec at construction time, never per block.
package consensus

import (
	"errors"
	"fmt"

	"github.com/sunlidong/iotchain/config"
	"github.com/sunlidong/iotchain/types"
	"github.com/sunlidong/iotchain/word256"
)

// Decision is the outcome for a structurally valid candidate.
type Decision int

const (
	// ImportToTop: the candidate directly extends the canonical best block.
	ImportToTop Decision = iota
	// Pooled: the candidate is acceptable but its parent is not the
	// canonical best block yet; buffer it for a later reorganization.
	Pooled
)

func (d Decision) String() string {
	switch d {
	case ImportToTop:
		return "ImportToTop"
	case Pooled:
		return "Pooled"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// ErrBlockInvalid marks consensus-level rejection; the wrapped cause is
// reported upward.
var ErrBlockInvalid = errors.New("block invalid")

// ErrKnownBlock marks a candidate that is already canonical.
var ErrKnownBlock = errors.New("block already known")

// Consensus is the pluggable policy the executor delegates to.
type Consensus interface {
	// Run decides the fate of a candidate given the canonical best block.
	// A rejection is returned as an error wrapping ErrBlockInvalid.
	Run(best *types.Block, candidate *types.Block) (Decision, error)
	// SemanticValidate checks the candidate header against its parent
	// under this policy's rules (timing, authority, difficulty).
	SemanticValidate(parent *types.BlockHeader, block *types.Block) error
	// CalcBlockMinerReward returns the beneficiary reward for a block at
	// the given height including the per-ommer bonus.
	CalcBlockMinerReward(number uint64, ommerCount int) word256.Word256
	// CalcOmmerMinerReward returns the reward for one referenced ommer.
	CalcOmmerMinerReward(number uint64, ommerNumber uint64) word256.Word256
}

// New selects the consensus variant from the chain spec.
func New(cfg *config.ChainConfig) (Consensus, error) {
	switch cfg.Consensus {
	case config.ConsensusPoA:
		return NewPoA(cfg)
	case config.ConsensusDevnet, "":
		return NewDevnet(cfg), nil
	default:
		return nil, fmt.Errorf("unknown consensus variant %q", cfg.Consensus)
	}
}

// rewardCalculator implements the classic reward schedule shared by all
// variants: base reward plus 1/32 per included ommer for the miner, and a
// distance-scaled fraction for each ommer miner.
type rewardCalculator struct {
	baseReward word256.Word256
}

func (r rewardCalculator) CalcBlockMinerReward(number uint64, ommerCount int) word256.Word256 {
	bonus := r.baseReward.Mul(word256.FromUint64(uint64(ommerCount))).Div(word256.FromUint64(32))
	return r.baseReward.Add(bonus)
}

func (r rewardCalculator) CalcOmmerMinerReward(number uint64, ommerNumber uint64) word256.Word256 {
	// An ommer more than 8 generations back earns nothing; validation
	// rejects those before rewards are paid.
	if ommerNumber >= number || number-ommerNumber > 8 {
		return word256.Zero
	}
	factor := 8 - (number - ommerNumber)
	return r.baseReward.Mul(word256.FromUint64(factor)).Div(word256.FromUint64(8))
}

// decide is the shared chain-selection logic: a candidate whose parent is the
// best block goes to the top after semantic validation, a duplicate is
// rejected, anything else is buffered.
func decide(c Consensus, best *types.Block, candidate *types.Block) (Decision, error) {
	if candidate.Hash() == best.Hash() {
		return 0, fmt.Errorf("%w: %s", ErrKnownBlock, candidate.Hash())
	}
	if candidate.ParentHash() == best.Hash() {
		if err := c.SemanticValidate(best.Header, candidate); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBlockInvalid, err)
		}
		return ImportToTop, nil
	}
	return Pooled, nil
}
