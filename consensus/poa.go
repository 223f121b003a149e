package consensus

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/sunlidong/iotchain/config"
	"github.com/sunlidong/iotchain/types"
	"github.com/sunlidong/iotchain/word256"
)

const (
	// ExtraVanity bytes of free-form data at the front of extraData.
	ExtraVanity = 32
	// ExtraSeal bytes of secp256k1 signature at the back of extraData.
	ExtraSeal = 65

	// DiffInTurn / DiffNoTurn are the only difficulties a PoA block may carry.
	diffInTurn = 2
	diffNoTurn = 1
)

// PoA is the proof-of-authority rotation policy: each block is sealed by an
// authorized signer, signers take turns by block number, and a minimum period
// separates consecutive blocks.
type PoA struct {
	rewardCalculator
	period  uint64
	signers []common.Address
	logger  log.Logger
}

func NewPoA(cfg *config.ChainConfig) (*PoA, error) {
	if cfg.PoA == nil || len(cfg.PoA.Signers) == 0 {
		return nil, fmt.Errorf("poa consensus requires a signer set")
	}
	return &PoA{
		rewardCalculator: rewardCalculator{baseReward: cfg.BlockReward},
		period:           cfg.PoA.Period,
		signers:          append([]common.Address(nil), cfg.PoA.Signers...),
		logger:           log.New("module", "consensus/poa"),
	}, nil
}

func (p *PoA) Run(best *types.Block, candidate *types.Block) (Decision, error) {
	return decide(p, best, candidate)
}

// SemanticValidate enforces the rotation rules: seal shape, authorized
// signer, in-turn/out-of-turn difficulty, the signing period, and no ommers.
func (p *PoA) SemanticValidate(parent *types.BlockHeader, block *types.Block) error {
	header := block.Header
	if len(header.ExtraData) != ExtraVanity+ExtraSeal {
		return fmt.Errorf("bad extra data length %d, want %d", len(header.ExtraData), ExtraVanity+ExtraSeal)
	}
	if header.Timestamp < parent.Timestamp+p.period {
		return fmt.Errorf("block %d sealed too early: timestamp %d < parent %d + period %d",
			header.Number, header.Timestamp, parent.Timestamp, p.period)
	}
	if len(block.Body.Ommers) != 0 {
		return fmt.Errorf("poa blocks must not reference ommers")
	}

	signer, err := p.RecoverSigner(header)
	if err != nil {
		return err
	}
	idx := p.signerIndex(signer)
	if idx < 0 {
		return fmt.Errorf("unauthorized signer %s at block %d", signer, header.Number)
	}

	wantDiff := uint64(diffNoTurn)
	if p.inTurn(header.Number, idx) {
		wantDiff = diffInTurn
	}
	if !header.Difficulty.Eq(word256.FromUint64(wantDiff)) {
		return fmt.Errorf("wrong difficulty at block %d: have %s, want %d (signer %s)",
			header.Number, header.Difficulty, wantDiff, signer)
	}
	return nil
}

// SealHash is the hash the signer actually signs: the header with the seal
// bytes stripped from extraData.
func SealHash(header *types.BlockHeader) common.Hash {
	stripped := header.Copy()
	if len(stripped.ExtraData) >= ExtraSeal {
		stripped.ExtraData = stripped.ExtraData[:len(stripped.ExtraData)-ExtraSeal]
	}
	enc, err := rlp.EncodeToBytes(stripped)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// RecoverSigner extracts the sealing address from the extraData signature.
func (p *PoA) RecoverSigner(header *types.BlockHeader) (common.Address, error) {
	if len(header.ExtraData) < ExtraSeal {
		return common.Address{}, fmt.Errorf("extra data too short for a seal")
	}
	seal := header.ExtraData[len(header.ExtraData)-ExtraSeal:]
	hash := SealHash(header)
	pub, err := crypto.Ecrecover(hash[:], seal)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover seal: %w", err)
	}
	var signer common.Address
	copy(signer[:], crypto.Keccak256(pub[1:])[12:])
	return signer, nil
}

// Difficulty returns the difficulty a signer must use at the given height.
func (p *PoA) Difficulty(number uint64, signer common.Address) word256.Word256 {
	idx := p.signerIndex(signer)
	if idx >= 0 && p.inTurn(number, idx) {
		return word256.FromUint64(diffInTurn)
	}
	return word256.FromUint64(diffNoTurn)
}

func (p *PoA) signerIndex(signer common.Address) int {
	for i, s := range p.signers {
		if s == signer {
			return i
		}
	}
	return -1
}

func (p *PoA) inTurn(number uint64, signerIdx int) bool {
	return number%uint64(len(p.signers)) == uint64(signerIdx)
}
