package consensus

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunlidong/iotchain/config"
	"github.com/sunlidong/iotchain/types"
	"github.com/sunlidong/iotchain/word256"
)

func devnetConfig() *config.ChainConfig {
	return &config.ChainConfig{
		Consensus:   config.ConsensusDevnet,
		BlockReward: word256.FromUint64(5_000_000_000_000_000_000),
	}
}

func testBlock(parent *types.BlockHeader, timestamp uint64) *types.Block {
	body := &types.BlockBody{}
	header := &types.BlockHeader{
		OmmersHash: body.OmmersHash(),
		TxRoot:     body.TxRoot(),
		GasLimit:   8_000_000,
		Timestamp:  timestamp,
	}
	if parent != nil {
		header.ParentHash = parent.Hash()
		header.Number = parent.Number + 1
	}
	return types.NewBlock(header, body)
}

func TestNewSelectsVariant(t *testing.T) {
	c, err := New(devnetConfig())
	require.NoError(t, err)
	assert.IsType(t, &Devnet{}, c)

	_, err = New(&config.ChainConfig{Consensus: "lottery"})
	assert.Error(t, err)

	_, err = New(&config.ChainConfig{Consensus: config.ConsensusPoA})
	assert.Error(t, err)
}

func TestDevnetDecisions(t *testing.T) {
	d := NewDevnet(devnetConfig())
	best := testBlock(nil, 100)

	onTop := testBlock(best.Header, 101)
	decision, err := d.Run(best, onTop)
	require.NoError(t, err)
	assert.Equal(t, ImportToTop, decision)

	// The best block itself is already known.
	_, err = d.Run(best, best)
	assert.ErrorIs(t, err, ErrKnownBlock)

	// A detached candidate gets buffered.
	grandchild := testBlock(onTop.Header, 102)
	decision, err = d.Run(best, grandchild)
	require.NoError(t, err)
	assert.Equal(t, Pooled, decision)
}

func TestDevnetRejectsNonIncreasingTimestamp(t *testing.T) {
	d := NewDevnet(devnetConfig())
	best := testBlock(nil, 100)
	stuck := testBlock(best.Header, 100)

	_, err := d.Run(best, stuck)
	assert.ErrorIs(t, err, ErrBlockInvalid)
}

func TestRewardSchedule(t *testing.T) {
	base := word256.FromUint64(32_000)
	r := rewardCalculator{baseReward: base}

	assert.Equal(t, base, r.CalcBlockMinerReward(10, 0))
	// One ommer adds base/32.
	assert.Equal(t, word256.FromUint64(33_000), r.CalcBlockMinerReward(10, 1))
	assert.Equal(t, word256.FromUint64(34_000), r.CalcBlockMinerReward(10, 2))

	// Ommer reward scales with distance: (8-d)/8 of base.
	assert.Equal(t, word256.FromUint64(28_000), r.CalcOmmerMinerReward(10, 9))
	assert.Equal(t, word256.FromUint64(4_000), r.CalcOmmerMinerReward(10, 3))
	assert.True(t, r.CalcOmmerMinerReward(10, 1).IsZero())
	assert.True(t, r.CalcOmmerMinerReward(10, 10).IsZero())
}

func poaSetup(t *testing.T) (*PoA, *types.Block, func(header *types.BlockHeader) *types.BlockHeader, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	p, err := NewPoA(&config.ChainConfig{
		Consensus:   config.ConsensusPoA,
		BlockReward: word256.FromUint64(1),
		PoA:         &config.PoAConfig{Period: 5, Signers: []common.Address{signer}},
	})
	require.NoError(t, err)

	genesis := testBlock(nil, 100)

	seal := func(header *types.BlockHeader) *types.BlockHeader {
		header.ExtraData = make([]byte, ExtraVanity+ExtraSeal)
		hash := SealHash(header)
		sig, err := crypto.Sign(hash[:], key)
		require.NoError(t, err)
		copy(header.ExtraData[ExtraVanity:], sig)
		return header
	}
	return p, genesis, seal, signer
}

func TestPoAAcceptsSealedBlock(t *testing.T) {
	p, genesis, seal, signer := poaSetup(t)

	header := &types.BlockHeader{
		ParentHash: genesis.Hash(),
		Number:     1,
		GasLimit:   8_000_000,
		Timestamp:  genesis.Header.Timestamp + 5,
		Difficulty: p.Difficulty(1, signer),
	}
	body := &types.BlockBody{}
	header.OmmersHash = body.OmmersHash()
	header.TxRoot = body.TxRoot()
	block := types.NewBlock(seal(header), body)

	require.NoError(t, p.SemanticValidate(genesis.Header, block))

	recovered, err := p.RecoverSigner(block.Header)
	require.NoError(t, err)
	assert.Equal(t, signer, recovered)
}

func TestPoARejectsEarlyBlock(t *testing.T) {
	p, genesis, seal, signer := poaSetup(t)

	header := &types.BlockHeader{
		ParentHash: genesis.Hash(),
		Number:     1,
		GasLimit:   8_000_000,
		Timestamp:  genesis.Header.Timestamp + 4,
		Difficulty: p.Difficulty(1, signer),
	}
	body := &types.BlockBody{}
	header.OmmersHash = body.OmmersHash()
	header.TxRoot = body.TxRoot()
	block := types.NewBlock(seal(header), body)

	err := p.SemanticValidate(genesis.Header, block)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealed too early")
}

func TestPoARejectsUnauthorizedSigner(t *testing.T) {
	p, genesis, _, _ := poaSetup(t)

	outsider, err := crypto.GenerateKey()
	require.NoError(t, err)

	header := &types.BlockHeader{
		ParentHash: genesis.Hash(),
		Number:     1,
		GasLimit:   8_000_000,
		Timestamp:  genesis.Header.Timestamp + 5,
		Difficulty: word256.FromUint64(2),
	}
	body := &types.BlockBody{}
	header.OmmersHash = body.OmmersHash()
	header.TxRoot = body.TxRoot()
	header.ExtraData = make([]byte, ExtraVanity+ExtraSeal)
	hash := SealHash(header)
	sig, err := crypto.Sign(hash[:], outsider)
	require.NoError(t, err)
	copy(header.ExtraData[ExtraVanity:], sig)
	block := types.NewBlock(header, body)

	err = p.SemanticValidate(genesis.Header, block)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized signer")
}

func TestPoARejectsWrongDifficulty(t *testing.T) {
	p, genesis, seal, _ := poaSetup(t)

	header := &types.BlockHeader{
		ParentHash: genesis.Hash(),
		Number:     1,
		GasLimit:   8_000_000,
		Timestamp:  genesis.Header.Timestamp + 5,
		// The single signer is always in turn; claim out-of-turn anyway.
		Difficulty: word256.FromUint64(1),
	}
	body := &types.BlockBody{}
	header.OmmersHash = body.OmmersHash()
	header.TxRoot = body.TxRoot()
	block := types.NewBlock(seal(header), body)

	err := p.SemanticValidate(genesis.Header, block)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong difficulty")
}

func TestPoARejectsMalformedExtraData(t *testing.T) {
	p, genesis, _, _ := poaSetup(t)

	header := &types.BlockHeader{
		ParentHash: genesis.Hash(),
		Number:     1,
		GasLimit:   8_000_000,
		Timestamp:  genesis.Header.Timestamp + 5,
		Difficulty: word256.FromUint64(2),
		ExtraData:  []byte("short"),
	}
	body := &types.BlockBody{}
	header.OmmersHash = body.OmmersHash()
	header.TxRoot = body.TxRoot()
	block := types.NewBlock(header, body)

	err := p.SemanticValidate(genesis.Header, block)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extra data")
}

func TestPoADifficultyRotation(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	p, err := NewPoA(&config.ChainConfig{
		Consensus:   config.ConsensusPoA,
		BlockReward: word256.FromUint64(1),
		PoA:         &config.PoAConfig{Period: 1, Signers: []common.Address{a, b}},
	})
	require.NoError(t, err)

	assert.Equal(t, word256.FromUint64(2), p.Difficulty(0, a))
	assert.Equal(t, word256.FromUint64(1), p.Difficulty(0, b))
	assert.Equal(t, word256.FromUint64(1), p.Difficulty(1, a))
	assert.Equal(t, word256.FromUint64(2), p.Difficulty(1, b))
	// An outsider is never in turn.
	assert.Equal(t, word256.FromUint64(1), p.Difficulty(0, common.HexToAddress("0x03")))
}
