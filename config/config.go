// Package config holds the chain specification: chain identity, fork
// schedule, consensus selection and the per-fork VM fee schedule. A node
// loads one chain spec at startup; nothing here changes at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sunlidong/iotchain/word256"
)

// ConsensusKind selects the consensus policy. The set is closed: a deployment
// picks one variant in its chain spec, never per block.
type ConsensusKind string

const (
	ConsensusPoA    ConsensusKind = "poa"
	ConsensusDevnet ConsensusKind = "devnet"
)

// PoAConfig parameterizes the proof-of-authority rotation scheme.
type PoAConfig struct {
	// Period is the minimum number of seconds between consecutive blocks.
	Period uint64 `json:"period"`
	// Signers is the fixed authority set, in rotation order.
	Signers []common.Address `json:"signers"`
}

// ChainConfig is the decoded chain spec.
type ChainConfig struct {
	ChainID    uint64 `json:"chainId"`
	StartNonce uint64 `json:"startNonce"`

	// Fork block numbers. A zero value activates the rule from genesis.
	HomesteadBlock      uint64 `json:"homesteadBlock"`
	EIP155Block         uint64 `json:"eip155Block"`
	EIP161Block         uint64 `json:"eip161Block"`
	MaxCodeSizeBlock    uint64 `json:"maxCodeSizeBlock"`

	// BlockReward is the base miner reward in wei, decimal string in JSON.
	BlockReward word256.Word256 `json:"-"`

	Consensus ConsensusKind `json:"consensus"`
	PoA       *PoAConfig    `json:"poa,omitempty"`

	Genesis *Genesis `json:"genesis,omitempty"`
}

// chainConfigJSON carries the string-typed fields that need parsing.
type chainConfigJSON struct {
	ChainConfig
	BlockRewardStr string `json:"blockReward"`
}

// LoadChainConfig reads and validates a JSON chain spec file.
func LoadChainConfig(path string) (*ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain spec %s: %w", path, err)
	}
	return ParseChainConfig(data)
}

// ParseChainConfig decodes a JSON chain spec.
func ParseChainConfig(data []byte) (*ChainConfig, error) {
	var raw chainConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode chain spec: %w", err)
	}
	cfg := raw.ChainConfig
	if raw.BlockRewardStr != "" {
		v, ok := new(big.Int).SetString(raw.BlockRewardStr, 10)
		if !ok {
			return nil, fmt.Errorf("decode chain spec: bad blockReward %q", raw.BlockRewardStr)
		}
		reward, overflow := word256.FromBig(v)
		if overflow {
			return nil, fmt.Errorf("decode chain spec: blockReward overflows 256 bits")
		}
		cfg.BlockReward = reward
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the chain spec is internally consistent.
func (c *ChainConfig) Validate() error {
	switch c.Consensus {
	case ConsensusPoA:
		if c.PoA == nil || len(c.PoA.Signers) == 0 {
			return fmt.Errorf("chain spec: poa consensus requires at least one signer")
		}
	case ConsensusDevnet, "":
	default:
		return fmt.Errorf("chain spec: unknown consensus %q", c.Consensus)
	}
	return nil
}

// IsHomestead reports whether the homestead gas rules are active at number.
func (c *ChainConfig) IsHomestead(number uint64) bool {
	return number >= c.HomesteadBlock
}

// IsEIP155 reports whether replay-protected signatures are required at number.
func (c *ChainConfig) IsEIP155(number uint64) bool {
	return number >= c.EIP155Block
}

// IsEIP161 reports whether empty touched accounts are pruned at number.
func (c *ChainConfig) IsEIP161(number uint64) bool {
	return number >= c.EIP161Block
}

// SignerChainID returns the chain id transactions must commit to at the given
// block number, or zero when unprotected signatures are still accepted.
func (c *ChainConfig) SignerChainID(number uint64) uint64 {
	if c.IsEIP155(number) {
		return c.ChainID
	}
	return 0
}

// TestChainConfig is the fixture used across package tests: every fork active
// from genesis, devnet consensus, a small round block reward.
func TestChainConfig() *ChainConfig {
	return &ChainConfig{
		ChainID:     1107,
		StartNonce:  0,
		BlockReward: word256.FromUint64(5_000_000_000_000_000_000),
		Consensus:   ConsensusDevnet,
	}
}
