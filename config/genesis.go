package config

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sunlidong/iotchain/word256"
)

// Genesis describes block zero: header fields plus the initial balance
// allocation.
type Genesis struct {
	Difficulty word256.Word256 `json:"-"`
	GasLimit   uint64          `json:"gasLimit"`
	Timestamp  uint64          `json:"timestamp"`
	ExtraData  []byte          `json:"-"`
	Beneficiary common.Address `json:"beneficiary"`

	// Alloc maps addresses to initial balances.
	Alloc map[common.Address]word256.Word256 `json:"-"`
}

type genesisJSON struct {
	DifficultyStr string            `json:"difficulty"`
	GasLimit      uint64            `json:"gasLimit"`
	Timestamp     uint64            `json:"timestamp"`
	ExtraDataHex  string            `json:"extraData"`
	Beneficiary   common.Address    `json:"beneficiary"`
	Alloc         map[string]string `json:"alloc"`
}

// UnmarshalJSON parses the string-typed balance and difficulty fields.
func (g *Genesis) UnmarshalJSON(data []byte) error {
	var raw genesisJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.GasLimit = raw.GasLimit
	g.Timestamp = raw.Timestamp
	g.Beneficiary = raw.Beneficiary
	if raw.ExtraDataHex != "" {
		g.ExtraData = common.FromHex(raw.ExtraDataHex)
	}
	if raw.DifficultyStr != "" {
		d, err := parseDecimalWord(raw.DifficultyStr)
		if err != nil {
			return fmt.Errorf("genesis difficulty: %w", err)
		}
		g.Difficulty = d
	}
	g.Alloc = make(map[common.Address]word256.Word256, len(raw.Alloc))
	for addrHex, balanceStr := range raw.Alloc {
		balance, err := parseDecimalWord(balanceStr)
		if err != nil {
			return fmt.Errorf("genesis alloc %s: %w", addrHex, err)
		}
		g.Alloc[common.HexToAddress(addrHex)] = balance
	}
	return nil
}

func parseDecimalWord(s string) (word256.Word256, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return word256.Zero, fmt.Errorf("bad decimal %q", s)
	}
	w, overflow := word256.FromBig(v)
	if overflow {
		return word256.Zero, fmt.Errorf("%q overflows 256 bits", s)
	}
	return w, nil
}
