package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/sunlidong/iotchain/word256"
)

var (
	// EmptyCodeHash is the Keccak-256 hash of empty code.
	EmptyCodeHash = crypto.Keccak256Hash(nil)
	// EmptyStorageRoot is the root committed for an account without storage.
	EmptyStorageRoot = crypto.Keccak256Hash(nil)
)

// Account is the value stored in the world state for each address. Accounts
// are never mutated in place: world-state operations replace the whole record.
type Account struct {
	Nonce       uint64
	Balance     word256.Word256
	StorageRoot common.Hash
	CodeHash    common.Hash
}

// NewAccount returns a fresh account with the configured start nonce, no
// balance, no storage and no code.
func NewAccount(startNonce uint64) Account {
	return Account{
		Nonce:       startNonce,
		StorageRoot: EmptyStorageRoot,
		CodeHash:    EmptyCodeHash,
	}
}

// IsEmpty reports whether the account matches the EIP-161 emptiness rule:
// start nonce, zero balance and no code.
func (a Account) IsEmpty(startNonce uint64) bool {
	return a.Nonce == startNonce && a.Balance.IsZero() && a.CodeHash == EmptyCodeHash
}

// HasCode reports whether the account carries contract code.
func (a Account) HasCode() bool {
	return a.CodeHash != EmptyCodeHash
}

// IncreaseNonce returns a copy with the nonce bumped by one.
func (a Account) IncreaseNonce() Account {
	a.Nonce++
	return a
}

// AddBalance returns a copy with value credited.
func (a Account) AddBalance(value word256.Word256) Account {
	a.Balance = a.Balance.Add(value)
	return a
}

// SubBalance returns a copy with value debited. The caller checks sufficiency.
func (a Account) SubBalance(value word256.Word256) Account {
	a.Balance = a.Balance.Sub(value)
	return a
}
