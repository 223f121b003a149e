package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/sunlidong/iotchain/word256"
)

var (
	ErrInvalidSignature = errors.New("invalid transaction signature")
)

// SignedTransaction is immutable once constructed. The sender address is not
// stored on the wire: it is recovered from the signature (chain-id aware from
// the configured fork block onward) and cached.
type SignedTransaction struct {
	Nonce    uint64
	GasPrice word256.Word256
	GasLimit uint64
	To       *common.Address `rlp:"nil"`
	Value    word256.Word256
	Payload  []byte

	// Signature values.
	V uint64
	R word256.Word256
	S word256.Word256

	from *common.Address `rlp:"-"`
}

// NewTransaction builds an unsigned transaction; To is nil for contract
// creation.
func NewTransaction(nonce uint64, gasPrice word256.Word256, gasLimit uint64, to *common.Address, value word256.Word256, payload []byte) *SignedTransaction {
	return &SignedTransaction{
		Nonce:    nonce,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		To:       to,
		Value:    value,
		Payload:  append([]byte(nil), payload...),
	}
}

// ContractCreation reports whether the transaction creates a contract.
func (tx *SignedTransaction) ContractCreation() bool {
	return tx.To == nil
}

// Hash returns the Keccak-256 hash of the full RLP-encoded transaction.
func (tx *SignedTransaction) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// UpfrontCost is gasLimit * gasPrice + value, the amount debited from the
// sender before execution.
func (tx *SignedTransaction) UpfrontCost() word256.Word256 {
	return word256.FromUint64(tx.GasLimit).Mul(tx.GasPrice).Add(tx.Value)
}

// Protected reports whether the signature commits to a chain id (EIP-155).
func (tx *SignedTransaction) Protected() bool {
	return tx.V != 27 && tx.V != 28
}

// ChainID returns the chain id the signature commits to, 0 for unprotected
// transactions.
func (tx *SignedTransaction) ChainID() uint64 {
	if !tx.Protected() {
		return 0
	}
	return (tx.V - 35) / 2
}

// sigHash is the message the signature covers. Protected transactions fold
// the chain id into the hash per EIP-155.
func (tx *SignedTransaction) sigHash(chainID uint64, protected bool) common.Hash {
	var enc []byte
	var err error
	if protected {
		enc, err = rlp.EncodeToBytes([]interface{}{
			tx.Nonce, tx.GasPrice, tx.GasLimit, tx.To, tx.Value, tx.Payload,
			chainID, uint64(0), uint64(0),
		})
	} else {
		enc, err = rlp.EncodeToBytes([]interface{}{
			tx.Nonce, tx.GasPrice, tx.GasLimit, tx.To, tx.Value, tx.Payload,
		})
	}
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// Sender recovers the sending address from the signature and caches it.
func (tx *SignedTransaction) Sender() (common.Address, error) {
	if tx.from != nil {
		return *tx.from, nil
	}

	var recID byte
	var hash common.Hash
	if tx.Protected() {
		if tx.V < 35 {
			return common.Address{}, fmt.Errorf("%w: v=%d", ErrInvalidSignature, tx.V)
		}
		chainID := tx.ChainID()
		recID = byte(tx.V - 35 - 2*chainID)
		hash = tx.sigHash(chainID, true)
	} else {
		recID = byte(tx.V - 27)
		hash = tx.sigHash(0, false)
	}
	if recID > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, recID)
	}
	if !crypto.ValidateSignatureValues(recID, tx.R.ToBig(), tx.S.ToBig(), true) {
		return common.Address{}, fmt.Errorf("%w: r/s out of range", ErrInvalidSignature)
	}

	sig := make([]byte, crypto.SignatureLength)
	r, s := tx.R.Bytes32(), tx.S.Bytes32()
	copy(sig[0:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = recID

	pub, err := crypto.Ecrecover(hash[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var addr common.Address
	copy(addr[:], crypto.Keccak256(pub[1:])[12:])
	tx.from = &addr
	return addr, nil
}

// SignTx signs the transaction with key. When chainID is non-zero the
// signature is replay-protected per EIP-155; pass zero for the pre-fork
// scheme.
func SignTx(tx *SignedTransaction, key *ecdsa.PrivateKey, chainID uint64) (*SignedTransaction, error) {
	protected := chainID != 0
	hash := tx.sigHash(chainID, protected)
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return nil, err
	}

	signed := *tx
	signed.R = word256.MustFromBytes(sig[0:32])
	signed.S = word256.MustFromBytes(sig[32:64])
	if protected {
		signed.V = uint64(sig[64]) + 35 + 2*chainID
	} else {
		signed.V = uint64(sig[64]) + 27
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	signed.from = &addr
	return &signed, nil
}
