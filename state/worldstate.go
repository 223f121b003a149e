// Package state implements the transactional world state: a value type
// mapping addresses to accounts and per-account storage, backed by a
// content-addressed node store. Every mutation returns a new WorldState;
// speculative execution is discarded by dropping the unpersisted value.
// Persisted is the only operation that touches durable storage.
package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/sunlidong/iotchain/types"
	"github.com/sunlidong/iotchain/word256"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance for transfer")
)

// NodeStore is the content-addressed persistence consumed by WorldState.
// storage.KVStore satisfies it.
type NodeStore interface {
	Get(key []byte) (value []byte, found bool, err error)
	Put(key, value []byte) error
}

// WorldState is a speculative view over the accounts reachable from a state
// root. Reads fall through the in-memory overlays to the persisted nodes;
// writes only touch the overlays until Persisted commits them and computes
// the new root.
type WorldState struct {
	db         NodeStore
	startNonce uint64

	root  common.Hash
	index map[common.Address]common.Hash // persisted account records by address

	accounts map[common.Address]types.Account              // pending account writes
	deleted  map[common.Address]bool                       // pending deletions
	storage  map[common.Address]map[common.Hash]word256.Word256 // pending storage writes
	code     map[common.Hash][]byte                        // pending code blobs
	touched  map[common.Address]bool                       // EIP-161 bookkeeping
}

type indexEntry struct {
	Addr        common.Address
	AccountHash common.Hash
}

type storageEntry struct {
	Key   common.Hash
	Value word256.Word256
}

// EmptyRoot is the root of a world state without any accounts.
var EmptyRoot = func() common.Hash {
	enc, _ := rlp.EncodeToBytes([]indexEntry{})
	return crypto.Keccak256Hash(enc)
}()

// New opens the world state at root. A zero or empty root yields an empty
// state.
func New(db NodeStore, startNonce uint64, root common.Hash) (WorldState, error) {
	ws := WorldState{
		db:         db,
		startNonce: startNonce,
		root:       root,
		index:      make(map[common.Address]common.Hash),
		accounts:   make(map[common.Address]types.Account),
		deleted:    make(map[common.Address]bool),
		storage:    make(map[common.Address]map[common.Hash]word256.Word256),
		code:       make(map[common.Hash][]byte),
		touched:    make(map[common.Address]bool),
	}
	if root == (common.Hash{}) || root == EmptyRoot {
		ws.root = EmptyRoot
		return ws, nil
	}
	enc, found, err := db.Get(root[:])
	if err != nil {
		return WorldState{}, fmt.Errorf("load state root %s: %w", root, err)
	}
	if !found {
		return WorldState{}, fmt.Errorf("load state root %s: node missing", root)
	}
	var entries []indexEntry
	if err := rlp.DecodeBytes(enc, &entries); err != nil {
		return WorldState{}, fmt.Errorf("decode state index %s: %w", root, err)
	}
	for _, e := range entries {
		ws.index[e.Addr] = e.AccountHash
	}
	return ws, nil
}

// Root returns the last persisted state root. Pending mutations are not
// reflected until Persisted.
func (ws WorldState) Root() common.Hash { return ws.root }

// StartNonce returns the configured nonce of fresh accounts.
func (ws WorldState) StartNonce() uint64 { return ws.startNonce }

// Overlay copy-on-write helpers. Mutating methods copy the maps they write so
// that the receiver value stays untouched.

func copyAccountMap(m map[common.Address]types.Account) map[common.Address]types.Account {
	out := make(map[common.Address]types.Account, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFlagMap(m map[common.Address]bool) map[common.Address]bool {
	out := make(map[common.Address]bool, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStorageMap(m map[common.Address]map[common.Hash]word256.Word256) map[common.Address]map[common.Hash]word256.Word256 {
	out := make(map[common.Address]map[common.Hash]word256.Word256, len(m)+1)
	for addr, kv := range m {
		inner := make(map[common.Hash]word256.Word256, len(kv))
		for k, v := range kv {
			inner[k] = v
		}
		out[addr] = inner
	}
	return out
}

func copyCodeMap(m map[common.Hash][]byte) map[common.Hash][]byte {
	out := make(map[common.Hash][]byte, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetAccountOpt returns the account and whether it exists.
func (ws WorldState) GetAccountOpt(addr common.Address) (types.Account, bool, error) {
	if ws.deleted[addr] {
		return types.Account{}, false, nil
	}
	if acc, ok := ws.accounts[addr]; ok {
		return acc, true, nil
	}
	accHash, ok := ws.index[addr]
	if !ok {
		return types.Account{}, false, nil
	}
	enc, found, err := ws.db.Get(accHash[:])
	if err != nil {
		return types.Account{}, false, fmt.Errorf("load account %s: %w", addr, err)
	}
	if !found {
		return types.Account{}, false, fmt.Errorf("load account %s: record %s missing", addr, accHash)
	}
	var acc types.Account
	if err := rlp.DecodeBytes(enc, &acc); err != nil {
		return types.Account{}, false, fmt.Errorf("decode account %s: %w", addr, err)
	}
	return acc, true, nil
}

// GetAccount fails with ErrAccountNotFound for a missing account.
func (ws WorldState) GetAccount(addr common.Address) (types.Account, error) {
	acc, ok, err := ws.GetAccountOpt(addr)
	if err != nil {
		return types.Account{}, err
	}
	if !ok {
		return types.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	return acc, nil
}

// GetGuaranteedAccount returns the account or a fresh default when absent.
func (ws WorldState) GetGuaranteedAccount(addr common.Address) (types.Account, error) {
	acc, ok, err := ws.GetAccountOpt(addr)
	if err != nil {
		return types.Account{}, err
	}
	if !ok {
		return types.NewAccount(ws.startNonce), nil
	}
	return acc, nil
}

// AccountExists reports whether addr resolves to an account.
func (ws WorldState) AccountExists(addr common.Address) (bool, error) {
	_, ok, err := ws.GetAccountOpt(addr)
	return ok, err
}

// PutAccount records the account in the overlay.
func (ws WorldState) PutAccount(addr common.Address, acc types.Account) WorldState {
	ws.accounts = copyAccountMap(ws.accounts)
	ws.accounts[addr] = acc
	if ws.deleted[addr] {
		ws.deleted = copyFlagMap(ws.deleted)
		delete(ws.deleted, addr)
	}
	return ws
}

// GetBalance returns the balance, zero for a missing account.
func (ws WorldState) GetBalance(addr common.Address) (word256.Word256, error) {
	acc, ok, err := ws.GetAccountOpt(addr)
	if err != nil || !ok {
		return word256.Zero, err
	}
	return acc.Balance, nil
}

// IsZeroValueTransferToNonExistentAccount special-cases a zero-value payment
// into an account that does not exist: it marks the target touched without
// creating it (the pruning pass then never sees a spurious empty account).
func (ws WorldState) IsZeroValueTransferToNonExistentAccount(addr common.Address, value word256.Word256) (bool, error) {
	if !value.IsZero() {
		return false, nil
	}
	exists, err := ws.AccountExists(addr)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// Transfer debits from and credits to. It fails with ErrInsufficientBalance
// when the debit would go negative. The touched set picks up both ends.
func (ws WorldState) Transfer(from, to common.Address, value word256.Word256) (WorldState, error) {
	fromAcc, err := ws.GetGuaranteedAccount(from)
	if err != nil {
		return ws, err
	}
	if fromAcc.Balance.Lt(value) {
		return ws, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from, fromAcc.Balance, value)
	}

	zeroToMissing, err := ws.IsZeroValueTransferToNonExistentAccount(to, value)
	if err != nil {
		return ws, err
	}
	if zeroToMissing {
		// No account is created, but the target counts as touched.
		return ws.TouchAccounts(to), nil
	}

	if from == to {
		return ws.TouchAccounts(from), nil
	}

	toAcc, err := ws.GetGuaranteedAccount(to)
	if err != nil {
		return ws, err
	}
	ws = ws.PutAccount(from, fromAcc.SubBalance(value))
	ws = ws.PutAccount(to, toAcc.AddBalance(value))
	return ws.TouchAccounts(from, to), nil
}

// CreateAddress derives the contract address for a creation by sender, from
// the sender's current nonce. The executor increments the nonce before
// execution, so the derivation uses nonce-1 of the already-bumped account,
// matching the convention that the address commits to the pre-transaction
// nonce.
func (ws WorldState) CreateAddress(sender common.Address) (common.Address, error) {
	acc, err := ws.GetGuaranteedAccount(sender)
	if err != nil {
		return common.Address{}, err
	}
	nonce := acc.Nonce
	if nonce > ws.startNonce {
		nonce--
	}
	enc, err := rlp.EncodeToBytes([]interface{}{sender, nonce})
	if err != nil {
		return common.Address{}, err
	}
	var addr common.Address
	copy(addr[:], crypto.Keccak256(enc)[12:])
	return addr, nil
}

// NonEmptyCodeOrNonceAccount reports an address collision: an account already
// carrying code or a used nonce cannot be the target of contract deployment.
func (ws WorldState) NonEmptyCodeOrNonceAccount(addr common.Address) (bool, error) {
	acc, ok, err := ws.GetAccountOpt(addr)
	if err != nil || !ok {
		return false, err
	}
	return acc.HasCode() || acc.Nonce != ws.startNonce, nil
}

// InitialiseAccount prepares addr for freshly deployed code: fresh nonce and
// empty storage, preserving any pre-existing balance.
func (ws WorldState) InitialiseAccount(addr common.Address) (WorldState, error) {
	balance := word256.Zero
	if acc, ok, err := ws.GetAccountOpt(addr); err != nil {
		return ws, err
	} else if ok {
		balance = acc.Balance
	}
	fresh := types.NewAccount(ws.startNonce).AddBalance(balance)
	ws = ws.PutAccount(addr, fresh)
	// Drop any pending storage writes for the address; the persisted
	// storage is orphaned by the fresh (empty) storage root.
	if _, ok := ws.storage[addr]; ok {
		ws.storage = copyStorageMap(ws.storage)
		delete(ws.storage, addr)
	}
	return ws, nil
}

// PutCode stores the code blob content-addressed and points the account at it.
func (ws WorldState) PutCode(addr common.Address, code []byte) (WorldState, error) {
	acc, err := ws.GetGuaranteedAccount(addr)
	if err != nil {
		return ws, err
	}
	if len(code) == 0 {
		acc.CodeHash = types.EmptyCodeHash
		return ws.PutAccount(addr, acc), nil
	}
	codeHash := crypto.Keccak256Hash(code)
	ws.code = copyCodeMap(ws.code)
	ws.code[codeHash] = append([]byte(nil), code...)
	acc.CodeHash = codeHash
	return ws.PutAccount(addr, acc), nil
}

// GetCode returns the account's code, empty for missing accounts or accounts
// without code.
func (ws WorldState) GetCode(addr common.Address) ([]byte, error) {
	acc, ok, err := ws.GetAccountOpt(addr)
	if err != nil || !ok {
		return nil, err
	}
	return ws.GetCodeByHash(acc.CodeHash)
}

// GetCodeByHash resolves a code hash against pending blobs, then the store.
func (ws WorldState) GetCodeByHash(codeHash common.Hash) ([]byte, error) {
	if codeHash == types.EmptyCodeHash {
		return nil, nil
	}
	if blob, ok := ws.code[codeHash]; ok {
		return blob, nil
	}
	blob, found, err := ws.db.Get(codeHash[:])
	if err != nil {
		return nil, fmt.Errorf("load code %s: %w", codeHash, err)
	}
	if !found {
		return nil, fmt.Errorf("load code %s: blob missing", codeHash)
	}
	return blob, nil
}

// GetStorage reads one storage slot, zero when unset.
func (ws WorldState) GetStorage(addr common.Address, key common.Hash) (word256.Word256, error) {
	if kv, ok := ws.storage[addr]; ok {
		if v, ok := kv[key]; ok {
			return v, nil
		}
	}
	acc, ok, err := ws.GetAccountOpt(addr)
	if err != nil || !ok {
		return word256.Zero, err
	}
	node, err := ws.loadStorageNode(acc.StorageRoot)
	if err != nil {
		return word256.Zero, err
	}
	return node[key], nil
}

// PutStorage writes one storage slot into the overlay. Writing zero clears
// the slot at persist time.
func (ws WorldState) PutStorage(addr common.Address, key common.Hash, value word256.Word256) WorldState {
	ws.storage = copyStorageMap(ws.storage)
	kv, ok := ws.storage[addr]
	if !ok {
		kv = make(map[common.Hash]word256.Word256)
		ws.storage[addr] = kv
	}
	kv[key] = value
	return ws
}

// DeleteAccount removes the account (self-destruct, empty-account pruning).
func (ws WorldState) DeleteAccount(addr common.Address) WorldState {
	ws.deleted = copyFlagMap(ws.deleted)
	ws.deleted[addr] = true
	ws.accounts = copyAccountMap(ws.accounts)
	delete(ws.accounts, addr)
	ws.storage = copyStorageMap(ws.storage)
	delete(ws.storage, addr)
	return ws
}

// TouchAccounts records addresses for the post-execution empty-account sweep.
func (ws WorldState) TouchAccounts(addrs ...common.Address) WorldState {
	ws.touched = copyFlagMap(ws.touched)
	for _, a := range addrs {
		ws.touched[a] = true
	}
	return ws
}

// TouchedAccounts returns the touched set in deterministic order.
func (ws WorldState) TouchedAccounts() []common.Address {
	out := make([]common.Address, 0, len(ws.touched))
	for a := range ws.touched {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

// ClearTouchedAccounts resets the touched set, done at the start of each block.
func (ws WorldState) ClearTouchedAccounts() WorldState {
	ws.touched = make(map[common.Address]bool)
	return ws
}

func (ws WorldState) loadStorageNode(root common.Hash) (map[common.Hash]word256.Word256, error) {
	out := make(map[common.Hash]word256.Word256)
	if root == types.EmptyStorageRoot || root == (common.Hash{}) {
		return out, nil
	}
	enc, found, err := ws.db.Get(root[:])
	if err != nil {
		return nil, fmt.Errorf("load storage node %s: %w", root, err)
	}
	if !found {
		return nil, fmt.Errorf("load storage node %s: missing", root)
	}
	var entries []storageEntry
	if err := rlp.DecodeBytes(enc, &entries); err != nil {
		return nil, fmt.Errorf("decode storage node %s: %w", root, err)
	}
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out, nil
}

// Persisted commits all pending mutations to the node store and returns the
// state at the newly computed root. Unchanged account records keep their
// content hash, so the persisted nodes are shared structurally between roots.
func (ws WorldState) Persisted() (WorldState, error) {
	newIndex := make(map[common.Address]common.Hash, len(ws.index)+len(ws.accounts))
	for addr, h := range ws.index {
		newIndex[addr] = h
	}
	for addr := range ws.deleted {
		delete(newIndex, addr)
	}

	// Code blobs first: account records reference them by hash.
	for hash, blob := range ws.code {
		if err := ws.db.Put(hash[:], blob); err != nil {
			return ws, fmt.Errorf("persist code %s: %w", hash, err)
		}
	}

	// Addresses with storage writes but no account write still need their
	// record recomputed.
	dirty := make(map[common.Address]bool, len(ws.accounts)+len(ws.storage))
	for addr := range ws.accounts {
		dirty[addr] = true
	}
	for addr := range ws.storage {
		if !ws.deleted[addr] {
			dirty[addr] = true
		}
	}

	for addr := range dirty {
		acc, ok, err := ws.GetAccountOpt(addr)
		if err != nil {
			return ws, err
		}
		if !ok {
			// Storage write against a nonexistent account: account was
			// deleted after the write, nothing to persist.
			continue
		}

		if writes, hasWrites := ws.storage[addr]; hasWrites {
			node, err := ws.loadStorageNode(acc.StorageRoot)
			if err != nil {
				return ws, err
			}
			for k, v := range writes {
				if v.IsZero() {
					delete(node, k)
				} else {
					node[k] = v
				}
			}
			root, err := ws.persistStorageNode(node)
			if err != nil {
				return ws, err
			}
			acc.StorageRoot = root
		}

		enc, err := rlp.EncodeToBytes(&acc)
		if err != nil {
			return ws, fmt.Errorf("encode account %s: %w", addr, err)
		}
		accHash := crypto.Keccak256Hash(enc)
		if err := ws.db.Put(accHash[:], enc); err != nil {
			return ws, fmt.Errorf("persist account %s: %w", addr, err)
		}
		newIndex[addr] = accHash
	}

	entries := make([]indexEntry, 0, len(newIndex))
	for addr, h := range newIndex {
		entries = append(entries, indexEntry{Addr: addr, AccountHash: h})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Addr.Cmp(entries[j].Addr) < 0
	})
	enc, err := rlp.EncodeToBytes(entries)
	if err != nil {
		return ws, fmt.Errorf("encode state index: %w", err)
	}
	newRoot := crypto.Keccak256Hash(enc)
	if err := ws.db.Put(newRoot[:], enc); err != nil {
		return ws, fmt.Errorf("persist state index %s: %w", newRoot, err)
	}

	out := WorldState{
		db:         ws.db,
		startNonce: ws.startNonce,
		root:       newRoot,
		index:      newIndex,
		accounts:   make(map[common.Address]types.Account),
		deleted:    make(map[common.Address]bool),
		storage:    make(map[common.Address]map[common.Hash]word256.Word256),
		code:       make(map[common.Hash][]byte),
		touched:    ws.touched, // survives persists; cleared per block
	}
	return out, nil
}

func (ws WorldState) persistStorageNode(node map[common.Hash]word256.Word256) (common.Hash, error) {
	if len(node) == 0 {
		return types.EmptyStorageRoot, nil
	}
	entries := make([]storageEntry, 0, len(node))
	for k, v := range node {
		entries = append(entries, storageEntry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.Cmp(entries[j].Key) < 0
	})
	enc, err := rlp.EncodeToBytes(entries)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode storage node: %w", err)
	}
	root := crypto.Keccak256Hash(enc)
	if err := ws.db.Put(root[:], enc); err != nil {
		return common.Hash{}, fmt.Errorf("persist storage node %s: %w", root, err)
	}
	return root, nil
}
