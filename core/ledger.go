package core

// ledger.go – per-shard chain state over the embedded store: accounts,
// blocks by hash and height, the latest pointer and the transaction index.
// Block commits are a single storage batch so a failed apply leaves the
// chain head untouched.

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ledger binds a shard's partition of state to the shared store.
type Ledger struct {
	store      *Store
	shard      ShardID
	shardCount uint32

	mu sync.RWMutex
}

// NewLedger wires a shard ledger. The store is shared between shards; key
// scoping keeps partitions disjoint.
func NewLedger(store *Store, shard ShardID, shardCount uint32) *Ledger {
	if shardCount == 0 {
		shardCount = 1
	}
	return &Ledger{store: store, shard: shard, shardCount: shardCount}
}

//---------------------------------------------------------------------
// Keys
//---------------------------------------------------------------------

func walletKey(addr Address) []byte {
	return []byte(NSWallet + addr.Hex())
}

func blockKey(h Hash) []byte {
	return []byte(NSBlock + h.Hex())
}

// heightKey scopes the height index by shard so parallel shard chains
// never collide: height:{shard_be}{height_be}.
func heightKey(shard ShardID, height uint64) []byte {
	buf := make([]byte, 0, len(NSHeight)+12)
	buf = append(buf, NSHeight...)
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], uint32(shard))
	buf = append(buf, s[:]...)
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], height)
	return append(buf, h[:]...)
}

func latestKey(shard ShardID) []byte {
	buf := []byte(KeyLatest)
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], uint32(shard))
	return append(buf, s[:]...)
}

func txKey(h Hash) []byte {
	return []byte(NSTxIndex + h.Hex())
}

//---------------------------------------------------------------------
// Accounts
//---------------------------------------------------------------------

// GetAccount loads an account; unknown addresses return the zero account
// (created on first credit, never destroyed).
func (l *Ledger) GetAccount(addr Address) (Account, error) {
	raw, err := l.store.Get(walletKey(addr))
	if err == ErrKeyNotFound {
		return Account{}, nil
	}
	if err != nil {
		return Account{}, err
	}
	var acct Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return Account{}, WrapErr(KindStorage, "decode account", err)
	}
	return acct, nil
}

// accountOp serialises an account mutation into a batch op.
func accountOp(addr Address, acct Account) (BatchOp, error) {
	raw, err := json.Marshal(acct)
	if err != nil {
		return BatchOp{}, WrapErr(KindStorage, "encode account", err)
	}
	return BatchOp{Key: walletKey(addr), Value: raw}, nil
}

// Credit adds to a balance immediately (non-block path: genesis load,
// reward withdrawal).
func (l *Ledger) Credit(addr Address, amt Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, err := l.GetAccount(addr)
	if err != nil {
		return err
	}
	acct.Balance, err = acct.Balance.Add(amt)
	if err != nil {
		return err
	}
	op, err := accountOp(addr, acct)
	if err != nil {
		return err
	}
	return l.store.Batch([]BatchOp{op})
}

// Debit removes from a balance or fails with ErrInsufficientBalance.
func (l *Ledger) Debit(addr Address, amt Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, err := l.GetAccount(addr)
	if err != nil {
		return err
	}
	acct.Balance, err = acct.Balance.Sub(amt)
	if err != nil {
		return err
	}
	op, err := accountOp(addr, acct)
	if err != nil {
		return err
	}
	return l.store.Batch([]BatchOp{op})
}

// BalanceOf is a read-only balance probe.
func (l *Ledger) BalanceOf(addr Address) (Amount, error) {
	acct, err := l.GetAccount(addr)
	if err != nil {
		return Amount{}, err
	}
	return acct.Balance, nil
}

// NonceOf returns the next expected nonce for the address.
func (l *Ledger) NonceOf(addr Address) (uint64, error) {
	acct, err := l.GetAccount(addr)
	if err != nil {
		return 0, err
	}
	return acct.Nonce, nil
}

//---------------------------------------------------------------------
// Blocks
//---------------------------------------------------------------------

// LatestHeight returns the shard's finalized height; ok is false before
// genesis is applied.
func (l *Ledger) LatestHeight() (uint64, bool) {
	raw, err := l.store.Get(latestKey(l.shard))
	if err != nil || len(raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

// LatestBlock loads the head block.
func (l *Ledger) LatestBlock() (*Block, error) {
	h, ok := l.LatestHeight()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return l.BlockByHeight(h)
}

// BlockByHash fetches a block by its hash.
func (l *Ledger) BlockByHash(h Hash) (*Block, error) {
	raw, err := l.store.Get(blockKey(h))
	if err != nil {
		return nil, err
	}
	var blk Block
	if err := json.Unmarshal(raw, &blk); err != nil {
		return nil, WrapErr(KindStorage, "decode block", err)
	}
	return &blk, nil
}

// BlockByHeight resolves height -> hash -> block.
func (l *Ledger) BlockByHeight(height uint64) (*Block, error) {
	raw, err := l.store.Get(heightKey(l.shard, height))
	if err != nil {
		return nil, err
	}
	var h Hash
	copy(h[:], raw)
	return l.BlockByHash(h)
}

// HasBlock reports presence by hash.
func (l *Ledger) HasBlock(h Hash) bool {
	ok, _ := l.store.Has(blockKey(h))
	return ok
}

// CommitBlock applies a validated block: account mutations, the block
// record, the height index, the latest pointer and the tx index land in
// one atomic batch. extraOps lets callers piggyback same-batch writes
// (cross-shard WAL mirrors, supply updates).
func (l *Ledger) CommitBlock(blk *Block, extraOps []BatchOp) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ops := make([]BatchOp, 0, len(blk.Transactions)*2+4+len(extraOps))

	// Stage account mutations against an overlay so multiple txs touching
	// one address inside the block observe each other.
	overlay := make(map[Address]Account)
	load := func(addr Address) (Account, error) {
		if acct, ok := overlay[addr]; ok {
			return acct, nil
		}
		return l.GetAccount(addr)
	}
	for _, tx := range blk.Transactions {
		from, err := load(tx.From)
		if err != nil {
			return err
		}
		if from.Nonce != tx.Nonce {
			return ErrBadNonce
		}
		from.Balance, err = from.Balance.Sub(tx.Amount)
		if err != nil {
			return err
		}
		from.Nonce++
		overlay[tx.From] = from

		// Cross-shard sends credit the destination via 2PC, not here.
		if ShardOfAddress(tx.To, l.shardCount) == l.shard {
			to, err := load(tx.To)
			if err != nil {
				return err
			}
			to.Balance, err = to.Balance.Add(tx.Amount)
			if err != nil {
				return err
			}
			overlay[tx.To] = to
		}

		txRaw, err := json.Marshal(tx)
		if err != nil {
			return WrapErr(KindStorage, "encode tx", err)
		}
		ops = append(ops, BatchOp{Key: txKey(tx.TxHash()), Value: txRaw})
	}
	addrs := make([]Address, 0, len(overlay))
	for addr := range overlay {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrLess(addrs[i], addrs[j]) })
	for _, addr := range addrs {
		op, err := accountOp(addr, overlay[addr])
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	blkRaw, err := json.Marshal(blk)
	if err != nil {
		return WrapErr(KindStorage, "encode block", err)
	}
	h := blk.Hash()
	ops = append(ops, BatchOp{Key: blockKey(h), Value: blkRaw})
	ops = append(ops, BatchOp{Key: heightKey(l.shard, blk.Header.Index), Value: h[:]})
	var latest [8]byte
	binary.BigEndian.PutUint64(latest[:], blk.Header.Index)
	ops = append(ops, BatchOp{Key: latestKey(l.shard), Value: latest[:]})
	ops = append(ops, extraOps...)

	if err := l.store.Batch(ops); err != nil {
		return fmt.Errorf("commit block %d: %w", blk.Header.Index, err)
	}
	l.store.TrackAppliedBlock()
	logrus.WithFields(logrus.Fields{
		"shard":  l.shard,
		"height": blk.Header.Index,
		"txs":    len(blk.Transactions),
	}).Info("block committed")
	return nil
}

// TransactionByHash looks up an indexed transaction.
func (l *Ledger) TransactionByHash(h Hash) (*Transaction, error) {
	raw, err := l.store.Get(txKey(h))
	if err != nil {
		return nil, err
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, WrapErr(KindStorage, "decode tx", err)
	}
	return &tx, nil
}

// StateRoot hashes the shard's wallet partition deterministically: keys in
// lexicographic order, key || account bytes through SHA-256. Wallet keys
// are not shard-prefixed, so the scan filters to addresses this shard
// owns. Used as the cross-shard from_proof/to_proof.
func (l *Ledger) StateRoot() (Hash, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	it := l.store.Scan([]byte(NSWallet))
	defer it.Close()

	var leaves []Hash
	for it.Next() {
		raw, err := hex.DecodeString(string(it.Key()[len(NSWallet):]))
		if err != nil || len(raw) != 20 {
			return Hash{}, ErrCorruptRecord
		}
		var addr Address
		copy(addr[:], raw)
		if ShardOfAddress(addr, l.shardCount) != l.shard {
			continue
		}
		buf := append(append([]byte(nil), it.Key()...), it.Value()...)
		leaves = append(leaves, SHA256(buf))
	}
	if err := it.Error(); err != nil {
		return Hash{}, err
	}
	return NewMerkleTree(leaves).Root, nil
}
