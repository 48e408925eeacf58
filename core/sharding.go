package core

// sharding.go – horizontal ledger partitioning.
//
// * Static account-based sharding: shard_id(addr) = BE(addr[0:4]) mod
//   shard_count (default 16, ceiling 8000). Changing the count is a
//   stop-the-world migration outside the hot path.
// * Each shard executes a totally-ordered subsequence of transactions
//   against its partition; application within a shard is single-writer.
// * Transfers that cross a shard boundary are debited in the source block
//   and handed to the ShardCoordinator (cross_shard.go) for 2PC.

import (
	"crypto/ed25519"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ShardOfAddress maps an address to its shard.
func ShardOfAddress(addr Address, shardCount uint32) ShardID {
	if shardCount == 0 {
		shardCount = 1
	}
	idx := binary.BigEndian.Uint32(addr[:4])
	return ShardID(idx % shardCount)
}

//---------------------------------------------------------------------
// Shard
//---------------------------------------------------------------------

// Shard owns one partition: its ledger view, its mempool and its chain
// head. All mutation happens on the owning apply task.
type Shard struct {
	ID     ShardID
	ledger *Ledger
	pool   *TxPool

	mu sync.Mutex
}

// NewShard wires a partition.
func NewShard(id ShardID, store *Store, shardCount uint32) *Shard {
	return &Shard{
		ID:     id,
		ledger: NewLedger(store, id, shardCount),
		pool:   NewTxPool(id, 0),
	}
}

// Ledger exposes the shard's state view.
func (s *Shard) Ledger() *Ledger { return s.ledger }

// Pool exposes the shard's mempool.
func (s *Shard) Pool() *TxPool { return s.pool }

// BuildBlock drains the mempool, orders deterministically, filters against
// live state (nonce, balance including in-block pending debits) and emits
// a signed block. Rejected transactions are returned with their errors;
// they never stall the block.
func (s *Shard) BuildBlock(proposer Address, priv ed25519.PrivateKey, now time.Time) (*Block, []RejectedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.ledger.LatestBlock()
	if err != nil {
		return nil, nil, WrapErr(KindShard, "no chain head", err)
	}

	candidates := s.pool.Drain()
	var (
		accepted []*Transaction
		rejected []RejectedTx
	)
	nonces := make(map[Address]uint64)
	balances := make(map[Address]Amount)
	load := func(addr Address) (uint64, Amount, error) {
		if n, ok := nonces[addr]; ok {
			return n, balances[addr], nil
		}
		acct, err := s.ledger.GetAccount(addr)
		if err != nil {
			return 0, Amount{}, err
		}
		nonces[addr] = acct.Nonce
		balances[addr] = acct.Balance
		return acct.Nonce, acct.Balance, nil
	}

	for _, tx := range candidates {
		if err := tx.VerifyStateless(now); err != nil {
			rejected = append(rejected, RejectedTx{Tx: tx, Err: err})
			continue
		}
		nonce, bal, err := load(tx.From)
		if err != nil {
			return nil, nil, err
		}
		if tx.Nonce != nonce {
			rejected = append(rejected, RejectedTx{Tx: tx, Err: ErrBadNonce})
			continue
		}
		next, err := bal.Sub(tx.Amount)
		if err != nil {
			rejected = append(rejected, RejectedTx{Tx: tx, Err: ErrInsufficientBalance})
			continue
		}
		nonces[tx.From] = nonce + 1
		balances[tx.From] = next
		accepted = append(accepted, tx)
	}

	blk := &Block{
		Header: BlockHeader{
			Index:     prev.Header.Index + 1,
			PrevHash:  prev.Hash(),
			Timestamp: NextBlockTimestamp(now, prev.Header.Timestamp),
			Proposer:  proposer,
			ShardID:   s.ID,
			TxRoot:    TxMerkleRoot(accepted),
		},
		Transactions: accepted,
	}
	blk.SignBlock(priv)
	return blk, rejected, nil
}

// ApplyBlock validates a block against the shard head and commits it.
func (s *Shard) ApplyBlock(blk *Block, extraOps []BatchOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.ledger.LatestBlock()
	if err != nil {
		return WrapErr(KindShard, "no chain head", err)
	}
	if err := blk.ValidateAgainstPrev(prev); err != nil {
		return err
	}
	return s.ledger.CommitBlock(blk, extraOps)
}

// RejectedTx pairs a dropped transaction with its reason.
type RejectedTx struct {
	Tx  *Transaction
	Err error
}

//---------------------------------------------------------------------
// ShardEngine
//---------------------------------------------------------------------

// ShardEngine owns the full shard set and routes work to partitions.
// Cross-shard atomicity is delegated to the coordinator.
type ShardEngine struct {
	shardCount  uint32
	shards      []*Shard
	coordinator *ShardCoordinator

	mu sync.RWMutex
}

// NewShardEngine builds shard_count partitions over the shared store.
func NewShardEngine(store *Store, shardCount uint32, walDir string) (*ShardEngine, error) {
	if shardCount == 0 {
		shardCount = DefaultShardCount
	}
	if shardCount > MaxShardCount {
		return nil, ErrShardOutOfRange
	}
	e := &ShardEngine{shardCount: shardCount}
	for i := uint32(0); i < shardCount; i++ {
		e.shards = append(e.shards, NewShard(ShardID(i), store, shardCount))
	}
	coord, err := NewShardCoordinator(e, walDir)
	if err != nil {
		return nil, err
	}
	e.coordinator = coord
	return e, nil
}

// ShardCount returns the partition count.
func (e *ShardEngine) ShardCount() uint32 { return e.shardCount }

// Shard returns a partition or ErrShardOutOfRange.
func (e *ShardEngine) Shard(id ShardID) (*Shard, error) {
	if uint32(id) >= e.shardCount {
		return nil, ErrShardOutOfRange
	}
	return e.shards[id], nil
}

// ShardFor resolves the partition owning an address.
func (e *ShardEngine) ShardFor(addr Address) *Shard {
	return e.shards[ShardOfAddress(addr, e.shardCount)]
}

// Coordinator exposes the 2PC coordinator.
func (e *ShardEngine) Coordinator() *ShardCoordinator { return e.coordinator }

// SubmitTx routes a transaction to its source shard's mempool.
func (e *ShardEngine) SubmitTx(tx *Transaction, now time.Time) error {
	return e.ShardFor(tx.From).Pool().Add(tx, now)
}

// CommitShardBlock applies a block to its shard and opens 2PC transfers
// for every transaction whose recipient lives on another shard. The debit
// is part of the committed block; the coordinator owns the rest of the
// transfer lifecycle.
func (e *ShardEngine) CommitShardBlock(blk *Block) error {
	shard, err := e.Shard(blk.Header.ShardID)
	if err != nil {
		return err
	}
	if err := shard.ApplyBlock(blk, nil); err != nil {
		return err
	}
	for _, tx := range blk.Transactions {
		toShard := ShardOfAddress(tx.To, e.shardCount)
		if toShard == blk.Header.ShardID {
			continue
		}
		xfer, err := e.coordinator.Begin(tx, blk.Header.ShardID, toShard, blk.Header.Index)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"from_shard": blk.Header.ShardID,
				"to_shard":   toShard,
				"tx":         tx.TxHash().Hex(),
			}).Errorf("cross-shard begin: %v", err)
			continue
		}
		if err := e.coordinator.Process(xfer.ID); err != nil {
			logrus.Warnf("cross-shard %s: %v", xfer.ID.Hex(), err)
		}
	}
	return nil
}

// ApplyParallel applies one block per shard concurrently; within a shard
// application stays sequential. The first error aborts the caller's round
// but never leaves a half-applied single block (per-block batches).
func (e *ShardEngine) ApplyParallel(blocks []*Block) error {
	errCh := make(chan error, len(blocks))
	var wg sync.WaitGroup
	for _, blk := range blocks {
		wg.Add(1)
		go func(b *Block) {
			defer wg.Done()
			errCh <- e.CommitShardBlock(b)
		}(blk)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
