package core

// txpool.go – per-shard mempool. Admission runs the stateless checks;
// nonce and balance are re-verified against live state by the shard apply
// loop, which also owns the deterministic ordering.

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TxPool holds pending transactions for one shard.
type TxPool struct {
	mu      sync.RWMutex
	shard   ShardID
	pending map[Hash]*Transaction

	// history is the bounded in-memory per-address tx-hash index; the
	// full history stays in storage.
	history map[Address][]Hash

	maxPending int
}

// NewTxPool builds a pool for the shard.
func NewTxPool(shard ShardID, maxPending int) *TxPool {
	if maxPending <= 0 {
		maxPending = 100_000
	}
	return &TxPool{
		shard:      shard,
		pending:    make(map[Hash]*Transaction),
		history:    make(map[Address][]Hash),
		maxPending: maxPending,
	}
}

// Add admits a transaction after stateless verification. Duplicates by
// hash are rejected.
func (p *TxPool) Add(tx *Transaction, now time.Time) error {
	if err := tx.VerifyStateless(now); err != nil {
		return err
	}
	h := tx.TxHash()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[h]; ok {
		return ErrDuplicateTx
	}
	if len(p.pending) >= p.maxPending {
		return ErrMempoolFull
	}
	p.pending[h] = tx
	p.recordHistory(tx.From, h)
	logrus.Debugf("txpool[%d]: admitted %s", p.shard, h.Hex())
	return nil
}

// Drain removes and returns every pending transaction in the consensus
// order (timestamp, from, nonce).
func (p *TxPool) Drain() []*Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Transaction, 0, len(p.pending))
	for _, tx := range p.pending {
		out = append(out, tx)
	}
	p.pending = make(map[Hash]*Transaction)
	SortTransactions(out)
	return out
}

// Pick returns up to max transactions in consensus order without removing
// them.
func (p *TxPool) Pick(max int) []*Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Transaction, 0, len(p.pending))
	for _, tx := range p.pending {
		out = append(out, tx)
	}
	SortTransactions(out)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Remove drops applied or rejected transactions.
func (p *TxPool) Remove(hashes []Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.pending, h)
	}
}

// Requeue returns transactions to the pool (failed block proposal).
func (p *TxPool) Requeue(txs []*Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range txs {
		p.pending[tx.TxHash()] = tx
	}
}

// Len reports the pending count.
func (p *TxPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// History returns the bounded recent tx hashes for an address, newest
// last.
func (p *TxPool) History(addr Address) []Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Hash(nil), p.history[addr]...)
}

// recordHistory appends and prunes oldest-first past MaxHistoryPerAddress.
// Callers hold the lock.
func (p *TxPool) recordHistory(addr Address, h Hash) {
	hist := append(p.history[addr], h)
	if len(hist) > MaxHistoryPerAddress {
		hist = hist[len(hist)-MaxHistoryPerAddress:]
	}
	p.history[addr] = hist
}
