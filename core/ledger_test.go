package core

import (
	"testing"
	"time"
)

//-------------------------------------------------------------
// Single-shard transfer (scenario: genesis A -> B, nonce bump)
//-------------------------------------------------------------

func TestCommitBlockTransfersAndNonces(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store, 1)

	a := newTestAccount(t)
	b := newTestAccount(t)
	applyTestGenesis(t, engine, map[Address]Amount{
		a.addr: DisplayToAtomic(1_000_000),
	})

	shard, _ := engine.Shard(0)
	led := shard.Ledger()
	now := time.Now()

	tx := signedTransfer(t, a, b.addr, DisplayToAtomic(100), 0, now)
	prev, _ := led.LatestBlock()
	blk := &Block{
		Header: BlockHeader{
			Index:     1,
			PrevHash:  prev.Hash(),
			Timestamp: NextBlockTimestamp(now, prev.Header.Timestamp),
			ShardID:   0,
			TxRoot:    TxMerkleRoot([]*Transaction{tx}),
		},
		Transactions: []*Transaction{tx},
	}
	if err := led.CommitBlock(blk, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	balA, _ := led.BalanceOf(a.addr)
	balB, _ := led.BalanceOf(b.addr)
	if balA.Cmp(DisplayToAtomic(999_900)) != 0 {
		t.Fatalf("A=%s want 999900 display", balA.String())
	}
	if balB.Cmp(DisplayToAtomic(100)) != 0 {
		t.Fatalf("B=%s want 100 display", balB.String())
	}
	nonce, _ := led.NonceOf(a.addr)
	if nonce != 1 {
		t.Fatalf("nonce=%d want 1", nonce)
	}

	// Block is reachable by hash, height and the latest pointer.
	if got, err := led.BlockByHeight(1); err != nil || got.Hash() != blk.Hash() {
		t.Fatalf("height lookup: %v", err)
	}
	if !led.HasBlock(blk.Hash()) {
		t.Fatalf("hash lookup failed")
	}
	if h, ok := led.LatestHeight(); !ok || h != 1 {
		t.Fatalf("latest=%d ok=%v", h, ok)
	}
	// Tx index round-trips.
	if got, err := led.TransactionByHash(tx.TxHash()); err != nil || got.Nonce != 0 {
		t.Fatalf("tx index: %v", err)
	}
}

//-------------------------------------------------------------
// Bad nonce aborts the whole commit (chain head unchanged)
//-------------------------------------------------------------

func TestCommitBlockBadNonceAtomic(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store, 1)
	a := newTestAccount(t)
	b := newTestAccount(t)
	applyTestGenesis(t, engine, map[Address]Amount{a.addr: DisplayToAtomic(1_000)})

	shard, _ := engine.Shard(0)
	led := shard.Ledger()
	now := time.Now()
	bad := signedTransfer(t, a, b.addr, NewAmount(5), 7, now) // nonce gap

	prev, _ := led.LatestBlock()
	blk := &Block{
		Header: BlockHeader{
			Index:     1,
			PrevHash:  prev.Hash(),
			Timestamp: NextBlockTimestamp(now, prev.Header.Timestamp),
			TxRoot:    TxMerkleRoot([]*Transaction{bad}),
		},
		Transactions: []*Transaction{bad},
	}
	if err := led.CommitBlock(blk, nil); err != ErrBadNonce {
		t.Fatalf("expected ErrBadNonce, got %v", err)
	}
	if h, _ := led.LatestHeight(); h != 0 {
		t.Fatalf("chain head moved to %d", h)
	}
	bal, _ := led.BalanceOf(a.addr)
	if bal.Cmp(DisplayToAtomic(1_000)) != 0 {
		t.Fatalf("balance mutated: %s", bal.String())
	}
}

//-------------------------------------------------------------
// State root determinism
//-------------------------------------------------------------

func TestStateRootDeterministic(t *testing.T) {
	storeA := newTestStore(t)
	engineA := newTestEngine(t, storeA, 1)
	storeB := newTestStore(t)
	engineB := newTestEngine(t, storeB, 1)

	acct := newTestAccount(t)
	other := newTestAccount(t)

	// Same credits, different order.
	shardA, _ := engineA.Shard(0)
	_ = shardA.Ledger().Credit(acct.addr, NewAmount(1))
	_ = shardA.Ledger().Credit(other.addr, NewAmount(2))

	shardB, _ := engineB.Shard(0)
	_ = shardB.Ledger().Credit(other.addr, NewAmount(2))
	_ = shardB.Ledger().Credit(acct.addr, NewAmount(1))

	rootA, err := shardA.Ledger().StateRoot()
	if err != nil {
		t.Fatalf("rootA: %v", err)
	}
	rootB, err := shardB.Ledger().StateRoot()
	if err != nil {
		t.Fatalf("rootB: %v", err)
	}
	if rootA != rootB {
		t.Fatalf("state roots diverge")
	}
}
