package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTwoShards funds A on shard 0 and returns both accounts plus the
// engine rooted at a shared WAL dir.
func setupTwoShards(t *testing.T, walDir string) (*ShardEngine, testAccount, testAccount) {
	t.Helper()
	store := newTestStore(t)
	engine, err := NewShardEngine(store, 2, walDir)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	a := newAccountOnShard(t, 2, 0)
	b := newAccountOnShard(t, 2, 1)
	applyTestGenesis(t, engine, map[Address]Amount{a.addr: DisplayToAtomic(1_000)})
	return engine, a, b
}

//-------------------------------------------------------------
// Happy path: debit on shard 0, credit on shard 1, WAL Committed
//-------------------------------------------------------------

func TestCrossShardHappyPath(t *testing.T) {
	engine, a, b := setupTwoShards(t, filepath.Join(t.TempDir(), "commit-log"))
	proposer := newTestAccount(t)
	now := time.Now()

	tx := signedTransfer(t, a, b.addr, DisplayToAtomic(100), 0, now)
	src, _ := engine.Shard(0)
	if err := src.Pool().Add(tx, now); err != nil {
		t.Fatalf("admit: %v", err)
	}
	blk, _, err := src.BuildBlock(proposer.addr, proposer.priv, now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := engine.CommitShardBlock(blk); err != nil {
		t.Fatalf("commit: %v", err)
	}

	balA, _ := src.Ledger().BalanceOf(a.addr)
	dst, _ := engine.Shard(1)
	balB, _ := dst.Ledger().BalanceOf(b.addr)
	if balA.Cmp(DisplayToAtomic(900)) != 0 {
		t.Fatalf("A=%s want 900 display", balA.String())
	}
	if balB.Cmp(DisplayToAtomic(100)) != 0 {
		t.Fatalf("B=%s want 100 display", balB.String())
	}

	id := TransferID(0, 1, a.addr, b.addr, DisplayToAtomic(100), 0, 1)
	xfer, ok := engine.Coordinator().Transfer(id)
	if !ok || xfer.State != TransferCommitted {
		t.Fatalf("transfer state=%v ok=%v", xfer.State, ok)
	}
	if xfer.FromProof.IsZero() || xfer.ToProof.IsZero() {
		t.Fatalf("proof roots missing")
	}
}

//-------------------------------------------------------------
// Destination failure: retries exhausted, sender refunded
//-------------------------------------------------------------

func TestCrossShardAbortRefundsSender(t *testing.T) {
	engine, a, b := setupTwoShards(t, filepath.Join(t.TempDir(), "commit-log"))
	proposer := newTestAccount(t)
	now := time.Now()

	coord := engine.Coordinator()
	coord.SetTimeout(50 * time.Millisecond)
	coord.SetCommitFn(func(*CrossShardTransfer) (Hash, error) {
		return Hash{}, ErrCrossShardTimeout
	})

	tx := signedTransfer(t, a, b.addr, DisplayToAtomic(100), 0, now)
	src, _ := engine.Shard(0)
	if err := src.Pool().Add(tx, now); err != nil {
		t.Fatalf("admit: %v", err)
	}
	blk, _, err := src.BuildBlock(proposer.addr, proposer.priv, now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := engine.CommitShardBlock(blk); err != nil {
		t.Fatalf("commit: %v", err)
	}

	balA, _ := src.Ledger().BalanceOf(a.addr)
	dst, _ := engine.Shard(1)
	balB, _ := dst.Ledger().BalanceOf(b.addr)
	if balA.Cmp(DisplayToAtomic(1_000)) != 0 {
		t.Fatalf("A=%s want full refund", balA.String())
	}
	if !balB.IsZero() {
		t.Fatalf("B credited despite abort")
	}

	id := TransferID(0, 1, a.addr, b.addr, DisplayToAtomic(100), 0, 1)
	xfer, ok := coord.Transfer(id)
	if !ok || xfer.State != TransferAborted {
		t.Fatalf("state=%v want Aborted", xfer.State)
	}
}

//-------------------------------------------------------------
// Idempotency: duplicate COMMIT processing is a no-op
//-------------------------------------------------------------

func TestCrossShardDuplicateCommitNoop(t *testing.T) {
	engine, a, b := setupTwoShards(t, filepath.Join(t.TempDir(), "commit-log"))
	proposer := newTestAccount(t)
	now := time.Now()

	tx := signedTransfer(t, a, b.addr, DisplayToAtomic(100), 0, now)
	src, _ := engine.Shard(0)
	_ = src.Pool().Add(tx, now)
	blk, _, _ := src.BuildBlock(proposer.addr, proposer.priv, now)
	if err := engine.CommitShardBlock(blk); err != nil {
		t.Fatalf("commit: %v", err)
	}
	id := TransferID(0, 1, a.addr, b.addr, DisplayToAtomic(100), 0, 1)
	if err := engine.Coordinator().Process(id); err != nil {
		t.Fatalf("duplicate process: %v", err)
	}
	dst, _ := engine.Shard(1)
	balB, _ := dst.Ledger().BalanceOf(b.addr)
	if balB.Cmp(DisplayToAtomic(100)) != 0 {
		t.Fatalf("duplicate commit double-credited: %s", balB.String())
	}
}

//-------------------------------------------------------------
// WAL recovery
//-------------------------------------------------------------

func TestWALRecoveryResolvesStates(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "commit-log")
	engine, a, b := setupTwoShards(t, walDir)
	now := time.Now().Unix()

	// Simulate a crash by hand-writing WAL entries the coordinator never
	// processed.
	wal, err := NewWriteAheadLog(walDir)
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	amount := DisplayToAtomic(50)

	// Prepared entry: the debit reached the source block before the
	// crash; recovery must resend COMMIT and credit B.
	prepared := &CrossShardTransfer{
		ID: TransferID(0, 1, a.addr, b.addr, amount, 0, 9),
		FromShard: 0, ToShard: 1,
		FromAddr: a.addr, ToAddr: b.addr,
		Amount: amount, State: TransferPrepared,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := wal.Write(prepared); err != nil {
		t.Fatalf("write prepared: %v", err)
	}

	// Preparing entry: must roll back with a refund.
	preparing := &CrossShardTransfer{
		ID: TransferID(0, 1, a.addr, b.addr, amount, 1, 10),
		FromShard: 0, ToShard: 1,
		FromAddr: a.addr, ToAddr: b.addr,
		Amount: amount, State: TransferPreparing,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := wal.Write(preparing); err != nil {
		t.Fatalf("write preparing: %v", err)
	}

	if err := engine.Coordinator().Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, ok := engine.Coordinator().Transfer(prepared.ID)
	if !ok || got.State != TransferCommitted {
		t.Fatalf("prepared entry state=%v want Committed", got.State)
	}
	got, ok = engine.Coordinator().Transfer(preparing.ID)
	if !ok || got.State != TransferAborted {
		t.Fatalf("preparing entry state=%v want Aborted", got.State)
	}

	// B got the prepared credit exactly once; A got the preparing refund.
	dst, _ := engine.Shard(1)
	balB, _ := dst.Ledger().BalanceOf(b.addr)
	if balB.Cmp(amount) != 0 {
		t.Fatalf("B=%s want 50 display", balB.String())
	}
	src, _ := engine.Shard(0)
	balA, _ := src.Ledger().BalanceOf(a.addr)
	if balA.Cmp(DisplayToAtomic(1_050)) != 0 {
		t.Fatalf("A=%s want 1050 display (refund)", balA.String())
	}

	// Files for both transfers survive retention (fresh timestamps).
	entries, _ := os.ReadDir(walDir)
	if len(entries) != 2 {
		t.Fatalf("wal entries=%d want 2", len(entries))
	}
}

//-------------------------------------------------------------
// WAL file hygiene
//-------------------------------------------------------------

func TestWALFileModes(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "commit-log")
	wal, err := NewWriteAheadLog(walDir)
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	info, err := os.Stat(walDir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("dir mode %v want 0700", info.Mode().Perm())
	}
	tr := &CrossShardTransfer{ID: SHA256([]byte("id")), State: TransferPreparing}
	if err := wal.Write(tr); err != nil {
		t.Fatalf("write: %v", err)
	}
	fi, err := os.Stat(filepath.Join(walDir, tr.ID.Hex()+".json"))
	if err != nil {
		t.Fatalf("stat file: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("file mode %v want 0600", fi.Mode().Perm())
	}
}
