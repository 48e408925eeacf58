package core

// Shared fixtures for the core test suite.

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"
)

// ------------------------------------------------------------
// Store / engine fixtures
// ------------------------------------------------------------

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(StoreConfig{Path: filepath.Join(t.TempDir(), "db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestEngine(t *testing.T, store *Store, shardCount uint32) *ShardEngine {
	t.Helper()
	engine, err := NewShardEngine(store, shardCount, filepath.Join(t.TempDir(), "commit-log"))
	if err != nil {
		t.Fatalf("shard engine: %v", err)
	}
	return engine
}

// applyTestGenesis seeds balances and one empty block per shard.
func applyTestGenesis(t *testing.T, engine *ShardEngine, accounts map[Address]Amount) {
	t.Helper()
	gh := SHA256([]byte("test-genesis"))
	for addr, bal := range accounts {
		if err := engine.ShardFor(addr).Ledger().Credit(addr, bal); err != nil {
			t.Fatalf("seed %x: %v", addr, err)
		}
	}
	for i := uint32(0); i < engine.ShardCount(); i++ {
		shard, _ := engine.Shard(ShardID(i))
		blk := &Block{Header: BlockHeader{
			Index:     0,
			PrevHash:  gh,
			Timestamp: 1_700_000_000,
			ShardID:   ShardID(i),
			TxRoot:    TxMerkleRoot(nil),
		}}
		if err := shard.Ledger().CommitBlock(blk, nil); err != nil {
			t.Fatalf("genesis block shard %d: %v", i, err)
		}
	}
}

// ------------------------------------------------------------
// Key / transaction fixtures
// ------------------------------------------------------------

type testAccount struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	addr Address
}

func newTestAccount(t *testing.T) testAccount {
	t.Helper()
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	addr, err := AddressFromPubKey(pub)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return testAccount{priv: priv, pub: pub, addr: addr}
}

// newAccountOnShard retries keygen until the derived address lands on the
// wanted shard.
func newAccountOnShard(t *testing.T, shardCount uint32, want ShardID) testAccount {
	t.Helper()
	for i := 0; i < 10_000; i++ {
		acct := newTestAccount(t)
		if ShardOfAddress(acct.addr, shardCount) == want {
			return acct
		}
	}
	t.Fatalf("no key found for shard %d", want)
	return testAccount{}
}

func signedTransfer(t *testing.T, from testAccount, to Address, amount Amount, nonce uint64, ts time.Time) *Transaction {
	t.Helper()
	tx := &Transaction{
		From:      from.addr,
		To:        to,
		Amount:    amount,
		Nonce:     nonce,
		Timestamp: ts.Unix(),
	}
	if err := tx.Sign(from.priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

// registerTestValidator registers with the minimum stake.
func registerTestValidator(t *testing.T, cs *ConsensusState, acct testAccount) {
	t.Helper()
	if err := cs.RegisterValidator(acct.addr, acct.pub, MinStake(), 0); err != nil {
		t.Fatalf("register validator: %v", err)
	}
}
