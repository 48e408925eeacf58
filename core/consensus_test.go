package core

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeNet is a loopback network adapter for engine tests.
type fakeNet struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeNet() *fakeNet { return &fakeNet{published: make(map[string][][]byte)} }

func (f *fakeNet) Broadcast(topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], append([]byte(nil), data...))
	return nil
}

func (f *fakeNet) Subscribe(string) (<-chan Message, error) {
	return make(chan Message), nil
}

func (f *fakeNet) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[topic])
}

// newConsensusFixture wires a single-validator node over one shard.
func newConsensusFixture(t *testing.T) (*SultanConsensus, *syncFixture, *fakeNet) {
	t.Helper()
	f := newSyncFixture(t, 1)
	net := newFakeNet()
	econ := NewEconomics(f.engine.shards[0].Ledger().store)
	if err := econ.InitSupply(DisplayToAtomic(1_000_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	sc, err := NewConsensus(logrus.StandardLogger(), ConsensusConfig{
		BlockTime:   DefaultBlockTime,
		IsValidator: true,
		SelfAddress: f.vals[0].addr,
		PrivKey:     f.vals[0].priv,
	}, f.engine, f.cstate, []*SyncManager{f.sm}, net, econ)
	if err != nil {
		t.Fatalf("consensus: %v", err)
	}
	return sc, f, net
}

//-------------------------------------------------------------
// Single-validator production: propose, self-vote, finalize
//-------------------------------------------------------------

func TestProduceTickFinalizesBlock(t *testing.T) {
	sc, f, net := newConsensusFixture(t)
	now := time.Now()

	recipient := newTestAccount(t)
	tx := signedTransfer(t, f.payer, recipient.addr, DisplayToAtomic(100), 0, now)
	if err := f.engine.SubmitTx(tx, now); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := sc.produceTick(0, now); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.sm.LocalHeight() != 1 {
		t.Fatalf("height=%d want 1", f.sm.LocalHeight())
	}
	shard, _ := f.engine.Shard(0)
	bal, _ := shard.Ledger().BalanceOf(recipient.addr)
	if bal.Cmp(DisplayToAtomic(100)) != 0 {
		t.Fatalf("recipient=%s", bal.String())
	}
	// Proposal and vote both hit the wire.
	if net.count(TopicBlocks) != 1 || net.count(TopicConsensus) != 1 {
		t.Fatalf("broadcasts: blocks=%d votes=%d", net.count(TopicBlocks), net.count(TopicConsensus))
	}
}

//-------------------------------------------------------------
// Non-proposer ticks are quiet
//-------------------------------------------------------------

func TestProduceTickSkipsWhenNotProposer(t *testing.T) {
	sc, f, net := newConsensusFixture(t)
	// Replace the configured identity with a non-validator key: the slot
	// can never be ours.
	other := newTestAccount(t)
	sc.cfg.SelfAddress = other.addr
	sc.cfg.PrivKey = other.priv

	if err := sc.produceTick(0, time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.sm.LocalHeight() != 0 {
		t.Fatalf("non-proposer advanced the chain")
	}
	if net.count(TopicBlocks) != 0 {
		t.Fatalf("non-proposer broadcast a block")
	}
}

//-------------------------------------------------------------
// Empty validator set halts production with a typed error
//-------------------------------------------------------------

func TestProduceTickEmptySet(t *testing.T) {
	sc, f, _ := newConsensusFixture(t)
	if _, err := f.cstate.Slash(f.vals[0].addr, SlashDoubleSign, 0, 0, time.Now()); err != nil {
		t.Fatalf("slash: %v", err)
	}
	if err := sc.produceTick(0, time.Now()); err != ErrEmptyValidatorSet {
		t.Fatalf("expected ErrEmptyValidatorSet, got %v", err)
	}
}

//-------------------------------------------------------------
// Economics ride along with finalization
//-------------------------------------------------------------

func TestProduceTickAccruesMint(t *testing.T) {
	sc, f, _ := newConsensusFixture(t)
	before, _ := sc.econ.TotalSupply()
	if err := sc.produceTick(0, time.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	after, _ := sc.econ.TotalSupply()
	if after.Cmp(before) <= 0 {
		t.Fatalf("supply did not grow with the block")
	}
	v, _ := f.cstate.Validator(f.vals[0].addr)
	if v.RewardsAccumulated.IsZero() {
		t.Fatalf("proposer earned nothing")
	}
}
