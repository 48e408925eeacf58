package core

import (
	"testing"
	"time"
)

//-------------------------------------------------------------
// Determinism: identical inputs, identical proposer
//-------------------------------------------------------------

func TestSelectProposerDeterministic(t *testing.T) {
	// Two independent registries built from the same validators.
	accounts := make([]testAccount, 4)
	for i := range accounts {
		accounts[i] = newTestAccount(t)
	}
	build := func() *ConsensusState {
		cs, _ := NewConsensusState(newTestStore(t))
		for _, a := range accounts {
			registerTestValidator(t, cs, a)
		}
		return cs
	}
	csA := build()
	csB := build()

	prev := SHA256([]byte("prev-block"))
	now := time.Now()
	for height := uint64(1); height <= 50; height++ {
		pa, err := csA.SelectProposer(prev, height, now)
		if err != nil {
			t.Fatalf("A select: %v", err)
		}
		pb, err := csB.SelectProposer(prev, height, now)
		if err != nil {
			t.Fatalf("B select: %v", err)
		}
		if pa != pb {
			t.Fatalf("height %d: %s vs %s", height, pa.Hex(), pb.Hex())
		}
	}
}

//-------------------------------------------------------------
// Seed sensitivity and coverage
//-------------------------------------------------------------

func TestSelectProposerVariesWithSeed(t *testing.T) {
	cs, _ := NewConsensusState(newTestStore(t))
	for i := 0; i < 8; i++ {
		registerTestValidator(t, cs, newTestAccount(t))
	}
	now := time.Now()
	seen := make(map[Address]int)
	for height := uint64(1); height <= 200; height++ {
		p, err := cs.SelectProposer(SHA256([]byte("prev")), height, now)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		seen[p]++
	}
	// Equal stakes: every validator should win at least once over 200
	// heights.
	if len(seen) != 8 {
		t.Fatalf("only %d/8 validators selected", len(seen))
	}
}

//-------------------------------------------------------------
// Empty set halts production
//-------------------------------------------------------------

func TestSelectProposerEmptySet(t *testing.T) {
	cs, _ := NewConsensusState(newTestStore(t))
	if _, err := cs.SelectProposer(Hash{}, 1, time.Now()); err != ErrEmptyValidatorSet {
		t.Fatalf("expected ErrEmptyValidatorSet, got %v", err)
	}

	// Jailed validators do not count.
	acct := newTestAccount(t)
	registerTestValidator(t, cs, acct)
	if _, err := cs.Slash(acct.addr, SlashInvalidBlock, 0, 0, time.Now()); err != nil {
		t.Fatalf("slash: %v", err)
	}
	if _, err := cs.SelectProposer(Hash{}, 1, time.Now()); err != ErrEmptyValidatorSet {
		t.Fatalf("jailed validator still selectable: %v", err)
	}
}

//-------------------------------------------------------------
// Weighting follows voting power
//-------------------------------------------------------------

func TestSelectProposerWeighted(t *testing.T) {
	cs, _ := NewConsensusState(newTestStore(t))
	small := newTestAccount(t)
	large := newTestAccount(t)
	if err := cs.RegisterValidator(small.addr, small.pub, MinStake(), 0); err != nil {
		t.Fatalf("register small: %v", err)
	}
	bigStake := DisplayToAtomic(MinStakeDisplay * 100)
	if err := cs.RegisterValidator(large.addr, large.pub, bigStake, 0); err != nil {
		t.Fatalf("register large: %v", err)
	}
	now := time.Now()
	wins := make(map[Address]int)
	for height := uint64(1); height <= 500; height++ {
		p, err := cs.SelectProposer(SHA256([]byte("x")), height, now)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		wins[p]++
	}
	if wins[large.addr] <= wins[small.addr] {
		t.Fatalf("weighting inverted: large=%d small=%d", wins[large.addr], wins[small.addr])
	}
}
