package core

import (
	"testing"
	"time"
)

// syncFixture wires an engine, registry and manager with one funded
// account and n validators.
type syncFixture struct {
	engine *ShardEngine
	cstate *ConsensusState
	sm     *SyncManager
	vals   []testAccount
	payer  testAccount
}

func newSyncFixture(t *testing.T, nValidators int) *syncFixture {
	t.Helper()
	store := newTestStore(t)
	engine := newTestEngine(t, store, 1)
	cstate, err := NewConsensusState(store)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	payer := newTestAccount(t)
	applyTestGenesis(t, engine, map[Address]Amount{payer.addr: DisplayToAtomic(1_000)})

	vals := make([]testAccount, nValidators)
	for i := range vals {
		vals[i] = newTestAccount(t)
		registerTestValidator(t, cstate, vals[i])
	}
	sm := NewSyncManager(SyncConfig{Shard: 0, VerifyVoters: true}, engine, cstate, nil)
	return &syncFixture{engine: engine, cstate: cstate, sm: sm, vals: vals, payer: payer}
}

// buildNext proposes the next block signed by validator v.
func (f *syncFixture) buildNext(t *testing.T, v testAccount, now time.Time) *Block {
	t.Helper()
	shard, _ := f.engine.Shard(0)
	blk, _, err := shard.BuildBlock(v.addr, v.priv, now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return blk
}

func voteSig(v testAccount, blk *Block) []byte {
	h := blk.Hash()
	return SignDigest(v.priv, h[:])
}

//-------------------------------------------------------------
// Vote collection error taxonomy (byzantine votes)
//-------------------------------------------------------------

func TestRecordVoteErrors(t *testing.T) {
	f := newSyncFixture(t, 3)
	now := time.Now()
	blk := f.buildNext(t, f.vals[0], now)
	if err := f.sm.SubmitProposal(blk, now); err != nil {
		t.Fatalf("proposal: %v", err)
	}

	// No pending block at an unknown height.
	if _, err := f.sm.RecordVoteWithSignature(99, f.vals[0].addr, true, voteSig(f.vals[0], blk), now); err != ErrBlockNotFound {
		t.Fatalf("want ErrBlockNotFound, got %v", err)
	}
	// Vote from a non-validator.
	attacker := newTestAccount(t)
	if _, err := f.sm.RecordVoteWithSignature(blk.Header.Index, attacker.addr, true, voteSig(attacker, blk), now); err != ErrInvalidVoter {
		t.Fatalf("want ErrInvalidVoter, got %v", err)
	}
	// Bad signature.
	if _, err := f.sm.RecordVoteWithSignature(blk.Header.Index, f.vals[0].addr, true, voteSig(f.vals[1], blk), now); err != ErrInvalidSignature {
		t.Fatalf("want ErrInvalidSignature, got %v", err)
	}
	// Valid vote, then a duplicate.
	if _, err := f.sm.RecordVoteWithSignature(blk.Header.Index, f.vals[0].addr, true, voteSig(f.vals[0], blk), now); err != nil {
		t.Fatalf("valid vote: %v", err)
	}
	if _, err := f.sm.RecordVoteWithSignature(blk.Header.Index, f.vals[0].addr, true, voteSig(f.vals[0], blk), now); err != ErrDuplicateVote {
		t.Fatalf("want ErrDuplicateVote, got %v", err)
	}
	// Expired pending block.
	late := now.Add(f.sm.cfg.VoteTTL + time.Second)
	if _, err := f.sm.RecordVoteWithSignature(blk.Header.Index, f.vals[1].addr, true, voteSig(f.vals[1], blk), late); err != ErrVoteExpired {
		t.Fatalf("want ErrVoteExpired, got %v", err)
	}
}

//-------------------------------------------------------------
// Supermajority finalisation (>2/3 of voting power)
//-------------------------------------------------------------

func TestFinalizeAtSupermajority(t *testing.T) {
	f := newSyncFixture(t, 3) // equal stakes: each ~1/3 of power
	now := time.Now()
	blk := f.buildNext(t, f.vals[0], now)
	if err := f.sm.SubmitProposal(blk, now); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	h := blk.Header.Index

	fin, err := f.sm.RecordVoteWithSignature(h, f.vals[0].addr, true, voteSig(f.vals[0], blk), now)
	if err != nil || fin {
		t.Fatalf("one vote finalized: fin=%v err=%v", fin, err)
	}
	fin, err = f.sm.RecordVoteWithSignature(h, f.vals[1].addr, true, voteSig(f.vals[1], blk), now)
	if err != nil || fin {
		t.Fatalf("two of three is not >2/3: fin=%v err=%v", fin, err)
	}
	fin, err = f.sm.RecordVoteWithSignature(h, f.vals[2].addr, true, voteSig(f.vals[2], blk), now)
	if err != nil || !fin {
		t.Fatalf("three votes must finalize: fin=%v err=%v", fin, err)
	}
	if f.sm.LocalHeight() != h {
		t.Fatalf("height=%d want %d", f.sm.LocalHeight(), h)
	}
	// Disapprove votes add no power toward quorum.
	blk2 := f.buildNext(t, f.vals[0], now.Add(time.Second))
	if err := f.sm.SubmitProposal(blk2, now); err != nil {
		t.Fatalf("proposal 2: %v", err)
	}
	for i := 0; i < 2; i++ {
		if fin, _ := f.sm.RecordVoteWithSignature(blk2.Header.Index, f.vals[i].addr, false, voteSig(f.vals[i], blk2), now); fin {
			t.Fatalf("disapprovals finalized a block")
		}
	}
}

//-------------------------------------------------------------
// Finalized heights are immutable (P4)
//-------------------------------------------------------------

func TestRefuseFinalizedReplacement(t *testing.T) {
	f := newSyncFixture(t, 1)
	now := time.Now()
	blk := f.buildNext(t, f.vals[0], now)
	if err := f.sm.SubmitProposal(blk, now); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	if fin, err := f.sm.RecordVoteWithSignature(blk.Header.Index, f.vals[0].addr, true, voteSig(f.vals[0], blk), now); err != nil || !fin {
		t.Fatalf("single validator must finalize: %v", err)
	}

	// A competing block for the same (already final) height.
	competing := *blk
	competing.Header.Timestamp++
	competing.Transactions = nil
	competing.Header.TxRoot = TxMerkleRoot(nil)
	competing.SignBlock(f.vals[0].priv)

	f.sm.mu.Lock()
	f.sm.pending[blk.Header.Index] = &PendingBlock{
		Block:     &competing,
		Votes:     map[Address]VoteRecord{},
		CreatedAt: now,
	}
	f.sm.pendingOrder = append(f.sm.pendingOrder, blk.Header.Index)
	f.sm.mu.Unlock()

	if err := f.sm.Finalize(blk.Header.Index, now); err != ErrFinalizedConflict {
		t.Fatalf("expected ErrFinalizedConflict, got %v", err)
	}
}

//-------------------------------------------------------------
// Proposal validation
//-------------------------------------------------------------

func TestSubmitProposalRejectsBadBlocks(t *testing.T) {
	f := newSyncFixture(t, 1)
	now := time.Now()

	good := f.buildNext(t, f.vals[0], now)

	unknownProposer := *good
	stranger := newTestAccount(t)
	unknownProposer.Header.Proposer = stranger.addr
	unknownProposer.SignBlock(stranger.priv)

	badTimestamp := f.buildNext(t, f.vals[0], now)
	badTimestamp.Header.Timestamp = 0
	badTimestamp.SignBlock(f.vals[0].priv)

	// Different timestamp gives a different hash, so a signature over the
	// good block's hash cannot verify.
	badSig := f.buildNext(t, f.vals[0], now.Add(time.Second))
	badSig.ProposerSig = voteSig(f.vals[0], good)

	if err := f.sm.SubmitProposal(&unknownProposer, now); err != ErrUnknownProposer {
		t.Fatalf("want ErrUnknownProposer, got %v", err)
	}
	if err := f.sm.SubmitProposal(badTimestamp, now); err != ErrTimestampViolation {
		t.Fatalf("want ErrTimestampViolation, got %v", err)
	}
	if err := f.sm.SubmitProposal(badSig, now); err != ErrInvalidSignature {
		t.Fatalf("want ErrInvalidSignature, got %v", err)
	}
	if err := f.sm.SubmitProposal(good, now); err != nil {
		t.Fatalf("good proposal rejected: %v", err)
	}
}

//-------------------------------------------------------------
// Catch-up sync
//-------------------------------------------------------------

func TestSyncRequestBounds(t *testing.T) {
	f := newSyncFixture(t, 1)
	if _, err := f.sm.HandleSyncRequest(SyncRequestMsg{FromHeight: 10, ToHeight: 5}); err != ErrBadSyncRange {
		t.Fatalf("reversed range accepted: %v", err)
	}
	if _, err := f.sm.HandleSyncRequest(SyncRequestMsg{FromHeight: 0, ToHeight: MaxBlocksPerSyncRequest}); err != ErrBadSyncRange {
		t.Fatalf("oversized range accepted: %v", err)
	}
	resp, err := f.sm.HandleSyncRequest(SyncRequestMsg{FromHeight: 0, ToHeight: 0})
	if err != nil || len(resp.Blocks) != 1 {
		t.Fatalf("genesis fetch: %v blocks=%d", err, len(resp.Blocks))
	}
}

func TestSyncStateTransitions(t *testing.T) {
	f := newSyncFixture(t, 1)
	f.sm.UpdatePeerHeight("peer-1", 50)
	if st, target := f.sm.State(); st != SyncSyncing || target != 50 {
		t.Fatalf("state=%v target=%d", st, target)
	}
	req, ok := f.sm.NextSyncRequest()
	if !ok || req.FromHeight != 1 || req.ToHeight != 50 {
		t.Fatalf("req=%+v ok=%v", req, ok)
	}
	// Peer falls behind us: two quiet rounds flip back to Synced.
	f.sm.UpdatePeerHeight("peer-1", 0)
	f.sm.UpdatePeerHeight("peer-1", 0)
	if st, _ := f.sm.State(); st != SyncSynced {
		t.Fatalf("state=%v want Synced", st)
	}
}

//-------------------------------------------------------------
// Pending expiry and caps
//-------------------------------------------------------------

func TestExpirePending(t *testing.T) {
	f := newSyncFixture(t, 1)
	now := time.Now()
	blk := f.buildNext(t, f.vals[0], now)
	if err := f.sm.SubmitProposal(blk, now); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	if n := f.sm.ExpirePending(now.Add(time.Second)); n != 0 {
		t.Fatalf("early expiry dropped %d", n)
	}
	if n := f.sm.ExpirePending(now.Add(f.sm.cfg.VoteTTL + time.Second)); n != 1 {
		t.Fatalf("expiry dropped %d want 1", n)
	}
}
