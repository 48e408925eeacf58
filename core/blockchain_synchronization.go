package core

// blockchain_synchronization.go – byzantine-tolerant block acceptance:
// full validation of proposals, signed vote collection, supermajority
// finalisation and catch-up sync from peers. One manager runs per shard
// chain; votes at a height are unordered and finalisation is determined
// purely by voting-power summation.

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// MaxBlocksPerSyncRequest caps one catch-up round trip.
	MaxBlocksPerSyncRequest = 100
	// MaxPendingBlocks bounds the vote-collection map; overflow drops the
	// oldest pending entry.
	MaxPendingBlocks = 100
	// MaxSeenBlocks bounds the replay filter.
	MaxSeenBlocks = 10_000
	// DefaultVoteTTL expires pending blocks that never gather quorum
	// (>= 2x block time x expected gossip fanout).
	DefaultVoteTTL = 60 * time.Second
)

// SyncConfig tunes the manager.
type SyncConfig struct {
	Shard   ShardID
	VoteTTL time.Duration
	// VerifyVoters gates proposer/voter membership checks; disabled only
	// in single-node dev mode.
	VerifyVoters bool
}

// SyncManager advances one shard chain.
type SyncManager struct {
	cfg    SyncConfig
	engine *ShardEngine
	cstate *ConsensusState
	logger *logrus.Logger

	mu           sync.RWMutex
	pending      map[uint64]*PendingBlock
	pendingOrder []uint64
	seen         map[Hash]struct{}
	seenOrder    []Hash

	state        SyncState
	targetHeight uint64
	peerHeights  map[NodeID]uint64
	syncedRounds int
}

// NewSyncManager wires the acceptance pipeline for one shard.
func NewSyncManager(cfg SyncConfig, engine *ShardEngine, cstate *ConsensusState, lg *logrus.Logger) *SyncManager {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if cfg.VoteTTL == 0 {
		cfg.VoteTTL = DefaultVoteTTL
	}
	return &SyncManager{
		cfg:         cfg,
		engine:      engine,
		cstate:      cstate,
		logger:      lg,
		pending:     make(map[uint64]*PendingBlock),
		seen:        make(map[Hash]struct{}),
		peerHeights: make(map[NodeID]uint64),
		state:       SyncSynced,
	}
}

// State reports the current sync position.
func (m *SyncManager) State() (SyncState, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.targetHeight
}

// LocalHeight reads the shard chain head.
func (m *SyncManager) LocalHeight() uint64 {
	shard, err := m.engine.Shard(m.cfg.Shard)
	if err != nil {
		return 0
	}
	h, _ := shard.Ledger().LatestHeight()
	return h
}

//---------------------------------------------------------------------
// Full validation
//---------------------------------------------------------------------

// ValidateProposal runs every acceptance check: structure against the
// local head, hash/tx-root recomputation, proposer membership and
// signature, and per-transaction validity in deterministic order.
func (m *SyncManager) ValidateProposal(blk *Block, now time.Time) error {
	shard, err := m.engine.Shard(m.cfg.Shard)
	if err != nil {
		return err
	}
	if blk.Header.ShardID != m.cfg.Shard {
		return ErrShardOutOfRange
	}
	prev, err := shard.Ledger().LatestBlock()
	if err != nil {
		return WrapErr(KindConsensus, "no local head", err)
	}
	if err := blk.ValidateAgainstPrev(prev); err != nil {
		return err
	}

	if m.cfg.VerifyVoters {
		if !m.cstate.IsActive(blk.Header.Proposer, now) {
			return ErrUnknownProposer
		}
		pub, err := m.cstate.PubKeyOf(blk.Header.Proposer)
		if err != nil {
			return ErrUnknownProposer
		}
		if !blk.VerifyProposerSig(pub) {
			return ErrInvalidSignature
		}
	}

	// Transactions: individually valid, deterministic order preserved.
	for i, tx := range blk.Transactions {
		if err := tx.VerifyStateless(time.Unix(blk.Header.Timestamp, 0)); err != nil {
			return err
		}
		if i > 0 {
			prevTx := blk.Transactions[i-1]
			if !txOrdered(prevTx, tx) {
				return ErrTxOutOfOrder
			}
		}
	}
	return nil
}

func txOrdered(a, b *Transaction) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.From != b.From {
		return addrLess(a.From, b.From)
	}
	return a.Nonce <= b.Nonce
}

//---------------------------------------------------------------------
// Proposal intake and vote collection
//---------------------------------------------------------------------

// SubmitProposal validates and registers a block for vote collection.
func (m *SyncManager) SubmitProposal(blk *Block, now time.Time) error {
	h := blk.Hash()

	m.mu.RLock()
	_, dup := m.seen[h]
	m.mu.RUnlock()
	if dup {
		return ErrDuplicateTx
	}
	if err := m.ValidateProposal(blk, now); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pending[blk.Header.Index]; ok {
		if existing.Block.Hash() != h {
			// Competing proposal for the same height; first valid wins the
			// pending slot, the conflict is logged for the operator.
			m.logger.WithFields(logrus.Fields{
				"height": blk.Header.Index,
				"have":   existing.Block.Hash().Hex(),
				"got":    h.Hex(),
			}).Warn("conflicting proposal ignored")
		}
		return nil
	}
	if len(m.pending) >= MaxPendingBlocks {
		oldest := m.pendingOrder[0]
		m.pendingOrder = m.pendingOrder[1:]
		delete(m.pending, oldest)
	}
	m.pending[blk.Header.Index] = &PendingBlock{
		Block:     blk,
		Votes:     make(map[Address]VoteRecord),
		CreatedAt: now,
	}
	m.pendingOrder = append(m.pendingOrder, blk.Header.Index)
	m.markSeen(h)
	return nil
}

// markSeen records a hash in the bounded replay filter. Lock held.
func (m *SyncManager) markSeen(h Hash) {
	if len(m.seen) >= MaxSeenBlocks {
		oldest := m.seenOrder[0]
		m.seenOrder = m.seenOrder[1:]
		delete(m.seen, oldest)
	}
	m.seen[h] = struct{}{}
	m.seenOrder = append(m.seenOrder, h)
}

// RecordVoteWithSignature validates and stores one vote, then attempts
// finalisation. Error order: BlockNotFound, Expired, InvalidVoter,
// DuplicateVote, InvalidSignature.
func (m *SyncManager) RecordVoteWithSignature(height uint64, voter Address, approve bool, sig []byte, now time.Time) (bool, error) {
	m.mu.Lock()
	pb, ok := m.pending[height]
	if !ok {
		m.mu.Unlock()
		MetricVotesRejected.WithLabelValues("block_not_found").Inc()
		return false, ErrBlockNotFound
	}
	if now.Sub(pb.CreatedAt) > m.cfg.VoteTTL {
		m.mu.Unlock()
		MetricVotesRejected.WithLabelValues("expired").Inc()
		return false, ErrVoteExpired
	}
	if m.cfg.VerifyVoters && !m.cstate.IsActive(voter, now) {
		m.mu.Unlock()
		MetricVotesRejected.WithLabelValues("invalid_voter").Inc()
		return false, ErrInvalidVoter
	}
	if _, voted := pb.Votes[voter]; voted {
		m.mu.Unlock()
		MetricVotesRejected.WithLabelValues("duplicate").Inc()
		return false, ErrDuplicateVote
	}
	blockHash := pb.Block.Hash()
	pub, err := m.cstate.PubKeyOf(voter)
	if err != nil {
		m.mu.Unlock()
		MetricVotesRejected.WithLabelValues("invalid_voter").Inc()
		return false, ErrInvalidVoter
	}
	if !VerifyDigest(pub, blockHash[:], sig) {
		m.mu.Unlock()
		MetricVotesRejected.WithLabelValues("invalid_signature").Inc()
		return false, ErrInvalidSignature
	}
	pb.Votes[voter] = VoteRecord{Approve: approve, Signature: append([]byte(nil), sig...)}
	m.mu.Unlock()

	return m.tryFinalize(height, now)
}

// tryFinalize commits the pending block once approve power exceeds 2/3 of
// the active total.
func (m *SyncManager) tryFinalize(height uint64, now time.Time) (bool, error) {
	m.mu.RLock()
	pb, ok := m.pending[height]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}

	total := m.cstate.TotalVotingPower(now)
	if total == 0 {
		return false, ErrEmptyValidatorSet
	}
	var approvePower uint64
	voters := make([]Address, 0, len(pb.Votes))
	for addr := range pb.Votes {
		voters = append(voters, addr)
	}
	sort.Slice(voters, func(i, j int) bool { return addrLess(voters[i], voters[j]) })
	for _, addr := range voters {
		if !pb.Votes[addr].Approve {
			continue
		}
		v, err := m.cstate.Validator(addr)
		if err != nil {
			continue
		}
		approvePower += v.VotingPower()
	}
	// Strict supermajority: approve * 3 > total * 2.
	if approvePower*3 <= total*2 {
		return false, nil
	}
	return true, m.Finalize(height, now)
}

// Finalize commits a quorum block: the shard applies it, liveness is
// recorded, and the pending slot clears. A conflicting block for an
// already-finalized height is refused and flagged — single-block finality
// means a reorg requires a quorum flaw.
func (m *SyncManager) Finalize(height uint64, now time.Time) error {
	m.mu.Lock()
	pb, ok := m.pending[height]
	if !ok {
		m.mu.Unlock()
		return ErrBlockNotFound
	}
	delete(m.pending, height)
	for i, h := range m.pendingOrder {
		if h == height {
			m.pendingOrder = append(m.pendingOrder[:i], m.pendingOrder[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	shard, err := m.engine.Shard(m.cfg.Shard)
	if err != nil {
		return err
	}
	if existing, err := shard.Ledger().BlockByHeight(height); err == nil {
		if existing.Hash() != pb.Block.Hash() {
			m.logger.WithFields(logrus.Fields{
				"height":    height,
				"finalized": existing.Hash().Hex(),
				"candidate": pb.Block.Hash().Hex(),
			}).Error("refusing to replace finalized block")
			return ErrFinalizedConflict
		}
		return nil // already committed
	}

	if err := m.engine.CommitShardBlock(pb.Block); err != nil {
		return errors.Wrapf(err, "finalize height %d", height)
	}

	// Liveness: voters who approved signed, the rest of the active set
	// missed this round.
	voted := make(map[Address]bool, len(pb.Votes))
	for addr, rec := range pb.Votes {
		voted[addr] = rec.Approve
	}
	for _, v := range m.cstate.ActiveValidators(now) {
		if voted[v.Address] {
			_ = m.cstate.RecordBlockSigned(v.Address)
		} else {
			_ = m.cstate.RecordBlockMissed(v.Address)
			if m.cstate.DowntimeExceeded(v.Address) {
				if _, err := m.cstate.Slash(v.Address, SlashDowntime, 0, 0, now); err != nil && err != ErrValidatorTombstoned {
					m.logger.Warnf("downtime slash %s: %v", v.Address.Hex(), err)
				}
			}
		}
	}
	shardLabel := fmt.Sprintf("%d", m.cfg.Shard)
	MetricBlockHeight.WithLabelValues(shardLabel).Set(float64(height))
	MetricBlocksFinalized.WithLabelValues(shardLabel).Inc()
	MetricTxApplied.Add(float64(len(pb.Block.Transactions)))
	m.logger.WithFields(logrus.Fields{
		"shard":  m.cfg.Shard,
		"height": height,
		"votes":  len(pb.Votes),
	}).Info("block finalized")
	return nil
}

// ExpirePending drops stale pending blocks past the vote TTL.
func (m *SyncManager) ExpirePending(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	kept := m.pendingOrder[:0]
	for _, h := range m.pendingOrder {
		pb := m.pending[h]
		if pb != nil && now.Sub(pb.CreatedAt) > m.cfg.VoteTTL {
			delete(m.pending, h)
			dropped++
			continue
		}
		kept = append(kept, h)
	}
	m.pendingOrder = kept
	return dropped
}

// PendingVotes returns a copy of the vote map for a height.
func (m *SyncManager) PendingVotes(height uint64) (map[Address]VoteRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pb, ok := m.pending[height]
	if !ok {
		return nil, false
	}
	out := make(map[Address]VoteRecord, len(pb.Votes))
	for k, v := range pb.Votes {
		out[k] = v
	}
	return out, true
}

//---------------------------------------------------------------------
// Catch-up sync
//---------------------------------------------------------------------

// HandleSyncRequest serves a validated block range to a peer. Reversed or
// oversized ranges are typed errors and do not feed peer scoring.
func (m *SyncManager) HandleSyncRequest(req SyncRequestMsg) (*SyncResponseMsg, error) {
	if req.ToHeight < req.FromHeight {
		return nil, ErrBadSyncRange
	}
	if req.ToHeight-req.FromHeight+1 > MaxBlocksPerSyncRequest {
		return nil, ErrBadSyncRange
	}
	shard, err := m.engine.Shard(m.cfg.Shard)
	if err != nil {
		return nil, err
	}
	var blocks []*Block
	for h := req.FromHeight; h <= req.ToHeight; h++ {
		blk, err := shard.Ledger().BlockByHeight(h)
		if err != nil {
			break // end of local chain
		}
		blocks = append(blocks, blk)
	}
	return &SyncResponseMsg{Blocks: blocks}, nil
}

// ApplySyncResponse validates and commits fetched blocks in order.
func (m *SyncManager) ApplySyncResponse(resp *SyncResponseMsg, now time.Time) (int, error) {
	applied := 0
	for _, blk := range resp.Blocks {
		local := m.LocalHeight()
		if blk.Header.Index <= local {
			continue // already have it
		}
		if err := m.ValidateProposal(blk, now); err != nil {
			return applied, err
		}
		if err := m.engine.CommitShardBlock(blk); err != nil {
			return applied, err
		}
		applied++
	}
	m.updateSyncState()
	return applied, nil
}

// UpdatePeerHeight feeds a peer's advertised height into the state
// machine: Syncing when max peer height > local+1, back to Synced after
// holding the lead for more than one round.
func (m *SyncManager) UpdatePeerHeight(peer NodeID, height uint64) {
	m.mu.Lock()
	m.peerHeights[peer] = height
	m.mu.Unlock()
	m.updateSyncState()
}

func (m *SyncManager) updateSyncState() {
	local := m.LocalHeight()

	m.mu.Lock()
	defer m.mu.Unlock()
	var maxPeer uint64
	for _, h := range m.peerHeights {
		if h > maxPeer {
			maxPeer = h
		}
	}
	switch {
	case maxPeer > local+1:
		m.state = SyncSyncing
		m.targetHeight = maxPeer
		m.syncedRounds = 0
	case local >= maxPeer:
		m.syncedRounds++
		if m.syncedRounds > 1 {
			m.state = SyncSynced
			m.targetHeight = 0
		}
	default:
		m.state = SyncBehind
		m.syncedRounds = 0
	}
}

// NextSyncRequest plans the next catch-up range while syncing.
func (m *SyncManager) NextSyncRequest() (SyncRequestMsg, bool) {
	m.mu.RLock()
	state, target := m.state, m.targetHeight
	m.mu.RUnlock()
	if state != SyncSyncing {
		return SyncRequestMsg{}, false
	}
	from := m.LocalHeight() + 1
	to := from + MaxBlocksPerSyncRequest - 1
	if to > target {
		to = target
	}
	if to < from {
		return SyncRequestMsg{}, false
	}
	return SyncRequestMsg{FromHeight: from, ToHeight: to}, true
}
