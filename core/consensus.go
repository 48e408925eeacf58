package core

// SultanConsensus – 2-second proof-of-stake blocks with single-block
// finality.
//
// Key invariants:
//   • Proposer selection is deterministic from (prev_hash, height) and the
//     address-ordered active set.
//   • block.timestamp = max(wall_clock, prev.timestamp + 1); validators
//     reject anything else.
//   • Finality at >2/3 of active voting power; a finalized height is never
//     replaced.
//   • The producer path never blocks on the registry lock: bounded
//     try-acquire, then yield the tick.
//
// Build graph dependencies: sharding (state execution), block sync (votes
// and finality), consensus-state (registry), network (peer IO).

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultBlockTime is the production cadence.
const DefaultBlockTime = 2 * time.Second

//---------------------------------------------------------------------
// Wire-up interfaces (keeps core independent of concrete impls)
//---------------------------------------------------------------------

type networkAdapter interface {
	Broadcast(topic string, data []byte) error
	Subscribe(topic string) (<-chan Message, error)
}

//---------------------------------------------------------------------
// Engine
//---------------------------------------------------------------------

// ConsensusConfig wires a validator identity into the engine.
type ConsensusConfig struct {
	BlockTime   time.Duration
	IsValidator bool
	SelfAddress Address
	PrivKey     ed25519.PrivateKey
}

// SultanConsensus drives block production and vote exchange for every
// shard chain on this node.
type SultanConsensus struct {
	logger *logrus.Logger
	cfg    ConsensusConfig

	engine *ShardEngine
	cstate *ConsensusState
	syncs  []*SyncManager
	p2p    networkAdapter

	econ *Economics
}

// NewConsensus wires the engine. syncs must hold one manager per shard.
func NewConsensus(lg *logrus.Logger, cfg ConsensusConfig, engine *ShardEngine, cstate *ConsensusState, syncs []*SyncManager, p2p networkAdapter, econ *Economics) (*SultanConsensus, error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if cfg.BlockTime == 0 {
		cfg.BlockTime = DefaultBlockTime
	}
	if len(syncs) != int(engine.ShardCount()) {
		return nil, &CoreError{Kind: KindConfig, Op: "one sync manager per shard required"}
	}
	return &SultanConsensus{
		logger: lg,
		cfg:    cfg,
		engine: engine,
		cstate: cstate,
		syncs:  syncs,
		p2p:    p2p,
		econ:   econ,
	}, nil
}

// Start launches the per-shard producer loops and the gossip handlers.
func (sc *SultanConsensus) Start(ctx context.Context) {
	for shard := ShardID(0); uint32(shard) < sc.engine.ShardCount(); shard++ {
		go sc.produceLoop(ctx, shard)
	}
	go sc.consumeConsensusTopic(ctx)
	go sc.consumeBlockTopic(ctx)
	sc.logger.Info("consensus started")
}

//---------------------------------------------------------------------
// Producer loop
//---------------------------------------------------------------------

func (sc *SultanConsensus) produceLoop(ctx context.Context, shard ShardID) {
	ticker := time.NewTicker(sc.cfg.BlockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sc.produceTick(shard, time.Now()); err != nil {
				if err == ErrEmptyValidatorSet {
					sc.logger.Error("no active validators; block production halted")
					return
				}
				sc.logger.Warnf("shard %d tick: %v", shard, err)
			}
		}
	}
}

// produceTick builds and proposes one block when this node holds the slot.
// Registry contention yields the tick instead of stalling the chain.
func (sc *SultanConsensus) produceTick(shard ShardID, now time.Time) error {
	if !sc.cfg.IsValidator {
		return nil
	}
	sh, err := sc.engine.Shard(shard)
	if err != nil {
		return err
	}
	prev, err := sh.Ledger().LatestBlock()
	if err != nil {
		return WrapErr(KindConsensus, "no chain head", err)
	}
	height := prev.Header.Index + 1

	proposer, acquired, err := sc.cstate.TrySelectProposer(prev.Hash(), height, now)
	if err != nil {
		return err
	}
	if !acquired {
		return nil // lock contended; yield this tick
	}
	if proposer != sc.cfg.SelfAddress {
		return nil
	}

	blk, rejected, err := sh.BuildBlock(sc.cfg.SelfAddress, sc.cfg.PrivKey, now)
	if err != nil {
		return err
	}
	for _, r := range rejected {
		sc.logger.WithFields(logrus.Fields{
			"tx":  r.Tx.TxHash().Hex(),
			"err": r.Err,
		}).Debug("tx rejected at build")
	}

	sm := sc.syncs[shard]
	if err := sm.SubmitProposal(blk, now); err != nil {
		sh.Pool().Requeue(blk.Transactions)
		return err
	}
	sc.broadcastProposal(blk)

	// Self-vote; with a single active validator this finalizes at once.
	blockHash := blk.Hash()
	sig := SignDigest(sc.cfg.PrivKey, blockHash[:])
	finalized, err := sm.RecordVoteWithSignature(height, sc.cfg.SelfAddress, true, sig, now)
	if err != nil {
		return err
	}
	sc.broadcastVote(BlockVoteMsg{
		Height:    height,
		BlockHash: blockHash,
		Voter:     sc.cfg.SelfAddress,
		Approve:   true,
		Signature: sig,
	})
	if finalized {
		sc.afterFinalize(blk, now)
	}
	return nil
}

// afterFinalize applies per-block economics once a block is committed.
func (sc *SultanConsensus) afterFinalize(blk *Block, now time.Time) {
	if sc.econ == nil {
		return
	}
	if err := sc.econ.AccrueBlockMint(blk.Header.Proposer, sc.cstate); err != nil {
		sc.logger.Warnf("block mint: %v", err)
	}
}

//---------------------------------------------------------------------
// Gossip intake
//---------------------------------------------------------------------

func (sc *SultanConsensus) consumeBlockTopic(ctx context.Context) {
	ch, err := sc.p2p.Subscribe(TopicBlocks)
	if err != nil {
		sc.logger.Errorf("subscribe %s: %v", TopicBlocks, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sc.handleProposalMsg(msg)
		}
	}
}

func (sc *SultanConsensus) consumeConsensusTopic(ctx context.Context) {
	ch, err := sc.p2p.Subscribe(TopicConsensus)
	if err != nil {
		sc.logger.Errorf("subscribe %s: %v", TopicConsensus, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sc.handleVoteMsg(msg)
		}
	}
}

func (sc *SultanConsensus) handleProposalMsg(msg Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Type != WireBlockProposal {
		return
	}
	var prop BlockProposalMsg
	if err := json.Unmarshal(env.Payload, &prop); err != nil {
		return
	}
	var blk Block
	if err := json.Unmarshal(prop.BlockData, &blk); err != nil {
		return
	}
	now := time.Now()
	shard := blk.Header.ShardID
	if uint32(shard) >= sc.engine.ShardCount() {
		return
	}
	sm := sc.syncs[shard]
	if err := sm.SubmitProposal(&blk, now); err != nil {
		sc.logger.Debugf("proposal from %s rejected: %v", msg.From, err)
		return
	}
	// Approve with our own vote when we validate.
	if !sc.cfg.IsValidator {
		return
	}
	blockHash := blk.Hash()
	sig := SignDigest(sc.cfg.PrivKey, blockHash[:])
	finalized, err := sm.RecordVoteWithSignature(blk.Header.Index, sc.cfg.SelfAddress, true, sig, now)
	if err != nil {
		sc.logger.Debugf("self vote: %v", err)
		return
	}
	sc.broadcastVote(BlockVoteMsg{
		Height:    blk.Header.Index,
		BlockHash: blockHash,
		Voter:     sc.cfg.SelfAddress,
		Approve:   true,
		Signature: sig,
	})
	if finalized {
		sc.afterFinalize(&blk, now)
	}
}

func (sc *SultanConsensus) handleVoteMsg(msg Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Type != WireBlockVote {
		return
	}
	var vote BlockVoteMsg
	if err := json.Unmarshal(env.Payload, &vote); err != nil {
		return
	}
	now := time.Now()
	for _, sm := range sc.syncs {
		finalized, err := sm.RecordVoteWithSignature(vote.Height, vote.Voter, vote.Approve, vote.Signature, now)
		if err != nil {
			if err == ErrBlockNotFound {
				continue // wrong shard manager for this height
			}
			sc.logger.Debugf("vote from %s rejected: %v", msg.From, err)
			return
		}
		if finalized {
			if sh, err := sc.engine.Shard(sm.cfg.Shard); err == nil {
				if blk, err := sh.Ledger().BlockByHeight(vote.Height); err == nil {
					sc.afterFinalize(blk, now)
				}
			}
		}
		return
	}
}

//---------------------------------------------------------------------
// Broadcast helpers
//---------------------------------------------------------------------

func (sc *SultanConsensus) broadcastProposal(blk *Block) {
	raw, err := json.Marshal(blk)
	if err != nil {
		return
	}
	payload, _ := json.Marshal(BlockProposalMsg{
		Height:      blk.Header.Index,
		Proposer:    blk.Header.Proposer,
		BlockHash:   blk.Hash(),
		BlockData:   raw,
		ProposerSig: blk.ProposerSig,
	})
	env, _ := json.Marshal(Envelope{Type: WireBlockProposal, Payload: payload})
	if err := sc.p2p.Broadcast(TopicBlocks, env); err != nil {
		sc.logger.Warnf("broadcast proposal: %v", err)
	}
}

func (sc *SultanConsensus) broadcastVote(vote BlockVoteMsg) {
	payload, _ := json.Marshal(vote)
	env, _ := json.Marshal(Envelope{Type: WireBlockVote, Payload: payload})
	if err := sc.p2p.Broadcast(TopicConsensus, env); err != nil {
		sc.logger.Warnf("broadcast vote: %v", err)
	}
}
