package core

// common_structs.go – centralised struct definitions referenced across
// modules. This file declares data structures only (no behaviour) to keep
// the build graph of the flat core package free of cyclic pressure.

import (
	"context"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

//---------------------------------------------------------------------
// Primitive identifiers
//---------------------------------------------------------------------

// Address is a 20-byte account identifier, bech32-rendered for humans.
type Address [20]byte

// Hash is a 32-byte SHA-256 digest.
type Hash [32]byte

// ShardID indexes a state partition.
type ShardID uint32

// NodeID identifies a libp2p peer.
type NodeID string

//---------------------------------------------------------------------
// Chain parameters
//---------------------------------------------------------------------

const (
	// MinStakeDisplay is the self-stake floor for validators, in display
	// units.
	MinStakeDisplay = 10_000

	// MaxMemoBytes bounds the optional transaction memo.
	MaxMemoBytes = 512

	// TxClockSkew is the accepted transaction timestamp window.
	TxClockSkew = 600 * time.Second

	// DefaultShardCount partitions the address space unless configured.
	DefaultShardCount = 16

	// MaxShardCount is the hard ceiling on shards.
	MaxShardCount = 8000

	// UnbondingPeriod delays release of undelegated stake.
	UnbondingPeriod = 21 * 24 * time.Hour

	// BlocksPerYear assumes the 2-second block target.
	BlocksPerYear = 15_768_000

	// InflationBps is the fixed yearly inflation (4.000%) in basis points.
	InflationBps = 400

	// APYCapBps caps staker yield at 13.33%.
	APYCapBps = 1333

	// MaxCommissionBps bounds validator commission at 50%.
	MaxCommissionBps = 5000

	// CompactionInterval is the applied-block count between storage
	// compactions.
	CompactionInterval = 10_000

	// MaxHistoryPerAddress bounds the in-memory per-address tx index.
	MaxHistoryPerAddress = 10_000
)

//---------------------------------------------------------------------
// Accounts and transactions
//---------------------------------------------------------------------

// Account is the per-address balance/nonce pair stored under wallet:{addr}.
type Account struct {
	Balance Amount `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// Transaction is the signed value transfer. The signing digest covers the
// canonical JSON of {from,to,amount,memo,nonce,timestamp}; see
// SigningDigest in transaction.go.
type Transaction struct {
	From      Address `json:"from"`
	To        Address `json:"to"`
	Amount    Amount  `json:"amount"`
	Memo      string  `json:"memo,omitempty"`
	Nonce     uint64  `json:"nonce"`
	Timestamp int64   `json:"timestamp"`
	Signature []byte  `json:"signature"`
	PublicKey []byte  `json:"public_key"`
}

//---------------------------------------------------------------------
// Blocks
//---------------------------------------------------------------------

// BlockHeader carries every hashed field of a block.
type BlockHeader struct {
	Index     uint64  `json:"index"`
	PrevHash  Hash    `json:"prev_hash"`
	Timestamp int64   `json:"timestamp"`
	Proposer  Address `json:"proposer"`
	ShardID   ShardID `json:"shard_id"`
	TxRoot    Hash    `json:"tx_root"`
}

// Block is a finalised unit of the per-shard chain.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	ProposerSig  []byte         `json:"proposer_signature"`
}

//---------------------------------------------------------------------
// Validators and delegations
//---------------------------------------------------------------------

// ValidatorStatus tracks jail state. Tombstoned validators are retained
// forever for slashing accountability.
type ValidatorStatus uint8

const (
	ValidatorActive ValidatorStatus = iota
	ValidatorJailed
	ValidatorTombstoned
)

// Validator is the registry entry persisted under validator:{addr}.
type Validator struct {
	Address            Address         `json:"address"`
	PubKey             []byte          `json:"pubkey"`
	SelfStake          Amount          `json:"self_stake"`
	DelegatedStake     Amount          `json:"delegated_stake"`
	CommissionBps      uint32          `json:"commission_bps"`
	RewardsAccumulated Amount          `json:"rewards_accumulated"`
	BlocksSigned       uint64          `json:"blocks_signed"`
	BlocksMissed       uint64          `json:"blocks_missed"`
	Status             ValidatorStatus `json:"status"`
	JailedUntil        int64           `json:"jailed_until"`
	CreatedAt          int64           `json:"created_at"`
	LastRewardHeight   uint64          `json:"last_reward_height"`

	// MissedWindow is the rolling 100-block signing record driving the
	// downtime jail; true marks a miss.
	MissedWindow []bool `json:"missed_window,omitempty"`
}

// Delegation is stored under delegation:{validator}:{delegator}.
type Delegation struct {
	Delegator          Address `json:"delegator"`
	Validator          Address `json:"validator"`
	Amount             Amount  `json:"amount"`
	RewardsAccumulated Amount  `json:"rewards_accumulated"`
	LastRewardHeight   uint64  `json:"last_reward_height"`
}

// UnbondingEntry queues stake released by an undelegation.
type UnbondingEntry struct {
	Delegator    Address `json:"delegator"`
	Validator    Address `json:"validator"`
	Amount       Amount  `json:"amount"`
	ReleaseTime  int64   `json:"release_time"`
	CreateHeight uint64  `json:"create_height"`
}

// SlashReason selects the penalty row applied by Slash.
type SlashReason uint8

const (
	SlashDoubleSign SlashReason = iota
	SlashDowntime
	SlashInvalidBlock
	SlashGovernance
)

//---------------------------------------------------------------------
// Block-Sync
//---------------------------------------------------------------------

// VoteRecord is a single validator's signed verdict on a pending block.
type VoteRecord struct {
	Approve   bool   `json:"approve"`
	Signature []byte `json:"signature"`
}

// PendingBlock accumulates votes until finalisation or expiry.
type PendingBlock struct {
	Block     *Block                 `json:"block"`
	Votes     map[Address]VoteRecord `json:"votes"`
	CreatedAt time.Time              `json:"created_at"`
}

// SyncState describes the node's position relative to its peers.
type SyncState uint8

const (
	SyncSynced SyncState = iota
	SyncSyncing
	SyncBehind
)

//---------------------------------------------------------------------
// Cross-shard transfers
//---------------------------------------------------------------------

// TransferState is the 2PC state machine position. Committed and Aborted
// are terminal; every other state must resolve during recovery.
type TransferState uint8

const (
	TransferPreparing TransferState = iota
	TransferPrepared
	TransferCommitting
	TransferCommitted
	TransferAborting
	TransferAborted
)

// CrossShardTransfer is the WAL record for an atomic two-shard move.
type CrossShardTransfer struct {
	ID        Hash          `json:"id"`
	FromShard ShardID       `json:"from_shard"`
	ToShard   ShardID       `json:"to_shard"`
	FromAddr  Address       `json:"from_addr"`
	ToAddr    Address       `json:"to_addr"`
	Amount    Amount        `json:"amount"`
	State     TransferState `json:"state"`
	FromProof Hash          `json:"from_proof"`
	ToProof   Hash          `json:"to_proof"`
	Attempts  uint32        `json:"attempts"`
	CreatedAt int64         `json:"created_at"`
	UpdatedAt int64         `json:"updated_at"`
}

//---------------------------------------------------------------------
// Merkle
//---------------------------------------------------------------------

// MerkleProofStep is one sibling on the path from leaf to root; Left marks
// siblings that sit left of the running hash.
type MerkleProofStep struct {
	Sibling Hash `json:"sibling"`
	Left    bool `json:"left"`
}

// MerkleTree retains leaves and intermediate levels for proof generation.
type MerkleTree struct {
	Root   Hash
	leaves []Hash
	levels [][]Hash
}

//---------------------------------------------------------------------
// P2P wire messages
//---------------------------------------------------------------------

// Gossip topics.
const (
	TopicBlocks       = "sultan/blocks"
	TopicTransactions = "sultan/transactions"
	TopicValidators   = "sultan/validators"
	TopicConsensus    = "sultan/consensus"
)

// WireType tags the envelope payload.
type WireType uint8

const (
	WireBlockProposal WireType = iota + 1
	WireBlockVote
	WireTransaction
	WireValidatorAnnounce
	WireSyncRequest
	WireSyncResponse
)

// Envelope is the tagged wire unit carried over gossipsub.
type Envelope struct {
	Type    WireType `json:"type"`
	Payload []byte   `json:"payload"`
}

// BlockProposalMsg announces a freshly built block.
type BlockProposalMsg struct {
	Height      uint64  `json:"height"`
	Proposer    Address `json:"proposer"`
	BlockHash   Hash    `json:"block_hash"`
	BlockData   []byte  `json:"block_data"`
	ProposerSig []byte  `json:"proposer_signature"`
}

// BlockVoteMsg carries a signed vote for a pending block.
type BlockVoteMsg struct {
	Height    uint64  `json:"height"`
	BlockHash Hash    `json:"block_hash"`
	Voter     Address `json:"voter"`
	Approve   bool    `json:"approve"`
	Signature []byte  `json:"signature"`
	PubKey    []byte  `json:"pubkey"`
}

// TxMsg gossips a raw signed transaction.
type TxMsg struct {
	TxHash Hash   `json:"tx_hash"`
	TxData []byte `json:"tx_data"`
}

// ValidatorAnnounceMsg registers a validator pubkey in the local directory.
// It never mutates the consensus validator set.
type ValidatorAnnounceMsg struct {
	Address   Address `json:"address"`
	Stake     Amount  `json:"stake"`
	PeerID    string  `json:"peer_id"`
	PubKey    []byte  `json:"pubkey"`
	Signature []byte  `json:"signature"`
}

// SyncRequestMsg asks a peer for a block range.
type SyncRequestMsg struct {
	FromHeight uint64 `json:"from_height"`
	ToHeight   uint64 `json:"to_height"`
}

// SyncResponseMsg returns the requested blocks in order.
type SyncResponseMsg struct {
	Blocks []*Block `json:"blocks"`
}

// Message is a received gossip unit handed to subscribers.
type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

//---------------------------------------------------------------------
// P2P node internals
//---------------------------------------------------------------------

// Peer tracks a known remote node.
type Peer struct {
	ID    NodeID
	Addr  string
	Score int
}

// peerGuard holds the per-peer rate limiter and misbehaviour state.
type peerGuard struct {
	limiter   *rate.Limiter
	score     int
	bannedTil time.Time
}

// Node is the gossip transport. It is not authoritative for the validator
// set; every inbound message is independently validated by consensus state.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	topicLock sync.Mutex
	subLock   sync.Mutex

	peerLock sync.RWMutex
	peers    map[NodeID]*Peer
	guards   map[NodeID]*peerGuard

	keys *PubKeyDirectory

	logger *logrus.Logger
	cfg    NetworkConfig

	ctx    context.Context
	cancel context.CancelFunc
}

// NetworkConfig configures the transport.
type NetworkConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	MaxMessageSize int
	MsgsPerMinute  int
	BanDuration    time.Duration
}

//---------------------------------------------------------------------
// Genesis and feature flags
//---------------------------------------------------------------------

// GenesisAccount seeds an initial balance.
type GenesisAccount struct {
	Address Address `json:"address"`
	Balance Amount  `json:"balance"`
}

// GenesisValidator seeds the initial validator set.
type GenesisValidator struct {
	Address       Address `json:"address"`
	PubKey        []byte  `json:"pubkey"`
	SelfStake     Amount  `json:"self_stake"`
	CommissionBps uint32  `json:"commission_bps"`
}

// GenesisEconomics fixes the monetary parameters at launch.
type GenesisEconomics struct {
	InitialSupply Amount `json:"initial_supply"`
	InflationBps  uint32 `json:"inflation_bps"`
	APYCapBps     uint32 `json:"apy_cap_bps"`
}

// Genesis is the hashed height-0 document.
type Genesis struct {
	ChainID    string             `json:"chain_id"`
	Time       int64              `json:"time"`
	Accounts   []GenesisAccount   `json:"accounts"`
	Validators []GenesisValidator `json:"validators"`
	Economics  GenesisEconomics   `json:"economics"`
}

// FeatureFlags are hot-activatable runtime toggles.
type FeatureFlags struct {
	ShardingEnabled      bool `json:"sharding_enabled" mapstructure:"sharding_enabled"`
	GovernanceEnabled    bool `json:"governance_enabled" mapstructure:"governance_enabled"`
	BridgesEnabled       bool `json:"bridges_enabled" mapstructure:"bridges_enabled"`
	WASMContractsEnabled bool `json:"wasm_contracts_enabled" mapstructure:"wasm_contracts_enabled"`
	EVMContractsEnabled  bool `json:"evm_contracts_enabled" mapstructure:"evm_contracts_enabled"`
	IBCEnabled           bool `json:"ibc_enabled" mapstructure:"ibc_enabled"`
}
