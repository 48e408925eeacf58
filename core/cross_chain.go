package core

// cross_chain.go – bridge verdict consumption. The core never learns
// SPV/ZK internals; verifiers are sealed variants that produce a single
// verdict, and only the verdict (plus proof-size bounds) crosses into the
// core. Bridge business logic lives outside.

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxBridgeProofBytes bounds any proof blob a verifier may carry.
const MaxBridgeProofBytes = 1 << 20

// VerdictKind is the outcome class of a bridge verification.
type VerdictKind uint8

const (
	VerdictVerified VerdictKind = iota + 1
	VerdictPending
	VerdictFailed
)

// BridgeVerdict is the only bridge output the core consumes.
type BridgeVerdict struct {
	Kind VerdictKind `json:"kind"`
	// Pending details: confirmations seen / required.
	Confirmations uint64 `json:"confirmations,omitempty"`
	Required      uint64 `json:"required,omitempty"`
	// Failure reason.
	Reason string `json:"reason,omitempty"`
}

// BridgeVerifier is the sealed verification contract. Implementations are
// the closed set of chain-specific variants below; no reflection, no
// dynamic dispatch beyond this one method.
type BridgeVerifier interface {
	Verify() BridgeVerdict
	sealed()
}

// SPVVerifier checks a Merkle inclusion proof against a known header
// root.
type SPVVerifier struct {
	TxHash Hash
	Root   Hash
	Proof  []MerkleProofStep
}

func (v SPVVerifier) sealed() {}

// Verify recomputes the root from the proof path.
func (v SPVVerifier) Verify() BridgeVerdict {
	if len(v.Proof) > MaxBridgeProofBytes/32 {
		return BridgeVerdict{Kind: VerdictFailed, Reason: "proof too large"}
	}
	if VerifyMerkleProof(v.TxHash, v.Proof, v.Root) {
		return BridgeVerdict{Kind: VerdictVerified}
	}
	return BridgeVerdict{Kind: VerdictFailed, Reason: "merkle proof mismatch"}
}

// ZKVerifier wraps an externally checked zero-knowledge proof outcome
// together with its raw byte bound.
type ZKVerifier struct {
	ProofBytes int
	Valid      bool
}

func (v ZKVerifier) sealed() {}

func (v ZKVerifier) Verify() BridgeVerdict {
	if v.ProofBytes > MaxBridgeProofBytes {
		return BridgeVerdict{Kind: VerdictFailed, Reason: "proof too large"}
	}
	if v.Valid {
		return BridgeVerdict{Kind: VerdictVerified}
	}
	return BridgeVerdict{Kind: VerdictFailed, Reason: "zk proof invalid"}
}

// GRPCStatusVerifier reflects a finality gate reported by a remote chain
// service: pending until confirmations reach the requirement.
type GRPCStatusVerifier struct {
	Confirmations uint64
	Required      uint64
}

func (v GRPCStatusVerifier) sealed() {}

func (v GRPCStatusVerifier) Verify() BridgeVerdict {
	if v.Confirmations >= v.Required {
		return BridgeVerdict{Kind: VerdictVerified}
	}
	return BridgeVerdict{Kind: VerdictPending, Confirmations: v.Confirmations, Required: v.Required}
}

// BOCVerifier validates a bag-of-cells style envelope hash.
type BOCVerifier struct {
	Envelope []byte
	Expected Hash
}

func (v BOCVerifier) sealed() {}

func (v BOCVerifier) Verify() BridgeVerdict {
	if len(v.Envelope) > MaxBridgeProofBytes {
		return BridgeVerdict{Kind: VerdictFailed, Reason: "envelope too large"}
	}
	if SHA256(v.Envelope) == v.Expected {
		return BridgeVerdict{Kind: VerdictVerified}
	}
	return BridgeVerdict{Kind: VerdictFailed, Reason: "envelope hash mismatch"}
}

//---------------------------------------------------------------------
// Bridge registry
//---------------------------------------------------------------------

// Bridge is a registered cross-chain endpoint configuration.
type Bridge struct {
	ID          string    `json:"id"`
	SourceChain string    `json:"source_chain"`
	TargetChain string    `json:"target_chain"`
	Relayer     Address   `json:"relayer"`
	CreatedAt   time.Time `json:"created_at"`
}

// BridgeRegistry persists bridge configs; verdicts gate relayer actions.
type BridgeRegistry struct {
	store *Store
}

// NewBridgeRegistry binds the registry.
func NewBridgeRegistry(store *Store) *BridgeRegistry { return &BridgeRegistry{store: store} }

func bridgeKey(id string) []byte { return []byte("bridge:" + id) }

// Register stores a new bridge configuration.
func (r *BridgeRegistry) Register(b Bridge) (Bridge, error) {
	logger := zap.L().Sugar()
	if b.SourceChain == "" || b.TargetChain == "" {
		return Bridge{}, ErrParamOutOfRange
	}
	b.ID = uuid.New().String()
	b.CreatedAt = time.Now().UTC()
	raw, err := json.Marshal(b)
	if err != nil {
		return Bridge{}, WrapErr(KindStorage, "encode bridge", err)
	}
	if err := r.store.Put(bridgeKey(b.ID), raw); err != nil {
		return Bridge{}, err
	}
	logger.Infof("bridge %s registered %s -> %s (relayer %s)",
		b.ID, b.SourceChain, b.TargetChain, hex.EncodeToString(b.Relayer[:]))
	return b, nil
}

// Get loads a bridge configuration.
func (r *BridgeRegistry) Get(id string) (Bridge, error) {
	raw, err := r.store.Get(bridgeKey(id))
	if err != nil {
		return Bridge{}, err
	}
	var b Bridge
	if err := json.Unmarshal(raw, &b); err != nil {
		return Bridge{}, WrapErr(KindStorage, "decode bridge", err)
	}
	return b, nil
}

// String renders a verdict for logs and RPC mirrors.
func (v BridgeVerdict) String() string {
	switch v.Kind {
	case VerdictVerified:
		return "verified"
	case VerdictPending:
		return fmt.Sprintf("pending %d/%d", v.Confirmations, v.Required)
	case VerdictFailed:
		return "failed: " + v.Reason
	default:
		return "unknown"
	}
}
