package core

// block.go – block hashing, proposer signing and the structural checks
// every node runs before voting.

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"
)

// canonicalHeaderBytes serialises every header field in a fixed layout:
// index(8) || prev_hash(32) || timestamp(8) || proposer(20) ||
// shard_id(4) || tx_root(32).
func (h *BlockHeader) canonicalHeaderBytes() []byte {
	buf := make([]byte, 0, 8+32+8+20+4+32)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], h.Index)
	buf = append(buf, u64[:]...)
	buf = append(buf, h.PrevHash[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(h.Timestamp))
	buf = append(buf, u64[:]...)
	buf = append(buf, h.Proposer[:]...)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(h.ShardID))
	buf = append(buf, u32[:]...)
	buf = append(buf, h.TxRoot[:]...)
	return buf
}

// Hash computes the block hash over the canonical header serialisation,
// which already commits to the ordered transaction set via TxRoot.
func (b *Block) Hash() Hash {
	return SHA256(b.Header.canonicalHeaderBytes())
}

// NextBlockTimestamp enforces the strictly-increasing rule:
// max(wall_clock, prev+1). Proposers must use it; validators reject any
// block violating it.
func NextBlockTimestamp(now time.Time, prevTimestamp int64) int64 {
	ts := now.Unix()
	if ts <= prevTimestamp {
		ts = prevTimestamp + 1
	}
	return ts
}

// SignBlock attaches the proposer signature over the block hash.
func (b *Block) SignBlock(priv ed25519.PrivateKey) {
	h := b.Hash()
	b.ProposerSig = SignDigest(priv, h[:])
}

// VerifyProposerSig checks the proposer signature against the registered
// pubkey for the proposer address.
func (b *Block) VerifyProposerSig(pub []byte) bool {
	h := b.Hash()
	return VerifyDigest(pub, h[:], b.ProposerSig)
}

// ValidateAgainstPrev runs the structural acceptance checks relative to
// the previous block of the same shard.
func (b *Block) ValidateAgainstPrev(prev *Block) error {
	if b.Header.Index != prev.Header.Index+1 {
		return WrapErr(KindValidation, "block index",
			fmt.Errorf("expected %d, got %d", prev.Header.Index+1, b.Header.Index))
	}
	prevHash := prev.Hash()
	if !bytes.Equal(b.Header.PrevHash[:], prevHash[:]) {
		return ErrPrevHashMismatch
	}
	if b.Header.Timestamp <= prev.Header.Timestamp {
		return ErrTimestampViolation
	}
	if b.Header.TxRoot != TxMerkleRoot(b.Transactions) {
		return ErrTxRootMismatch
	}
	return nil
}
