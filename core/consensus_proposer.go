package core

// consensus_proposer.go – deterministic weighted proposer selection. Every
// node with the same (prev_hash, height, validator_set) computes the same
// address; the enumeration is ascending-address, never map order.

import (
	"encoding/binary"
	"time"
)

// ProposerSeed is SHA-256(prev_block_hash || height_be).
func ProposerSeed(prevHash Hash, height uint64) Hash {
	buf := make([]byte, 0, 40)
	buf = append(buf, prevHash[:]...)
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], height)
	buf = append(buf, h[:]...)
	return SHA256(buf)
}

// SelectProposer walks the address-ordered active set accumulating voting
// power; the first validator whose running sum exceeds the seeded target
// proposes. Returns ErrEmptyValidatorSet when nothing is eligible — block
// production halts rather than guessing.
func (cs *ConsensusState) SelectProposer(prevHash Hash, height uint64, now time.Time) (Address, error) {
	active := cs.ActiveValidators(now)
	return selectFromSet(active, prevHash, height)
}

// TrySelectProposer is the producer-path variant using the bounded
// try-acquire read.
func (cs *ConsensusState) TrySelectProposer(prevHash Hash, height uint64, now time.Time) (Address, bool, error) {
	active, ok := cs.TryActiveValidators(now)
	if !ok {
		return Address{}, false, nil
	}
	addr, err := selectFromSet(active, prevHash, height)
	return addr, true, err
}

func selectFromSet(active []*Validator, prevHash Hash, height uint64) (Address, error) {
	if len(active) == 0 {
		return Address{}, ErrEmptyValidatorSet
	}
	var total uint64
	for _, v := range active {
		total += v.VotingPower()
	}
	if total == 0 {
		return Address{}, ErrEmptyValidatorSet
	}
	seed := ProposerSeed(prevHash, height)
	target := binary.BigEndian.Uint64(seed[:8]) % total

	var running uint64
	for _, v := range active {
		running += v.VotingPower()
		if running > target {
			return v.Address, nil
		}
	}
	// Unreachable: running == total > target after the last element.
	return active[len(active)-1].Address, nil
}
