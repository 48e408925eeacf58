package core

// stake_penalty.go – slashing. Penalties debit bonded and unbonding stake
// pro-rata and jail the validator per the policy table. Slash credits no
// account: the slashed total is only reported (SlashOutcome.SlashedCredit).

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"
)

// CommunityPoolAddress is the community-pool module address. Slash does
// not credit it.
var CommunityPoolAddress = moduleAddress("community_pool")

func moduleAddress(module string) Address {
	sum := sha256.Sum256([]byte("module:" + module))
	var a Address
	copy(a[:], sum[:20])
	return a
}

// slashRow is one policy entry: penalty in basis points of total stake
// plus the jail term. A zero term with tombstone set is permanent.
type slashRow struct {
	penaltyBps uint32
	jailFor    time.Duration
	tombstone  bool
}

var slashPolicy = map[SlashReason]slashRow{
	SlashDoubleSign:   {penaltyBps: 500, tombstone: true},
	SlashDowntime:     {penaltyBps: 10, jailFor: 10 * time.Minute},
	SlashInvalidBlock: {penaltyBps: 500, jailFor: time.Hour},
}

// SlashOutcome reports what a slash changed, for evidence records and the
// community-pool credit.
type SlashOutcome struct {
	Validator    Address     `json:"validator"`
	Reason       SlashReason `json:"reason"`
	PenaltyBps   uint32      `json:"penalty_bps"`
	SlashedBond  Amount      `json:"slashed_bonded"`
	SlashedUnbnd Amount      `json:"slashed_unbonding"`
	Tombstoned   bool        `json:"tombstoned"`
	JailedUntil  int64       `json:"jailed_until"`
}

// Slash applies the policy row for reason. Governance slashes pass their
// own parameters through penaltyBps/jailFor; other reasons ignore them.
// The mutation is total: any failure leaves the registry untouched.
func (cs *ConsensusState) Slash(addr Address, reason SlashReason, penaltyBps uint32, jailFor time.Duration, now time.Time) (*SlashOutcome, error) {
	row, ok := slashPolicy[reason]
	if !ok {
		if reason != SlashGovernance {
			return nil, ErrParamOutOfRange
		}
		row = slashRow{penaltyBps: penaltyBps, jailFor: jailFor}
	}
	if row.penaltyBps > 10_000 {
		return nil, ErrParamOutOfRange
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	v, ok := cs.validators[addr]
	if !ok {
		return nil, ErrValidatorNotFound
	}
	if v.Status == ValidatorTombstoned {
		return nil, ErrValidatorTombstoned
	}

	// Pro-rata debit of self stake, delegated stake and this validator's
	// unbonding entries.
	slashedSelf := bpsOf(v.SelfStake, row.penaltyBps)
	slashedDeleg := bpsOf(v.DelegatedStake, row.penaltyBps)

	newSelf, err := v.SelfStake.Sub(slashedSelf)
	if err != nil {
		return nil, err
	}
	newDeleg, err := v.DelegatedStake.Sub(slashedDeleg)
	if err != nil {
		return nil, err
	}

	slashedUnbonding := NewAmount(0)
	stagedUnbonding := make([]UnbondingEntry, len(cs.unbonding))
	copy(stagedUnbonding, cs.unbonding)
	for i := range stagedUnbonding {
		if stagedUnbonding[i].Validator != addr {
			continue
		}
		cut := bpsOf(stagedUnbonding[i].Amount, row.penaltyBps)
		remain, err := stagedUnbonding[i].Amount.Sub(cut)
		if err != nil {
			return nil, err
		}
		stagedUnbonding[i].Amount = remain
		slashedUnbonding, err = slashedUnbonding.Add(cut)
		if err != nil {
			return nil, err
		}
	}

	// Delegations shrink with the delegated pool so I6 stays true.
	type stagedDeleg struct {
		key string
		d   Delegation
	}
	var stagedDelegs []stagedDeleg
	for key, d := range cs.delegations {
		if d.Validator != addr {
			continue
		}
		cut := bpsOf(d.Amount, row.penaltyBps)
		remain, err := d.Amount.Sub(cut)
		if err != nil {
			return nil, err
		}
		nd := *d
		nd.Amount = remain
		stagedDelegs = append(stagedDelegs, stagedDeleg{key: key, d: nd})
	}

	slashedBond, err := slashedSelf.Add(slashedDeleg)
	if err != nil {
		return nil, err
	}

	out := &SlashOutcome{
		Validator:    addr,
		Reason:       reason,
		PenaltyBps:   row.penaltyBps,
		SlashedBond:  slashedBond,
		SlashedUnbnd: slashedUnbonding,
		Tombstoned:   row.tombstone,
	}

	v.SelfStake = newSelf
	v.DelegatedStake = newDeleg
	if row.tombstone {
		v.Status = ValidatorTombstoned
		v.JailedUntil = 0
	} else {
		v.Status = ValidatorJailed
		v.JailedUntil = now.Add(row.jailFor).Unix()
		out.JailedUntil = v.JailedUntil
	}
	if err := cs.persistValidator(v); err != nil {
		return nil, err
	}
	for _, sd := range stagedDelegs {
		if err := cs.persistDelegation(&sd.d); err != nil {
			return nil, err
		}
		*cs.delegations[sd.key] = sd.d
	}
	cs.unbonding = stagedUnbonding

	// Evidence record keeps slashing accountable across restarts.
	raw, _ := json.Marshal(out)
	evKey := []byte(NSEvidence + addr.Hex() + ":" + time.Now().UTC().Format(time.RFC3339Nano))
	if err := cs.store.Put(evKey, raw); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"validator": addr.Valoper(),
		"reason":    reason,
		"bps":       row.penaltyBps,
		"bonded":    slashedBond.String(),
		"unbonding": slashedUnbonding.String(),
	}).Warn("validator slashed")
	return out, nil
}

// bpsOf computes amount * bps / 10_000 rounded down.
func bpsOf(a Amount, bps uint32) Amount {
	u := a.U256()
	u.Mul(u, uint256.NewInt(uint64(bps)))
	u.Div(u, uint256.NewInt(10_000))
	out, err := amountFromU256(u)
	if err != nil {
		// a <= 2^128-1 and bps <= 10^4: the product fits 256 bits and the
		// quotient is <= a.
		panic("bps math overflow")
	}
	return out
}

// SlashedCredit returns the total slashed (bonded plus unbonding) for an
// outcome.
func (o *SlashOutcome) SlashedCredit() Amount {
	total, err := o.SlashedBond.Add(o.SlashedUnbnd)
	if err != nil {
		panic("slash outcome overflow")
	}
	return total
}
