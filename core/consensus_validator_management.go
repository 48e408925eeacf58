package core

// consensus_validator_management.go – the authoritative validator
// registry: stake, delegations, unbonding queue, jail state and voting
// power. All mutators are total: any precondition failure returns a typed
// error without touching state. Persisted through the shared store so the
// registry survives restarts.

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MinStake is the active-set floor in atomic units.
func MinStake() Amount { return DisplayToAtomic(MinStakeDisplay) }

// downtimeWindow / downtimeThreshold drive the auto-jail: >= threshold
// missed inside the rolling window.
const (
	downtimeWindow    = 100
	downtimeThreshold = 50
)

// ConsensusState owns the registry. Reader paths on the producer use the
// bounded try-acquire helpers; writes all flow through block apply.
type ConsensusState struct {
	mu    sync.RWMutex
	store *Store

	validators  map[Address]*Validator
	delegations map[string]*Delegation // key validator.Hex()+":"+delegator.Hex()
	unbonding   []UnbondingEntry
	unbondSeq   uint64
}

// NewConsensusState loads any persisted registry from the store.
func NewConsensusState(store *Store) (*ConsensusState, error) {
	cs := &ConsensusState{
		store:       store,
		validators:  make(map[Address]*Validator),
		delegations: make(map[string]*Delegation),
	}
	it := store.Scan([]byte(NSValidator))
	for it.Next() {
		var v Validator
		if err := json.Unmarshal(it.Value(), &v); err != nil {
			it.Close()
			return nil, WrapErr(KindStorage, "decode validator", err)
		}
		cs.validators[v.Address] = &v
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	dit := store.Scan([]byte(NSDelegation))
	for dit.Next() {
		var d Delegation
		if err := json.Unmarshal(dit.Value(), &d); err != nil {
			dit.Close()
			return nil, WrapErr(KindStorage, "decode delegation", err)
		}
		cs.delegations[delegationKeyMem(d.Validator, d.Delegator)] = &d
	}
	if err := dit.Close(); err != nil {
		return nil, err
	}
	uit := store.Scan([]byte(NSUnbonding))
	for uit.Next() {
		var u UnbondingEntry
		if err := json.Unmarshal(uit.Value(), &u); err != nil {
			uit.Close()
			return nil, WrapErr(KindStorage, "decode unbonding", err)
		}
		cs.unbonding = append(cs.unbonding, u)
		cs.unbondSeq++
	}
	if err := uit.Close(); err != nil {
		return nil, err
	}
	logrus.Infof("consensus-state: loaded %d validators, %d delegations, %d unbonding",
		len(cs.validators), len(cs.delegations), len(cs.unbonding))
	return cs, nil
}

func delegationKeyMem(validator, delegator Address) string {
	return validator.Hex() + ":" + delegator.Hex()
}

func validatorStoreKey(addr Address) []byte {
	return []byte(NSValidator + addr.Hex())
}

func delegationStoreKey(validator, delegator Address) []byte {
	return []byte(NSDelegation + validator.Hex() + ":" + delegator.Hex())
}

func unbondingStoreKey(validator, delegator Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%016x", NSUnbonding, validator.Hex(), delegator.Hex(), seq))
}

// persistValidator writes the registry entry; callers hold the lock.
func (cs *ConsensusState) persistValidator(v *Validator) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return WrapErr(KindStorage, "encode validator", err)
	}
	return cs.store.Put(validatorStoreKey(v.Address), raw)
}

func (cs *ConsensusState) persistDelegation(d *Delegation) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return WrapErr(KindStorage, "encode delegation", err)
	}
	return cs.store.Put(delegationStoreKey(d.Validator, d.Delegator), raw)
}

//---------------------------------------------------------------------
// Registration and staking
//---------------------------------------------------------------------

// RegisterValidator creates a registry entry from a self-stake action.
func (cs *ConsensusState) RegisterValidator(addr Address, pubkey []byte, selfStake Amount, commissionBps uint32) error {
	if len(pubkey) != 32 {
		return ErrBadPublicKey
	}
	if commissionBps > MaxCommissionBps {
		return ErrCommissionOutOfRange
	}
	if selfStake.Lt(MinStake()) {
		return ErrInsufficientStake
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.validators[addr]; ok {
		return ErrDuplicateValidator
	}
	v := &Validator{
		Address:       addr,
		PubKey:        append([]byte(nil), pubkey...),
		SelfStake:     selfStake,
		CommissionBps: commissionBps,
		Status:        ValidatorActive,
		CreatedAt:     time.Now().Unix(),
	}
	if err := cs.persistValidator(v); err != nil {
		return err
	}
	cs.validators[addr] = v
	logrus.WithFields(logrus.Fields{
		"validator": addr.Valoper(),
		"stake":     selfStake.String(),
	}).Info("validator registered")
	return nil
}

// Delegate adds bonded stake from delegator to validator.
func (cs *ConsensusState) Delegate(delegator, validator Address, amount Amount) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	v, ok := cs.validators[validator]
	if !ok {
		return ErrValidatorNotFound
	}
	if v.Status == ValidatorTombstoned {
		return ErrValidatorTombstoned
	}
	newDelegated, err := v.DelegatedStake.Add(amount)
	if err != nil {
		return err
	}

	key := delegationKeyMem(validator, delegator)
	d, ok := cs.delegations[key]
	if !ok {
		d = &Delegation{Delegator: delegator, Validator: validator}
	}
	newAmount, err := d.Amount.Add(amount)
	if err != nil {
		return err
	}

	// Stage both records, then persist; the in-memory view only advances
	// after both writes so I6 cannot be observed broken.
	staged := *d
	staged.Amount = newAmount
	if err := cs.persistDelegation(&staged); err != nil {
		return err
	}
	v.DelegatedStake = newDelegated
	if err := cs.persistValidator(v); err != nil {
		return err
	}
	*d = staged
	cs.delegations[key] = d
	return nil
}

// Undelegate moves stake from bonded into the 21-day unbonding queue.
// Reward accrual stops at the undelegation height.
func (cs *ConsensusState) Undelegate(delegator, validator Address, amount Amount, height uint64) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	v, ok := cs.validators[validator]
	if !ok {
		return ErrValidatorNotFound
	}
	key := delegationKeyMem(validator, delegator)
	d, ok := cs.delegations[key]
	if !ok {
		return ErrDelegationNotFound
	}
	remaining, err := d.Amount.Sub(amount)
	if err != nil {
		return err
	}
	newDelegated, err := v.DelegatedStake.Sub(amount)
	if err != nil {
		return err
	}

	entry := UnbondingEntry{
		Delegator:    delegator,
		Validator:    validator,
		Amount:       amount,
		ReleaseTime:  time.Now().Add(UnbondingPeriod).Unix(),
		CreateHeight: height,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return WrapErr(KindStorage, "encode unbonding", err)
	}
	if err := cs.store.Put(unbondingStoreKey(validator, delegator, cs.unbondSeq), raw); err != nil {
		return err
	}
	cs.unbondSeq++

	if remaining.IsZero() {
		if err := cs.store.Delete(delegationStoreKey(validator, delegator)); err != nil {
			return err
		}
		delete(cs.delegations, key)
	} else {
		staged := *d
		staged.Amount = remaining
		if err := cs.persistDelegation(&staged); err != nil {
			return err
		}
		*d = staged
	}
	v.DelegatedStake = newDelegated
	if err := cs.persistValidator(v); err != nil {
		return err
	}
	cs.unbonding = append(cs.unbonding, entry)
	return nil
}

// MatureUnbondings releases every queued entry past its release time and
// returns them so the caller credits the delegators.
func (cs *ConsensusState) MatureUnbondings(now time.Time) []UnbondingEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var released []UnbondingEntry
	var kept []UnbondingEntry
	for _, u := range cs.unbonding {
		if now.Unix() >= u.ReleaseTime {
			released = append(released, u)
		} else {
			kept = append(kept, u)
		}
	}
	cs.unbonding = kept
	return released
}

//---------------------------------------------------------------------
// Voting power and the active set
//---------------------------------------------------------------------

// TotalStake is self + delegated.
func (v *Validator) TotalStake() Amount {
	sum, err := v.SelfStake.Add(v.DelegatedStake)
	if err != nil {
		// Both components are bounded u128 sums of real deposits; an
		// overflow here means corrupted state.
		panic(fmt.Sprintf("validator %s stake overflow", v.Address.Hex()))
	}
	return sum
}

// VotingPower is floor(total_stake^0.9), computed on display units so the
// float64 mantissa covers realistic stakes exactly. Sublinear, so large
// stakes are discounted. Go's math.Pow is a portable soft-float
// implementation, so the result is identical on every node.
func (v *Validator) VotingPower() uint64 {
	display := v.TotalStake().DisplayUnits()
	if display == 0 {
		return 0
	}
	return uint64(math.Floor(math.Pow(float64(display), 0.9)))
}

// eligible reports active-set membership at the given instant.
func (v *Validator) eligible(now time.Time) bool {
	switch v.Status {
	case ValidatorTombstoned:
		return false
	case ValidatorJailed:
		if now.Unix() < v.JailedUntil {
			return false
		}
		// Jail expired; the validator still needs an explicit unjail.
		return false
	}
	return !v.TotalStake().Lt(MinStake())
}

// ActiveValidators returns the eligible set in ascending address order —
// the only enumeration order consensus code may use.
func (cs *ConsensusState) ActiveValidators(now time.Time) []*Validator {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.activeLocked(now)
}

func (cs *ConsensusState) activeLocked(now time.Time) []*Validator {
	out := make([]*Validator, 0, len(cs.validators))
	for _, v := range cs.validators {
		if v.eligible(now) {
			copyV := *v
			out = append(out, &copyV)
		}
	}
	sort.Slice(out, func(i, j int) bool { return addrLess(out[i].Address, out[j].Address) })
	return out
}

// TryActiveValidators is the producer-path read: non-blocking try-acquire
// with bounded retries (50 x 10ms) so a stalled writer can never deadlock
// block production — the producer yields the tick instead.
func (cs *ConsensusState) TryActiveValidators(now time.Time) ([]*Validator, bool) {
	for i := 0; i < 50; i++ {
		if cs.mu.TryRLock() {
			out := cs.activeLocked(now)
			cs.mu.RUnlock()
			return out, true
		}
		time.Sleep(10 * time.Millisecond)
	}
	logrus.Warn("consensus-state: read lock contended, yielding tick")
	return nil, false
}

// TotalVotingPower sums the active set.
func (cs *ConsensusState) TotalVotingPower(now time.Time) uint64 {
	var total uint64
	for _, v := range cs.ActiveValidators(now) {
		total += v.VotingPower()
	}
	return total
}

// Validator returns a copy of the entry.
func (cs *ConsensusState) Validator(addr Address) (Validator, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.validators[addr]
	if !ok {
		return Validator{}, ErrValidatorNotFound
	}
	return *v, nil
}

// PubKeyOf resolves the registered signing key.
func (cs *ConsensusState) PubKeyOf(addr Address) ([]byte, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.validators[addr]
	if !ok {
		return nil, ErrValidatorNotFound
	}
	return append([]byte(nil), v.PubKey...), nil
}

// IsActive reports whether addr is in the active set right now.
func (cs *ConsensusState) IsActive(addr Address, now time.Time) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.validators[addr]
	return ok && v.eligible(now)
}

// Delegations lists a delegator's positions.
func (cs *ConsensusState) Delegations(delegator Address) []Delegation {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var out []Delegation
	for _, d := range cs.delegations {
		if d.Delegator == delegator {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return addrLess(out[i].Validator, out[j].Validator) })
	return out
}

// DelegatedTotal recomputes Σ delegation.amount for a validator (I6
// audit hook).
func (cs *ConsensusState) DelegatedTotal(validator Address) Amount {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	total := NewAmount(0)
	for _, d := range cs.delegations {
		if d.Validator == validator {
			sum, err := total.Add(d.Amount)
			if err != nil {
				panic("delegation sum overflow")
			}
			total = sum
		}
	}
	return total
}

//---------------------------------------------------------------------
// Liveness accounting
//---------------------------------------------------------------------

// RecordBlockSigned marks participation for the height.
func (cs *ConsensusState) RecordBlockSigned(addr Address) error {
	return cs.recordLiveness(addr, false)
}

// RecordBlockMissed marks a miss; crossing the downtime threshold inside
// the rolling window is reported to the caller by DowntimeExceeded.
func (cs *ConsensusState) RecordBlockMissed(addr Address) error {
	return cs.recordLiveness(addr, true)
}

func (cs *ConsensusState) recordLiveness(addr Address, missed bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	v, ok := cs.validators[addr]
	if !ok {
		return ErrValidatorNotFound
	}
	if missed {
		v.BlocksMissed++
	} else {
		v.BlocksSigned++
	}
	v.MissedWindow = append(v.MissedWindow, missed)
	if len(v.MissedWindow) > downtimeWindow {
		v.MissedWindow = v.MissedWindow[len(v.MissedWindow)-downtimeWindow:]
	}
	return cs.persistValidator(v)
}

// DowntimeExceeded reports whether the rolling window has crossed the
// auto-jail threshold.
func (cs *ConsensusState) DowntimeExceeded(addr Address) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.validators[addr]
	if !ok {
		return false
	}
	missed := 0
	for _, m := range v.MissedWindow {
		if m {
			missed++
		}
	}
	return missed >= downtimeThreshold
}

// Unjail restores an expired-jail validator to the active set.
func (cs *ConsensusState) Unjail(addr Address, now time.Time) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	v, ok := cs.validators[addr]
	if !ok {
		return ErrValidatorNotFound
	}
	switch v.Status {
	case ValidatorTombstoned:
		return ErrValidatorTombstoned
	case ValidatorActive:
		return nil
	}
	if now.Unix() < v.JailedUntil {
		return ErrValidatorJailed
	}
	v.Status = ValidatorActive
	v.MissedWindow = nil
	return cs.persistValidator(v)
}
