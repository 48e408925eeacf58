package core

// coin.go – monetary policy. Fixed 4.000%/year inflation minted per block
// over 15,768,000 blocks/year, rounded down in atomic units with the
// residual carried into the next block so no dust is ever lost. Staker
// APY is capped at 13.33%. All figures live in basis points; floats are
// display-only.

import (
	"encoding/json"
	"sync"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

const (
	supplyTotalKey    = NSSupply + "total"
	supplyResidualKey = NSSupply + "residual"
)

// Economics owns supply accounting.
type Economics struct {
	mu    sync.Mutex
	store *Store
}

// NewEconomics binds supply tracking to the store.
func NewEconomics(store *Store) *Economics {
	return &Economics{store: store}
}

// InitSupply seeds the genesis supply; a second call is a no-op so node
// restarts are safe.
func (e *Economics) InitSupply(initial Amount) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ok, _ := e.store.Has([]byte(supplyTotalKey)); ok {
		return nil
	}
	return e.writeSupply(initial)
}

func (e *Economics) writeSupply(total Amount) error {
	raw, err := json.Marshal(total)
	if err != nil {
		return WrapErr(KindStorage, "encode supply", err)
	}
	return e.store.Put([]byte(supplyTotalKey), raw)
}

// TotalSupply reads the tracked supply.
func (e *Economics) TotalSupply() (Amount, error) {
	raw, err := e.store.Get([]byte(supplyTotalKey))
	if err == ErrKeyNotFound {
		return NewAmount(0), nil
	}
	if err != nil {
		return Amount{}, err
	}
	var a Amount
	if err := json.Unmarshal(raw, &a); err != nil {
		return Amount{}, WrapErr(KindStorage, "decode supply", err)
	}
	return a, nil
}

func (e *Economics) readResidual() *uint256.Int {
	raw, err := e.store.Get([]byte(supplyResidualKey))
	if err != nil || len(raw) != 32 {
		return uint256.NewInt(0)
	}
	var r uint256.Int
	r.SetBytes(raw)
	return &r
}

func (e *Economics) writeResidual(r *uint256.Int) error {
	b := r.Bytes32()
	return e.store.Put([]byte(supplyResidualKey), b[:])
}

// PerBlockMint computes the next mint: (supply·bps + residual) split by
// 10_000·BlocksPerYear, round down, remainder carried.
func PerBlockMint(supply Amount, residual *uint256.Int) (Amount, *uint256.Int) {
	num := supply.U256()
	num.Mul(num, uint256.NewInt(InflationBps))
	num.Add(num, residual)

	denom := uint256.NewInt(10_000)
	denom.Mul(denom, uint256.NewInt(BlocksPerYear))

	var mint, rem uint256.Int
	mint.DivMod(num, denom, &rem)
	out, err := amountFromU256(&mint)
	if err != nil {
		// supply is u128 and bps < 2^14; the quotient always fits.
		panic("mint overflow")
	}
	return out, rem.Clone()
}

// AccrueBlockMint mints the per-block inflation to the proposer and grows
// supply. Commission goes to the validator; the remainder is shared
// pro-rata between self-stake and delegations.
func (e *Economics) AccrueBlockMint(proposer Address, cs *ConsensusState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	supply, err := e.TotalSupply()
	if err != nil {
		return err
	}
	mint, residual := PerBlockMint(supply, e.readResidual())
	if err := e.writeResidual(residual); err != nil {
		return err
	}
	if mint.IsZero() {
		return nil
	}
	newSupply, err := supply.Add(mint)
	if err != nil {
		return err
	}
	if err := e.writeSupply(newSupply); err != nil {
		return err
	}
	if err := cs.AccrueReward(proposer, mint); err != nil {
		return err
	}
	logrus.Debugf("economics: minted %s to %s (supply %s)",
		mint.String(), proposer.Hex(), newSupply.String())
	return nil
}

// EffectiveAPYBps = min(inflation / staking_ratio, cap), all in basis
// points: inflationBps · supply / bonded, capped.
func EffectiveAPYBps(supply, bonded Amount) uint32 {
	if bonded.IsZero() || supply.IsZero() {
		return APYCapBps
	}
	num := supply.U256()
	num.Mul(num, uint256.NewInt(InflationBps))
	num.Div(num, bonded.U256())
	if !num.IsUint64() || num.Uint64() > APYCapBps {
		return APYCapBps
	}
	return uint32(num.Uint64())
}

// BondedTotal sums every validator's stake.
func (cs *ConsensusState) BondedTotal() Amount {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	total := NewAmount(0)
	for _, v := range cs.validators {
		sum, err := total.Add(v.TotalStake())
		if err != nil {
			panic("bonded total overflow")
		}
		total = sum
	}
	return total
}

// UnbondingTotal sums the release queue.
func (cs *ConsensusState) UnbondingTotal() Amount {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	total := NewAmount(0)
	for _, u := range cs.unbonding {
		sum, err := total.Add(u.Amount)
		if err != nil {
			panic("unbonding total overflow")
		}
		total = sum
	}
	return total
}

// AccrueReward distributes a mint: commission to the validator, the rest
// pro-rata across self-stake and delegations. Rounded-down shares leave
// the dust with the validator so the full mint is always accounted.
func (cs *ConsensusState) AccrueReward(addr Address, reward Amount) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	v, ok := cs.validators[addr]
	if !ok {
		return ErrValidatorNotFound
	}

	commission := bpsOf(reward, v.CommissionBps)
	remainder, err := reward.Sub(commission)
	if err != nil {
		return err
	}

	total := v.TotalStake()
	distributed := NewAmount(0)
	if !total.IsZero() && !remainder.IsZero() {
		for key, d := range cs.delegations {
			if d.Validator != addr {
				continue
			}
			share := proRata(remainder, d.Amount, total)
			if share.IsZero() {
				continue
			}
			nd := *d
			nd.RewardsAccumulated, err = d.RewardsAccumulated.Add(share)
			if err != nil {
				return err
			}
			if err := cs.persistDelegation(&nd); err != nil {
				return err
			}
			*cs.delegations[key] = nd
			distributed, err = distributed.Add(share)
			if err != nil {
				return err
			}
		}
	}

	keep, err := reward.Sub(distributed)
	if err != nil {
		return err
	}
	v.RewardsAccumulated, err = v.RewardsAccumulated.Add(keep)
	if err != nil {
		return err
	}
	return cs.persistValidator(v)
}

// WithdrawRewards zeroes and returns the accumulated validator rewards so
// the caller can credit the operator account.
func (cs *ConsensusState) WithdrawRewards(addr Address) (Amount, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	v, ok := cs.validators[addr]
	if !ok {
		return Amount{}, ErrValidatorNotFound
	}
	out := v.RewardsAccumulated
	v.RewardsAccumulated = NewAmount(0)
	if err := cs.persistValidator(v); err != nil {
		return Amount{}, err
	}
	return out, nil
}

// proRata computes reward · part / whole rounded down.
func proRata(reward, part, whole Amount) Amount {
	if whole.IsZero() {
		return NewAmount(0)
	}
	u := reward.U256()
	u.Mul(u, part.U256())
	u.Div(u, whole.U256())
	out, err := amountFromU256(u)
	if err != nil {
		panic("pro-rata overflow")
	}
	return out
}

//---------------------------------------------------------------------
// Supply conservation (P7)
//---------------------------------------------------------------------

// VerifySupply checks Σ balances + Σ bonded + Σ unbonding + Σ pending
// rewards against the tracked supply. Run at every height in tests and on
// operator demand in production.
func (e *Economics) VerifySupply(store *Store, cs *ConsensusState) (bool, error) {
	supply, err := e.TotalSupply()
	if err != nil {
		return false, err
	}
	sum := NewAmount(0)
	it := store.Scan([]byte(NSWallet))
	for it.Next() {
		var acct Account
		if err := json.Unmarshal(it.Value(), &acct); err != nil {
			it.Close()
			return false, WrapErr(KindStorage, "decode account", err)
		}
		sum, err = sum.Add(acct.Balance)
		if err != nil {
			it.Close()
			return false, err
		}
	}
	if err := it.Close(); err != nil {
		return false, err
	}
	for _, part := range []Amount{cs.BondedTotal(), cs.UnbondingTotal(), cs.RewardsTotal()} {
		sum, err = sum.Add(part)
		if err != nil {
			return false, err
		}
	}
	return sum.Cmp(supply) == 0, nil
}

// RewardsTotal sums undistributed rewards (validators + delegations).
func (cs *ConsensusState) RewardsTotal() Amount {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	total := NewAmount(0)
	var err error
	for _, v := range cs.validators {
		total, err = total.Add(v.RewardsAccumulated)
		if err != nil {
			panic("rewards total overflow")
		}
	}
	for _, d := range cs.delegations {
		total, err = total.Add(d.RewardsAccumulated)
		if err != nil {
			panic("rewards total overflow")
		}
	}
	return total
}
