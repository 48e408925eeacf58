package core

import (
	"testing"
	"time"
)

//-------------------------------------------------------------
// Policy table
//-------------------------------------------------------------

func TestSlashPolicyRows(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		reason     SlashReason
		wantBps    uint32
		tombstone  bool
		jailAtMost time.Duration
	}{
		{"DoubleSign", SlashDoubleSign, 500, true, 0},
		{"Downtime", SlashDowntime, 10, false, 10 * time.Minute},
		{"InvalidBlock", SlashInvalidBlock, 500, false, time.Hour},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cs, _ := NewConsensusState(newTestStore(t))
			acct := newTestAccount(t)
			stake := DisplayToAtomic(100_000)
			if err := cs.RegisterValidator(acct.addr, acct.pub, stake, 0); err != nil {
				t.Fatalf("register: %v", err)
			}
			out, err := cs.Slash(acct.addr, tc.reason, 0, 0, now)
			if err != nil {
				t.Fatalf("slash: %v", err)
			}
			if out.PenaltyBps != tc.wantBps {
				t.Fatalf("bps=%d want %d", out.PenaltyBps, tc.wantBps)
			}
			wantCut := bpsOf(stake, tc.wantBps)
			if out.SlashedBond.Cmp(wantCut) != 0 {
				t.Fatalf("slashed=%s want %s", out.SlashedBond.String(), wantCut.String())
			}
			v, _ := cs.Validator(acct.addr)
			wantLeft, _ := stake.Sub(wantCut)
			if v.SelfStake.Cmp(wantLeft) != 0 {
				t.Fatalf("stake=%s want %s", v.SelfStake.String(), wantLeft.String())
			}
			if tc.tombstone {
				if v.Status != ValidatorTombstoned {
					t.Fatalf("expected tombstone")
				}
			} else {
				if v.Status != ValidatorJailed {
					t.Fatalf("expected jail")
				}
				until := time.Unix(v.JailedUntil, 0)
				if until.Before(now) || until.After(now.Add(tc.jailAtMost+time.Minute)) {
					t.Fatalf("jail until %v", until)
				}
			}
		})
	}
}

//-------------------------------------------------------------
// Pro-rata debit across bonded and unbonding pools
//-------------------------------------------------------------

func TestSlashDebitsUnbondingProRata(t *testing.T) {
	cs, _ := NewConsensusState(newTestStore(t))
	val := newTestAccount(t)
	del := newTestAccount(t)
	registerTestValidator(t, cs, val)
	if err := cs.Delegate(del.addr, val.addr, DisplayToAtomic(1_000)); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if err := cs.Undelegate(del.addr, val.addr, DisplayToAtomic(400), 5); err != nil {
		t.Fatalf("undelegate: %v", err)
	}

	out, err := cs.Slash(val.addr, SlashInvalidBlock, 0, 0, time.Now())
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	// 5% of the 400-display unbonding entry.
	wantUnbnd := bpsOf(DisplayToAtomic(400), 500)
	if out.SlashedUnbnd.Cmp(wantUnbnd) != 0 {
		t.Fatalf("unbonding cut=%s want %s", out.SlashedUnbnd.String(), wantUnbnd.String())
	}
	// Remaining delegation shrank 5% too, so I6 still holds.
	v, _ := cs.Validator(val.addr)
	if cs.DelegatedTotal(val.addr).Cmp(v.DelegatedStake) != 0 {
		t.Fatalf("delegation invariant broken after slash")
	}
	// Community pool credit equals everything slashed.
	total, _ := out.SlashedBond.Add(out.SlashedUnbnd)
	if out.SlashedCredit().Cmp(total) != 0 {
		t.Fatalf("credit mismatch")
	}
}

//-------------------------------------------------------------
// Tombstoned validators are retained, never re-slashed
//-------------------------------------------------------------

func TestTombstoneRetainedAndFinal(t *testing.T) {
	cs, _ := NewConsensusState(newTestStore(t))
	acct := newTestAccount(t)
	registerTestValidator(t, cs, acct)

	if _, err := cs.Slash(acct.addr, SlashDoubleSign, 0, 0, time.Now()); err != nil {
		t.Fatalf("slash: %v", err)
	}
	v, err := cs.Validator(acct.addr)
	if err != nil {
		t.Fatalf("tombstoned validator purged: %v", err)
	}
	if v.Status != ValidatorTombstoned {
		t.Fatalf("status=%v", v.Status)
	}
	if _, err := cs.Slash(acct.addr, SlashDowntime, 0, 0, time.Now()); err != ErrValidatorTombstoned {
		t.Fatalf("expected ErrValidatorTombstoned, got %v", err)
	}
	if err := cs.Unjail(acct.addr, time.Now().Add(100*time.Hour)); err != ErrValidatorTombstoned {
		t.Fatalf("tombstone unjailed: %v", err)
	}
}

//-------------------------------------------------------------
// Governance slash uses caller parameters
//-------------------------------------------------------------

func TestGovernanceSlashParams(t *testing.T) {
	cs, _ := NewConsensusState(newTestStore(t))
	acct := newTestAccount(t)
	registerTestValidator(t, cs, acct)

	out, err := cs.Slash(acct.addr, SlashGovernance, 250, 30*time.Minute, time.Now())
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if out.PenaltyBps != 250 {
		t.Fatalf("bps=%d want 250", out.PenaltyBps)
	}
	if _, err := cs.Slash(acct.addr, SlashGovernance, 20_000, 0, time.Now()); err != ErrParamOutOfRange {
		t.Fatalf("expected bps bound, got %v", err)
	}
}
