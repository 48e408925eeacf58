package core

// amm.go – constant-product swap primitives for the native DEX module.
// The DEX itself is an ordinary module invoked through validated signed
// transactions; the core only supplies the balance-safe quote and the
// pool reserve bookkeeping. Fee is fixed at 30 basis points, all math is
// checked u128 via uint256.

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// DexFeeBps is the swap fee (0.30%).
const DexFeeBps = 30

// dexFeeFactor = 10_000 - DexFeeBps.
const dexFeeFactor = 10_000 - DexFeeBps

// PoolID names a trading pair pool.
type PoolID string

// Pool carries the reserves of a pair.
type Pool struct {
	ID       PoolID `json:"id"`
	ReserveA Amount `json:"reserve_a"`
	ReserveB Amount `json:"reserve_b"`
}

// SwapQuote computes amount_out for amount_in against (r_in, r_out):
//
//	amount_out = (r_out · amount_in · 9970) / (r_in · 10000 + amount_in · 9970)
//
// Rounded down; a zero reserve or zero input quotes zero.
func SwapQuote(rIn, rOut, amountIn Amount) (Amount, error) {
	if amountIn.IsZero() || rIn.IsZero() || rOut.IsZero() {
		return NewAmount(0), nil
	}
	feeAdj := amountIn.U256()
	feeAdj.Mul(feeAdj, uint256.NewInt(dexFeeFactor))

	num := rOut.U256()
	num.Mul(num, feeAdj)

	denom := rIn.U256()
	denom.Mul(denom, uint256.NewInt(10_000))
	denom.Add(denom, feeAdj)
	if denom.IsZero() {
		return Amount{}, ErrAmountOverflow
	}
	num.Div(num, denom)
	return amountFromU256(num)
}

//---------------------------------------------------------------------
// Pool registry
//---------------------------------------------------------------------

// AMM persists pool reserves through the store.
type AMM struct {
	mu    sync.Mutex
	store *Store
}

// NewAMM binds the pool registry.
func NewAMM(store *Store) *AMM { return &AMM{store: store} }

func poolKey(id PoolID) []byte { return []byte("amm:pool:" + string(id)) }

// CreatePool registers a pair with initial reserves.
func (a *AMM) CreatePool(id PoolID, reserveA, reserveB Amount) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok, _ := a.store.Has(poolKey(id)); ok {
		return ErrPoolExists
	}
	return a.writePool(&Pool{ID: id, ReserveA: reserveA, ReserveB: reserveB})
}

// Pool loads a pool.
func (a *AMM) Pool(id PoolID) (*Pool, error) {
	raw, err := a.store.Get(poolKey(id))
	if err != nil {
		return nil, err
	}
	var p Pool
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, WrapErr(KindStorage, "decode pool", err)
	}
	return &p, nil
}

func (a *AMM) writePool(p *Pool) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return WrapErr(KindStorage, "encode pool", err)
	}
	return a.store.Put(poolKey(p.ID), raw)
}

// SwapAToB executes a quote against the pool, moving reserves. Returns
// the output amount.
func (a *AMM) SwapAToB(id PoolID, amountIn Amount) (Amount, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.Pool(id)
	if err != nil {
		return Amount{}, err
	}
	out, err := SwapQuote(p.ReserveA, p.ReserveB, amountIn)
	if err != nil {
		return Amount{}, err
	}
	if out.IsZero() {
		return NewAmount(0), nil
	}
	p.ReserveA, err = p.ReserveA.Add(amountIn)
	if err != nil {
		return Amount{}, err
	}
	p.ReserveB, err = p.ReserveB.Sub(out)
	if err != nil {
		return Amount{}, err
	}
	if err := a.writePool(p); err != nil {
		return Amount{}, err
	}
	zap.L().Sugar().Infow("swap executed", "pool", id,
		"in", amountIn.String(), "out", out.String())
	return out, nil
}

// String renders a pool for logs.
func (p *Pool) String() string {
	return fmt.Sprintf("pool %s [%s / %s]", p.ID, p.ReserveA.String(), p.ReserveB.String())
}
