package core

import "testing"

//-------------------------------------------------------------
// Swap quote formula (30 bps fee)
//-------------------------------------------------------------

func TestSwapQuoteExact(t *testing.T) {
	// r_in = 1_000_000, r_out = 1_000_000, in = 1_000:
	// out = (1_000_000 · 1_000 · 9970) / (1_000_000 · 10_000 + 1_000 · 9970)
	//     = 9_970_000_000_000 / 10_009_970_000 = 996 (floor)
	out, err := SwapQuote(NewAmount(1_000_000), NewAmount(1_000_000), NewAmount(1_000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if out.Uint64() != 996 {
		t.Fatalf("out=%d want 996", out.Uint64())
	}
}

func TestSwapQuoteEdges(t *testing.T) {
	tests := []struct {
		name           string
		rIn, rOut, in  uint64
		wantZeroOutput bool
	}{
		{"ZeroInput", 1000, 1000, 0, true},
		{"EmptyPool", 0, 1000, 10, true},
		{"EmptyOut", 1000, 0, 10, true},
		{"Tiny", 1_000_000, 1_000_000, 1, true}, // rounds to zero
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := SwapQuote(NewAmount(tc.rIn), NewAmount(tc.rOut), NewAmount(tc.in))
			if err != nil {
				t.Fatalf("quote: %v", err)
			}
			if out.IsZero() != tc.wantZeroOutput {
				t.Fatalf("out=%s", out.String())
			}
		})
	}
}

func TestSwapNeverDrainsPool(t *testing.T) {
	rIn := NewAmount(1_000)
	rOut := NewAmount(1_000)
	// Even an enormous input cannot take the full output reserve.
	out, err := SwapQuote(rIn, rOut, DisplayToAtomic(1_000_000_000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if out.Cmp(rOut) >= 0 {
		t.Fatalf("swap drained the pool: %s", out.String())
	}
}

//-------------------------------------------------------------
// Pool bookkeeping
//-------------------------------------------------------------

func TestAMMPoolSwap(t *testing.T) {
	store := newTestStore(t)
	amm := NewAMM(store)
	if err := amm.CreatePool("SLT/USDX", NewAmount(1_000_000), NewAmount(1_000_000)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := amm.CreatePool("SLT/USDX", NewAmount(1), NewAmount(1)); err == nil {
		t.Fatalf("duplicate pool accepted")
	}
	out, err := amm.SwapAToB("SLT/USDX", NewAmount(1_000))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	p, err := amm.Pool("SLT/USDX")
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if p.ReserveA.Uint64() != 1_001_000 {
		t.Fatalf("reserveA=%d", p.ReserveA.Uint64())
	}
	if p.ReserveB.Uint64() != 1_000_000-out.Uint64() {
		t.Fatalf("reserveB=%d out=%d", p.ReserveB.Uint64(), out.Uint64())
	}
}
