package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"sultan-network/core"
)

func newTestServer(t *testing.T) (*Server, *core.ShardEngine, *core.ConsensusState, core.Address) {
	t.Helper()
	store, err := core.OpenStore(core.StoreConfig{Path: filepath.Join(t.TempDir(), "db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	engine, err := core.NewShardEngine(store, 1, filepath.Join(t.TempDir(), "commit-log"))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	cstate, err := core.NewConsensusState(store)
	if err != nil {
		t.Fatalf("cstate: %v", err)
	}
	econ := core.NewEconomics(store)

	pub, _, err := core.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	holder, err := core.AddressFromPubKey(pub)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if err := engine.ShardFor(holder).Ledger().Credit(holder, core.DisplayToAtomic(500)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := econ.InitSupply(core.DisplayToAtomic(500)); err != nil {
		t.Fatalf("supply: %v", err)
	}

	sm := core.NewSyncManager(core.SyncConfig{Shard: 0, VerifyVoters: true}, engine, cstate, nil)
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, API{
		Engine: engine,
		CState: cstate,
		Econ:   econ,
		Syncs:  []*core.SyncManager{sm},
	}, nil)
	return srv, engine, cstate, holder
}

func TestBalanceEndpoint(t *testing.T) {
	srv, _, _, holder := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/balance/"+holder.Bech32(), nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Balance string `json:"balance"`
		Nonce   uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Balance != core.DisplayToAtomic(500).String() {
		t.Fatalf("balance=%s", body.Balance)
	}
}

func TestBalanceBadAddress(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/balance/nonsense", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	var body errorBody
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Kind != "crypto" {
		t.Fatalf("kind=%q", body.Kind)
	}
}

func TestSupplyEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/supply/total", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestCreateValidatorEndpoint(t *testing.T) {
	srv, _, cstate, _ := newTestServer(t)
	pub, _, _ := core.GenerateKeyPair()
	addr, _ := core.AddressFromPubKey(pub)
	body, _ := json.Marshal(map[string]any{
		"address":        addr.Bech32(),
		"pubkey":         []byte(pub),
		"self_stake":     core.MinStake().String(),
		"commission_bps": 100,
	})
	req := httptest.NewRequest(http.MethodPost, "/staking/create_validator", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !cstate.IsActive(addr, time.Now()) {
		t.Fatalf("validator not registered")
	}

	// Duplicate registration mirrors the consensus error kind.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/staking/create_validator", bytes.NewReader(body))
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status=%d", rec.Code)
	}
}

func TestRateLimitEnforced(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	srv.cfg.RateLimit = 3
	srv.cfg.RateWindow = time.Hour // no refill inside the test

	var lastCode int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)
		lastCode = rec.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("status=%d want 429", lastCode)
	}
}
