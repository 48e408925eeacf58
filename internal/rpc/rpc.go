// Package rpc is the thin HTTP JSON adapter over the core's programmatic
// hooks. It mirrors typed error kinds into stable client-visible codes and
// enforces the per-source rate limit; everything it serves comes straight
// from core state.
package rpc

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"sultan-network/core"
)

// Config tunes the adapter.
type Config struct {
	ListenAddr string
	// RateLimit requests per RateWindow per source identity.
	RateLimit  int
	RateWindow time.Duration
}

// API bundles the core hooks the adapter consumes.
type API struct {
	Engine *core.ShardEngine
	CState *core.ConsensusState
	Econ   *core.Economics
	Syncs  []*core.SyncManager
}

// Server is the HTTP front.
type Server struct {
	cfg    Config
	api    API
	router *mux.Router
	logger *logrus.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	srv *http.Server
}

// NewServer wires the routes.
func NewServer(cfg Config, api API, lg *logrus.Logger) *Server {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		api:      api,
		router:   mux.NewRouter(),
		logger:   lg,
		limiters: make(map[string]*rate.Limiter),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.rateLimitMiddleware)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/supply/total", s.handleSupply).Methods(http.MethodGet)
	r.HandleFunc("/economics", s.handleEconomics).Methods(http.MethodGet)
	r.HandleFunc("/balance/{address}", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/tx/{hash}", s.handleTx).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{address}", s.handleTransactions).Methods(http.MethodGet)
	r.HandleFunc("/block/{height}", s.handleBlock).Methods(http.MethodGet)
	r.HandleFunc("/tx", s.handleSubmitTx).Methods(http.MethodPost)
	r.HandleFunc("/staking/create_validator", s.handleCreateValidator).Methods(http.MethodPost)
	r.HandleFunc("/staking/delegate", s.handleDelegate).Methods(http.MethodPost)
	r.HandleFunc("/staking/undelegate", s.handleUndelegate).Methods(http.MethodPost)
	r.HandleFunc("/staking/withdraw_rewards", s.handleWithdrawRewards).Methods(http.MethodPost)
	r.HandleFunc("/staking/validators", s.handleValidators).Methods(http.MethodGet)
	r.HandleFunc("/staking/delegations/{address}", s.handleDelegations).Methods(http.MethodGet)
	r.HandleFunc("/staking/statistics", s.handleStakingStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.logger.Infof("rpc: listening on %s", s.cfg.ListenAddr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the listener down.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

//---------------------------------------------------------------------
// Rate limiting
//---------------------------------------------------------------------

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		s.mu.Lock()
		lim, ok := s.limiters[host]
		if !ok {
			perSec := rate.Limit(float64(s.cfg.RateLimit) / s.cfg.RateWindow.Seconds())
			lim = rate.NewLimiter(perSec, s.cfg.RateLimit)
			s.limiters[host] = lim
		}
		s.mu.Unlock()
		if !lim.Allow() {
			s.writeError(w, http.StatusTooManyRequests, core.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

//---------------------------------------------------------------------
// Responses
//---------------------------------------------------------------------

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	kind := core.KindOf(err)
	s.writeJSON(w, status, errorBody{Kind: kind.String(), Message: err.Error()})
}

// statusFor maps error kinds to HTTP codes.
func statusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindValidation, core.KindConfig:
		return http.StatusBadRequest
	case core.KindCrypto:
		return http.StatusUnauthorized
	case core.KindConsensus, core.KindShard:
		return http.StatusConflict
	case core.KindNetwork:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

//---------------------------------------------------------------------
// Handlers
//---------------------------------------------------------------------

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type shardStatus struct {
		Shard  uint32 `json:"shard"`
		Height uint64 `json:"height"`
		State  uint8  `json:"sync_state"`
	}
	out := struct {
		Shards     []shardStatus `json:"shards"`
		Validators int           `json:"active_validators"`
	}{}
	now := time.Now()
	for i, sm := range s.api.Syncs {
		st, _ := sm.State()
		out.Shards = append(out.Shards, shardStatus{
			Shard:  uint32(i),
			Height: sm.LocalHeight(),
			State:  uint8(st),
		})
	}
	out.Validators = len(s.api.CState.ActiveValidators(now))
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSupply(w http.ResponseWriter, _ *http.Request) {
	supply, err := s.api.Econ.TotalSupply()
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"total": supply.String()})
}

func (s *Server) handleEconomics(w http.ResponseWriter, _ *http.Request) {
	supply, err := s.api.Econ.TotalSupply()
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	bonded := s.api.CState.BondedTotal()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_supply":      supply.String(),
		"bonded_total":      bonded.String(),
		"unbonding_total":   s.api.CState.UnbondingTotal().String(),
		"effective_apy_bps": core.EffectiveAPYBps(supply, bonded),
		"inflation_bps":     core.InflationBps,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := core.DecodeAddress(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	led := s.api.Engine.ShardFor(addr).Ledger()
	acct, err := led.GetAccount(addr)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Bech32(),
		"balance": acct.Balance.String(),
		"nonce":   acct.Nonce,
	})
}

func (s *Server) handleTx(w http.ResponseWriter, r *http.Request) {
	h, err := core.HashFromHex(mux.Vars(r)["hash"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	for i := uint32(0); i < s.api.Engine.ShardCount(); i++ {
		shard, _ := s.api.Engine.Shard(core.ShardID(i))
		if tx, err := shard.Ledger().TransactionByHash(h); err == nil {
			s.writeJSON(w, http.StatusOK, tx)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, core.ErrKeyNotFound)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	addr, err := core.DecodeAddress(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	shard := s.api.Engine.ShardFor(addr)
	hashes := shard.Pool().History(addr)
	if len(hashes) > limit {
		hashes = hashes[len(hashes)-limit:]
	}
	var txs []*core.Transaction
	for _, h := range hashes {
		if tx, err := shard.Ledger().TransactionByHash(h); err == nil {
			txs = append(txs, tx)
		}
	}
	s.writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, core.WrapErr(core.KindValidation, "bad height", err))
		return
	}
	shardQ := uint64(0)
	if q := r.URL.Query().Get("shard"); q != "" {
		shardQ, _ = strconv.ParseUint(q, 10, 32)
	}
	shard, err := s.api.Engine.Shard(core.ShardID(shardQ))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	blk, err := shard.Ledger().BlockByHeight(height)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, blk)
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var tx core.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		s.writeError(w, http.StatusBadRequest, core.ErrMalformedWire)
		return
	}
	if err := s.api.Engine.SubmitTx(&tx, time.Now()); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"tx_hash": tx.TxHash().Hex()})
}

//---------------------------------------------------------------------
// Staking
//---------------------------------------------------------------------

type createValidatorBody struct {
	Address       string `json:"address"`
	PubKey        []byte `json:"pubkey"`
	SelfStake     string `json:"self_stake"`
	CommissionBps uint32 `json:"commission_bps"`
}

func (s *Server) handleCreateValidator(w http.ResponseWriter, r *http.Request) {
	var body createValidatorBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, core.ErrMalformedWire)
		return
	}
	addr, err := core.DecodeAddress(body.Address)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	stake, err := core.ParseAmount(body.SelfStake)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.api.CState.RegisterValidator(addr, body.PubKey, stake, body.CommissionBps); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"validator": addr.Valoper()})
}

type delegateBody struct {
	Delegator string `json:"delegator"`
	Validator string `json:"validator"`
	Amount    string `json:"amount"`
}

func (s *Server) decodeDelegate(r *http.Request) (core.Address, core.Address, core.Amount, error) {
	var body delegateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return core.Address{}, core.Address{}, core.Amount{}, core.ErrMalformedWire
	}
	delegator, err := core.DecodeAddress(body.Delegator)
	if err != nil {
		return core.Address{}, core.Address{}, core.Amount{}, err
	}
	validator, err := core.DecodeValoper(body.Validator)
	if err != nil {
		// Accept the account form too.
		validator, err = core.DecodeAddress(body.Validator)
		if err != nil {
			return core.Address{}, core.Address{}, core.Amount{}, err
		}
	}
	amount, err := core.ParseAmount(body.Amount)
	if err != nil {
		return core.Address{}, core.Address{}, core.Amount{}, err
	}
	return delegator, validator, amount, nil
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	delegator, validator, amount, err := s.decodeDelegate(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.api.CState.Delegate(delegator, validator, amount); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "delegated"})
}

func (s *Server) handleUndelegate(w http.ResponseWriter, r *http.Request) {
	delegator, validator, amount, err := s.decodeDelegate(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	height := uint64(0)
	if len(s.api.Syncs) > 0 {
		height = s.api.Syncs[0].LocalHeight()
	}
	if err := s.api.CState.Undelegate(delegator, validator, amount, height); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unbonding"})
}

func (s *Server) handleWithdrawRewards(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Validator string `json:"validator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, core.ErrMalformedWire)
		return
	}
	addr, err := core.DecodeValoper(body.Validator)
	if err != nil {
		addr, err = core.DecodeAddress(body.Validator)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	amount, err := s.api.CState.WithdrawRewards(addr)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if err := s.api.Engine.ShardFor(addr).Ledger().Credit(addr, amount); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"withdrawn": amount.String()})
}

func (s *Server) handleValidators(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.api.CState.ActiveValidators(time.Now()))
}

func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	addr, err := core.DecodeAddress(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.api.CState.Delegations(addr))
}

func (s *Server) handleStakingStats(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"active_validators":  len(s.api.CState.ActiveValidators(now)),
		"total_voting_power": s.api.CState.TotalVotingPower(now),
		"bonded_total":       s.api.CState.BondedTotal().String(),
		"unbonding_total":    s.api.CState.UnbondingTotal().String(),
	})
}
