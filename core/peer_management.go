package core

// peer_management.go – per-peer admission control (token-bucket rate
// limit, misbehaviour score, timed bans) and the local validator pubkey
// directory the transport consults for relay-time verification.

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// banScoreThreshold converts accumulated misbehaviour into a ban.
const banScoreThreshold = 100

// guardAllow admits one inbound message from a peer, charging its rate
// budget. Banned peers are refused until expiry, then readmitted with a
// clean score.
func (n *Node) guardAllow(id NodeID) error {
	n.peerLock.Lock()
	defer n.peerLock.Unlock()

	g, ok := n.guards[id]
	if !ok {
		perSec := rate.Limit(float64(n.cfg.MsgsPerMinute) / 60.0)
		g = &peerGuard{limiter: rate.NewLimiter(perSec, n.cfg.MsgsPerMinute/10+1)}
		n.guards[id] = g
	}
	if !g.bannedTil.IsZero() {
		if time.Now().Before(g.bannedTil) {
			return ErrPeerBanned
		}
		g.bannedTil = time.Time{}
		g.score = 0
		logrus.Infof("peer %s ban expired, readmitted", id)
	}
	if !g.limiter.Allow() {
		g.score += 20
		if g.score >= banScoreThreshold {
			g.bannedTil = time.Now().Add(n.cfg.BanDuration)
			logrus.Warnf("peer %s banned for %s (rate limit)", id, n.cfg.BanDuration)
		}
		return ErrRateLimited
	}
	return nil
}

// penalize raises a peer's misbehaviour score; crossing the threshold
// bans and disconnects it.
func (n *Node) penalize(id NodeID, points int) {
	n.peerLock.Lock()
	defer n.peerLock.Unlock()
	g, ok := n.guards[id]
	if !ok {
		perSec := rate.Limit(float64(n.cfg.MsgsPerMinute) / 60.0)
		g = &peerGuard{limiter: rate.NewLimiter(perSec, n.cfg.MsgsPerMinute/10+1)}
		n.guards[id] = g
	}
	g.score += points
	if p, ok := n.peers[id]; ok {
		p.Score = g.score
	}
	if g.score >= banScoreThreshold && g.bannedTil.IsZero() {
		g.bannedTil = time.Now().Add(n.cfg.BanDuration)
		MetricPeersBanned.Inc()
		logrus.Warnf("peer %s banned for %s (score %d)", id, n.cfg.BanDuration, g.score)
	}
}

// PeerScore reads a peer's current misbehaviour score.
func (n *Node) PeerScore(id NodeID) int {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	if g, ok := n.guards[id]; ok {
		return g.score
	}
	return 0
}

// IsBanned reports an active ban.
func (n *Node) IsBanned(id NodeID) bool {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	g, ok := n.guards[id]
	return ok && !g.bannedTil.IsZero() && time.Now().Before(g.bannedTil)
}

//---------------------------------------------------------------------
// Pubkey directory
//---------------------------------------------------------------------

// PubKeyDirectory maps validator addresses to announced signing keys. It
// is transport-local: entries come from verified ValidatorAnnounce
// messages and are only a relay-verification aid. Consensus membership
// lives solely in ConsensusState.
type PubKeyDirectory struct {
	mu   sync.RWMutex
	keys map[Address][]byte
}

// NewPubKeyDirectory builds an empty directory.
func NewPubKeyDirectory() *PubKeyDirectory {
	return &PubKeyDirectory{keys: make(map[Address][]byte)}
}

// Register stores a verified announce pubkey.
func (d *PubKeyDirectory) Register(addr Address, pub []byte) {
	d.mu.Lock()
	d.keys[addr] = append([]byte(nil), pub...)
	d.mu.Unlock()
}

// Lookup returns the announced pubkey for an address.
func (d *PubKeyDirectory) Lookup(addr Address) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pub, ok := d.keys[addr]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), pub...), true
}

// Len reports directory size.
func (d *PubKeyDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}
