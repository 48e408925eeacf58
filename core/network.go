package core

// network.go – authenticated gossip transport over libp2p + gossipsub.
// The transport exchanges messages only; the validator set stays owned by
// consensus-state, and every inbound payload is independently re-validated
// there. Here we verify signatures before forwarding, enforce size and
// rate limits, and score misbehaving peers toward a ban.

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxMessageSize caps one gossip payload at 1 MiB.
	DefaultMaxMessageSize = 1 << 20
	// DefaultMsgsPerMinute is the per-peer inbound budget.
	DefaultMsgsPerMinute = 1000
	// DefaultBanDuration removes a violating peer from intake.
	DefaultBanDuration = 600 * time.Second
)

// NewNode creates and bootstraps a Sultan P2P node. The libp2p host gives
// an encrypted, multiplexed transport; gossipsub fans messages out.
func NewNode(cfg NetworkConfig, keys *PubKeyDirectory, lg *logrus.Logger) (*Node, error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MsgsPerMinute == 0 {
		cfg.MsgsPerMinute = DefaultMsgsPerMinute
	}
	if cfg.BanDuration == 0 {
		cfg.BanDuration = DefaultBanDuration
	}
	if keys == nil {
		keys = NewPubKeyDirectory()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, WrapErr(KindNetwork, "create host", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, WrapErr(KindNetwork, "create pubsub", err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[NodeID]*Peer),
		guards: make(map[NodeID]*peerGuard),
		keys:   keys,
		logger: lg,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		lg.Warnf("bootstrap: %v", err)
	}
	if cfg.DiscoveryTag != "" {
		mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	}
	return n, nil
}

// Ensure Node implements mdns.Notifee.
var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound connects to an mDNS-discovered peer, skipping self and
// known peers.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	id := NodeID(info.ID.String())
	n.peerLock.RLock()
	_, exists := n.peers[id]
	n.peerLock.RUnlock()
	if exists {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.logger.Warnf("connect discovered peer %s: %v", id, err)
		return
	}
	n.peerLock.Lock()
	n.peers[id] = &Peer{ID: id, Addr: info.String()}
	n.peerLock.Unlock()
	n.logger.Infof("connected to peer %s via mDNS", id)
}

// DialSeed connects to the bootstrap peers.
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		n.peerLock.Lock()
		n.peers[NodeID(pi.ID.String())] = &Peer{ID: NodeID(pi.ID.String()), Addr: addr}
		n.peerLock.Unlock()
		n.logger.Infof("bootstrapped to %s", addr)
	}
	if len(errs) > 0 {
		return WrapErr(KindNetwork, "dial seeds", fmt.Errorf("%s", strings.Join(errs, "; ")))
	}
	return nil
}

// Broadcast publishes to a topic, enforcing the outbound size cap.
func (n *Node) Broadcast(topic string, data []byte) error {
	if len(data) > n.cfg.MaxMessageSize {
		return ErrMessageTooLarge
	}
	n.topicLock.Lock()
	t, ok := n.topics[topic]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topic)
		if err != nil {
			n.topicLock.Unlock()
			return WrapErr(KindNetwork, "join topic "+topic, err)
		}
		n.topics[topic] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return WrapErr(KindNetwork, "publish "+topic, err)
	}
	return nil
}

// Subscribe delivers verified messages for a topic. Invalid payloads are
// dropped and scored; banned peers are ignored until expiry.
func (n *Node) Subscribe(topic string) (<-chan Message, error) {
	n.subLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		var err error
		sub, err = n.pubsub.Subscribe(topic)
		if err != nil {
			n.subLock.Unlock()
			return nil, WrapErr(KindNetwork, "subscribe "+topic, err)
		}
		n.subs[topic] = sub
	}
	n.subLock.Unlock()

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				if n.ctx.Err() == nil {
					n.logger.Warnf("subscription %s: %v", topic, err)
				}
				return
			}
			from := NodeID(msg.GetFrom().String())
			if from == NodeID(n.host.ID().String()) {
				continue
			}
			if err := n.admit(from, msg.Data); err != nil {
				n.logger.Debugf("drop from %s on %s: %v", from, topic, err)
				continue
			}
			select {
			case out <- Message{From: from, Topic: topic, Data: msg.Data}:
			case <-n.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// admit runs the transport-level gate: ban, rate limit, size, then the
// per-type signature verification.
func (n *Node) admit(from NodeID, data []byte) error {
	if err := n.guardAllow(from); err != nil {
		return err
	}
	if len(data) > n.cfg.MaxMessageSize {
		n.penalize(from, 10)
		return ErrMessageTooLarge
	}
	if err := n.verifyEnvelope(data); err != nil {
		n.penalize(from, 5)
		return err
	}
	return nil
}

// verifyEnvelope checks the signatures a relay can check without state.
// Anything it cannot prove invalid is forwarded; consensus re-validates.
func (n *Node) verifyEnvelope(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ErrMalformedWire
	}
	switch env.Type {
	case WireBlockProposal:
		var m BlockProposalMsg
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return ErrMalformedWire
		}
		if pub, ok := n.keys.Lookup(m.Proposer); ok {
			if !VerifyDigest(pub, m.BlockHash[:], m.ProposerSig) {
				return ErrInvalidSignature
			}
		}
	case WireBlockVote:
		var m BlockVoteMsg
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return ErrMalformedWire
		}
		if len(m.PubKey) != 0 {
			derived, err := AddressFromPubKey(m.PubKey)
			if err != nil || derived != m.Voter {
				return ErrBadPublicKey
			}
			if !VerifyDigest(m.PubKey, m.BlockHash[:], m.Signature) {
				return ErrInvalidSignature
			}
		}
	case WireTransaction:
		var m TxMsg
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return ErrMalformedWire
		}
		var tx Transaction
		if err := json.Unmarshal(m.TxData, &tx); err != nil {
			return ErrMalformedWire
		}
		digest := tx.SigningDigest()
		derived, err := AddressFromPubKey(tx.PublicKey)
		if err != nil || derived != tx.From {
			return ErrBadPublicKey
		}
		if !VerifyDigest(tx.PublicKey, digest[:], tx.Signature) {
			return ErrInvalidSignature
		}
	case WireValidatorAnnounce:
		var m ValidatorAnnounceMsg
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return ErrMalformedWire
		}
		if err := VerifyAnnounce(&m); err != nil {
			return err
		}
		// Pubkey directory only — never the consensus set.
		n.keys.Register(m.Address, m.PubKey)
	case WireSyncRequest:
		var m SyncRequestMsg
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return ErrMalformedWire
		}
		if m.ToHeight < m.FromHeight || m.ToHeight-m.FromHeight+1 > MaxBlocksPerSyncRequest {
			return ErrBadSyncRange
		}
	case WireSyncResponse:
		// Blocks inside are fully validated by block sync.
	default:
		return ErrMalformedWire
	}
	return nil
}

// AnnounceSigningBytes is the signed payload of a validator announce:
// address || stake_be32 || peer_id.
func AnnounceSigningBytes(m *ValidatorAnnounceMsg) []byte {
	buf := make([]byte, 0, 20+32+len(m.PeerID))
	buf = append(buf, m.Address[:]...)
	stake := m.Stake.Bytes32()
	buf = append(buf, stake[:]...)
	buf = append(buf, []byte(m.PeerID)...)
	return buf
}

// VerifyAnnounce checks the announce signature and the pubkey/address
// binding.
func VerifyAnnounce(m *ValidatorAnnounceMsg) error {
	derived, err := AddressFromPubKey(m.PubKey)
	if err != nil || derived != m.Address {
		return ErrBadPublicKey
	}
	digest := SHA256(AnnounceSigningBytes(m))
	if !VerifyDigest(m.PubKey, digest[:], m.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ListenAndServe blocks until context cancellation.
func (n *Node) ListenAndServe() {
	<-n.ctx.Done()
	n.logger.Info("network node shutting down")
}

// Close drains and tears down the transport.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

// Peers returns the current peer list.
func (n *Node) Peers() []*Peer {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	list := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		list = append(list, p)
	}
	return list
}

// HostID returns the libp2p peer id.
func (n *Node) HostID() NodeID { return NodeID(n.host.ID().String()) }
