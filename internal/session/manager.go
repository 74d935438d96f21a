package session

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"overlaynode/internal/crypto"
	"overlaynode/internal/events"
	"overlaynode/internal/identity"
	"overlaynode/internal/metrics"
	"overlaynode/internal/proto"
)

const (
	labelKex = "overlay:kex:v1"
	aadApp   = proto.MsgTypeApp
)

type Config struct {
	ExpireAfter      time.Duration
	Renew            bool
	HandshakeTimeout time.Duration
	MaxAttempts      int
	RetryWindow      time.Duration
	RetryInterval    time.Duration
	Now              func() time.Time
}

func (c *Config) defaults() {
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = 5 * time.Minute
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// KexSender delivers kex and kex_ack messages to a peer over whatever path
// is current.
type KexSender func(peer identity.PublicKey, m proto.KexMsg) error

type outbound struct {
	peer identity.PublicKey
	msg  proto.KexMsg
}

// Manager decides per peer whether the long-term key or an ephemeral session
// key protects traffic, and runs the key agreement that moves between them.
// State changes are pushed to the shared outbox while m.mu is held and
// flushed after it is released.
type Manager struct {
	self    identity.Identity
	suite   crypto.Suite
	cfg     Config
	out     *events.Outbox
	send    KexSender
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	peers map[identity.PublicKey]*peerSession
}

func NewManager(self identity.Identity, suite crypto.Suite, cfg Config, out *events.Outbox, send KexSender, log *zap.Logger, m *metrics.Metrics) *Manager {
	cfg.defaults()
	if suite == nil {
		suite = crypto.DefaultSuite()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if out == nil {
		out = events.NewOutbox(events.Discard, log)
	}
	return &Manager{
		self:    self,
		suite:   suite,
		cfg:     cfg,
		out:     out,
		send:    send,
		log:     log,
		metrics: m,
		peers:   make(map[identity.PublicKey]*peerSession),
	}
}

// State reports the encryption mode for peer; unknown peers are None.
func (m *Manager) State(peer identity.PublicKey) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.peers[peer]; ok {
		return ps.state
	}
	return None
}

// HasSessionKey reports whether an ephemeral key is active for peer.
func (m *Manager) HasSessionKey(peer identity.PublicKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.peers[peer]
	return ok && ps.active != nil
}

// Seal encrypts plaintext for peer with the current key and returns the app
// message to put on the wire.
func (m *Manager) Seal(peer identity.PublicKey, plaintext []byte) (proto.AppMsg, error) {
	self := m.self.PublicKey()
	m.mu.Lock()
	ps, err := m.sessionLocked(peer)
	if err != nil {
		m.mu.Unlock()
		return proto.AppMsg{}, err
	}
	key, agreementID := ps.longTerm, ""
	if ps.active != nil {
		key, agreementID = ps.active.key, ps.active.id
	}
	nonce, sealed, err := m.suite.Seal(key, plaintext, crypto.BuildAAD(aadApp, self[:], peer[:], agreementID))
	if err != nil {
		m.mu.Unlock()
		return proto.AppMsg{}, err
	}
	now := m.cfg.Now()
	m.establishedLocked(peer, ps)
	pending := m.maybeInitiateLocked(peer, ps, now, false)
	m.mu.Unlock()
	m.apply(pending)
	return proto.AppMsg{
		Type:      proto.MsgTypeApp,
		From:      self.String(),
		To:        peer.String(),
		Agreement: agreementID,
		Nonce:     nonce,
		Sealed:    sealed,
	}, nil
}

// Open authenticates and decrypts an app message addressed to this node.
func (m *Manager) Open(msg proto.AppMsg) (identity.PublicKey, []byte, error) {
	peer, err := identity.ParsePublicKey(msg.From)
	if err != nil {
		return identity.PublicKey{}, nil, &HandshakeError{Reason: ReasonMalformed, Err: err}
	}
	self := m.self.PublicKey()
	if to, err := identity.ParsePublicKey(msg.To); err != nil || to != self {
		return peer, nil, &HandshakeError{Peer: peer, Reason: ReasonMalformed, Err: errors.New("not addressed to this node")}
	}
	now := m.cfg.Now()
	m.mu.Lock()
	ps, err := m.sessionLocked(peer)
	if err != nil {
		m.mu.Unlock()
		return peer, nil, &HandshakeError{Peer: peer, Reason: ReasonMalformed, Err: err}
	}
	key := ps.longTerm
	if msg.Agreement != "" {
		a := ps.find(msg.Agreement)
		if a == nil {
			pending := m.maybeInitiateLocked(peer, ps, now, true)
			m.mu.Unlock()
			m.apply(pending)
			return peer, nil, &HandshakeError{Peer: peer, Reason: ReasonUnknownAgreement}
		}
		key = a.key
	}
	plaintext, err := m.suite.Open(key, msg.Nonce, msg.Sealed, crypto.BuildAAD(aadApp, peer[:], self[:], msg.Agreement))
	if err != nil {
		m.mu.Unlock()
		return peer, nil, &HandshakeError{Peer: peer, Reason: ReasonDecrypt, Err: err}
	}
	m.establishedLocked(peer, ps)
	pending := m.maybeInitiateLocked(peer, ps, now, false)
	m.mu.Unlock()
	m.apply(pending)
	return peer, plaintext, nil
}

// HandleKex processes kex and kex_ack messages.
func (m *Manager) HandleKex(msg proto.KexMsg) error {
	peer, err := identity.ParsePublicKey(msg.From)
	if err != nil {
		return &HandshakeError{Reason: ReasonMalformed, Err: err}
	}
	self := m.self.PublicKey()
	if to, err := identity.ParsePublicKey(msg.To); err != nil || to != self || msg.Agreement == "" {
		return &HandshakeError{Peer: peer, Reason: ReasonMalformed}
	}
	signed := proto.KexBytes(msg.Type, peer[:], self[:], msg.Agreement, msg.Ephemeral)
	sig, err := proto.DecodeSig(msg.Sig)
	if err != nil || !m.suite.Verify(peer.Ed25519(), labelKex, signed, sig) {
		m.metrics.KeyAgreement(false, 0)
		return &HandshakeError{Peer: peer, Reason: ReasonBadSignature}
	}
	if msg.Type == proto.MsgTypeKexAck {
		return m.handleAck(peer, msg)
	}
	return m.handleKex(peer, msg)
}

func (m *Manager) handleKex(peer identity.PublicKey, msg proto.KexMsg) error {
	now := m.cfg.Now()
	self := m.self.PublicKey()
	m.mu.Lock()
	ps, err := m.sessionLocked(peer)
	if err != nil {
		m.mu.Unlock()
		return &HandshakeError{Peer: peer, Reason: ReasonMalformed, Err: err}
	}
	if ps.pending != nil {
		// Both sides started at once: the smaller key keeps the initiator role.
		if self.Compare(peer) < 0 {
			m.mu.Unlock()
			m.log.Debug("ignoring concurrent kex", zap.Stringer("peer", peer))
			return nil
		}
		ps.pending.destroy()
		ps.pending = nil
	}
	eph, err := m.suite.NewEphemeral()
	if err != nil {
		m.mu.Unlock()
		return &HandshakeError{Peer: peer, Reason: "ephemeral key", Err: err}
	}
	ephPub, _ := eph.Public()
	key, err := m.suite.SessionKey(eph, msg.Ephemeral, crypto.Transcript(msg.Agreement, msg.Ephemeral, ephPub))
	if err != nil {
		eph.Destroy()
		m.mu.Unlock()
		m.metrics.KeyAgreement(false, 0)
		return &HandshakeError{Peer: peer, Reason: ReasonMalformed, Err: err}
	}
	eph.Destroy()
	ack, err := m.kexMsg(proto.MsgTypeKexAck, peer, msg.Agreement, ephPub)
	if err != nil {
		crypto.Wipe(key)
		m.mu.Unlock()
		return &HandshakeError{Peer: peer, Reason: "sign", Err: err}
	}
	m.establishedLocked(peer, ps)
	ps.responding = true
	m.mu.Unlock()
	m.out.Flush()

	// The ack is on the wire before Seal can pick the new agreement, so the
	// initiator never sees the id ahead of its ack.
	if m.send != nil {
		if err := m.send(peer, ack); err != nil {
			crypto.Wipe(key)
			m.mu.Lock()
			if m.peers[peer] == ps {
				ps.responding = false
			}
			m.mu.Unlock()
			m.metrics.KeyAgreement(false, 0)
			m.log.Debug("kex ack send failed", zap.Stringer("peer", peer), zap.Error(err))
			return nil
		}
	}

	m.mu.Lock()
	if m.peers[peer] != ps || !ps.responding {
		// reset or forgotten while the ack was sent
		m.mu.Unlock()
		crypto.Wipe(key)
		return nil
	}
	ps.responding = false
	m.activateLocked(peer, ps, &agreement{id: msg.Agreement, key: key, started: now}, now)
	m.mu.Unlock()
	m.metrics.KeyAgreement(true, 0)
	m.out.Flush()
	return nil
}

func (m *Manager) handleAck(peer identity.PublicKey, msg proto.KexMsg) error {
	now := m.cfg.Now()
	m.mu.Lock()
	ps, ok := m.peers[peer]
	if !ok || ps.pending == nil || ps.pending.id != msg.Agreement {
		m.mu.Unlock()
		return &HandshakeError{Peer: peer, Reason: ReasonStaleAck}
	}
	a := ps.pending
	key, err := m.suite.SessionKey(a.eph, msg.Ephemeral, crypto.Transcript(a.id, a.ephPub, msg.Ephemeral))
	if err != nil {
		m.mu.Unlock()
		m.metrics.KeyAgreement(false, 0)
		return &HandshakeError{Peer: peer, Reason: ReasonMalformed, Err: err}
	}
	ps.pending = nil
	a.eph.Destroy()
	a.eph = nil
	a.key = key
	took := now.Sub(a.started)
	m.activateLocked(peer, ps, a, now)
	m.mu.Unlock()
	m.metrics.KeyAgreement(true, took)
	m.out.Flush()
	return nil
}

// Tick expires session keys, times out outstanding key agreements and starts
// renewals or retries that are due.
func (m *Manager) Tick() {
	now := m.cfg.Now()
	var pending []outbound
	m.mu.Lock()
	for peer, ps := range m.peers {
		ps.pruneRetired(now)
		if ps.active != nil && !now.Before(ps.active.expires) {
			ps.retire(ps.active, now.Add(m.cfg.HandshakeTimeout))
			ps.active = nil
			ps.state = LongTerm
			m.out.Push(events.LongTimeEncryption(peer))
			if !m.cfg.Renew {
				ps.renewBlocked = true
			}
		}
		if ps.pending != nil && now.Sub(ps.pending.started) >= m.cfg.HandshakeTimeout {
			m.log.Debug("key agreement timed out", zap.Stringer("peer", peer), zap.String("agreement", ps.pending.id))
			m.metrics.KeyAgreement(false, 0)
			ps.pending.destroy()
			ps.pending = nil
			ps.nextAttempt = now.Add(ps.backoff.NextBackOff())
		}
		pending = append(pending, m.maybeInitiateLocked(peer, ps, now, false)...)
	}
	m.mu.Unlock()
	m.apply(pending)
}

// Reset drops all key material for peer and returns it to None. Used when
// the path to the peer is lost.
func (m *Manager) Reset(peer identity.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.peers[peer]; ok {
		ps.reset()
	}
}

// Forget removes peer entirely.
func (m *Manager) Forget(peer identity.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.peers[peer]; ok {
		ps.reset()
		crypto.Wipe(ps.longTerm)
		delete(m.peers, peer)
	}
}

// Close wipes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer, ps := range m.peers {
		ps.reset()
		crypto.Wipe(ps.longTerm)
		delete(m.peers, peer)
	}
}

func (m *Manager) sessionLocked(peer identity.PublicKey) (*peerSession, error) {
	if ps, ok := m.peers[peer]; ok {
		return ps, nil
	}
	if peer == m.self.PublicKey() {
		return nil, errors.New("session with self")
	}
	lt, err := m.suite.LongTermKey(m.self.SecretKey(), peer.Ed25519())
	if err != nil {
		return nil, err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryInterval
	bo.MaxInterval = m.cfg.RetryWindow
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0.2
	bo.Reset()
	ps := &peerSession{longTerm: lt, backoff: bo}
	m.peers[peer] = ps
	return ps, nil
}

func (m *Manager) establishedLocked(peer identity.PublicKey, ps *peerSession) {
	if ps.state == None {
		ps.state = LongTerm
		m.out.Push(events.LongTimeEncryption(peer))
	}
}

func (m *Manager) activateLocked(peer identity.PublicKey, ps *peerSession, a *agreement, now time.Time) {
	ps.retire(ps.active, now.Add(m.cfg.HandshakeTimeout))
	a.expires = now.Add(m.cfg.ExpireAfter)
	ps.active = a
	ps.attempts = nil
	ps.exhausted = false
	ps.nextAttempt = time.Time{}
	ps.backoff.Reset()
	if ps.state != PerfectForwardSecrecy {
		ps.state = PerfectForwardSecrecy
		m.out.Push(events.PerfectForwardSecrecy(peer))
	}
}

// maybeInitiateLocked starts a key agreement when none is active or running
// and the retry budget of the current window allows it. Without force it
// only runs for peers that completed a long-term exchange.
func (m *Manager) maybeInitiateLocked(peer identity.PublicKey, ps *peerSession, now time.Time, force bool) []outbound {
	if ps.active != nil || ps.pending != nil || ps.responding {
		return nil
	}
	if !force && (ps.state == None || ps.renewBlocked) {
		if len(ps.attempts) == 0 {
			return nil
		}
	}
	kept := ps.attempts[:0]
	for _, at := range ps.attempts {
		if now.Sub(at) < m.cfg.RetryWindow {
			kept = append(kept, at)
		}
	}
	ps.attempts = kept
	if len(ps.attempts) >= m.cfg.MaxAttempts {
		if !ps.exhausted {
			ps.exhausted = true
			ps.reset()
			m.out.Push(events.Inbound(peer, &HandshakeError{Peer: peer, Reason: ReasonExhausted}))
			m.metrics.InboundException()
			m.log.Warn("key agreement retries exhausted", zap.Stringer("peer", peer), zap.Int("attempts", len(ps.attempts)))
		}
		return nil
	}
	if ps.exhausted {
		ps.exhausted = false
		ps.backoff.Reset()
	}
	if now.Before(ps.nextAttempt) {
		return nil
	}
	if !force && (ps.state == None || ps.renewBlocked) {
		return nil
	}
	eph, err := m.suite.NewEphemeral()
	if err != nil {
		m.log.Warn("ephemeral key generation failed", zap.Error(err))
		return nil
	}
	ephPub, _ := eph.Public()
	id := uuid.NewString()
	msg, err := m.kexMsg(proto.MsgTypeKex, peer, id, ephPub)
	if err != nil {
		eph.Destroy()
		m.log.Warn("kex signing failed", zap.Error(err))
		return nil
	}
	ps.pending = &agreement{id: id, eph: eph, ephPub: ephPub, started: now}
	ps.attempts = append(ps.attempts, now)
	m.log.Debug("key agreement started", zap.Stringer("peer", peer), zap.String("agreement", id), zap.Int("attempt", len(ps.attempts)))
	return []outbound{{peer: peer, msg: msg}}
}

func (m *Manager) kexMsg(msgType string, peer identity.PublicKey, agreementID string, ephPub []byte) (proto.KexMsg, error) {
	self := m.self.PublicKey()
	sig, err := m.suite.Sign(m.self.SecretKey(), labelKex, proto.KexBytes(msgType, self[:], peer[:], agreementID, ephPub))
	if err != nil {
		return proto.KexMsg{}, err
	}
	return proto.KexMsg{
		Type:      msgType,
		From:      self.String(),
		To:        peer.String(),
		Agreement: agreementID,
		Ephemeral: ephPub,
		Sig:       proto.EncodeSig(sig),
	}, nil
}

func (m *Manager) apply(pending []outbound) {
	m.out.Flush()
	if m.send == nil {
		return
	}
	for _, o := range pending {
		if err := m.send(o.peer, o.msg); err != nil {
			m.log.Debug("kex send failed", zap.Stringer("peer", o.peer), zap.String("type", o.msg.Type), zap.Error(err))
		}
	}
}
