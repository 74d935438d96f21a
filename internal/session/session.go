package session

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"overlaynode/internal/crypto"
	"overlaynode/internal/identity"
)

// State is the encryption mode used with one peer.
type State int

const (
	None State = iota
	LongTerm
	PerfectForwardSecrecy
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case LongTerm:
		return "long-term"
	case PerfectForwardSecrecy:
		return "pfs"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// HandshakeError describes a failed key agreement or an inbound message the
// session layer rejected. It never reaches callers directly.
type HandshakeError struct {
	Peer   identity.PublicKey
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake with %s: %s: %v", e.Peer, e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake with %s: %s", e.Peer, e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

const (
	ReasonBadSignature     = "bad signature"
	ReasonUnknownAgreement = "unknown agreement"
	ReasonStaleAck         = "stale acknowledgement"
	ReasonExhausted        = "key agreement retries exhausted"
	ReasonDecrypt          = "decrypt failed"
	ReasonMalformed        = "malformed message"
)

type agreement struct {
	id        string
	eph       *crypto.Ephemeral
	ephPub    []byte
	key       []byte
	started   time.Time
	expires   time.Time
	retainTil time.Time
}

func (a *agreement) destroy() {
	if a == nil {
		return
	}
	a.eph.Destroy()
	crypto.Wipe(a.key)
	a.key = nil
}

type peerSession struct {
	state    State
	longTerm []byte
	active   *agreement
	pending  *agreement
	retired  []*agreement

	// responding is set while a kex_ack is being sent and its agreement is
	// not yet usable.
	responding bool

	attempts     []time.Time
	exhausted    bool
	renewBlocked bool
	nextAttempt  time.Time
	backoff      *backoff.ExponentialBackOff
}

func (p *peerSession) find(id string) *agreement {
	if p.active != nil && p.active.id == id {
		return p.active
	}
	for _, a := range p.retired {
		if a.id == id {
			return a
		}
	}
	return nil
}

func (p *peerSession) retire(a *agreement, until time.Time) {
	if a == nil {
		return
	}
	if a.eph != nil {
		a.eph.Destroy()
		a.eph = nil
	}
	a.retainTil = until
	p.retired = append(p.retired, a)
}

func (p *peerSession) pruneRetired(now time.Time) {
	kept := p.retired[:0]
	for _, a := range p.retired {
		if now.After(a.retainTil) {
			a.destroy()
			continue
		}
		kept = append(kept, a)
	}
	p.retired = kept
}

func (p *peerSession) reset() {
	p.active.destroy()
	p.pending.destroy()
	for _, a := range p.retired {
		a.destroy()
	}
	p.active, p.pending, p.retired = nil, nil, nil
	p.renewBlocked = false
	p.responding = false
	p.state = None
}
