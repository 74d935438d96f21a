package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"overlaynode/internal/identity"
	"overlaynode/internal/proto"
)

const (
	helloMaxSkew   = time.Minute
	helloCacheSize = 1024
)

var (
	errHelloReplay   = errors.New("hello replayed")
	errHelloSkew     = errors.New("hello timestamp out of range")
	errHelloSig      = errors.New("bad hello signature")
	errHelloPeer     = errors.New("hello from unexpected peer")
	errSenderSpoofed = errors.New("sender does not match direct link peer")
)

// helloGuard remembers recent hello signatures so a captured hello cannot
// be replayed to open a second direct link.
type helloGuard struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen *lru.Cache[string, time.Time]
}

func newHelloGuard(size int, ttl time.Duration, now func() time.Time) *helloGuard {
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		panic(err)
	}
	return &helloGuard{ttl: ttl, now: now, seen: cache}
}

// fresh records sig and reports whether it was not seen within the ttl.
func (g *helloGuard) fresh(sig []byte) bool {
	k := string(sig)
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.seen.Get(k); ok && now.Sub(at) < g.ttl {
		return false
	}
	g.seen.Add(k, now)
	return true
}

func (n *Node) helloMsg(msgType string, to identity.PublicKey) ([]byte, error) {
	self := n.id.PublicKey()
	ts := n.opts.Now().Unix()
	sig, err := n.id.Sign(proto.LabelHello, proto.HelloBytes(msgType, self[:], to[:], ts))
	if err != nil {
		return nil, err
	}
	return proto.EncodeHelloMsg(proto.HelloMsg{
		Type: msgType,
		From: self.String(),
		To:   to.String(),
		TS:   ts,
		Sig:  proto.EncodeSig(sig),
	})
}

// verifyHello checks a hello or hello_ack addressed to this node. A non-zero
// expect pins the sender.
func (n *Node) verifyHello(data []byte, msgType string, expect identity.PublicKey) (identity.PublicKey, error) {
	msg, err := proto.DecodeHelloMsg(data)
	if err != nil {
		return identity.PublicKey{}, err
	}
	if msg.Type != msgType {
		return identity.PublicKey{}, fmt.Errorf("expected %s, got %s", msgType, msg.Type)
	}
	from, err := identity.ParsePublicKey(msg.From)
	if err != nil {
		return identity.PublicKey{}, err
	}
	self := n.id.PublicKey()
	if to, err := identity.ParsePublicKey(msg.To); err != nil || to != self {
		return from, errHelloPeer
	}
	if from == self || (!expect.IsZero() && from != expect) {
		return from, errHelloPeer
	}
	skew := n.opts.Now().Sub(time.Unix(msg.TS, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > helloMaxSkew {
		return from, errHelloSkew
	}
	sig, err := proto.DecodeSig(msg.Sig)
	if err != nil || !from.Verify(proto.LabelHello, proto.HelloBytes(msg.Type, from[:], self[:], msg.TS), sig) {
		return from, errHelloSig
	}
	if !n.hellos.fresh(sig) {
		return from, errHelloReplay
	}
	return from, nil
}
