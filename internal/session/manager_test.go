package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"overlaynode/internal/events"
	"overlaynode/internal/identity"
	"overlaynode/internal/proto"
	"overlaynode/internal/testutil"
)

type eventLog struct {
	got []events.Event
}

func (l *eventLog) Emit(ev events.Event) error {
	l.got = append(l.got, ev)
	return nil
}

func (l *eventLog) codes() []events.Code {
	out := make([]events.Code, 0, len(l.got))
	for _, ev := range l.got {
		out = append(out, ev.Code())
	}
	return out
}

type delivery struct {
	to  identity.PublicKey
	msg proto.KexMsg
}

type pair struct {
	t        *testing.T
	clock    *testutil.Clock
	aID, bID identity.Identity
	a, b     *Manager
	aLog     *eventLog
	bLog     *eventLog
	queue    []delivery
	drop     bool
	sent     int
	onSend   func(delivery)
}

func newPair(t *testing.T, cfg Config) *pair {
	t.Helper()
	p := &pair{t: t, clock: testutil.NewClock(time.Unix(1700000000, 0)), aLog: &eventLog{}, bLog: &eventLog{}}
	var err error
	if p.aID, err = identity.Generate(context.Background(), 0); err != nil {
		t.Fatalf("identity a: %v", err)
	}
	if p.bID, err = identity.Generate(context.Background(), 0); err != nil {
		t.Fatalf("identity b: %v", err)
	}
	cfg.Now = p.clock.Now
	send := func(peer identity.PublicKey, m proto.KexMsg) error {
		p.sent++
		if p.onSend != nil {
			p.onSend(delivery{to: peer, msg: m})
		}
		if p.drop {
			return nil
		}
		p.queue = append(p.queue, delivery{to: peer, msg: m})
		return nil
	}
	p.a = NewManager(p.aID, nil, cfg, events.NewOutbox(p.aLog, nil), send, nil, nil)
	p.b = NewManager(p.bID, nil, cfg, events.NewOutbox(p.bLog, nil), send, nil, nil)
	return p
}

func (p *pair) managerFor(k identity.PublicKey) *Manager {
	if k == p.aID.PublicKey() {
		return p.a
	}
	return p.b
}

func (p *pair) pump() {
	p.t.Helper()
	for len(p.queue) > 0 {
		d := p.queue[0]
		p.queue = p.queue[1:]
		if err := p.managerFor(d.to).HandleKex(d.msg); err != nil {
			p.t.Fatalf("handle %s: %v", d.msg.Type, err)
		}
	}
}

func (p *pair) exchange(payload string) {
	p.t.Helper()
	msg, err := p.a.Seal(p.bID.PublicKey(), []byte(payload))
	if err != nil {
		p.t.Fatalf("seal: %v", err)
	}
	from, got, err := p.b.Open(msg)
	if err != nil {
		p.t.Fatalf("open: %v", err)
	}
	if from != p.aID.PublicKey() || string(got) != payload {
		p.t.Fatalf("unexpected open result %s %q", from, got)
	}
}

func countCode(codes []events.Code, c events.Code) int {
	n := 0
	for _, x := range codes {
		if x == c {
			n++
		}
	}
	return n
}

func TestLongTermOnFirstExchange(t *testing.T) {
	p := newPair(t, Config{})
	p.drop = true
	p.exchange("hello")
	p.exchange("again")
	if got := p.a.State(p.bID.PublicKey()); got != LongTerm {
		t.Fatalf("sender state %s, want long-term", got)
	}
	if got := p.b.State(p.aID.PublicKey()); got != LongTerm {
		t.Fatalf("receiver state %s, want long-term", got)
	}
	if codes := p.aLog.codes(); len(codes) != 1 || codes[0] != events.CodeLongTimeEncryption {
		t.Fatalf("unexpected sender events %v", codes)
	}
	if codes := p.bLog.codes(); len(codes) != 1 || codes[0] != events.CodeLongTimeEncryption {
		t.Fatalf("unexpected receiver events %v", codes)
	}
}

func TestPFSEscalationExactlyOneEvent(t *testing.T) {
	p := newPair(t, Config{Renew: true})
	p.exchange("first")
	p.pump()
	if p.a.State(p.bID.PublicKey()) != PerfectForwardSecrecy || p.b.State(p.aID.PublicKey()) != PerfectForwardSecrecy {
		t.Fatalf("expected both sides in pfs")
	}
	if !p.a.HasSessionKey(p.bID.PublicKey()) {
		t.Fatalf("expected session key")
	}
	p.exchange("second")
	p.exchange("third")
	p.pump()
	for name, log := range map[string]*eventLog{"a": p.aLog, "b": p.bLog} {
		codes := log.codes()
		if len(codes) != 2 || codes[0] != events.CodeLongTimeEncryption || codes[1] != events.CodePerfectForwardSecrecy {
			t.Fatalf("%s: unexpected events %v", name, codes)
		}
	}
	msg, err := p.a.Seal(p.bID.PublicKey(), []byte("x"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if msg.Agreement == "" {
		t.Fatalf("expected pfs agreement id on sealed message")
	}
}

func TestSessionExpiryRevertsAndRenews(t *testing.T) {
	p := newPair(t, Config{Renew: true, ExpireAfter: time.Minute})
	p.exchange("first")
	p.pump()
	p.clock.Advance(time.Minute + time.Second)
	p.a.Tick()
	if got := p.a.State(p.bID.PublicKey()); got != LongTerm {
		t.Fatalf("state after expiry %s, want long-term", got)
	}
	p.pump()
	if got := p.a.State(p.bID.PublicKey()); got != PerfectForwardSecrecy {
		t.Fatalf("state after renewal %s, want pfs", got)
	}
	want := []events.Code{
		events.CodeLongTimeEncryption, events.CodePerfectForwardSecrecy,
		events.CodeLongTimeEncryption, events.CodePerfectForwardSecrecy,
	}
	got := p.aLog.codes()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %v want %v", i, got[i], want[i])
		}
	}
	p.b.Tick()
	if got := p.b.State(p.aID.PublicKey()); got != PerfectForwardSecrecy {
		t.Fatalf("peer state %s, want pfs", got)
	}
	p.exchange("after renewal")
}

func TestSessionExpiryWithoutRenew(t *testing.T) {
	p := newPair(t, Config{Renew: false, ExpireAfter: time.Minute})
	p.exchange("first")
	p.pump()
	if p.a.State(p.bID.PublicKey()) != PerfectForwardSecrecy {
		t.Fatalf("expected pfs")
	}
	p.clock.Advance(2 * time.Minute)
	p.a.Tick()
	sent := p.sent
	p.pump()
	p.exchange("still long-term")
	p.a.Tick()
	if p.sent != sent {
		t.Fatalf("unexpected kex after expiry without renewal")
	}
	if got := p.a.State(p.bID.PublicKey()); got != LongTerm {
		t.Fatalf("state %s, want long-term", got)
	}
}

func TestKexRetriesBoundedThenInboundException(t *testing.T) {
	p := newPair(t, Config{Renew: true, HandshakeTimeout: 5 * time.Second, MaxAttempts: 3, RetryWindow: time.Minute, RetryInterval: time.Second})
	p.drop = true
	if _, err := p.a.Seal(p.bID.PublicKey(), []byte("x")); err != nil {
		t.Fatalf("seal: %v", err)
	}
	for i := 0; i < 30; i++ {
		p.clock.Advance(time.Second)
		p.a.Tick()
	}
	if p.sent != 3 {
		t.Fatalf("expected 3 kex attempts, got %d", p.sent)
	}
	codes := p.aLog.codes()
	if countCode(codes, events.CodeInboundException) != 1 {
		t.Fatalf("expected one inbound exception, got %v", codes)
	}
	if got := p.a.State(p.bID.PublicKey()); got != None {
		t.Fatalf("state %s, want none", got)
	}
	var hsErr *HandshakeError
	inbound := p.aLog.got[len(p.aLog.got)-1].(events.InboundException)
	if !errors.As(inbound.Err, &hsErr) || hsErr.Reason != ReasonExhausted {
		t.Fatalf("unexpected inbound error %v", inbound.Err)
	}
}

func TestUnknownAgreementTriggersRekey(t *testing.T) {
	p := newPair(t, Config{Renew: true})
	p.exchange("first")
	p.pump()
	p.b.Reset(p.aID.PublicKey())
	if p.b.State(p.aID.PublicKey()) != None {
		t.Fatalf("expected none after reset")
	}
	msg, err := p.a.Seal(p.bID.PublicKey(), []byte("x"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, _, err = p.b.Open(msg)
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) || hsErr.Reason != ReasonUnknownAgreement {
		t.Fatalf("expected unknown agreement, got %v", err)
	}
	if len(p.queue) != 1 || p.queue[0].msg.Type != proto.MsgTypeKex {
		t.Fatalf("expected a fresh kex, got %d queued", len(p.queue))
	}
	p.pump()
	if p.b.State(p.aID.PublicKey()) != PerfectForwardSecrecy {
		t.Fatalf("expected pfs after rekey")
	}
	p.exchange("after rekey")
}

func TestBadKexSignatureRejected(t *testing.T) {
	p := newPair(t, Config{})
	p.exchange("first")
	if len(p.queue) == 0 {
		t.Fatalf("expected kex")
	}
	d := p.queue[0]
	d.msg.Ephemeral = append([]byte(nil), d.msg.Ephemeral...)
	d.msg.Ephemeral[0] ^= 1
	err := p.managerFor(d.to).HandleKex(d.msg)
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) || hsErr.Reason != ReasonBadSignature {
		t.Fatalf("expected bad signature, got %v", err)
	}
}

func TestTamperedMessageFails(t *testing.T) {
	p := newPair(t, Config{})
	p.drop = true
	msg, err := p.a.Seal(p.bID.PublicKey(), []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	msg.Sealed[0] ^= 0xff
	_, _, err = p.b.Open(msg)
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) || hsErr.Reason != ReasonDecrypt {
		t.Fatalf("expected decrypt failure, got %v", err)
	}
	if p.b.State(p.aID.PublicKey()) != None {
		t.Fatalf("failed open must not establish a session")
	}
}

func TestResetAndForget(t *testing.T) {
	p := newPair(t, Config{})
	p.exchange("first")
	p.pump()
	p.a.Reset(p.bID.PublicKey())
	if p.a.State(p.bID.PublicKey()) != None || p.a.HasSessionKey(p.bID.PublicKey()) {
		t.Fatalf("expected none without key after reset")
	}
	p.a.Forget(p.bID.PublicKey())
	p.a.Close()
	if p.a.State(p.bID.PublicKey()) != None {
		t.Fatalf("expected none after forget")
	}
}

func TestSealDuringAckKeepsPreviousKey(t *testing.T) {
	p := newPair(t, Config{Renew: true})
	var racing proto.AppMsg
	p.onSend = func(d delivery) {
		if d.msg.Type != proto.MsgTypeKexAck || d.to != p.aID.PublicKey() {
			return
		}
		msg, err := p.b.Seal(p.aID.PublicKey(), []byte("racing"))
		if err != nil {
			t.Fatalf("seal during ack: %v", err)
		}
		racing = msg
	}
	// only a initiates; b answers as responder
	if _, err := p.a.Seal(p.bID.PublicKey(), []byte("first")); err != nil {
		t.Fatalf("seal: %v", err)
	}
	p.pump()
	if racing.To == "" {
		t.Fatalf("responder sent no ack")
	}
	if racing.Agreement != "" {
		t.Fatalf("sealed under %q before the ack left", racing.Agreement)
	}
	if p.b.State(p.aID.PublicKey()) != PerfectForwardSecrecy {
		t.Fatalf("responder not in pfs after ack")
	}
	_, got, err := p.a.Open(racing)
	if err != nil || string(got) != "racing" {
		t.Fatalf("initiator could not open racing message: %v", err)
	}
	if n := countCode(p.bLog.codes(), events.CodePerfectForwardSecrecy); n != 1 {
		t.Fatalf("responder pfs events %d, want 1", n)
	}
}
