package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overlaynode/internal/events"
	"overlaynode/internal/identity"
	"overlaynode/internal/network"
	"overlaynode/internal/peer"
	"overlaynode/internal/relay"
	"overlaynode/internal/testutil"
)

const (
	testDifficulty = 1
	waitFor        = 3 * time.Second
	pollEvery      = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recorder) count(code events.Code) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Code() == code {
			n++
		}
	}
	return n
}

func (r *recorder) messages() []events.MessageEvent {
	var out []events.MessageEvent
	for _, ev := range r.all() {
		if m, ok := ev.(events.MessageEvent); ok {
			out = append(out, m)
		}
	}
	return out
}

func testConfig(superPeers []string, extra string) []byte {
	return nodeConfig(superPeers, extra, `{"direct-timeout": "300ms"}`, "")
}

// nodeConfig is testConfig with the path section and extra top level
// sections spelled out.
func nodeConfig(superPeers []string, extra, path, top string) []byte {
	eps := ""
	for i, sp := range superPeers {
		if i > 0 {
			eps += ","
		}
		eps += fmt.Sprintf("%q", sp)
	}
	return []byte(fmt.Sprintf(`{
  "identity": {"pow-difficulty": %d},
  "remote": {
    "bind-host": "127.0.0.1",
    "bind-port": 0,
    %s
    "super-peer": {
      "endpoints": [%s],
      "retry-budget": 2,
      "backoff-initial": "5ms",
      "backoff-max": "20ms",
      "dial-timeout": "500ms"
    },
    "path": %s
  },
  %s
  "stop": {"grace-period": "1s"}
}`, testDifficulty, extra, eps, path, top))
}

func startRelay(t *testing.T, n *network.MemNetwork, addr string) {
	t.Helper()
	self, err := identity.Generate(context.Background(), testDifficulty)
	require.NoError(t, err)
	ln, err := n.Listen(addr)
	require.NoError(t, err)
	srv := relay.NewServer(relay.Options{Self: self, MinDifficulty: testDifficulty}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newTestNode(t *testing.T, net network.Transport, cfg []byte) (*Node, *recorder) {
	t.Helper()
	rec := &recorder{}
	n := New(Options{Transport: net, TickInterval: 20 * time.Millisecond})
	require.NoError(t, n.Init(cfg, rec.handle))
	t.Cleanup(n.Teardown)
	return n, rec
}

func TestLifecycleErrors(t *testing.T) {
	net := network.NewMemNetwork()
	n := New(Options{Transport: net})
	other, err := identity.Generate(context.Background(), testDifficulty)
	require.NoError(t, err)

	assert.ErrorIs(t, n.Start(), ErrLifecycle)
	assert.ErrorIs(t, n.Stop(), ErrLifecycle)
	assert.ErrorIs(t, n.Send(context.Background(), other.PublicKey(), []byte("x")), ErrLifecycle)
	_, err = n.Identity()
	assert.ErrorIs(t, err, ErrLifecycle)

	rec := &recorder{}
	require.NoError(t, n.Init(testConfig(nil, ""), rec.handle))
	assert.ErrorIs(t, n.Init(testConfig(nil, ""), rec.handle), ErrInit)
	assert.ErrorIs(t, n.Send(context.Background(), other.PublicKey(), []byte("x")), ErrLifecycle)
	id, err := n.Identity()
	require.NoError(t, err)
	assert.True(t, identity.VerifyProofOfWork(id.PublicKey(), id.ProofOfWork(), testDifficulty))

	require.NoError(t, n.Start())
	assert.Equal(t, Started, n.State())
	assert.ErrorIs(t, n.Start(), ErrLifecycle)
	assert.ErrorIs(t, n.ShutdownEventLoop(context.Background()), ErrLifecycle)

	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop())
	assert.ErrorIs(t, n.Start(), ErrLifecycle)
	assert.ErrorIs(t, n.Send(context.Background(), other.PublicKey(), []byte("x")), ErrLifecycle)
	require.NoError(t, n.ShutdownEventLoop(context.Background()))

	codes := []events.Code{}
	for _, ev := range rec.all() {
		codes = append(codes, ev.Code())
	}
	assert.Equal(t, []events.Code{events.CodeNodeUp, events.CodeNodeDown, events.CodeNodeNormalTermination}, codes)

	n.Teardown()
	n.Teardown()
	assert.Equal(t, TornDown, n.State())
	assert.ErrorIs(t, n.Init(nil, rec.handle), ErrLifecycle)
	assert.ErrorIs(t, n.Start(), ErrLifecycle)
	_, err = n.Identity()
	assert.ErrorIs(t, err, ErrLifecycle)
}

func TestInitRejectsBadConfig(t *testing.T) {
	n := New(Options{Transport: network.NewMemNetwork()})
	err := n.Init([]byte(`{"message": {"max-payload": -1}}`), func(events.Event) error { return nil })
	assert.ErrorIs(t, err, ErrInit)
	assert.Equal(t, Created, n.State())

	err = n.Init([]byte(`{"identity": {"public-key": "abcd"}}`), func(events.Event) error { return nil })
	assert.ErrorIs(t, err, ErrInit)

	assert.ErrorIs(t, n.Init(nil, nil), ErrInit)
}

func TestInitRejectsMismatchedIdentity(t *testing.T) {
	a, err := identity.Generate(context.Background(), testDifficulty)
	require.NoError(t, err)
	b, err := identity.Generate(context.Background(), testDifficulty)
	require.NoError(t, err)
	cfg := fmt.Sprintf(`{"identity": {"pow-difficulty": 1, "public-key": %q, "secret-key": %q, "proof-of-work": %d}}`,
		a.PublicKey(), b.SecretKeyHex(), a.ProofOfWork())

	n := New(Options{Transport: network.NewMemNetwork()})
	err = n.Init([]byte(cfg), func(events.Event) error { return nil })
	require.ErrorIs(t, err, ErrInit)
	var idErr *identity.Error
	assert.True(t, errors.As(err, &idErr))
}

func TestSendChecks(t *testing.T) {
	net := network.NewMemNetwork()
	n, _ := newTestNode(t, net, testConfig(nil, ""))
	require.NoError(t, n.Start())
	other, err := identity.Generate(context.Background(), testDifficulty)
	require.NoError(t, err)
	id, _ := n.Identity()

	assert.ErrorIs(t, n.Send(context.Background(), other.PublicKey(), make([]byte, 64513)), ErrPayloadTooLarge)
	assert.ErrorIs(t, n.Send(context.Background(), id.PublicKey(), []byte("x")), ErrInvalidRecipient)
	// no super peers: offline, and no direct path to other
	assert.ErrorIs(t, n.Send(context.Background(), other.PublicKey(), []byte("x")), ErrNotConnected)
	assert.False(t, n.IsOnline())
}

func TestUnrecoverableErrorWhenNoSuperPeerReachable(t *testing.T) {
	net := network.NewMemNetwork()
	n, rec := newTestNode(t, net, testConfig([]string{"sp:7001", "sp:7002"}, ""))
	require.NoError(t, n.Start())

	require.Eventually(t, func() bool { return rec.count(events.CodeNodeUnrecoverableError) == 1 }, waitFor, pollEvery)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count(events.CodeNodeOnline))
	assert.False(t, n.IsOnline())
	assert.Equal(t, Started, n.State())

	require.NoError(t, n.Stop())
	assert.Equal(t, 1, rec.count(events.CodeNodeNormalTermination))
}

func TestEndToEndQueuedSendFlushedOverDirectPath(t *testing.T) {
	net := network.NewMemNetwork()
	startRelay(t, net, "sp:7001")
	a, recA := newTestNode(t, net, testConfig([]string{"sp:7001"}, ""))
	b, recB := newTestNode(t, net, testConfig([]string{"sp:7001"}, ""))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	require.Eventually(t, func() bool { return a.IsOnline() && b.IsOnline() }, waitFor, pollEvery)

	idB, err := b.Identity()
	require.NoError(t, err)
	idA, err := a.Identity()
	require.NoError(t, err)
	assert.Equal(t, peer.Unknown, a.Path(idB.PublicKey()))

	payload := []byte("hello, overlay")
	require.NoError(t, a.Send(context.Background(), idB.PublicKey(), payload))

	require.Eventually(t, func() bool { return len(recB.messages()) == 1 }, waitFor, pollEvery)
	msg := recB.messages()[0]
	assert.Equal(t, idA.PublicKey(), msg.Sender)
	assert.Equal(t, payload, msg.Payload())
	assert.Equal(t, peer.Direct, a.Path(idB.PublicKey()))
	require.Eventually(t, func() bool { return b.Path(idA.PublicKey()) == peer.Direct }, waitFor, pollEvery)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, recB.messages(), 1)
	assert.Equal(t, 1, recA.count(events.CodeNodeOnline))
	assert.Equal(t, 1, recA.count(events.CodePeerDirect))
	assert.Zero(t, recA.count(events.CodePeerRelay))

	// the first exchange upgrades to an ephemeral key exactly once
	require.Eventually(t, func() bool { return recA.count(events.CodePerfectForwardSecrecy) == 1 }, waitFor, pollEvery)
	assert.Equal(t, 1, recA.count(events.CodeLongTimeEncryption))

	require.NoError(t, b.Send(context.Background(), idA.PublicKey(), []byte("reply")))
	require.Eventually(t, func() bool { return len(recA.messages()) == 1 }, waitFor, pollEvery)
	assert.Equal(t, []byte("reply"), recA.messages()[0].Payload())
}

func TestFallsBackToRelayWithoutDirectPath(t *testing.T) {
	net := network.NewMemNetwork()
	startRelay(t, net, "sp:7001")
	// both advertise addresses nobody listens on, so no direct link forms
	a, recA := newTestNode(t, net, testConfig([]string{"sp:7001"}, `"advertise-addr": "nowhere:1",`))
	b, recB := newTestNode(t, net, testConfig([]string{"sp:7001"}, `"advertise-addr": "nowhere:2",`))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	require.Eventually(t, func() bool { return a.IsOnline() && b.IsOnline() }, waitFor, pollEvery)
	idB, _ := b.Identity()

	require.NoError(t, a.Send(context.Background(), idB.PublicKey(), []byte("via relay")))
	require.Eventually(t, func() bool { return len(recB.messages()) == 1 }, waitFor, pollEvery)
	assert.Equal(t, []byte("via relay"), recB.messages()[0].Payload())
	assert.Equal(t, peer.Relayed, a.Path(idB.PublicKey()))
	assert.Equal(t, 1, recA.count(events.CodePeerRelay))
	assert.Zero(t, recA.count(events.CodePeerDirect))
}

func TestDirectLinkLossFallsBackToRelay(t *testing.T) {
	net := network.NewMemNetwork()
	startRelay(t, net, "sp:7001")
	a, recA := newTestNode(t, net, testConfig([]string{"sp:7001"}, ""))
	b, _ := newTestNode(t, net, testConfig([]string{"sp:7001"}, ""))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	require.Eventually(t, func() bool { return a.IsOnline() && b.IsOnline() }, waitFor, pollEvery)
	idB, _ := b.Identity()

	require.NoError(t, a.Send(context.Background(), idB.PublicKey(), []byte("one")))
	require.Eventually(t, func() bool { return a.Path(idB.PublicKey()) == peer.Direct }, waitFor, pollEvery)

	// whichever side dialed, the link ends at one of the two listeners
	require.Positive(t, net.DropLinks(a.advertise)+net.DropLinks(b.advertise))
	require.Eventually(t, func() bool { return a.Path(idB.PublicKey()) == peer.Relayed }, waitFor, pollEvery)
	assert.Equal(t, 1, recA.count(events.CodePeerRelay))
}

func TestStopEmitsDownThenNormalTermination(t *testing.T) {
	net := network.NewMemNetwork()
	startRelay(t, net, "sp:7001")
	n, rec := newTestNode(t, net, testConfig([]string{"sp:7001"}, ""))
	require.NoError(t, n.Start())
	require.Eventually(t, n.IsOnline, waitFor, pollEvery)
	require.NoError(t, n.Stop())
	assert.False(t, n.IsOnline())

	var codes []events.Code
	for _, ev := range rec.all() {
		codes = append(codes, ev.Code())
	}
	assert.Equal(t, []events.Code{
		events.CodeNodeUp, events.CodeNodeOnline, events.CodeNodeDown, events.CodeNodeNormalTermination,
	}, codes)
}

func TestInitContextCancelledLeavesNodeCreated(t *testing.T) {
	n := New(Options{Transport: network.NewMemNetwork()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := n.InitContext(ctx, []byte(`{"identity": {"pow-difficulty": 12}}`), func(events.Event) error { return nil })
	require.ErrorIs(t, err, ErrInit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Created, n.State())

	require.NoError(t, n.Init(testConfig(nil, ""), func(events.Event) error { return nil }))
	assert.Equal(t, Initialized, n.State())
	n.Teardown()
}

func TestHandlerEchoesUnderSmallEventQueue(t *testing.T) {
	net := network.NewMemNetwork()
	startRelay(t, net, "sp:7001")
	a, recA := newTestNode(t, net, testConfig([]string{"sp:7001"}, ""))

	b := New(Options{Transport: net, TickInterval: 20 * time.Millisecond})
	var handled atomic.Int64
	echo := func(ev events.Event) error {
		m, ok := ev.(events.MessageEvent)
		if !ok {
			return nil
		}
		handled.Add(1)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Send(ctx, m.Sender, m.Payload())
		return nil
	}
	cfg := nodeConfig([]string{"sp:7001"}, "", `{"direct-timeout": "300ms"}`, `"event": {"queue-size": 2},`)
	require.NoError(t, b.Init(cfg, echo))
	t.Cleanup(b.Teardown)

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	require.Eventually(t, func() bool { return a.IsOnline() && b.IsOnline() }, waitFor, pollEvery)
	idB, _ := b.Identity()

	require.NoError(t, a.Send(context.Background(), idB.PublicKey(), []byte("warmup")))
	require.Eventually(t, func() bool { return len(recA.messages()) == 1 }, waitFor, pollEvery)

	const total = 300
	for i := 1; i < total; i++ {
		require.NoError(t, a.Send(context.Background(), idB.PublicKey(), []byte(fmt.Sprintf("m%d", i))))
	}
	require.Eventually(t, func() bool { return handled.Load() == total }, 10*time.Second, pollEvery)
	require.Eventually(t, func() bool { return len(recA.messages()) == total }, 10*time.Second, pollEvery)

	testutil.WithTimeout(t, 3*time.Second, func() {
		assert.NoError(t, b.Stop())
	})
	assert.Equal(t, Stopped, b.State())
}

func TestOneWaySenderKeepsDirectPath(t *testing.T) {
	net := network.NewMemNetwork()
	startRelay(t, net, "sp:7001")
	path := `{"direct-timeout": "300ms", "inactivity-timeout": "500ms"}`
	a, recA := newTestNode(t, net, nodeConfig([]string{"sp:7001"}, "", path, ""))
	b, recB := newTestNode(t, net, nodeConfig([]string{"sp:7001"}, "", path, ""))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	require.Eventually(t, func() bool { return a.IsOnline() && b.IsOnline() }, waitFor, pollEvery)
	idB, _ := b.Identity()

	require.NoError(t, a.Send(context.Background(), idB.PublicKey(), []byte("m0")))
	require.Eventually(t, func() bool { return a.Path(idB.PublicKey()) == peer.Direct }, waitFor, pollEvery)

	// b never answers, so only a's own traffic keeps the peer alive
	const total = 21
	for i := 1; i < total; i++ {
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, a.Send(context.Background(), idB.PublicKey(), []byte(fmt.Sprintf("m%d", i))))
	}
	require.Eventually(t, func() bool { return len(recB.messages()) == total }, waitFor, pollEvery)
	assert.Equal(t, peer.Direct, a.Path(idB.PublicKey()))
	assert.Zero(t, recA.count(events.CodePeerRelay))
	assert.Equal(t, 1, recA.count(events.CodePeerDirect))
}

func TestHelloGuardRejectsReplay(t *testing.T) {
	now := time.Now()
	g := newHelloGuard(4, time.Minute, func() time.Time { return now })
	assert.True(t, g.fresh([]byte("sig")))
	assert.False(t, g.fresh([]byte("sig")))
	now = now.Add(2 * time.Minute)
	assert.True(t, g.fresh([]byte("sig")))
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "aa", routingKey([]byte(`{"type":"app","from":"aa"}`), "x"))
	assert.Equal(t, "bb", routingKey([]byte(`{"type":"unite","peer":"bb"}`), "x"))
	assert.Equal(t, "x", routingKey([]byte(`nope`), "x"))
}
