package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overlaynode/internal/identity"
	"overlaynode/internal/metrics"
)

func peerKey(b byte) identity.PublicKey {
	var k identity.PublicKey
	k[0] = b
	return k
}

type recorder struct {
	mu   sync.Mutex
	got  []Event
	busy atomic.Int32
	max  atomic.Int32
}

func (r *recorder) handle(ev Event) error {
	n := r.busy.Add(1)
	defer r.busy.Add(-1)
	for {
		cur := r.max.Load()
		if n <= cur || r.max.CompareAndSwap(cur, n) {
			break
		}
	}
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.got...)
}

func TestDispatcherOrderPerPeer(t *testing.T) {
	var r recorder
	d := NewDispatcher(4, r.handle, nil, nil)
	peer := peerKey(1)
	script := []Event{
		PeerRelay(peer), LongTimeEncryption(peer), PeerDirect(peer),
		PerfectForwardSecrecy(peer), Message(peer, []byte("hi")), LongTimeEncryption(peer),
	}
	for _, ev := range script {
		require.NoError(t, d.Emit(ev))
	}
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, script, r.events())
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcherNeverConcurrent(t *testing.T) {
	var r recorder
	d := NewDispatcher(16, r.handle, nil, nil)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p byte) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = d.Emit(PeerDirect(peerKey(p)))
			}
		}(byte(p))
	}
	wg.Wait()
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, r.events(), 400)
	assert.Equal(t, int32(1), r.max.Load())
}

func TestDispatcherSurvivesHandlerFailures(t *testing.T) {
	m := metrics.New()
	var delivered []Code
	d := NewDispatcher(8, func(ev Event) error {
		delivered = append(delivered, ev.Code())
		switch ev.Code() {
		case CodeNodeUp:
			return errors.New("bad handler")
		case CodeNodeOnline:
			panic("worse handler")
		}
		return nil
	}, nil, m)
	var id identity.Identity
	require.NoError(t, d.Emit(NodeUp(id)))
	require.NoError(t, d.Emit(NodeOnline(id)))
	require.NoError(t, d.Emit(NodeOffline(id)))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []Code{CodeNodeUp, CodeNodeOnline, CodeNodeOffline}, delivered)
	assert.Equal(t, float64(2), m.Snapshot()["overlay_handler_failures_total"])
}

func TestDispatcherCloseDrainsAndRejects(t *testing.T) {
	var r recorder
	release := make(chan struct{})
	d := NewDispatcher(8, func(ev Event) error {
		<-release
		return r.handle(ev)
	}, nil, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Emit(PeerDirect(peerKey(byte(i)))))
	}
	closed := make(chan error, 1)
	go func() { closed <- d.Close(context.Background()) }()
	close(release)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}
	assert.Len(t, r.events(), 5)
	assert.ErrorIs(t, d.Emit(PeerDirect(peerKey(9))), ErrClosed)
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Drain(context.Background()))
}

func TestMessagePayloadIsCopied(t *testing.T) {
	buf := []byte("payload")
	ev := Message(peerKey(1), buf)
	buf[0] = 'X'
	assert.Equal(t, []byte("payload"), ev.Payload())
	out := ev.Payload()
	out[0] = 'Y'
	assert.Equal(t, []byte("payload"), ev.Payload())
}

func TestCodeRanges(t *testing.T) {
	assert.True(t, CodeNodeNormalTermination.IsNode())
	assert.False(t, CodePeerDirect.IsNode())
	assert.True(t, CodePerfectForwardSecrecy.IsPeer())
	assert.Equal(t, Code(40), Inbound(identity.PublicKey{}, nil).Code())
	assert.Equal(t, "PeerRelay", CodePeerRelay.String())
}

func TestDispatcherCloseReleasesBlockedEmit(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 8)
	d := NewDispatcher(1, func(Event) error {
		entered <- struct{}{}
		<-release
		return nil
	}, nil, nil)
	require.NoError(t, d.Emit(PeerDirect(peerKey(1))))
	<-entered
	require.NoError(t, d.Emit(PeerDirect(peerKey(2))))

	blocked := make(chan error, 1)
	go func() { blocked <- d.Emit(PeerDirect(peerKey(3))) }()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.EmitContext(ctx, PeerDirect(peerKey(4))), context.DeadlineExceeded)

	closed := make(chan error, 1)
	go func() { closed <- d.Close(context.Background()) }()
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked emit was not released")
	}
	close(release)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}
}
