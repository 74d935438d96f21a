// Package superpeer keeps the node connected to its configured super peers.
package superpeer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"overlaynode/internal/config"
	"overlaynode/internal/events"
	"overlaynode/internal/identity"
	"overlaynode/internal/metrics"
	"overlaynode/internal/network"
	"overlaynode/internal/proto"
)

var (
	ErrNoSuperPeer = errors.New("no super peer connected")
	ErrExhausted   = errors.New("retry budget exhausted for all super peers")
	ErrBadJoinAck  = errors.New("bad join ack")
)

// ConnectorError describes a failed connection attempt to one super peer.
type ConnectorError struct {
	Endpoint string
	Err      error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("super peer %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

type Options struct {
	Self      identity.Identity
	Endpoints []config.Endpoint
	Transport network.Transport
	// ListenAddr is advertised in join so the super peer can unite peers.
	ListenAddr     string
	RetryBudget    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	DialTimeout    time.Duration
	Now            func() time.Time
	// OnMessage receives every frame a super peer sends after the join.
	OnMessage func(endpoint string, data []byte)
}

type Connector struct {
	opts Options
	out  *events.Outbox
	log  *zap.Logger
	m    *metrics.Metrics

	online atomic.Bool

	mu         sync.Mutex
	links      map[string]network.Link
	observed   string
	everOnline bool
	onlineCh   chan struct{}
	exhausted  int
	failed     bool
	haltCh     chan struct{}
	closing    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(opts Options, out *events.Outbox, log *zap.Logger, m *metrics.Metrics) (*Connector, error) {
	if opts.Transport == nil {
		return nil, errors.New("superpeer: transport required")
	}
	if opts.RetryBudget < 1 {
		opts.RetryBudget = 1
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if out == nil {
		out = events.NewOutbox(events.Discard, log)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Connector{
		opts:     opts,
		out:      out,
		log:      log,
		m:        m,
		links:    make(map[string]network.Link),
		onlineCh: make(chan struct{}),
		haltCh:   make(chan struct{}),
	}, nil
}

// Start connects to every endpoint in parallel. With no endpoints the
// connector stays idle and the node never goes online.
func (c *Connector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if len(c.opts.Endpoints) == 0 {
		c.log.Info("no super peers configured")
		return
	}
	for _, ep := range c.opts.Endpoints {
		c.wg.Add(1)
		go func(ep config.Endpoint) {
			defer c.wg.Done()
			c.loop(ctx, ep)
		}(ep)
	}
}

func (c *Connector) IsOnline() bool { return c.online.Load() }

// ObservedAddr is the address the most recent join_ack reported for us.
func (c *Connector) ObservedAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observed
}

// Send writes data to the first connected super peer in endpoint order.
func (c *Connector) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	var link network.Link
	for _, ep := range c.opts.Endpoints {
		if l, ok := c.links[ep.Addr]; ok {
			link = l
			break
		}
	}
	c.mu.Unlock()
	if link == nil {
		return ErrNoSuperPeer
	}
	return link.Send(ctx, data)
}

// Close cancels all attempts and closes live links without emitting Offline.
func (c *Connector) Close() {
	c.mu.Lock()
	c.closing = true
	cancel := c.cancel
	links := make([]network.Link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, l := range links {
		_ = l.Close()
	}
	c.wg.Wait()
	c.online.Store(false)
	c.m.SetOnline(false)
}

func (c *Connector) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Connector) loop(ctx context.Context, ep config.Endpoint) {
	b := c.newBackOff()
	failures := 0
	for {
		link, err := c.connect(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug("super peer connect failed", zap.String("endpoint", ep.Addr), zap.Error(err))
			if !c.hasBeenOnline() {
				failures++
				if failures >= c.opts.RetryBudget {
					if !c.waitExhausted(ctx, ep, err) {
						return
					}
					failures = 0
					b.Reset()
					continue
				}
			}
			if !sleep(ctx, b.NextBackOff()) {
				return
			}
			continue
		}
		b.Reset()
		failures = 0
		if !c.linkUp(ep, link) {
			_ = link.Close()
			return
		}
		c.serve(ep, link)
		c.linkDown(ep, link)
		if !sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}

func (c *Connector) hasBeenOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.everOnline
}

// waitExhausted parks an endpoint whose budget ran out before the first
// Online. It reports false once every endpoint is exhausted, after emitting
// UnrecoverableError, and true when another endpoint brought the node online.
func (c *Connector) waitExhausted(ctx context.Context, ep config.Endpoint, lastErr error) bool {
	c.mu.Lock()
	if c.everOnline {
		c.mu.Unlock()
		return true
	}
	c.exhausted++
	if c.exhausted == len(c.opts.Endpoints) && !c.failed && !c.closing {
		c.failed = true
		close(c.haltCh)
		err := &ConnectorError{Endpoint: ep.Addr, Err: errors.Join(ErrExhausted, lastErr)}
		c.out.Push(events.NodeUnrecoverableError(c.opts.Self, err))
		c.mu.Unlock()
		c.out.Flush()
		c.log.Error("super peer connector halted", zap.Error(err))
		return false
	}
	c.mu.Unlock()

	select {
	case <-c.onlineCh:
		c.mu.Lock()
		c.exhausted--
		c.mu.Unlock()
		return true
	case <-c.haltCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Connector) connect(ctx context.Context, ep config.Endpoint) (network.Link, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	link, err := c.opts.Transport.Dial(dctx, ep.Addr)
	if err != nil {
		return nil, &ConnectorError{Endpoint: ep.Addr, Err: err}
	}
	fail := func(err error) (network.Link, error) {
		_ = link.Close()
		return nil, &ConnectorError{Endpoint: ep.Addr, Err: err}
	}
	join, err := c.joinMsg()
	if err != nil {
		return fail(err)
	}
	if err := link.Send(dctx, join); err != nil {
		return fail(err)
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := link.Recv()
		ch <- result{data, err}
	}()
	var res result
	select {
	case res = <-ch:
	case <-dctx.Done():
		return fail(dctx.Err())
	}
	if res.err != nil {
		return fail(res.err)
	}
	ack, err := proto.DecodeJoinAckMsg(res.data)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrBadJoinAck, err))
	}
	if err := verifyAck(ep, ack); err != nil {
		return fail(err)
	}
	if ack.ObservedAddr != "" {
		c.mu.Lock()
		c.observed = ack.ObservedAddr
		c.mu.Unlock()
	}
	return link, nil
}

func (c *Connector) joinMsg() ([]byte, error) {
	pub := c.opts.Self.PublicKey()
	ts := c.opts.Now().Unix()
	pow := c.opts.Self.ProofOfWork()
	sig, err := c.opts.Self.Sign(proto.LabelJoin, proto.JoinBytes(pub[:], pow, c.opts.ListenAddr, ts))
	if err != nil {
		return nil, err
	}
	return proto.EncodeJoinMsg(proto.JoinMsg{
		From:       pub.String(),
		PoW:        pow,
		ListenAddr: c.opts.ListenAddr,
		TS:         ts,
		Sig:        proto.EncodeSig(sig),
	})
}

// verifyAck checks the super peer key only for endpoints with a pinned key.
func verifyAck(ep config.Endpoint, ack proto.JoinAckMsg) error {
	if !ep.Pinned() {
		return nil
	}
	from, err := identity.ParsePublicKey(ack.From)
	if err != nil || from != ep.Key {
		return fmt.Errorf("%w: unexpected super peer key", ErrBadJoinAck)
	}
	sig, err := proto.DecodeSig(ack.Sig)
	if err != nil || !from.Verify(proto.LabelJoinAck, proto.JoinAckBytes(from[:], ack.ObservedAddr, ack.TS), sig) {
		return fmt.Errorf("%w: bad signature", ErrBadJoinAck)
	}
	return nil
}

func (c *Connector) linkUp(ep config.Endpoint, link network.Link) bool {
	c.mu.Lock()
	if c.closing || c.failed {
		c.mu.Unlock()
		return false
	}
	c.links[ep.Addr] = link
	if len(c.links) == 1 {
		c.online.Store(true)
		if !c.everOnline {
			c.everOnline = true
			close(c.onlineCh)
		}
		c.out.Push(events.NodeOnline(c.opts.Self))
	}
	c.mu.Unlock()
	c.out.Flush()
	c.m.SuperPeerConnected()
	c.m.SetOnline(true)
	c.log.Info("super peer connected", zap.String("endpoint", ep.Addr))
	return true
}

func (c *Connector) linkDown(ep config.Endpoint, link network.Link) {
	_ = link.Close()
	c.mu.Lock()
	if cur, ok := c.links[ep.Addr]; ok && cur == link {
		delete(c.links, ep.Addr)
	}
	offline := len(c.links) == 0 && c.online.Load()
	if offline {
		c.online.Store(false)
		if !c.closing {
			c.out.Push(events.NodeOffline(c.opts.Self))
		}
	}
	c.mu.Unlock()
	c.out.Flush()
	c.m.SuperPeerDisconnected()
	if offline {
		c.m.SetOnline(false)
	}
	c.log.Info("super peer disconnected", zap.String("endpoint", ep.Addr))
}

func (c *Connector) serve(ep config.Endpoint, link network.Link) {
	for {
		data, err := link.Recv()
		if err != nil {
			return
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(ep.Addr, data)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
