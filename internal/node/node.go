// Package node ties identity, sessions, paths and super peer connectivity
// into the embeddable overlay node.
package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"overlaynode/internal/config"
	"overlaynode/internal/events"
	"overlaynode/internal/identity"
	"overlaynode/internal/metrics"
	"overlaynode/internal/network"
	"overlaynode/internal/peer"
	"overlaynode/internal/session"
	"overlaynode/internal/superpeer"
	"overlaynode/internal/workers"
)

const (
	defaultTickInterval = 200 * time.Millisecond
	workerQueueSize     = 64
	maxConnsPerHost     = 8
)

type Options struct {
	// Transport defaults to QUIC.
	Transport    network.Transport
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	TickInterval time.Duration
	Now          func() time.Time
}

// Node is one overlay participant. All methods are safe for concurrent use.
type Node struct {
	opts Options
	log  *zap.Logger
	m    *metrics.Metrics

	lifeMu sync.Mutex
	state  atomic.Int32

	cfg        config.Config
	id         identity.Identity
	dispatcher *events.Dispatcher
	out        *events.Outbox
	table      *peer.Table
	sessions   *session.Manager
	pool       *workers.Pool
	hellos     *helloGuard

	transport network.Transport
	ln        network.Listener
	conn      atomic.Pointer[superpeer.Connector]
	advertise string
	stopping  atomic.Bool

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	direct  map[identity.PublicKey]network.Link
	dialing map[identity.PublicKey]struct{}
}

// New returns a node in state Created.
func New(opts Options) *Node {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	n := &Node{
		opts:    opts,
		log:     opts.Logger,
		m:       opts.Metrics,
		direct:  make(map[identity.PublicKey]network.Link),
		dialing: make(map[identity.PublicKey]struct{}),
	}
	n.state.Store(int32(Created))
	return n
}

func (n *Node) State() State { return State(n.state.Load()) }

func (n *Node) setState(s State) { n.state.Store(int32(s)) }

func (n *Node) Metrics() *metrics.Metrics { return n.m }

// Init parses cfgBytes (JSON, YAML or empty for defaults), resolves the
// identity and registers handler. It fails with ErrInit when called twice or
// when the config or identity is bad.
func (n *Node) Init(cfgBytes []byte, handler events.Handler) error {
	return n.InitContext(context.Background(), cfgBytes, handler)
}

// InitContext is Init with a context bounding identity generation. When ctx
// ends first the node stays Created and Init may be called again.
func (n *Node) InitContext(ctx context.Context, cfgBytes []byte, handler events.Handler) error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	switch st := n.State(); st {
	case Created:
	case TornDown:
		return lifecycleErr("init", st)
	default:
		return fmt.Errorf("%w: already initialized", ErrInit)
	}
	if handler == nil {
		return fmt.Errorf("%w: event handler required", ErrInit)
	}
	cfg, err := config.Parse(cfgBytes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInit, err)
	}
	id, err := identity.LoadOrCreate(ctx, cfg.IdentityOptions())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInit, err)
	}

	dispatcher := events.NewDispatcher(cfg.Event.QueueSize, handler, n.log.Named("events"), n.m)
	out := events.NewOutbox(dispatcher, n.log.Named("events"))
	table, err := peer.NewTable(peer.Options{
		MaxPeers:          cfg.Remote.Path.MaxPeers,
		PendingQueueSize:  cfg.Message.PendingQueueSize,
		InactivityTimeout: cfg.Remote.Path.InactivityTimeout,
		UpgradeInterval:   cfg.Remote.Path.UpgradeInterval,
		Now:               n.opts.Now,
		OnEvict:           n.evicted,
	}, out, n.log.Named("peer"), n.m)
	if err != nil {
		_ = dispatcher.Close(context.Background())
		out.Close()
		return fmt.Errorf("%w: %w", ErrInit, err)
	}
	n.cfg = cfg
	n.id = id
	n.dispatcher = dispatcher
	n.out = out
	n.table = table
	n.sessions = session.NewManager(id, nil, session.Config{
		ExpireAfter:      cfg.Remote.Session.ExpireAfter,
		Renew:            cfg.Remote.Session.Renew,
		HandshakeTimeout: cfg.Remote.Handshake.Timeout,
		MaxAttempts:      cfg.Remote.Handshake.MaxAttempts,
		RetryWindow:      cfg.Remote.Handshake.RetryWindow,
		RetryInterval:    cfg.Remote.Handshake.RetryInterval,
		Now:              n.opts.Now,
	}, out, n.sendKex, n.log.Named("session"), n.m)
	n.pool = workers.New(cfg.Worker.Count, workerQueueSize, n.log.Named("workers"))
	n.hellos = newHelloGuard(helloCacheSize, helloMaxSkew*2, n.opts.Now)
	n.setState(Initialized)
	n.log.Info("node initialized", zap.Stringer("address", id.PublicKey()))
	return nil
}

// Identity returns the identity resolved by Init.
func (n *Node) Identity() (identity.Identity, error) {
	switch st := n.State(); st {
	case Initialized, Started, Stopped:
		return n.id, nil
	default:
		return identity.Identity{}, lifecycleErr("identity", st)
	}
}

// Start listens for direct links and connects to the super peers in the
// background. Online and Offline are reported as events.
func (n *Node) Start() error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if st := n.State(); st != Initialized {
		return lifecycleErr("start", st)
	}
	tr := n.opts.Transport
	if tr == nil {
		q, err := network.NewQUIC(n.log.Named("network"), maxConnsPerHost)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		tr = q
	}
	ln, err := tr.Listen(n.cfg.BindAddr())
	if err != nil {
		return fmt.Errorf("start: listen %s: %w", n.cfg.BindAddr(), err)
	}
	advertise := n.cfg.Remote.AdvertiseAddr
	if advertise == "" {
		advertise = ln.Addr()
	}
	endpoints, _ := n.cfg.Endpoints()
	sp := n.cfg.Remote.SuperPeer
	conn, err := superpeer.New(superpeer.Options{
		Self:           n.id,
		Endpoints:      endpoints,
		Transport:      tr,
		ListenAddr:     advertise,
		RetryBudget:    sp.RetryBudget,
		BackoffInitial: sp.BackoffInitial,
		BackoffMax:     sp.BackoffMax,
		DialTimeout:    sp.DialTimeout,
		Now:            n.opts.Now,
		OnMessage:      n.onSuperPeerFrame,
	}, n.out, n.log.Named("superpeer"), n.m)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("start: %w", err)
	}

	n.transport = tr
	n.ln = ln
	n.advertise = advertise
	n.mu.Lock()
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.mu.Unlock()
	n.conn.Store(conn)
	n.setState(Started)
	_ = n.out.Emit(events.NodeUp(n.id))
	n.spawn(n.acceptLoop)
	n.spawn(n.tickLoop)
	conn.Start(n.ctx)
	n.log.Info("node started", zap.String("listen", ln.Addr()), zap.String("advertise", advertise), zap.Int("super_peers", len(endpoints)))
	return nil
}

// IsOnline reports whether at least one super peer link is up. It never
// blocks.
func (n *Node) IsOnline() bool {
	if n.State() != Started {
		return false
	}
	conn := n.conn.Load()
	return conn != nil && conn.IsOnline()
}

// Stop emits Down, closes every link, cancels outstanding work within the
// grace period, emits NormalTermination and drains the event queue. Stop on
// a stopped node is a no-op.
func (n *Node) Stop() error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	switch st := n.State(); st {
	case Stopped:
		return nil
	case Started:
		n.stopLocked()
		return nil
	default:
		return lifecycleErr("stop", st)
	}
}

func (n *Node) stopLocked() {
	grace := n.cfg.Stop.GracePeriod
	n.stopping.Store(true)
	n.setState(Stopped)
	n.out.Push(events.NodeDown(n.id))
	n.out.Flush()

	n.mu.Lock()
	n.cancel()
	links := make([]network.Link, 0, len(n.direct))
	for _, l := range n.direct {
		links = append(links, l)
	}
	n.direct = make(map[identity.PublicKey]network.Link)
	n.mu.Unlock()

	if conn := n.conn.Load(); conn != nil {
		conn.Close()
	}
	_ = n.ln.Close()
	for _, l := range links {
		_ = l.Close()
	}
	if !waitTimeout(&n.wg, grace) {
		n.log.Warn("stop grace period elapsed with goroutines still running", zap.Duration("grace", grace))
	}
	n.pool.Close()
	n.sessions.Close()

	n.out.Push(events.NodeNormalTermination(n.id))
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := n.out.FlushContext(ctx); err != nil {
		n.log.Warn("events not handed to the dispatcher", zap.Int("pending", n.out.Pending()), zap.Error(err))
	}
	if err := n.dispatcher.Drain(ctx); err != nil {
		n.log.Warn("event queue not drained", zap.Error(err))
	}
	n.log.Info("node stopped")
}

// ShutdownEventLoop stops the event dispatcher after delivering what is
// queued. It is valid once the node is stopped, or initialized but never
// started.
func (n *Node) ShutdownEventLoop(ctx context.Context) error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	switch st := n.State(); st {
	case Initialized, Stopped:
		if err := n.out.FlushContext(ctx); err != nil {
			return err
		}
		err := n.dispatcher.Close(ctx)
		n.out.Close()
		return err
	default:
		return lifecycleErr("shutdown event loop", st)
	}
}

// Teardown releases everything the node holds, stopping it first when
// needed. It is idempotent.
func (n *Node) Teardown() {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	st := n.State()
	if st == TornDown {
		return
	}
	if st == Started {
		n.stopLocked()
	}
	if st != Created {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Stop.GracePeriod)
		_ = n.dispatcher.Close(ctx)
		cancel()
		n.out.Close()
		if st == Initialized {
			n.pool.Close()
			n.sessions.Close()
		}
	}
	n.setState(TornDown)
	n.log.Debug("node torn down")
}

// Path is the current path state towards p.
func (n *Node) Path(p identity.PublicKey) peer.PathState {
	if n.table == nil {
		return peer.Unknown
	}
	return n.table.Path(p)
}

// EncryptionState is the current encryption mode with p.
func (n *Node) EncryptionState(p identity.PublicKey) session.State {
	if n.sessions == nil {
		return session.None
	}
	return n.sessions.State(p)
}

// Peers lists the known peers.
func (n *Node) Peers() []peer.Entry {
	if n.table == nil {
		return nil
	}
	return n.table.List()
}

// spawn runs fn in a tracked goroutine unless the node is stopping.
func (n *Node) spawn(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx == nil || n.ctx.Err() != nil {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Node) tickLoop() {
	t := time.NewTicker(n.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			n.tick()
		}
	}
}

func (n *Node) tick() {
	n.sessions.Tick()
	for _, p := range n.table.ResolveExpired(n.cfg.Remote.Path.DirectTimeout) {
		n.log.Debug("no direct path, falling back to relay", zap.Stringer("peer", p))
		n.flush(p, n.table.MarkRelayed(p))
	}
	if n.IsOnline() {
		for _, p := range n.table.DueForUpgrade() {
			n.requestResolve(n.ctx, p)
		}
	}
	n.table.Sweep()
}

// evicted forgets sessions and links of a peer the path table dropped.
func (n *Node) evicted(p identity.PublicKey) {
	n.sessions.Forget(p)
	n.mu.Lock()
	link := n.direct[p]
	delete(n.direct, p)
	n.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
