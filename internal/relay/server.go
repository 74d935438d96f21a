// Package relay is the super peer side of the overlay: it admits joining
// nodes, introduces them to each other and forwards traffic between them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"overlaynode/internal/identity"
	"overlaynode/internal/logging"
	"overlaynode/internal/metrics"
	"overlaynode/internal/network"
	"overlaynode/internal/proto"
)

const (
	DefaultMaxClockSkew = 5 * time.Minute
	joinTimeout         = 10 * time.Second
	forwardTimeout      = 5 * time.Second
	noisyInterval       = 10 * time.Second
)

var (
	ErrJoinRejected = errors.New("join rejected")
	ErrNotJoined    = errors.New("peer not joined")
)

type Options struct {
	Self          identity.Identity
	MinDifficulty uint8
	MaxClockSkew  time.Duration
	Now           func() time.Time
}

type client struct {
	key  identity.PublicKey
	addr string
	link network.Link
}

type Server struct {
	opts    Options
	log     *zap.Logger
	m       *metrics.Metrics
	limiter *logging.Limiter

	mu      sync.RWMutex
	clients map[identity.PublicKey]*client
	wg      sync.WaitGroup
}

func NewServer(opts Options, log *zap.Logger, m *metrics.Metrics) *Server {
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultMaxClockSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		opts:    opts,
		log:     log,
		m:       m,
		limiter: logging.NewLimiter(),
		clients: make(map[identity.PublicKey]*client),
	}
}

// Serve accepts links until ctx is done or ln is closed, then closes every
// client link and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln network.Listener) error {
	s.log.Info("super peer serving", zap.String("addr", ln.Addr()), zap.Stringer("key", s.opts.Self.PublicKey()))
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	var err error
	for {
		var link network.Link
		link, err = ln.Accept(ctx)
		if err != nil {
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, link)
		}()
	}
	s.wg.Wait()
	if ctx.Err() != nil || errors.Is(err, network.ErrListenerClosed) {
		return nil
	}
	return err
}

// Peers returns the number of joined nodes.
func (s *Server) Peers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Lookup returns the advertised address of a joined node.
func (s *Server) Lookup(key identity.PublicKey) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[key]
	if !ok {
		return "", false
	}
	return c.addr, true
}

func (s *Server) handle(ctx context.Context, link network.Link) {
	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer stop()
	c, err := s.admit(ctx, link)
	if err != nil {
		s.limiter.Debug(s.log, "join:"+link.RemoteAddr(), noisyInterval, "join rejected",
			zap.String("remote", link.RemoteAddr()), zap.Error(err))
		_ = link.Close()
		return
	}
	s.register(c)
	defer s.unregister(c)
	for {
		data, err := link.Recv()
		if err != nil {
			return
		}
		if err := s.route(ctx, c, data); err != nil {
			s.limiter.Debug(s.log, "route:"+c.key.String(), noisyInterval, "dropping frame",
				zap.Stringer("peer", c.key), zap.Error(err))
		}
	}
}

func (s *Server) admit(ctx context.Context, link network.Link) (*client, error) {
	timer := time.AfterFunc(joinTimeout, func() { _ = link.Close() })
	data, err := link.Recv()
	timer.Stop()
	if err != nil {
		return nil, err
	}
	join, err := proto.DecodeJoinMsg(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJoinRejected, err)
	}
	key, err := s.verifyJoin(join)
	if err != nil {
		return nil, err
	}
	observed := link.RemoteAddr()
	ts := s.opts.Now().Unix()
	self := s.opts.Self.PublicKey()
	sig, err := s.opts.Self.Sign(proto.LabelJoinAck, proto.JoinAckBytes(self[:], observed, ts))
	if err != nil {
		return nil, err
	}
	ack, err := proto.EncodeJoinAckMsg(proto.JoinAckMsg{
		From:         self.String(),
		ObservedAddr: observed,
		TS:           ts,
		Sig:          proto.EncodeSig(sig),
	})
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	if err := link.Send(sctx, ack); err != nil {
		return nil, err
	}
	return &client{key: key, addr: advertised(join.ListenAddr, observed), link: link}, nil
}

func (s *Server) verifyJoin(join proto.JoinMsg) (identity.PublicKey, error) {
	key, err := identity.ParsePublicKey(join.From)
	if err != nil {
		return identity.PublicKey{}, fmt.Errorf("%w: %v", ErrJoinRejected, err)
	}
	if !identity.VerifyProofOfWork(key, join.PoW, s.opts.MinDifficulty) {
		return identity.PublicKey{}, fmt.Errorf("%w: insufficient proof of work", ErrJoinRejected)
	}
	sig, err := proto.DecodeSig(join.Sig)
	if err != nil || !key.Verify(proto.LabelJoin, proto.JoinBytes(key[:], join.PoW, join.ListenAddr, join.TS), sig) {
		return identity.PublicKey{}, fmt.Errorf("%w: bad signature", ErrJoinRejected)
	}
	skew := s.opts.Now().Sub(time.Unix(join.TS, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.opts.MaxClockSkew {
		return identity.PublicKey{}, fmt.Errorf("%w: clock skew %s", ErrJoinRejected, skew)
	}
	return key, nil
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	old := s.clients[c.key]
	s.clients[c.key] = c
	n := len(s.clients)
	s.mu.Unlock()
	if old != nil {
		_ = old.link.Close()
	}
	s.m.SetPeers(n)
	s.log.Debug("node joined", zap.Stringer("peer", c.key), zap.String("addr", c.addr))
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if cur, ok := s.clients[c.key]; ok && cur == c {
		delete(s.clients, c.key)
	}
	n := len(s.clients)
	s.mu.Unlock()
	_ = c.link.Close()
	s.m.SetPeers(n)
	s.log.Debug("node left", zap.Stringer("peer", c.key))
}

func (s *Server) route(ctx context.Context, c *client, data []byte) error {
	msgType, err := proto.PeekType(data)
	if err != nil {
		return err
	}
	s.m.MessageReceived("superpeer")
	switch msgType {
	case proto.MsgTypeApp:
		m, err := proto.DecodeAppMsg(data)
		if err != nil {
			return err
		}
		return s.forward(ctx, c, m.From, m.To, data)
	case proto.MsgTypeKex, proto.MsgTypeKexAck:
		m, err := proto.DecodeKexMsg(data)
		if err != nil {
			return err
		}
		return s.forward(ctx, c, m.From, m.To, data)
	case proto.MsgTypeResolve:
		m, err := proto.DecodeResolveMsg(data)
		if err != nil {
			return err
		}
		return s.resolve(ctx, c, m)
	default:
		return fmt.Errorf("unexpected msg type %s", msgType)
	}
}

func (s *Server) target(c *client, from, to string) (*client, error) {
	if from != c.key.String() {
		return nil, errors.New("sender mismatch")
	}
	key, err := identity.ParsePublicKey(to)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	dst, ok := s.clients[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, key)
	}
	return dst, nil
}

func (s *Server) forward(ctx context.Context, c *client, from, to string, data []byte) error {
	dst, err := s.target(c, from, to)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	if err := dst.link.Send(sctx, data); err != nil {
		return err
	}
	s.m.MessageSent("superpeer")
	return nil
}

// resolve introduces both nodes to each other, or tells the requester the
// target is unknown.
func (s *Server) resolve(ctx context.Context, c *client, m proto.ResolveMsg) error {
	sctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	dst, err := s.target(c, m.From, m.To)
	if errors.Is(err, ErrNotJoined) {
		unknown, err := proto.EncodeUnknownMsg(proto.UnknownMsg{Peer: m.To})
		if err != nil {
			return err
		}
		return c.link.Send(sctx, unknown)
	}
	if err != nil {
		return err
	}
	toRequester, err := proto.EncodeUniteMsg(proto.UniteMsg{Peer: dst.key.String(), Addr: dst.addr})
	if err != nil {
		return err
	}
	toTarget, err := proto.EncodeUniteMsg(proto.UniteMsg{Peer: c.key.String(), Addr: c.addr})
	if err != nil {
		return err
	}
	if err := c.link.Send(sctx, toRequester); err != nil {
		return err
	}
	return dst.link.Send(sctx, toTarget)
}

// advertised fills in the observed host when a node listens on an
// unspecified address.
func advertised(listen, observed string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	ip := net.ParseIP(host)
	if host == "" || (ip != nil && ip.IsUnspecified()) {
		if ohost, _, err := net.SplitHostPort(observed); err == nil {
			return net.JoinHostPort(ohost, port)
		}
	}
	return listen
}
