package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"overlaynode/internal/events"
	"overlaynode/internal/identity"
	"overlaynode/internal/network"
	"overlaynode/internal/peer"
	"overlaynode/internal/proto"
	"overlaynode/internal/session"
)

// source says where a frame came from. peer is set for direct links.
type source struct {
	peer   identity.PublicKey
	direct bool
}

func (s source) path() string {
	if s.direct {
		return "direct"
	}
	return "relayed"
}

// onSuperPeerFrame hands frames from super peer links to the worker owning
// the sending peer.
func (n *Node) onSuperPeerFrame(endpoint string, data []byte) {
	n.submit(routingKey(data, "superpeer:"+endpoint), source{}, data)
}

func (n *Node) submit(key string, src source, data []byte) {
	ctx := n.baseContext()
	if err := n.pool.Submit(ctx, key, func() { n.handleFrame(src, data) }); err != nil {
		n.log.Debug("frame dropped", zap.String("key", key), zap.Error(err))
	}
}

// routingKey picks the peer a frame belongs to so frames of one peer stay in
// order.
func routingKey(data []byte, fallback string) string {
	var hdr struct {
		From string `json:"from"`
		Peer string `json:"peer"`
	}
	if err := json.Unmarshal(data, &hdr); err == nil {
		if hdr.From != "" {
			return hdr.From
		}
		if hdr.Peer != "" {
			return hdr.Peer
		}
	}
	return fallback
}

func (n *Node) handleFrame(src source, data []byte) {
	msgType, err := proto.PeekType(data)
	if err != nil {
		n.inbound(src.peer, fmt.Errorf("malformed frame: %w", err))
		return
	}
	switch msgType {
	case proto.MsgTypeApp:
		n.handleApp(src, data)
	case proto.MsgTypeKex, proto.MsgTypeKexAck:
		n.handleKex(src, data)
	case proto.MsgTypeUnite:
		if !src.direct {
			n.handleUnite(data)
		}
	case proto.MsgTypeUnknown:
		if m, err := proto.DecodeUnknownMsg(data); err == nil {
			n.log.Debug("super peer does not know peer", zap.String("peer", m.Peer))
		}
	default:
		n.log.Debug("ignoring frame", zap.String("type", msgType), zap.String("path", src.path()))
	}
}

func (n *Node) handleApp(src source, data []byte) {
	msg, err := proto.DecodeAppMsg(data)
	if err != nil {
		n.inbound(src.peer, err)
		return
	}
	if src.direct && msg.From != src.peer.String() {
		n.inbound(src.peer, errSenderSpoofed)
		return
	}
	sender, plaintext, err := n.sessions.Open(msg)
	if err != nil {
		n.inbound(sender, err)
		return
	}
	n.table.Touch(sender)
	n.m.MessageReceived(src.path())
	n.out.Push(events.Message(sender, plaintext))
	// Hold this peer's worker until the event is queued so a slow handler
	// slows the links instead of growing the outbox.
	if err := n.out.FlushContext(n.baseContext()); err != nil {
		n.log.Debug("message event still pending", zap.Stringer("peer", sender), zap.Error(err))
	}
}

func (n *Node) handleKex(src source, data []byte) {
	msg, err := proto.DecodeKexMsg(data)
	if err != nil {
		n.inbound(src.peer, err)
		return
	}
	if src.direct && msg.From != src.peer.String() {
		n.inbound(src.peer, errSenderSpoofed)
		return
	}
	from, _ := identity.ParsePublicKey(msg.From)
	if err := n.sessions.HandleKex(msg); err != nil {
		var hs *session.HandshakeError
		if errors.As(err, &hs) && hs.Reason == session.ReasonStaleAck {
			n.log.Debug("stale kex ack", zap.String("peer", msg.From))
			n.table.Refresh(from)
			return
		}
		n.inbound(from, err)
		return
	}
	n.table.Refresh(from)
}

// handleUnite starts a direct link when this node has the smaller address;
// the other side waits for the inbound hello.
func (n *Node) handleUnite(data []byte) {
	msg, err := proto.DecodeUniteMsg(data)
	if err != nil {
		n.inbound(identity.PublicKey{}, err)
		return
	}
	p, err := identity.ParsePublicKey(msg.Peer)
	if err != nil || p == n.id.PublicKey() {
		return
	}
	if msg.Addr == "" || n.table.Path(p) == peer.Direct {
		return
	}
	if n.id.PublicKey().Compare(p) >= 0 {
		n.log.Debug("waiting for peer to dial", zap.Stringer("peer", p), zap.String("addr", msg.Addr))
		return
	}
	n.mu.Lock()
	if _, busy := n.dialing[p]; busy {
		n.mu.Unlock()
		return
	}
	n.dialing[p] = struct{}{}
	n.mu.Unlock()
	if !n.spawn(func() { n.dialDirect(p, msg.Addr) }) {
		n.mu.Lock()
		delete(n.dialing, p)
		n.mu.Unlock()
	}
}

func (n *Node) dialDirect(p identity.PublicKey, addr string) {
	defer func() {
		n.mu.Lock()
		delete(n.dialing, p)
		n.mu.Unlock()
	}()
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Remote.Path.DirectTimeout)
	defer cancel()
	link, err := n.transport.Dial(ctx, addr)
	if err != nil {
		n.log.Debug("direct dial failed", zap.Stringer("peer", p), zap.String("addr", addr), zap.Error(err))
		return
	}
	hello, err := n.helloMsg(proto.MsgTypeHello, p)
	if err == nil {
		err = link.Send(ctx, hello)
	}
	var data []byte
	if err == nil {
		data, err = recvContext(ctx, link)
	}
	if err == nil {
		_, err = n.verifyHello(data, proto.MsgTypeHelloAck, p)
	}
	if err != nil {
		_ = link.Close()
		n.log.Debug("direct handshake failed", zap.Stringer("peer", p), zap.String("addr", addr), zap.Error(err))
		return
	}
	if n.attachDirect(p, link) {
		n.readDirect(p, link)
	}
}

func (n *Node) acceptLoop() {
	for {
		link, err := n.ln.Accept(n.ctx)
		if err != nil {
			return
		}
		if !n.spawn(func() { n.serveInbound(link) }) {
			_ = link.Close()
			return
		}
	}
}

func (n *Node) serveInbound(link network.Link) {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Remote.Path.DirectTimeout)
	data, err := recvContext(ctx, link)
	var p identity.PublicKey
	if err == nil {
		p, err = n.verifyHello(data, proto.MsgTypeHello, identity.PublicKey{})
	}
	var ack []byte
	if err == nil {
		ack, err = n.helloMsg(proto.MsgTypeHelloAck, p)
	}
	if err == nil {
		err = link.Send(ctx, ack)
	}
	cancel()
	if err != nil {
		_ = link.Close()
		n.log.Debug("inbound direct handshake failed", zap.String("remote", link.RemoteAddr()), zap.Error(err))
		return
	}
	if n.attachDirect(p, link) {
		n.readDirect(p, link)
	}
}

// attachDirect makes link the direct path to p and flushes what was queued.
func (n *Node) attachDirect(p identity.PublicKey, link network.Link) bool {
	n.mu.Lock()
	if n.stopping.Load() {
		n.mu.Unlock()
		_ = link.Close()
		return false
	}
	old := n.direct[p]
	n.direct[p] = link
	n.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	n.log.Debug("direct link up", zap.Stringer("peer", p), zap.String("remote", link.RemoteAddr()))
	n.flush(p, n.table.MarkDirect(p, link.RemoteAddr()))
	return true
}

func (n *Node) readDirect(p identity.PublicKey, link network.Link) {
	defer n.detachDirect(p, link)
	for {
		data, err := link.Recv()
		if err != nil {
			return
		}
		n.submit(p.String(), source{peer: p, direct: true}, data)
	}
}

// detachDirect handles loss of a direct link: the peer falls back to the
// relay and its session starts over.
func (n *Node) detachDirect(p identity.PublicKey, link network.Link) {
	_ = link.Close()
	n.mu.Lock()
	current := n.direct[p] == link
	if current {
		delete(n.direct, p)
	}
	n.mu.Unlock()
	if !current || n.stopping.Load() {
		return
	}
	n.log.Debug("direct link lost", zap.Stringer("peer", p))
	n.sessions.Reset(p)
	n.flush(p, n.table.MarkRelayed(p))
}

func (n *Node) inbound(p identity.PublicKey, err error) {
	n.m.InboundException()
	n.log.Debug("inbound exception", zap.Stringer("peer", p), zap.Error(err))
	_ = n.out.Emit(events.Inbound(p, err))
}

func recvContext(ctx context.Context, link network.Link) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := link.Recv()
		ch <- result{data, err}
	}()
	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		_ = link.Close()
		return nil, ctx.Err()
	}
}
