package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"overlaynode/internal/identity"
	"overlaynode/internal/network"
	"overlaynode/internal/peer"
	"overlaynode/internal/proto"
	"overlaynode/internal/superpeer"
)

// Send delivers payload to recipient.
//
// With a Direct path the payload goes out at once, online or not. Otherwise
// the node must be online: Relayed peers get the payload through a super
// peer, and for Unknown peers it is queued while the path is resolved, in
// which case Send returns before delivery. A full queue yields
// ErrPendingQueueFull.
func (n *Node) Send(ctx context.Context, recipient identity.PublicKey, payload []byte) error {
	if st := n.State(); st != Started {
		return lifecycleErr("send", st)
	}
	if max := n.cfg.Message.MaxPayload; len(payload) > max {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), max)
	}
	if recipient.IsZero() || recipient == n.id.PublicKey() {
		return fmt.Errorf("%w: %s", ErrInvalidRecipient, recipient)
	}
	for {
		switch n.table.Path(recipient) {
		case peer.Direct:
			return n.deliver(ctx, recipient, payload)
		case peer.Relayed:
			if !n.IsOnline() {
				return ErrNotConnected
			}
			return n.deliver(ctx, recipient, payload)
		default:
			if !n.IsOnline() {
				return ErrNotConnected
			}
			err := n.table.Enqueue(recipient, payload)
			if errors.Is(err, peer.ErrPathKnown) {
				continue
			}
			if err != nil {
				return fmt.Errorf("send to %s: %w", recipient, err)
			}
			if n.table.BeginResolve(recipient) {
				n.requestResolve(ctx, recipient)
			}
			return nil
		}
	}
}

// deliver seals payload for to and writes it over the current path.
func (n *Node) deliver(ctx context.Context, to identity.PublicKey, payload []byte) error {
	msg, err := n.sessions.Seal(to, payload)
	if err != nil {
		return fmt.Errorf("seal for %s: %w", to, err)
	}
	data, err := proto.EncodeAppMsg(msg)
	if err != nil {
		return err
	}
	return n.transmit(ctx, to, data)
}

// transmit prefers the direct link and falls back to the super peer. Every
// successful write counts as activity so one way senders are not swept.
func (n *Node) transmit(ctx context.Context, to identity.PublicKey, data []byte) error {
	if link := n.directLink(to); link != nil {
		err := link.Send(ctx, data)
		if err == nil {
			n.table.Refresh(to)
			n.m.MessageSent("direct")
			return nil
		}
		n.log.Debug("direct send failed", zap.Stringer("peer", to), zap.Error(err))
	}
	conn := n.conn.Load()
	if conn == nil || !conn.IsOnline() {
		return ErrNotConnected
	}
	if err := conn.Send(ctx, data); err != nil {
		if errors.Is(err, superpeer.ErrNoSuperPeer) {
			return ErrNotConnected
		}
		return err
	}
	n.table.Refresh(to)
	n.m.MessageSent("relayed")
	return nil
}

// sendKex is the session manager's path to a peer.
func (n *Node) sendKex(to identity.PublicKey, m proto.KexMsg) error {
	data, err := proto.EncodeKexMsg(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(n.baseContext(), n.cfg.Remote.Handshake.Timeout)
	defer cancel()
	return n.transmit(ctx, to, data)
}

// flush delivers payloads that waited for a path.
func (n *Node) flush(to identity.PublicKey, payloads [][]byte) {
	for _, p := range payloads {
		if err := n.deliver(n.baseContext(), to, p); err != nil {
			n.m.PendingDropped()
			n.log.Debug("pending payload dropped", zap.Stringer("peer", to), zap.Error(err))
		}
	}
}

func (n *Node) requestResolve(ctx context.Context, to identity.PublicKey) {
	conn := n.conn.Load()
	if conn == nil {
		return
	}
	data, err := proto.EncodeResolveMsg(proto.ResolveMsg{From: n.id.PublicKey().String(), To: to.String()})
	if err != nil {
		return
	}
	if err := conn.Send(ctx, data); err != nil {
		n.log.Debug("resolve failed", zap.Stringer("peer", to), zap.Error(err))
	}
}

func (n *Node) directLink(p identity.PublicKey) network.Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.direct[p]
}

func (n *Node) baseContext() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx == nil {
		return context.Background()
	}
	return n.ctx
}
