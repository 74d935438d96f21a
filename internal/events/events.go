package events

import (
	"fmt"

	"overlaynode/internal/identity"
)

// Code is the stable numeric event identifier exposed at the boundary.
type Code int

const (
	CodeNodeUp                 Code = 10
	CodeNodeDown               Code = 11
	CodeNodeOnline             Code = 12
	CodeNodeOffline            Code = 13
	CodeNodeUnrecoverableError Code = 14
	CodeNodeNormalTermination  Code = 15

	CodePeerDirect            Code = 20
	CodePeerRelay             Code = 21
	CodeLongTimeEncryption    Code = 22
	CodePerfectForwardSecrecy Code = 23

	CodeMessage Code = 30

	CodeInboundException Code = 40
)

func (c Code) String() string {
	switch c {
	case CodeNodeUp:
		return "NodeUp"
	case CodeNodeDown:
		return "NodeDown"
	case CodeNodeOnline:
		return "NodeOnline"
	case CodeNodeOffline:
		return "NodeOffline"
	case CodeNodeUnrecoverableError:
		return "NodeUnrecoverableError"
	case CodeNodeNormalTermination:
		return "NodeNormalTermination"
	case CodePeerDirect:
		return "PeerDirect"
	case CodePeerRelay:
		return "PeerRelay"
	case CodeLongTimeEncryption:
		return "LongTimeEncryption"
	case CodePerfectForwardSecrecy:
		return "PerfectForwardSecrecy"
	case CodeMessage:
		return "Message"
	case CodeInboundException:
		return "InboundException"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

func (c Code) IsNode() bool { return c >= 10 && c <= 15 }

func (c Code) IsPeer() bool { return c >= 20 && c <= 23 }

// Event is one of NodeEvent, PeerEvent, MessageEvent or InboundException.
type Event interface {
	Code() Code
	event()
}

// NodeEvent reports a lifecycle change of the local node.
type NodeEvent struct {
	Kind Code
	Node identity.Identity
	// Err is set for CodeNodeUnrecoverableError.
	Err error
}

func (e NodeEvent) Code() Code { return e.Kind }
func (NodeEvent) event() {}

// PeerEvent reports a path or encryption change for one peer.
type PeerEvent struct {
	Kind Code
	Peer identity.PublicKey
}

func (e PeerEvent) Code() Code { return e.Kind }
func (PeerEvent) event() {}

// MessageEvent carries a delivered application payload.
type MessageEvent struct {
	Sender  identity.PublicKey
	payload []byte
}

func (MessageEvent) Code() Code { return CodeMessage }
func (MessageEvent) event() {}

// Payload returns a copy of the message bytes.
func (e MessageEvent) Payload() []byte {
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out
}

// InboundException reports an inbound message that could not be processed.
// Peer may be zero when the sender is unknown.
type InboundException struct {
	Peer identity.PublicKey
	Err  error
}

func (InboundException) Code() Code { return CodeInboundException }
func (InboundException) event() {}

func NodeUp(id identity.Identity) NodeEvent {
	return NodeEvent{Kind: CodeNodeUp, Node: id}
}

func NodeDown(id identity.Identity) NodeEvent {
	return NodeEvent{Kind: CodeNodeDown, Node: id}
}

func NodeOnline(id identity.Identity) NodeEvent {
	return NodeEvent{Kind: CodeNodeOnline, Node: id}
}

func NodeOffline(id identity.Identity) NodeEvent {
	return NodeEvent{Kind: CodeNodeOffline, Node: id}
}

func NodeUnrecoverableError(id identity.Identity, err error) NodeEvent {
	return NodeEvent{Kind: CodeNodeUnrecoverableError, Node: id, Err: err}
}

func NodeNormalTermination(id identity.Identity) NodeEvent {
	return NodeEvent{Kind: CodeNodeNormalTermination, Node: id}
}

func PeerDirect(peer identity.PublicKey) PeerEvent {
	return PeerEvent{Kind: CodePeerDirect, Peer: peer}
}

func PeerRelay(peer identity.PublicKey) PeerEvent {
	return PeerEvent{Kind: CodePeerRelay, Peer: peer}
}

func LongTimeEncryption(peer identity.PublicKey) PeerEvent {
	return PeerEvent{Kind: CodeLongTimeEncryption, Peer: peer}
}

func PerfectForwardSecrecy(peer identity.PublicKey) PeerEvent {
	return PeerEvent{Kind: CodePerfectForwardSecrecy, Peer: peer}
}

// Message copies payload so later changes by the caller are not visible.
func Message(sender identity.PublicKey, payload []byte) MessageEvent {
	p := make([]byte, len(payload))
	copy(p, payload)
	return MessageEvent{Sender: sender, payload: p}
}

func Inbound(peer identity.PublicKey, err error) InboundException {
	return InboundException{Peer: peer, Err: err}
}

// Emitter accepts events for delivery.
type Emitter interface {
	Emit(Event) error
}

type discard struct{}

func (discard) Emit(Event) error { return nil }

// Discard drops every event.
var Discard Emitter = discard{}
