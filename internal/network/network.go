package network

import (
	"context"
	"errors"
)

var (
	ErrLinkClosed     = errors.New("link closed")
	ErrListenerClosed = errors.New("listener closed")
	ErrRefused        = errors.New("connection refused")
)

// Link is a bidirectional, ordered message channel to one remote endpoint.
// Send may be called concurrently; Recv from a single reader goroutine.
type Link interface {
	Send(ctx context.Context, payload []byte) error
	Recv() ([]byte, error)
	RemoteAddr() string
	Close() error
	Done() <-chan struct{}
}

type Listener interface {
	Accept(ctx context.Context) (Link, error)
	Addr() string
	Close() error
}

// Transport creates links. Both the QUIC transport and the in-memory network
// implement it.
type Transport interface {
	Dial(ctx context.Context, addr string) (Link, error)
	Listen(addr string) (Listener, error)
}
