package network

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

const memQueueSize = 256

// MemNetwork is an in-process Transport. Listening on "" or any address with
// port 0 allocates an address such as "mem:1".
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	refused   map[string]bool
	links     map[*memLink]struct{}
	next      atomic.Int64
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		listeners: make(map[string]*memListener),
		refused:   make(map[string]bool),
		links:     make(map[*memLink]struct{}),
	}
}

// Refuse makes dials to addr fail with ErrRefused while on is true.
func (n *MemNetwork) Refuse(addr string, on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if on {
		n.refused[addr] = true
		return
	}
	delete(n.refused, addr)
}

// DropLinks closes every open link with an endpoint at addr.
func (n *MemNetwork) DropLinks(addr string) int {
	n.mu.Lock()
	var drop []*memLink
	for l := range n.links {
		if l.local == addr || l.remote == addr {
			drop = append(drop, l)
		}
	}
	n.mu.Unlock()
	for _, l := range drop {
		_ = l.Close()
	}
	return len(drop)
}

func (n *MemNetwork) Listen(addr string) (Listener, error) {
	if addr == "" || strings.HasSuffix(addr, ":0") {
		addr = fmt.Sprintf("mem:%d", n.next.Add(1))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("address in use: %s", addr)
	}
	l := &memListener{net: n, addr: addr, links: make(chan Link, memQueueSize), closed: make(chan struct{})}
	n.listeners[addr] = l
	return l, nil
}

func (n *MemNetwork) Dial(ctx context.Context, addr string) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	l, ok := n.listeners[addr]
	if !ok || n.refused[addr] {
		n.mu.Unlock()
		return nil, fmt.Errorf("dial %s: %w", addr, ErrRefused)
	}
	local := fmt.Sprintf("mem-client:%d", n.next.Add(1))
	a, b := newMemPair(n, local, addr)
	n.links[a] = struct{}{}
	n.links[b] = struct{}{}
	n.mu.Unlock()

	select {
	case l.links <- b:
		return a, nil
	case <-l.closed:
		_ = a.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, ErrRefused)
	case <-ctx.Done():
		_ = a.Close()
		return nil, ctx.Err()
	}
}

func (n *MemNetwork) forget(l *memLink) {
	n.mu.Lock()
	delete(n.links, l)
	n.mu.Unlock()
}

type memListener struct {
	net    *MemNetwork
	addr   string
	links  chan Link
	once   sync.Once
	closed chan struct{}
}

func (l *memListener) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-l.links:
		return link, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Addr() string { return l.addr }

func (l *memListener) Close() error {
	l.once.Do(func() {
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr)
		l.net.mu.Unlock()
		close(l.closed)
	})
	return nil
}

// memPipe is shared by both ends of a link; closing either end closes both.
type memPipe struct {
	once sync.Once
	done chan struct{}
}

type memLink struct {
	net    *MemNetwork
	pipe   *memPipe
	local  string
	remote string
	in     chan []byte
	out    chan []byte
}

func newMemPair(n *MemNetwork, dialer, listener string) (*memLink, *memLink) {
	p := &memPipe{done: make(chan struct{})}
	ab := make(chan []byte, memQueueSize)
	ba := make(chan []byte, memQueueSize)
	a := &memLink{net: n, pipe: p, local: dialer, remote: listener, in: ba, out: ab}
	b := &memLink{net: n, pipe: p, local: listener, remote: dialer, in: ab, out: ba}
	return a, b
}

func (l *memLink) Send(ctx context.Context, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case <-l.pipe.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.out <- buf:
		return nil
	case <-l.pipe.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *memLink) Recv() ([]byte, error) {
	select {
	case msg := <-l.in:
		return msg, nil
	case <-l.pipe.done:
		return nil, ErrLinkClosed
	}
}

func (l *memLink) RemoteAddr() string { return l.remote }

func (l *memLink) Done() <-chan struct{} { return l.pipe.done }

func (l *memLink) Close() error {
	l.pipe.once.Do(func() { close(l.pipe.done) })
	l.net.forget(l)
	return nil
}
