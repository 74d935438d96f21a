package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"overlaynode/internal/events"
	"overlaynode/internal/identity"
	"overlaynode/internal/metrics"
)

const (
	DefaultMaxPeers          = 4096
	DefaultPendingQueueSize  = 32
	DefaultInactivityTimeout = 2 * time.Minute
	DefaultUpgradeInterval   = 30 * time.Second
)

var (
	ErrPendingQueueFull = errors.New("pending send queue full")
	// ErrPathKnown is returned by Enqueue once the peer has a path.
	ErrPathKnown = errors.New("path already known")
)

// PathState is how traffic reaches a peer.
type PathState int

const (
	Unknown PathState = iota
	Direct
	Relayed
)

func (s PathState) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Direct:
		return "direct"
	case Relayed:
		return "relayed"
	default:
		return fmt.Sprintf("PathState(%d)", int(s))
	}
}

type Options struct {
	MaxPeers          int
	PendingQueueSize  int
	InactivityTimeout time.Duration
	UpgradeInterval   time.Duration
	Now               func() time.Time
	// OnEvict runs after a peer left the table, outside the table lock.
	OnEvict func(identity.PublicKey)
}

// Entry is a read-only snapshot of one peer.
type Entry struct {
	Address    identity.PublicKey
	Path       PathState
	DirectAddr string
	LastSeen   time.Time
	Pending    int
}

type entry struct {
	path         PathState
	directAddr   string
	lastSeen     time.Time
	lastUpgrade  time.Time
	resolveSince time.Time
	pending      [][]byte
}

// Table tracks the path state of every known peer. It is a bounded cache:
// the least recently used peer is evicted at capacity, and Sweep drops peers
// that were inactive for longer than the inactivity timeout.
type Table struct {
	opts    Options
	out     *events.Outbox
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cache   *lru.Cache[identity.PublicKey, *entry]
	evicted []identity.PublicKey
}

func NewTable(opts Options, out *events.Outbox, log *zap.Logger, m *metrics.Metrics) (*Table, error) {
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = DefaultMaxPeers
	}
	if opts.PendingQueueSize <= 0 {
		opts.PendingQueueSize = DefaultPendingQueueSize
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.UpgradeInterval <= 0 {
		opts.UpgradeInterval = DefaultUpgradeInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	if out == nil {
		out = events.NewOutbox(events.Discard, log)
	}
	t := &Table{opts: opts, out: out, log: log, metrics: m}
	cache, err := lru.NewWithEvict(opts.MaxPeers, func(k identity.PublicKey, _ *entry) {
		t.evicted = append(t.evicted, k)
	})
	if err != nil {
		return nil, err
	}
	t.cache = cache
	return t, nil
}

// Path returns the current path state; peers not in the table are Unknown.
func (t *Table) Path(peer identity.PublicKey) PathState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.cache.Peek(peer); ok {
		return e.path
	}
	return Unknown
}

func (t *Table) Get(peer identity.PublicKey) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.cache.Peek(peer)
	if !ok {
		return Entry{}, false
	}
	return snapshot(peer, e), true
}

func (t *Table) List() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := t.cache.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := t.cache.Peek(k); ok {
			out = append(out, snapshot(k, e))
		}
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}

// Touch records traffic with peer, creating its entry if needed.
func (t *Table) Touch(peer identity.PublicKey) {
	t.mu.Lock()
	t.touchLocked(peer)
	t.mu.Unlock()
	t.finish()
}

// Refresh records outbound traffic to peer. Unlike Touch it never creates an
// entry, so a send racing an eviction does not bring the peer back.
func (t *Table) Refresh(peer identity.PublicKey) {
	t.mu.Lock()
	if e, ok := t.cache.Get(peer); ok {
		e.lastSeen = t.opts.Now()
	}
	t.mu.Unlock()
}

// MarkDirect records a confirmed direct exchange over addr. It returns the
// payloads that were waiting for a path.
func (t *Table) MarkDirect(peer identity.PublicKey, addr string) [][]byte {
	return t.transition(peer, Direct, func(e *entry) { e.directAddr = addr })
}

// MarkRelayed records that traffic to peer goes through a super peer.
func (t *Table) MarkRelayed(peer identity.PublicKey) [][]byte {
	return t.transition(peer, Relayed, func(e *entry) { e.directAddr = "" })
}

func (t *Table) transition(peer identity.PublicKey, to PathState, update func(*entry)) [][]byte {
	t.mu.Lock()
	e := t.touchLocked(peer)
	from := e.path
	update(e)
	e.resolveSince = time.Time{}
	if from != to {
		e.path = to
		if to == Relayed {
			e.lastUpgrade = t.opts.Now()
		}
		switch to {
		case Direct:
			t.out.Push(events.PeerDirect(peer))
		case Relayed:
			t.out.Push(events.PeerRelay(peer))
		}
		t.log.Debug("peer path changed", zap.Stringer("peer", peer), zap.Stringer("from", from), zap.Stringer("to", to))
	}
	pending := e.pending
	e.pending = nil
	t.mu.Unlock()
	t.finish()
	return pending
}

// Enqueue holds payload until a path to peer is known.
func (t *Table) Enqueue(peer identity.PublicKey, payload []byte) error {
	t.mu.Lock()
	e := t.touchLocked(peer)
	if e.path != Unknown {
		t.mu.Unlock()
		t.finish()
		return ErrPathKnown
	}
	if len(e.pending) >= t.opts.PendingQueueSize {
		t.mu.Unlock()
		t.metrics.PendingDropped()
		t.finish()
		return ErrPendingQueueFull
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	e.pending = append(e.pending, p)
	t.mu.Unlock()
	t.finish()
	return nil
}

// BeginResolve marks the start of a path resolution for an Unknown peer. It
// reports true only for the call that started it.
func (t *Table) BeginResolve(peer identity.PublicKey) bool {
	t.mu.Lock()
	e := t.touchLocked(peer)
	started := false
	if e.path == Unknown && e.resolveSince.IsZero() {
		e.resolveSince = t.opts.Now()
		started = true
	}
	t.mu.Unlock()
	t.finish()
	return started
}

// ResolveExpired lists Unknown peers whose resolution has been running for
// at least timeout.
func (t *Table) ResolveExpired(timeout time.Duration) []identity.PublicKey {
	now := t.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []identity.PublicKey
	for _, k := range t.cache.Keys() {
		e, _ := t.cache.Peek(k)
		if e != nil && e.path == Unknown && !e.resolveSince.IsZero() && now.Sub(e.resolveSince) >= timeout {
			out = append(out, k)
		}
	}
	return out
}

// DueForUpgrade lists Relayed peers whose last direct attempt is older than
// the upgrade interval and stamps them. Direct peers are never listed.
func (t *Table) DueForUpgrade() []identity.PublicKey {
	now := t.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []identity.PublicKey
	for _, k := range t.cache.Keys() {
		e, _ := t.cache.Peek(k)
		if e != nil && e.path == Relayed && now.Sub(e.lastUpgrade) >= t.opts.UpgradeInterval {
			e.lastUpgrade = now
			out = append(out, k)
		}
	}
	return out
}

// Sweep removes peers without traffic for the inactivity timeout. Peers with
// queued payloads are kept.
func (t *Table) Sweep() int {
	now := t.opts.Now()
	t.mu.Lock()
	removed := 0
	for _, k := range t.cache.Keys() {
		e, _ := t.cache.Peek(k)
		if e != nil && len(e.pending) == 0 && now.Sub(e.lastSeen) >= t.opts.InactivityTimeout {
			t.cache.Remove(k)
			removed++
		}
	}
	t.mu.Unlock()
	t.finish()
	return removed
}

// Remove drops peer without emitting an event.
func (t *Table) Remove(peer identity.PublicKey) {
	t.mu.Lock()
	t.cache.Remove(peer)
	t.mu.Unlock()
	t.finish()
}

func (t *Table) touchLocked(peer identity.PublicKey) *entry {
	now := t.opts.Now()
	if e, ok := t.cache.Get(peer); ok {
		e.lastSeen = now
		return e
	}
	e := &entry{lastSeen: now}
	t.cache.Add(peer, e)
	return e
}

// finish flushes events and runs eviction callbacks after the lock is gone.
func (t *Table) finish() {
	t.mu.Lock()
	evicted := t.evicted
	t.evicted = nil
	n := t.cache.Len()
	t.mu.Unlock()
	t.out.Flush()
	t.metrics.SetPeers(n)
	if t.opts.OnEvict == nil {
		return
	}
	for _, k := range evicted {
		t.opts.OnEvict(k)
	}
}

func snapshot(k identity.PublicKey, e *entry) Entry {
	return Entry{
		Address:    k,
		Path:       e.path,
		DirectAddr: e.directAddr,
		LastSeen:   e.lastSeen,
		Pending:    len(e.pending),
	}
}
