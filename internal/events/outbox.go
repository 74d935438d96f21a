package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ContextEmitter is an Emitter whose enqueue can be abandoned.
type ContextEmitter interface {
	EmitContext(ctx context.Context, ev Event) error
}

// Outbox decouples emission from component locks. Components Push while
// holding their own lock and Flush after releasing it. One Outbox is shared
// by all components of a node so cross-component order follows occurrence.
//
// At most one goroutine drains at a time, in push order. A sink that can
// block (a ContextEmitter such as the Dispatcher) is fed by a pump goroutine
// and Flush only wakes it, so a handler that causes events never waits on
// its own queue. Other sinks are drained by the flushing caller; a Flush that
// finds a drain running leaves its events to that drain. FlushContext is the
// bounded barrier for callers that need delivery.
type Outbox struct {
	sink Emitter
	log  *zap.Logger

	mu        sync.Mutex
	pending   []Event
	draining  bool
	pushed    uint64
	delivered uint64
	progress  chan struct{}

	kick      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewOutbox(sink Emitter, log *zap.Logger) *Outbox {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Outbox{sink: sink, log: log, progress: make(chan struct{})}
	if _, ok := sink.(ContextEmitter); ok {
		o.kick = make(chan struct{}, 1)
		o.done = make(chan struct{})
		o.ctx, o.cancel = context.WithCancel(context.Background())
		go o.pump()
	}
	return o
}

func (o *Outbox) Push(ev Event) {
	o.mu.Lock()
	o.pending = append(o.pending, ev)
	o.pushed++
	o.mu.Unlock()
}

// Flush hands pending events to the sink unless another goroutine is
// already doing so.
func (o *Outbox) Flush() {
	if o.kick != nil {
		o.wake()
		return
	}
	_ = o.drain(context.Background())
}

// FlushContext returns once every event pushed before the call reached the
// sink, or when ctx is done.
func (o *Outbox) FlushContext(ctx context.Context) error {
	o.mu.Lock()
	target := o.pushed
	o.mu.Unlock()
	for {
		if o.kick != nil {
			o.wake()
		} else if err := o.drain(ctx); err != nil {
			return err
		}
		o.mu.Lock()
		if o.delivered >= target {
			o.mu.Unlock()
			return nil
		}
		wait := o.progress
		o.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Emit pushes and flushes in one step, for callers that hold no lock.
func (o *Outbox) Emit(ev Event) error {
	o.Push(ev)
	o.Flush()
	return nil
}

// Close stops the pump. Events still pending are dropped. It is safe to call
// more than once and a no-op for synchronous outboxes.
func (o *Outbox) Close() {
	if o.kick == nil {
		return
	}
	o.closeOnce.Do(func() {
		o.cancel()
		<-o.done
	})
}

// Pending is the number of pushed events not yet handed to the sink.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int(o.pushed - o.delivered)
}

func (o *Outbox) pump() {
	defer close(o.done)
	for {
		select {
		case <-o.kick:
			_ = o.drain(o.ctx)
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Outbox) wake() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Outbox) drain(ctx context.Context) error {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return nil
	}
	o.draining = true
	for len(o.pending) > 0 {
		batch := o.pending
		o.pending = nil
		o.mu.Unlock()
		for i, ev := range batch {
			if err := o.emit(ctx, ev); err != nil && ctx.Err() != nil {
				o.mu.Lock()
				o.pending = append(batch[i:len(batch):len(batch)], o.pending...)
				o.draining = false
				o.signalLocked()
				o.mu.Unlock()
				return ctx.Err()
			} else if err != nil {
				o.log.Debug("event dropped", zap.Stringer("event", ev.Code()), zap.Error(err))
			}
			o.mu.Lock()
			o.delivered++
			o.signalLocked()
			o.mu.Unlock()
		}
		o.mu.Lock()
	}
	o.draining = false
	o.signalLocked()
	o.mu.Unlock()
	return nil
}

func (o *Outbox) emit(ctx context.Context, ev Event) error {
	if ce, ok := o.sink.(ContextEmitter); ok {
		return ce.EmitContext(ctx, ev)
	}
	return o.sink.Emit(ev)
}

func (o *Outbox) signalLocked() {
	close(o.progress)
	o.progress = make(chan struct{})
}
