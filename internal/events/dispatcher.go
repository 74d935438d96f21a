package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"overlaynode/internal/metrics"
)

var ErrClosed = errors.New("event dispatcher closed")

// Handler consumes events. It is never invoked concurrently with itself.
// It must not call Drain or Close, and should return quickly.
type Handler func(Event) error

type item struct {
	ev      Event
	barrier chan struct{}
}

// Dispatcher delivers events from any number of producers to one handler in
// enqueue order. Emit blocks while the queue is full.
type Dispatcher struct {
	handler Handler
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	closed   bool
	ch       chan item
	done     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

func NewDispatcher(size int, handler Handler, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		handler: handler,
		log:     log,
		metrics: m,
		ch:      make(chan item, size),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit enqueues ev, waiting while the queue is full. It fails only after
// Close.
func (d *Dispatcher) Emit(ev Event) error {
	return d.EmitContext(context.Background(), ev)
}

// EmitContext is Emit that gives up when ctx is done.
func (d *Dispatcher) EmitContext(ctx context.Context, ev Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.ch <- item{ev: ev}:
		return nil
	case <-d.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits until every event enqueued before the call has been handled.
func (d *Dispatcher) Drain(ctx context.Context) error {
	barrier := make(chan struct{})
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		select {
		case <-d.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case d.ch <- item{barrier: barrier}:
	case <-d.quit:
		d.mu.RUnlock()
		return d.wait(ctx)
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}
	d.mu.RUnlock()
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, delivers what is queued and stops the
// consumer. It is safe to call more than once.
func (d *Dispatcher) Close(ctx context.Context) error {
	// Release emitters blocked on a full queue so the write lock is free.
	d.quitOnce.Do(func() { close(d.quit) })
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	return d.wait(ctx)
}

func (d *Dispatcher) wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Closed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for it := range d.ch {
		if it.barrier != nil {
			close(it.barrier)
			continue
		}
		d.dispatch(it.ev)
	}
}

func (d *Dispatcher) dispatch(ev Event) {
	code := ev.Code()
	d.metrics.EventDispatched(strconv.Itoa(int(code)))
	if d.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerFailed()
			d.log.Error("event handler panicked", zap.Stringer("event", code), zap.Any("panic", r))
		}
	}()
	if err := d.handler(ev); err != nil {
		d.metrics.HandlerFailed()
		d.log.Warn("event handler failed", zap.Stringer("event", code), zap.Error(err))
	}
}
