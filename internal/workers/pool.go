// Package workers runs keyed work on a fixed set of goroutines. Work for one
// key always runs on the same worker, in submission order.
package workers

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("worker pool closed")

type Pool struct {
	log    *zap.Logger
	queues []chan func()

	mu     sync.RWMutex
	closed bool
	g      errgroup.Group
}

// New starts n workers, each with a queue of queueSize tasks.
func New(n, queueSize int, log *zap.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{log: log, queues: make([]chan func(), n)}
	for i := range p.queues {
		q := make(chan func(), queueSize)
		p.queues[i] = q
		p.g.Go(func() error {
			for task := range q {
				p.run(task)
			}
			return nil
		})
	}
	return p
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

func (p *Pool) shard(key string) chan func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// Submit queues task on the worker owning key. It blocks while that queue is
// full, until ctx is done.
func (p *Pool) Submit(ctx context.Context, key string, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.shard(key) <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits until queued tasks have finished.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	_ = p.g.Wait()
}
