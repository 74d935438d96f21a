package network

import "sync"

// hostLimiter caps concurrent inbound connections per remote host.
type hostLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newHostLimiter(max int) *hostLimiter {
	return &hostLimiter{max: max, counts: make(map[string]int)}
}

func (l *hostLimiter) acquire(host string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[host] >= l.max {
		return false
	}
	l.counts[host]++
	return true
}

func (l *hostLimiter) release(host string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[host] <= 1 {
		delete(l.counts, host)
		return
	}
	l.counts[host]--
}
