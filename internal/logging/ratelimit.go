package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limiter suppresses repeated debug lines per key.
type Limiter struct {
	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{last: make(map[string]time.Time), sweep: time.Now()}
}

func (l *Limiter) Allow(key string, interval time.Duration) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.last[key]) < interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// Debug logs at most once per interval for key.
func (l *Limiter) Debug(log *zap.Logger, key string, interval time.Duration, msg string, fields ...zap.Field) {
	if !log.Core().Enabled(zap.DebugLevel) || !l.Allow(key, interval) {
		return
	}
	log.Debug(msg, fields...)
}
