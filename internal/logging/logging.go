package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const queueSize = 2048

// Boundary log levels.
const (
	LevelTrace = 300
	LevelDebug = 500
	LevelInfo  = 800
	LevelWarn  = 900
	LevelError = 1000
)

// Sink receives encoded log lines. It is called from a single internal
// goroutine and must not block.
type Sink func(level int, timestampMs int64, message string)

type record struct {
	level int
	ts    int64
	msg   string
}

// Hub owns the log queue of one runtime. Producers never block: when the
// queue is full the entry is dropped and counted.
type Hub struct {
	level   zap.AtomicLevel
	sink    atomic.Pointer[Sink]
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	ch     chan record
	done   chan struct{}
}

func debugEnabled() bool {
	return os.Getenv("OVERLAY_DEBUG") == "1"
}

func NewHub() *Hub {
	h := &Hub{
		level: zap.NewAtomicLevelAt(zapcore.InfoLevel),
		ch:    make(chan record, queueSize),
		done:  make(chan struct{}),
	}
	if debugEnabled() {
		h.level.SetLevel(zapcore.DebugLevel)
	}
	go h.drain()
	return h
}

// SetSink replaces the sink; nil restores stderr output.
func (h *Hub) SetSink(s Sink) {
	if s == nil {
		h.sink.Store(nil)
		return
	}
	h.sink.Store(&s)
}

func (h *Hub) SetLevel(l zapcore.Level) { h.level.SetLevel(l) }

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Logger returns a logger tagged with the package it is used from.
func (h *Hub) Logger(pkg string) *zap.Logger {
	return zap.New(newCore(h)).With(zap.String("package", pkg))
}

// Close flushes queued entries and stops the drain goroutine.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.closed = true
	close(h.ch)
	h.mu.Unlock()
	<-h.done
}

func (h *Hub) push(r record) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.ch <- r:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) drain() {
	defer close(h.done)
	for r := range h.ch {
		h.deliver(r)
	}
}

func (h *Hub) deliver(r record) {
	sp := h.sink.Load()
	if sp == nil {
		ts := time.UnixMilli(r.ts).UTC().Format(time.RFC3339Nano)
		_, _ = fmt.Fprintf(os.Stderr, "%s %s %s\n", ts, levelName(r.level), r.msg)
		return
	}
	defer func() { _ = recover() }()
	(*sp)(r.level, r.ts, r.msg)
}

// LevelCode maps a zap level to the boundary level.
func LevelCode(l zapcore.Level) int {
	switch {
	case l < zapcore.DebugLevel:
		return LevelTrace
	case l == zapcore.DebugLevel:
		return LevelDebug
	case l == zapcore.InfoLevel:
		return LevelInfo
	case l == zapcore.WarnLevel:
		return LevelWarn
	default:
		return LevelError
	}
}

func levelName(code int) string {
	switch {
	case code <= LevelTrace:
		return "TRACE"
	case code <= LevelDebug:
		return "DEBUG"
	case code <= LevelInfo:
		return "INFO"
	case code <= LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

type core struct {
	zapcore.LevelEnabler
	enc zapcore.Encoder
	hub *Hub
}

func newCore(h *Hub) zapcore.Core {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:       "msg",
		NameKey:          "logger",
		LineEnding:       "\n",
		ConsoleSeparator: " ",
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
	})
	return &core{LevelEnabler: h.level, enc: enc, hub: h}
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &core{LevelEnabler: c.LevelEnabler, enc: enc, hub: c.hub}
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	msg := strings.TrimSuffix(buf.String(), "\n")
	buf.Free()
	c.hub.push(record{level: LevelCode(ent.Level), ts: ent.Time.UnixMilli(), msg: msg})
	return nil
}

func (c *core) Sync() error { return nil }
