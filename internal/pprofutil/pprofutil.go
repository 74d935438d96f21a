// Package pprofutil serves pprof and Prometheus metrics over HTTP for the
// command line tools.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	DefaultAddr = "127.0.0.1:6060"

	envAllowPublic = "OVERLAY_PPROF_ALLOW_PUBLIC"
)

var ErrPublicBind = errors.New("debug server must bind to loopback")

type Server struct {
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// AllowPublicFromEnv reports whether OVERLAY_PPROF_ALLOW_PUBLIC=1.
func AllowPublicFromEnv() bool {
	return strings.TrimSpace(os.Getenv(envAllowPublic)) == "1"
}

// Start serves /metrics from reg and /debug/pprof/ on addr. Non loopback
// addresses are refused unless allowPublic is set.
func Start(addr string, allowPublic bool, reg *prometheus.Registry, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if addr == "" {
		addr = DefaultAddr
	}
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("%w unless %s=1: %s", ErrPublicBind, envAllowPublic, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("debug listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:   ln,
		done: make(chan struct{}),
	}
	log.Info("debug server enabled", zap.String("addr", ln.Addr().String()))
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("debug server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close shuts the server down, waiting up to a second for open requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
