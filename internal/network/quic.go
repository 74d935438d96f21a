package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"overlaynode/internal/proto"
)

const (
	alpn              = "overlay-quic"
	quicKeepAlive     = 10 * time.Second
	quicIdleTimeout   = 30 * time.Second
	acceptStreamAfter = 5 * time.Second
	acceptBacklog     = 64
)

// selfSignedCert returns a throwaway certificate. Peers are authenticated by
// their signed join and hello messages, not by TLS.
func selfSignedCert() (tls.Certificate, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"overlay"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	}
}

// QUIC is a Transport with one long-lived bidirectional stream per
// connection carrying length-prefixed frames.
type QUIC struct {
	log        *zap.Logger
	maxPerHost int
	cert       tls.Certificate
}

func NewQUIC(log *zap.Logger, maxConnsPerHost int) (*QUIC, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &QUIC{log: log, maxPerHost: maxConnsPerHost, cert: cert}, nil
}

func (q *QUIC) Dial(ctx context.Context, addr string) (Link, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		Certificates:       []tls.Certificate{q.cert},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, err
	}
	q.log.Debug("quic link dialed", zap.String("addr", addr))
	return newQUICLink(conn, stream, nil), nil
}

func (q *QUIC) Listen(addr string) (Listener, error) {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{q.cert},
		NextProtos:   []string{alpn},
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	l := &quicListener{
		ln:      ln,
		log:     q.log,
		limiter: newHostLimiter(q.maxPerHost),
		links:   make(chan Link, acceptBacklog),
		closed:  make(chan struct{}),
	}
	go l.acceptLoop()
	q.log.Info("quic listen ready", zap.String("addr", ln.Addr().String()))
	return l, nil
}

type quicListener struct {
	ln      *quic.Listener
	log     *zap.Logger
	limiter *hostLimiter
	links   chan Link
	once    sync.Once
	closed  chan struct{}
}

func (l *quicListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			l.Close()
			return
		}
		host := hostOf(conn.RemoteAddr())
		if !l.limiter.acquire(host) {
			l.log.Debug("quic connection rejected by host limit", zap.String("host", host))
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		go l.acceptStream(conn, host)
	}
}

func (l *quicListener) acceptStream(conn *quic.Conn, host string) {
	ctx, cancel := context.WithTimeout(conn.Context(), acceptStreamAfter)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.limiter.release(host)
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	link := newQUICLink(conn, stream, func() { l.limiter.release(host) })
	select {
	case l.links <- link:
	case <-l.closed:
		_ = link.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-l.links:
		return link, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Addr() string { return l.ln.Addr().String() }

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.ln.Close()
	})
	return err
}

type quicLink struct {
	conn    *quic.Conn
	stream  *quic.Stream
	onClose func()

	writeMu sync.Mutex
	once    sync.Once
}

func newQUICLink(conn *quic.Conn, stream *quic.Stream, onClose func()) *quicLink {
	l := &quicLink{conn: conn, stream: stream, onClose: onClose}
	go func() {
		<-conn.Context().Done()
		l.release()
	}()
	return l
}

func (l *quicLink) Send(ctx context.Context, payload []byte) error {
	if l.conn.Context().Err() != nil {
		return ErrLinkClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.stream.SetWriteDeadline(deadline)
		defer l.stream.SetWriteDeadline(time.Time{})
	}
	return proto.WriteFrame(l.stream, payload)
}

func (l *quicLink) Recv() ([]byte, error) {
	data, err := proto.ReadFrameWithTypeCap(l.stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		if l.conn.Context().Err() != nil {
			return nil, ErrLinkClosed
		}
		return nil, err
	}
	return data, nil
}

func (l *quicLink) RemoteAddr() string { return l.conn.RemoteAddr().String() }

func (l *quicLink) Done() <-chan struct{} { return l.conn.Context().Done() }

func (l *quicLink) Close() error {
	err := l.conn.CloseWithError(0, "close")
	l.release()
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return nil
	}
	return err
}

func (l *quicLink) release() {
	l.once.Do(func() {
		if l.onClose != nil {
			l.onClose()
		}
	})
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
