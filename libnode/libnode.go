// Package libnode is the flat, binding-friendly surface of an overlay node.
// Every call goes through an explicit Runtime handle; there is no global
// state.
package libnode

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"overlaynode/internal/events"
	"overlaynode/internal/identity"
	"overlaynode/internal/logging"
	"overlaynode/internal/metrics"
	"overlaynode/internal/network"
	"overlaynode/internal/node"
	"overlaynode/internal/superpeer"
)

const (
	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0

	sendTimeout     = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Result codes returned by ResultCode.
const (
	ResultOK               = 0
	ResultGeneral          = -1
	ResultInit             = -2
	ResultLifecycle        = -3
	ResultNotConnected     = -4
	ResultPayloadTooLarge  = -5
	ResultPendingQueueFull = -6
	ResultInvalidRecipient = -7
	ResultIdentity         = -8
)

// Log levels passed to a LogCallback.
const (
	LogTrace = logging.LevelTrace
	LogDebug = logging.LevelDebug
	LogInfo  = logging.LevelInfo
	LogWarn  = logging.LevelWarn
	LogError = logging.LevelError
)

// NodeVersion returns the library version. It has no side effects.
func NodeVersion() (major, minor, patch uint8) {
	return VersionMajor, VersionMinor, VersionPatch
}

// PackedVersion encodes the version as major<<24 | minor<<16 | patch<<8.
func PackedVersion() int32 {
	return int32(VersionMajor)<<24 | int32(VersionMinor)<<16 | int32(VersionPatch)<<8
}

// ResultCode maps an error from the Runtime to a stable integer, 0 for nil.
func ResultCode(err error) int {
	var idErr *identity.Error
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, node.ErrInit) && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return ResultInit
	case errors.As(err, &idErr):
		return ResultIdentity
	case errors.Is(err, node.ErrInit):
		return ResultInit
	case errors.Is(err, node.ErrLifecycle):
		return ResultLifecycle
	case errors.Is(err, node.ErrNotConnected), errors.Is(err, superpeer.ErrNoSuperPeer):
		return ResultNotConnected
	case errors.Is(err, node.ErrPayloadTooLarge):
		return ResultPayloadTooLarge
	case errors.Is(err, node.ErrPendingQueueFull):
		return ResultPendingQueueFull
	case errors.Is(err, node.ErrInvalidRecipient), errors.Is(err, ErrBadAddress):
		return ResultInvalidRecipient
	default:
		return ResultGeneral
	}
}

// LogCallback receives log lines from an internal goroutine. It must not
// block.
type LogCallback func(level int, timestampMs int64, message string)

// EventCallback receives events one at a time, in order.
type EventCallback func(Event)

type Option func(*Runtime)

// WithTransport replaces the QUIC transport, e.g. with network.MemNetwork.
func WithTransport(t network.Transport) Option {
	return func(r *Runtime) { r.transport = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithInitTimeout bounds NodeInit, which may search a proof of work for a new
// identity. Zero means no bound.
func WithInitTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.initTimeout = d }
}

// Runtime is one node plus the resources it runs on.
type Runtime struct {
	hub       *logging.Hub
	log       *zap.Logger
	node      *node.Node
	transport network.Transport
	metrics   *metrics.Metrics

	initTimeout time.Duration
}

func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	r.hub = logging.NewHub()
	r.log = r.hub.Logger("libnode")
	r.node = node.New(node.Options{
		Transport: r.transport,
		Logger:    r.hub.Logger("node"),
		Metrics:   r.metrics,
	})
	return r
}

// SetLogger registers the log sink of this runtime. nil restores stderr.
func (r *Runtime) SetLogger(cb LogCallback) {
	if cb == nil {
		r.hub.SetSink(nil)
		return
	}
	r.hub.SetSink(logging.Sink(cb))
}

// SetLogLevel sets the minimum boundary level that reaches the sink.
func (r *Runtime) SetLogLevel(level int) {
	var l zapcore.Level
	switch {
	case level >= LogError:
		l = zapcore.ErrorLevel
	case level >= LogWarn:
		l = zapcore.WarnLevel
	case level >= LogInfo:
		l = zapcore.InfoLevel
	default:
		l = zapcore.DebugLevel
	}
	r.hub.SetLevel(l)
}

func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// NodeInit parses config (nil for defaults), resolves the identity and
// registers cb.
func (r *Runtime) NodeInit(config []byte, cb EventCallback) error {
	ctx := context.Background()
	if r.initTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.initTimeout)
		defer cancel()
	}
	return r.NodeInitContext(ctx, config, cb)
}

// NodeInitContext is NodeInit that gives up when ctx is done.
func (r *Runtime) NodeInitContext(ctx context.Context, config []byte, cb EventCallback) error {
	if cb == nil {
		return fmt.Errorf("%w: event callback required", node.ErrInit)
	}
	return r.node.InitContext(ctx, config, func(ev events.Event) error {
		cb(Flatten(ev))
		return nil
	})
}

func (r *Runtime) NodeIdentity() (Identity, error) {
	id, err := r.node.Identity()
	if err != nil {
		return Identity{}, err
	}
	return identityOf(id), nil
}

func (r *Runtime) NodeStart() error { return r.node.Start() }

func (r *Runtime) NodeIsOnline() bool { return r.node.IsOnline() }

func (r *Runtime) NodeStop() error { return r.node.Stop() }

// NodeSend sends payload to the node with address recipient.
func (r *Runtime) NodeSend(recipient Address, payload []byte) error {
	key, err := recipient.PublicKey()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return r.node.Send(ctx, key, payload)
}

// ShutdownEventLoop stops event delivery. Call it after NodeStop.
func (r *Runtime) ShutdownEventLoop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.node.ShutdownEventLoop(ctx)
}

// Teardown releases the runtime. It is safe to call more than once.
func (r *Runtime) Teardown() {
	r.node.Teardown()
	r.log.Debug("runtime torn down")
	r.hub.Close()
}

// Address is the 64 character hex form of a public key.
type Address [64]byte

var ErrBadAddress = errors.New("bad address")

func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != len(a) {
		return Address{}, fmt.Errorf("%w: need %d hex characters", ErrBadAddress, len(a))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	copy(a[:], s)
	return a, nil
}

func AddressOf(k identity.PublicKey) Address {
	var a Address
	copy(a[:], k.String())
	return a
}

func (a Address) String() string { return string(a[:]) }

func (a Address) PublicKey() (identity.PublicKey, error) {
	k, err := identity.ParsePublicKey(a.String())
	if err != nil {
		return identity.PublicKey{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return k, nil
}

// Identity is the flat identity snapshot handed to bindings.
type Identity struct {
	ProofOfWork int32
	PublicKey   Address
	SecretKey   [128]byte
}

func identityOf(id identity.Identity) Identity {
	out := Identity{ProofOfWork: id.ProofOfWork(), PublicKey: AddressOf(id.PublicKey())}
	copy(out.SecretKey[:], id.SecretKeyHex())
	return out
}

type NodeInfo struct {
	Identity Identity
}

type PeerInfo struct {
	Address Address
}

// Event is the flat event shape. Which fields are set depends on Code:
// Node for 10-15, Peer for 20-23 and 40 (when the sender is known),
// MessageSender and MessagePayload for 30.
type Event struct {
	Code           int
	Node           *NodeInfo
	Peer           *PeerInfo
	MessageSender  *Address
	MessagePayload []byte
	// Error describes the failure for 14 and 40.
	Error string
}

// Flatten converts an internal event to the flat shape.
func Flatten(ev events.Event) Event {
	out := Event{Code: int(ev.Code())}
	switch e := ev.(type) {
	case events.NodeEvent:
		out.Node = &NodeInfo{Identity: identityOf(e.Node)}
		if e.Err != nil {
			out.Error = e.Err.Error()
		}
	case events.PeerEvent:
		out.Peer = &PeerInfo{Address: AddressOf(e.Peer)}
	case events.MessageEvent:
		sender := AddressOf(e.Sender)
		out.MessageSender = &sender
		out.MessagePayload = e.Payload()
	case events.InboundException:
		if !e.Peer.IsZero() {
			out.Peer = &PeerInfo{Address: AddressOf(e.Peer)}
		}
		if e.Err != nil {
			out.Error = e.Err.Error()
		}
	}
	return out
}
