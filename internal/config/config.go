package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"overlaynode/internal/identity"
)

// ErrMalformed wraps every parse and validation failure.
var ErrMalformed = errors.New("malformed config")

type Config struct {
	Identity Identity `mapstructure:"identity"`
	Remote   Remote   `mapstructure:"remote"`
	Message  Message  `mapstructure:"message"`
	Event    Event    `mapstructure:"event"`
	Worker   Worker   `mapstructure:"worker"`
	Stop     Stop     `mapstructure:"stop"`
}

type Identity struct {
	ProofOfWork   *int32 `mapstructure:"proof-of-work"`
	PublicKey     string `mapstructure:"public-key"`
	SecretKey     string `mapstructure:"secret-key"`
	Path          string `mapstructure:"path"`
	PoWDifficulty int    `mapstructure:"pow-difficulty"`
}

type Remote struct {
	BindHost      string    `mapstructure:"bind-host"`
	BindPort      int       `mapstructure:"bind-port"`
	AdvertiseAddr string    `mapstructure:"advertise-addr"`
	SuperPeer     SuperPeer `mapstructure:"super-peer"`
	Handshake     Handshake `mapstructure:"handshake"`
	Session       Session   `mapstructure:"session"`
	Path          Path      `mapstructure:"path"`
}

type SuperPeer struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	RetryBudget    int           `mapstructure:"retry-budget"`
	BackoffInitial time.Duration `mapstructure:"backoff-initial"`
	BackoffMax     time.Duration `mapstructure:"backoff-max"`
	DialTimeout    time.Duration `mapstructure:"dial-timeout"`
}

type Handshake struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAttempts   int           `mapstructure:"max-attempts"`
	RetryWindow   time.Duration `mapstructure:"retry-window"`
	RetryInterval time.Duration `mapstructure:"retry-interval"`
}

type Session struct {
	ExpireAfter time.Duration `mapstructure:"expire-after"`
	Renew       bool          `mapstructure:"renew"`
}

type Path struct {
	DirectTimeout     time.Duration `mapstructure:"direct-timeout"`
	UpgradeInterval   time.Duration `mapstructure:"upgrade-interval"`
	InactivityTimeout time.Duration `mapstructure:"inactivity-timeout"`
	MaxPeers          int           `mapstructure:"max-peers"`
}

type Message struct {
	MaxPayload       int `mapstructure:"max-payload"`
	PendingQueueSize int `mapstructure:"pending-queue-size"`
}

type Event struct {
	QueueSize int `mapstructure:"queue-size"`
}

type Worker struct {
	Count int `mapstructure:"count"`
}

type Stop struct {
	GracePeriod time.Duration `mapstructure:"grace-period"`
}

// Endpoint is a parsed super peer address with an optional pinned key.
type Endpoint struct {
	Addr string
	Key  identity.PublicKey
}

func (e Endpoint) Pinned() bool { return !e.Key.IsZero() }

func setDefaultConfig(v *viper.Viper) *viper.Viper {
	v.SetDefault("identity.path", "")
	v.SetDefault("identity.pow-difficulty", int(identity.DefaultDifficulty))
	v.SetDefault("remote.bind-host", "0.0.0.0")
	v.SetDefault("remote.bind-port", 22528)
	v.SetDefault("remote.advertise-addr", "")
	v.SetDefault("remote.super-peer.endpoints", []string{})
	v.SetDefault("remote.super-peer.retry-budget", 5)
	v.SetDefault("remote.super-peer.backoff-initial", 500*time.Millisecond)
	v.SetDefault("remote.super-peer.backoff-max", 30*time.Second)
	v.SetDefault("remote.super-peer.dial-timeout", 5*time.Second)
	v.SetDefault("remote.handshake.timeout", 5*time.Second)
	v.SetDefault("remote.handshake.max-attempts", 3)
	v.SetDefault("remote.handshake.retry-window", time.Minute)
	v.SetDefault("remote.handshake.retry-interval", time.Second)
	v.SetDefault("remote.session.expire-after", 5*time.Minute)
	v.SetDefault("remote.session.renew", true)
	v.SetDefault("remote.path.direct-timeout", 3*time.Second)
	v.SetDefault("remote.path.upgrade-interval", 30*time.Second)
	v.SetDefault("remote.path.inactivity-timeout", 2*time.Minute)
	v.SetDefault("remote.path.max-peers", 4096)
	v.SetDefault("message.max-payload", 64512)
	v.SetDefault("message.pending-queue-size", 32)
	v.SetDefault("event.queue-size", 1024)
	v.SetDefault("worker.count", 4)
	v.SetDefault("stop.grace-period", 2*time.Second)
	return v
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Parse reads JSON or YAML config bytes over the defaults. Empty input yields
// the defaults.
func Parse(data []byte) (Config, error) {
	v := setDefaultConfig(viper.New())
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 {
		if trimmed[0] == '{' {
			v.SetConfigType("json")
		} else {
			v.SetConfigType("yaml")
		}
		if err := v.ReadConfig(bytes.NewReader(trimmed)); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
	}
	id := c.Identity
	inline := 0
	for _, set := range []bool{id.PublicKey != "", id.SecretKey != "", id.ProofOfWork != nil} {
		if set {
			inline++
		}
	}
	if inline != 0 && inline != 3 {
		return bad("identity.public-key, identity.secret-key and identity.proof-of-work must be given together")
	}
	if id.PoWDifficulty < 0 || id.PoWDifficulty > 64 {
		return bad("identity.pow-difficulty out of range")
	}
	if c.Remote.BindPort < 0 || c.Remote.BindPort > 65535 {
		return bad("remote.bind-port out of range")
	}
	if _, err := c.Endpoints(); err != nil {
		return bad("%v", err)
	}
	sp := c.Remote.SuperPeer
	if sp.RetryBudget < 1 {
		return bad("remote.super-peer.retry-budget must be positive")
	}
	if sp.BackoffInitial <= 0 || sp.BackoffMax < sp.BackoffInitial || sp.DialTimeout <= 0 {
		return bad("remote.super-peer backoff and dial timeout must be positive")
	}
	hs := c.Remote.Handshake
	if hs.Timeout <= 0 || hs.MaxAttempts < 1 || hs.RetryWindow <= 0 || hs.RetryInterval < 0 {
		return bad("remote.handshake values must be positive")
	}
	if c.Remote.Session.ExpireAfter <= 0 {
		return bad("remote.session.expire-after must be positive")
	}
	p := c.Remote.Path
	if p.DirectTimeout <= 0 || p.UpgradeInterval <= 0 || p.InactivityTimeout <= 0 || p.MaxPeers < 1 {
		return bad("remote.path values must be positive")
	}
	if c.Message.MaxPayload < 1 || c.Message.MaxPayload > 64512 {
		return bad("message.max-payload must be within 1..64512")
	}
	if c.Message.PendingQueueSize < 1 || c.Event.QueueSize < 1 || c.Worker.Count < 1 {
		return bad("queue sizes and worker count must be positive")
	}
	if c.Stop.GracePeriod < 0 {
		return bad("stop.grace-period must not be negative")
	}
	return nil
}

// Endpoints parses remote.super-peer.endpoints. Entries are host:port or
// pubkeyhex@host:port.
func (c Config) Endpoints() ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(c.Remote.SuperPeer.Endpoints))
	seen := make(map[string]struct{})
	for _, raw := range c.Remote.SuperPeer.Endpoints {
		ep, err := ParseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[ep.Addr]; dup {
			continue
		}
		seen[ep.Addr] = struct{}{}
		out = append(out, ep)
	}
	return out, nil
}

func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	var ep Endpoint
	if keyHex, addr, ok := strings.Cut(raw, "@"); ok {
		key, err := identity.ParsePublicKey(keyHex)
		if err != nil {
			return Endpoint{}, fmt.Errorf("bad super peer key in %q", raw)
		}
		ep.Key = key
		raw = addr
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil || host == "" {
		return Endpoint{}, fmt.Errorf("bad super peer endpoint %q", raw)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return Endpoint{}, fmt.Errorf("bad super peer port in %q", raw)
	}
	ep.Addr = net.JoinHostPort(host, port)
	return ep, nil
}

// BindAddr is the host:port the node listens on.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.Remote.BindHost, strconv.Itoa(c.Remote.BindPort))
}

// IdentityOptions converts the identity section for identity.LoadOrCreate.
func (c Config) IdentityOptions() identity.Options {
	return identity.Options{
		PublicKey:   c.Identity.PublicKey,
		SecretKey:   c.Identity.SecretKey,
		ProofOfWork: c.Identity.ProofOfWork,
		Path:        c.Identity.Path,
		Difficulty:  uint8(c.Identity.PoWDifficulty),
	}
}
