package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "overlay"

// Metrics holds the collectors of one node. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	eventsDispatched  *prometheus.CounterVec
	handlerFailures   prometheus.Counter
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	handshakes        *prometheus.CounterVec
	handshakeLatency  prometheus.Histogram
	superPeerConnects prometheus.Counter
	superPeerDrops    prometheus.Counter
	pendingDrops      prometheus.Counter
	inboundErrors     prometheus.Counter
	online            prometheus.Gauge
	peers             prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dispatched_total",
			Help: "Events delivered to the handler, by event code.",
		}, []string{"code"}),
		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_failures_total",
			Help: "Handler invocations that returned an error or panicked.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Application messages sent, by path.",
		}, []string{"path"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Application messages received, by path.",
		}, []string{"path"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "key_agreements_total",
			Help: "Ephemeral key agreements, by result.",
		}, []string{"result"}),
		handshakeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "key_agreement_seconds",
			Help:    "Time from kex to activated session key.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		superPeerConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "super_peer_connects_total",
			Help: "Established super peer links.",
		}),
		superPeerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "super_peer_disconnects_total",
			Help: "Lost super peer links.",
		}),
		pendingDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pending_send_drops_total",
			Help: "Sends rejected because the per peer pending queue was full.",
		}),
		inboundErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_exceptions_total",
			Help: "Inbound messages that could not be processed.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online",
			Help: "1 while at least one super peer link is up.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers",
			Help: "Entries in the peer path table.",
		}),
	}
	m.reg.MustRegister(
		m.eventsDispatched, m.handlerFailures, m.messagesSent, m.messagesReceived,
		m.handshakes, m.handshakeLatency, m.superPeerConnects, m.superPeerDrops,
		m.pendingDrops, m.inboundErrors, m.online, m.peers,
	)
	return m
}

// Registry exposes the collectors, e.g. to promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) EventDispatched(code string) {
	if m != nil {
		m.eventsDispatched.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) HandlerFailed() {
	if m != nil {
		m.handlerFailures.Inc()
	}
}

func (m *Metrics) MessageSent(path string) {
	if m != nil {
		m.messagesSent.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) MessageReceived(path string) {
	if m != nil {
		m.messagesReceived.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) KeyAgreement(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	if !ok {
		m.handshakes.WithLabelValues("failure").Inc()
		return
	}
	m.handshakes.WithLabelValues("success").Inc()
	m.handshakeLatency.Observe(took.Seconds())
}

func (m *Metrics) SuperPeerConnected() {
	if m != nil {
		m.superPeerConnects.Inc()
	}
}

func (m *Metrics) SuperPeerDisconnected() {
	if m != nil {
		m.superPeerDrops.Inc()
	}
}

func (m *Metrics) PendingDropped() {
	if m != nil {
		m.pendingDrops.Inc()
	}
}

func (m *Metrics) InboundException() {
	if m != nil {
		m.inboundErrors.Inc()
	}
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

func (m *Metrics) SetPeers(n int) {
	if m != nil {
		m.peers.Set(float64(n))
	}
}

// Snapshot flattens counters and gauges into name{labels} -> value.
// Histograms report their sample count.
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	if m == nil {
		return out
	}
	families, err := m.reg.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)
			key := mf.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

// WriteSnapshot dumps Snapshot as JSON to path. An empty path is a no-op.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(struct {
		GeneratedAt time.Time          `json:"generated_at"`
		Values      map[string]float64 `json:"values"`
	}{time.Now().UTC(), m.Snapshot()}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
