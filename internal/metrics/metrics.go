package metrics

import (
	"net/http"
	"time"

	"github.com/HMasataka/presence/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the fire-and-forget metrics sink used by the core. No method
// returns anything; implementations must never block or panic.
type Recorder interface {
	ConnectionAccepted(clientType string)
	ConnectionRejected(reason string)
	ConnectionClosed(clientType string, code domain.CloseCode)
	MessageReceived(kind domain.MessageType, bytes int)
	MessageDropped(reason string)
	BroadcastDelivered(delivered, failed int)
	PresenceChanged(status domain.Status)
	ProbeTimedOut()
	StoreError(op string)
	StoreLatency(op string, d time.Duration)
	ProcessingLatency(kind domain.MessageType, d time.Duration)
	Fault(where string)
	Sample(connections, identifiers int, byStatus map[domain.Status]int)
}

// NewRegistry creates a Prometheus registry with the process and Go
// collectors already registered
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler exposing reg
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Prometheus implements Recorder on top of client_golang
type Prometheus struct {
	accepted     *prometheus.CounterVec // labels: client_type
	rejected     *prometheus.CounterVec // labels: reason
	closed       *prometheus.CounterVec // labels: client_type, code
	received     *prometheus.CounterVec // labels: type
	messageBytes prometheus.Histogram
	dropped      *prometheus.CounterVec // labels: reason
	broadcast    *prometheus.CounterVec // labels: result=delivered|failed
	transitions  *prometheus.CounterVec // labels: status
	probeTimeout prometheus.Counter
	storeErrors  *prometheus.CounterVec   // labels: op
	storeLatency *prometheus.HistogramVec // labels: op
	latency      *prometheus.HistogramVec // labels: type
	faults       *prometheus.CounterVec   // labels: where
	connections  prometheus.Gauge
	identifiers  prometheus.Gauge
	records      *prometheus.GaugeVec // labels: status
}

// NewPrometheus registers every presence metric on reg
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	m := &Prometheus{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_connections_accepted_total",
			Help: "Connections admitted to the registry.",
		}, []string{"client_type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_connections_rejected_total",
			Help: "Connections refused at admission.",
		}, []string{"reason"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_connections_closed_total",
			Help: "Connections released from the registry by close code.",
		}, []string{"client_type", "code"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_messages_received_total",
			Help: "Inbound frames by declared type.",
		}, []string{"type"}),
		messageBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "presence_message_size_bytes",
			Help:    "Inbound frame size.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_messages_dropped_total",
			Help: "Inbound frames dropped without effect.",
		}, []string{"reason"}),
		broadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_broadcast_sends_total",
			Help: "Per-connection broadcast sends.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_transitions_total",
			Help: "Presence record changes by resulting status.",
		}, []string{"status"}),
		probeTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_probe_timeouts_total",
			Help: "Connections terminated for missing a liveness probe.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_store_errors_total",
			Help: "Persistent store failures by operation.",
		}, []string{"op"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "presence_store_latency_seconds",
			Help:    "Persistent store call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "presence_message_processing_seconds",
			Help:    "Time spent handling one inbound frame on the loop.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}, []string{"type"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_internal_faults_total",
			Help: "Recovered panics and unexpected failures.",
		}, []string{"where"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presence_live_connections",
			Help: "Connections currently held by the registry.",
		}),
		identifiers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presence_live_identifiers",
			Help: "Identifiers with at least one live connection.",
		}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "presence_records",
			Help: "Presence records by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.accepted, m.rejected, m.closed, m.received, m.messageBytes, m.dropped,
		m.broadcast, m.transitions, m.probeTimeout, m.storeErrors, m.storeLatency,
		m.latency, m.faults, m.connections, m.identifiers, m.records,
	)
	return m
}

func (m *Prometheus) ConnectionAccepted(clientType string) {
	m.accepted.WithLabelValues(clientType).Inc()
}

func (m *Prometheus) ConnectionRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Prometheus) ConnectionClosed(clientType string, code domain.CloseCode) {
	m.closed.WithLabelValues(clientType, code.String()).Inc()
}

func (m *Prometheus) MessageReceived(kind domain.MessageType, bytes int) {
	m.received.WithLabelValues(string(kind)).Inc()
	m.messageBytes.Observe(float64(bytes))
}

func (m *Prometheus) MessageDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Prometheus) BroadcastDelivered(delivered, failed int) {
	m.broadcast.WithLabelValues("delivered").Add(float64(delivered))
	m.broadcast.WithLabelValues("failed").Add(float64(failed))
}

func (m *Prometheus) PresenceChanged(status domain.Status) {
	m.transitions.WithLabelValues(string(status)).Inc()
}

func (m *Prometheus) ProbeTimedOut() {
	m.probeTimeout.Inc()
}

func (m *Prometheus) StoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Prometheus) StoreLatency(op string, d time.Duration) {
	m.storeLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Prometheus) ProcessingLatency(kind domain.MessageType, d time.Duration) {
	m.latency.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Prometheus) Fault(where string) {
	m.faults.WithLabelValues(where).Inc()
}

func (m *Prometheus) Sample(connections, identifiers int, byStatus map[domain.Status]int) {
	m.connections.Set(float64(connections))
	m.identifiers.Set(float64(identifiers))
	for _, st := range domain.Statuses {
		m.records.WithLabelValues(string(st)).Set(float64(byStatus[st]))
	}
}

// Noop discards everything
type Noop struct{}

func (Noop) ConnectionAccepted(string) {}
func (Noop) ConnectionRejected(string) {}
func (Noop) ConnectionClosed(string, domain.CloseCode) {}
func (Noop) MessageReceived(domain.MessageType, int) {}
func (Noop) MessageDropped(string) {}
func (Noop) BroadcastDelivered(int, int) {}
func (Noop) PresenceChanged(domain.Status) {}
func (Noop) ProbeTimedOut() {}
func (Noop) StoreError(string) {}
func (Noop) StoreLatency(string, time.Duration) {}
func (Noop) ProcessingLatency(domain.MessageType, time.Duration) {}
func (Noop) Fault(string) {}
func (Noop) Sample(int, int, map[domain.Status]int) {}

var (
	_ Recorder = (*Prometheus)(nil)
	_ Recorder = Noop{}
)
