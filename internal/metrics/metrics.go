// Package metrics exposes Prometheus metrics for realtime transports.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the transport metrics.
type Config struct {
	// Namespace is the metrics namespace (default: "rtdb").
	Namespace string

	// Subsystem is the metrics subsystem (default: "transport").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the metrics.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the request duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "rtdb",
		Subsystem: "transport",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the transport collectors. A nil *Metrics records nothing,
// so callers never need to guard their calls.
type Metrics struct {
	framesSent         prometheus.Counter
	framesReceived     prometheus.Counter
	messagesSent       *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	keepalivesSent     prometheus.Counter
	fragmentedMessages *prometheus.CounterVec
	decodeErrors       prometheus.Counter
	protocolViolations *prometheus.CounterVec
	activeTransports   prometheus.Gauge
	terminations       *prometheus.CounterVec
	pendingRequests    prometheus.Gauge
	requestDuration    prometheus.Histogram
}

// New registers the transport metrics with the configured registry.
// Registering twice against the same registry panics, as promauto does.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Metrics{
		framesSent:         counter("frames_sent_total", "Total websocket frames written, keepalives included"),
		framesReceived:     counter("frames_received_total", "Total websocket frames read"),
		messagesSent:       counterVec("messages_sent_total", "Protocol messages sent by kind", "kind"),
		messagesReceived:   counterVec("messages_received_total", "Protocol messages received by kind", "kind"),
		keepalivesSent:     counter("keepalives_sent_total", "Keepalive frames sent"),
		fragmentedMessages: counterVec("fragmented_messages_total", "Messages that spanned more than one frame", "direction"),
		decodeErrors:       counter("decode_errors_total", "Frames or reassembled payloads that failed to decode"),
		protocolViolations: counterVec("protocol_violations_total", "Messages that broke protocol expectations", "type"),
		activeTransports:   gauge("active", "Transports that have not reached a terminal state"),
		terminations:       counterVec("terminations_total", "Transports that reached a terminal state", "state"),
		pendingRequests:    gauge("pending_requests", "Requests waiting for a reply"),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Time from submitting a request to receiving its reply",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),
	}
}

// FrameSent records one written frame.
func (m *Metrics) FrameSent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

// FrameReceived records one read frame.
func (m *Metrics) FrameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

// MessageSent records an outbound message. frames is the number of frames
// it occupied on the wire.
func (m *Metrics) MessageSent(kind string, frames int) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
	if frames > 1 {
		m.fragmentedMessages.WithLabelValues("out").Inc()
	}
}

// MessageReceived records a fully decoded inbound message.
func (m *Metrics) MessageReceived(kind string, fragmented bool) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
	if fragmented {
		m.fragmentedMessages.WithLabelValues("in").Inc()
	}
}

// KeepaliveSent records a keepalive frame.
func (m *Metrics) KeepaliveSent() {
	if m != nil {
		m.keepalivesSent.Inc()
	}
}

// DecodeError records an undecodable payload.
func (m *Metrics) DecodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

// ProtocolViolation records a message the peer should not have sent.
func (m *Metrics) ProtocolViolation(kind string) {
	if m != nil {
		m.protocolViolations.WithLabelValues(kind).Inc()
	}
}

// TransportOpened records a new transport.
func (m *Metrics) TransportOpened() {
	if m != nil {
		m.activeTransports.Inc()
	}
}

// TransportTerminated records a transport reaching a terminal state.
func (m *Metrics) TransportTerminated(state string) {
	if m == nil {
		return
	}
	m.activeTransports.Dec()
	m.terminations.WithLabelValues(state).Inc()
}

// RequestStarted records a request entering the pending table.
func (m *Metrics) RequestStarted() {
	if m != nil {
		m.pendingRequests.Inc()
	}
}

// RequestCompleted records a reply to a pending request.
func (m *Metrics) RequestCompleted(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
	m.requestDuration.Observe(elapsed.Seconds())
}

// RequestsAbandoned records pending requests dropped by a teardown.
func (m *Metrics) RequestsAbandoned(n int) {
	if m != nil && n > 0 {
		m.pendingRequests.Sub(float64(n))
	}
}
