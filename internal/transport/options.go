package transport

import (
	"log/slog"

	"github.com/omochice/rtdb-transport/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/omochice/rtdb-transport"

// Options holds the optional collaborators of a Transport.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Registry *Registry
}

// Option configures a Transport.
type Option func(*Options)

// DefaultOptions returns options using the default logger and the global
// OpenTelemetry tracer, without metrics or fault-injection registry.
func DefaultOptions() *Options {
	return &Options{
		Logger: slog.Default(),
		Tracer: otel.Tracer(tracerName),
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithTracer sets the tracer used for request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = tracer
	}
}

// WithRegistry registers the transport with r for fault injection.
func WithRegistry(r *Registry) Option {
	return func(o *Options) {
		o.Registry = r
	}
}
