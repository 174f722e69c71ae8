package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Observability records per-route request counts, latencies and spans.
type Observability struct {
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewObservability registers the API collectors with reg. A nil registerer
// uses the default Prometheus registry.
func NewObservability(reg prometheus.Registerer, logger *slog.Logger) (*Observability, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snarkos",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests served by the operator API.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "snarkos",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Duration of operator API requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	for _, c := range []prometheus.Collector{requests, durations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return &Observability{
		logger:    logger.With(slog.String("component", "api")),
		tracer:    otel.Tracer("snarkos/api"),
		requests:  requests,
		durations: durations,
	}, nil
}

// Middleware wraps a route handler.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()

			elapsed := time.Since(start)
			o.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			o.durations.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())
			o.logger.Debug("api request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", recorder.status),
				slog.Duration("elapsed", elapsed))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
