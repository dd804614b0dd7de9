package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ozontech/thriftrpc/rpcinfo"
)

// Prometheus counts calls and observes their wall-clock duration.
type Prometheus struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "thriftrpc_requests_total",
			Help: "Completed calls by method and outcome.",
		}, []string{"method", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thriftrpc_request_duration_seconds",
			Help:    "Call duration from first read to last write.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (p *Prometheus) Tracer() Tracer {
	return func(cx rpcinfo.Context) {
		p.requests.WithLabelValues(cx.RPCMethod(), Status(cx)).Inc()

		s := cx.Stats()
		start := s.ReadStartAt
		if start.IsZero() {
			start = s.DecodeStartAt
		}
		end := s.WriteEndAt
		if end.IsZero() {
			end = time.Now()
		}
		if !start.IsZero() {
			p.duration.WithLabelValues(cx.RPCMethod()).Observe(end.Sub(start).Seconds())
		}
	}
}
