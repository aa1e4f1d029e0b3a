// Package metrics exposes proxy and log sink counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Log record outcomes
const (
	LogWritten = "written"
	LogFailed  = "failed"
	LogDropped = "dropped"
)

// RequestObservation describes one metered proxy request.
type RequestObservation struct {
	Category         string
	Status           int
	Streaming        bool
	Duration         time.Duration
	PromptTokens     int
	CompletionTokens int
	EnergyWh         float64
	CostDollars      float64
}

// Metrics is implemented by Prometheus and by NoopMetrics.
type Metrics interface {
	ObserveRequest(obs RequestObservation)
	TranslationFailed(category string)
	UpstreamFailed()
	LogRecords(outcome string, n int)
	SetLogQueueLength(n int)
	HTTPHandler() http.Handler
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics { return &NoopMetrics{} }

func (NoopMetrics) ObserveRequest(RequestObservation) {}
func (NoopMetrics) TranslationFailed(string)         {}
func (NoopMetrics) UpstreamFailed()                  {}
func (NoopMetrics) LogRecords(string, int)           {}
func (NoopMetrics) SetLogQueueLength(int)            {}

func (NoopMetrics) HTTPHandler() http.Handler {
	return http.NotFoundHandler()
}

// Prometheus records metrics in its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	tokensTotal       *prometheus.CounterVec
	energyWhTotal     prometheus.Counter
	costDollarsTotal  prometheus.Counter
	translationErrors *prometheus.CounterVec
	upstreamErrors    prometheus.Counter
	logRecords        *prometheus.CounterVec
	logQueueLength    prometheus.Gauge
}

// NewPrometheus creates and registers all collectors under namespace.
func NewPrometheus(namespace string) *Prometheus {
	registry := prometheus.NewRegistry()

	p := &Prometheus{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of proxied requests",
			},
			[]string{"category", "status", "stream"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Wall-clock duration of proxied requests",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"category"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Estimated tokens processed",
			},
			[]string{"type"},
		),

		energyWhTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_wh_total",
			Help:      "Estimated energy spent serving requests in watt-hours",
		}),

		costDollarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_dollars_total",
			Help:      "Estimated electricity cost of served requests",
		}),

		translationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "translation_errors_total",
				Help:      "Upstream values forwarded verbatim because they could not be translated",
			},
			[]string{"category"},
		),

		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream transport failures answered with a synthesized 500",
		}),

		logRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_records_total",
				Help:      "Request log records by outcome",
			},
			[]string{"outcome"},
		),

		logQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_queue_length",
			Help:      "Request log records waiting to be written",
		}),
	}

	registry.MustRegister(
		p.requestsTotal,
		p.requestDuration,
		p.tokensTotal,
		p.energyWhTotal,
		p.costDollarsTotal,
		p.translationErrors,
		p.upstreamErrors,
		p.logRecords,
		p.logQueueLength,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

func (p *Prometheus) ObserveRequest(obs RequestObservation) {
	stream := "false"
	if obs.Streaming {
		stream = "true"
	}
	p.requestsTotal.WithLabelValues(obs.Category, statusClass(obs.Status), stream).Inc()
	p.requestDuration.WithLabelValues(obs.Category).Observe(obs.Duration.Seconds())
	p.tokensTotal.WithLabelValues("prompt").Add(float64(obs.PromptTokens))
	p.tokensTotal.WithLabelValues("completion").Add(float64(obs.CompletionTokens))
	p.energyWhTotal.Add(obs.EnergyWh)
	p.costDollarsTotal.Add(obs.CostDollars)
}

func (p *Prometheus) TranslationFailed(category string) {
	p.translationErrors.WithLabelValues(category).Inc()
}

func (p *Prometheus) UpstreamFailed() {
	p.upstreamErrors.Inc()
}

func (p *Prometheus) LogRecords(outcome string, n int) {
	p.logRecords.WithLabelValues(outcome).Add(float64(n))
}

func (p *Prometheus) SetLogQueueLength(n int) {
	p.logQueueLength.Set(float64(n))
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// HTTPHandler serves the registry in the Prometheus exposition format.
func (p *Prometheus) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
