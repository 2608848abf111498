package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus implements Collector with prometheus collectors under the
// "genpipe" namespace.
type Prometheus struct {
	enqueued *prometheus.CounterVec
	done     *prometheus.CounterVec
	depth    prometheus.Gauge
	retries  *prometheus.CounterVec
	breaker  *prometheus.GaugeVec
}

// NewPrometheus registers the engine's collectors with reg (nil means the
// default registerer).
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Prometheus{
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genpipe",
			Name:      "tasks_enqueued_total",
			Help:      "Tasks accepted into the queue, by priority.",
		}, []string{"priority"}),
		done: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genpipe",
			Name:      "tasks_done_total",
			Help:      "Tasks reaching a terminal status.",
		}, []string{"status"}),
		depth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "genpipe",
			Name:      "queue_depth",
			Help:      "Tasks currently waiting in the priority queue.",
		}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genpipe",
			Name:      "step_retries_total",
			Help:      "Step executor retries, by dependency.",
		}, []string{"dep"}),
		breaker: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "genpipe",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
		}, []string{"dep"}),
	}
}

func (p *Prometheus) TaskEnqueued(priority string) { p.enqueued.WithLabelValues(priority).Inc() }
func (p *Prometheus) TaskDone(status string)       { p.done.WithLabelValues(status).Inc() }
func (p *Prometheus) QueueDepth(n int)             { p.depth.Set(float64(n)) }
func (p *Prometheus) RetryObserved(dep string)     { p.retries.WithLabelValues(dep).Inc() }

func (p *Prometheus) BreakerState(dep, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	p.breaker.WithLabelValues(dep).Set(v)
}

var _ Collector = (*Prometheus)(nil)
