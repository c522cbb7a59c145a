// Package metrics holds the daemon's Prometheus collectors. They are
// registered on Registry rather than the global default registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is served by the health endpoint.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// Messages counts lifecycle transitions by stage: scheduled, promoted,
	// sent, failed.
	Messages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailer",
		Name:      "messages_total",
		Help:      "Messages entering each lifecycle stage.",
	}, []string{"stage"})

	// Recipients counts per-recipient outcomes.
	Recipients = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailer",
		Name:      "recipient_results_total",
		Help:      "Per-recipient delivery results.",
	}, []string{"state"})

	// Retries counts transient delivery retries.
	Retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailer",
		Name:      "delivery_retries_total",
		Help:      "Transient delivery failures retried within an attempt.",
	}, []string{"transport"})

	// Cycles counts daemon cycles by result: ok, error.
	Cycles = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailer",
		Name:      "cycles_total",
		Help:      "Completed daemon cycles.",
	}, []string{"result"})

	// SchedulingErrors counts skipped obligations.
	SchedulingErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailer",
		Name:      "scheduling_errors_total",
		Help:      "Obligations skipped because of missing data.",
	}, []string{"class"})

	queueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mailer",
		Name:      "queue_depth",
		Help:      "Non-terminal messages by lifecycle location.",
	}, []string{"location"})

	CycleDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mailer",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one daemon cycle, excluding sleep.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// SetQueueDepth records the number of messages in a location.
func SetQueueDepth(location string, n int) {
	queueDepth.WithLabelValues(location).Set(float64(n))
}

// QueueDepth returns the gauge for location.
func QueueDepth(location string) prometheus.Gauge {
	return queueDepth.WithLabelValues(location)
}

// ResetForTests clears every vector; intended for use in tests only.
func ResetForTests() {
	Messages.Reset()
	Recipients.Reset()
	Retries.Reset()
	Cycles.Reset()
	SchedulingErrors.Reset()
	queueDepth.Reset()
}
