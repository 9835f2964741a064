package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	QueuedCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "inbox_queued_total", Help: "Messages accepted into the queue"}, []string{"priority"})
	DedupCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "inbox_dedup_rejected_total", Help: "Persists rejected by the dedup gate"})
	AutoAckedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "inbox_auto_acked_total", Help: "Stale messages discarded by the scheduler or recovery"})
	PromotedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "inbox_promoted_total", Help: "Selections delivered at an aged-up effective priority"})
	CoalescedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "inbox_coalesced_total", Help: "Probe messages suppressed into a representative"})
	TrimmedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "inbox_trimmed_total", Help: "Entries deleted by the retention trimmer"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "inbox_rate_limit_rejects_total", Help: "Inbound requests rejected by the per-source flood guard"})
	DepthGauge       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "inbox_depth", Help: "Live index entries per priority tier"}, []string{"priority"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "inbox_inflight", Help: "Messages delivered but not yet acknowledged"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			QueuedCounter,
			DedupCounter,
			AutoAckedCounter,
			PromotedCounter,
			CoalescedCounter,
			TrimmedCounter,
			RateLimitRejects,
			DepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}

// Metrics is a Notifier that mirrors scheduling events into the Prometheus
// collectors above.
type Metrics struct{}

func (Metrics) Notify(event string, fields Fields) {
	switch event {
	case EventQueued:
		label, _ := fields["priority_label"].(string)
		if label == "" {
			label = "P?"
		}
		QueuedCounter.WithLabelValues(label).Inc()
	case EventAutoAcked:
		AutoAckedCounter.Inc()
	case EventPromoted:
		PromotedCounter.Inc()
	case EventCoalesced:
		CoalescedCounter.Inc()
	}
}
