// Package metrics exposes Prometheus instrumentation for move/copy requests
// and task dispatch.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

type Metrics struct {
	Requests        *prometheus.CounterVec   // storagegw_movecopy_requests_total{action,strategy,status}
	Duration        *prometheus.HistogramVec // storagegw_movecopy_duration_seconds{strategy}
	QuotaRejections prometheus.Counter       // storagegw_quota_rejections_total
	TasksDispatched *prometheus.CounterVec   // storagegw_tasks_dispatched_total{dispatcher}
	BytesCopied     prometheus.Counter       // storagegw_transfer_bytes_total
}

// Init registers the metrics once; later calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	once.Do(func() {
		instance = newMetrics(registry)
	})
	return instance
}

// Get returns the registered metrics, registering against the default
// registerer on first use.
func Get() *Metrics { return Init(nil) }

// New builds an unshared instance, for tests that use their own registry.
func New(registry prometheus.Registerer) *Metrics { return newMetrics(registry) }

func newMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storagegw_movecopy_requests_total",
			Help: "Move/copy requests by action, strategy and status",
		}, []string{"action", "strategy", "status"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storagegw_movecopy_duration_seconds",
			Help:    "Move/copy duration by execution strategy",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"strategy"}),
		QuotaRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "storagegw_quota_rejections_total",
			Help: "Transfers rejected by the quota guard",
		}),
		TasksDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storagegw_tasks_dispatched_total",
			Help: "Transfers handed to a dispatcher",
		}, []string{"dispatcher"}),
		BytesCopied: f.NewCounter(prometheus.CounterOpts{
			Name: "storagegw_transfer_bytes_total",
			Help: "Bytes streamed by cross-provider transfers",
		}),
	}
}

// ObserveRequest records one finished move/copy.
func (m *Metrics) ObserveRequest(action, strategy, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(action, strategy, status).Inc()
	if strategy != "" {
		m.Duration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	}
}
