package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the engine's Prometheus collectors. Each engine registers its
// own set so several engines can coexist in one process under different
// registries.
type metrics struct {
	pendingOperations prometheus.Gauge
	linkedCells       prometheus.Gauge
	online            prometheus.Gauge
	syncsTotal        *prometheus.CounterVec
	remoteOperations  *prometheus.CounterVec
	cacheFallbacks    prometheus.Counter
	drainDuration     prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &metrics{
		pendingOperations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cellsync_pending_operations",
			Help: "Local operations waiting for acknowledgment",
		}),
		linkedCells: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cellsync_linked_cells",
			Help: "Cells linked to a remote model reference",
		}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cellsync_online",
			Help: "1 while the live channel is open",
		}),
		syncsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cellsync_operation_syncs_total",
			Help: "Operation pushes by path and result",
		}, []string{"path", "result"}),
		remoteOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cellsync_remote_operations_total",
			Help: "Incoming remote cell operations by outcome",
		}, []string{"outcome"}),
		cacheFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "cellsync_cache_fallbacks_total",
			Help: "Reads answered from the cache after a network failure",
		}),
		drainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cellsync_drain_duration_seconds",
			Help:    "Duration of queue drains",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
	}
}

func (m *metrics) observeStatus(s SyncStatus) {
	m.pendingOperations.Set(float64(s.PendingOperations))
	m.linkedCells.Set(float64(s.LinkedCells))
	if s.IsOnline {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
