// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klingon-exchange/klingwatch/pkg/logging"
)

// Collectors are package-level and registered on the default registry; every
// component records through them directly.
var (
	IndexHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klingwatch_index_height",
		Help: "Best indexed block height",
	})

	BlocksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "klingwatch_blocks_indexed_total",
		Help: "Blocks ingested into the index",
	})

	RowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "klingwatch_index_rows_written_total",
		Help: "Index rows written to the store",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klingwatch_active_subscriptions",
		Help: "Script hash subscriptions currently tracked",
	})

	StatusSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "klingwatch_status_sync_duration_seconds",
		Help:    "Duration of per-subscription status syncs",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	MempoolTxs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klingwatch_mempool_txs",
		Help: "Transactions currently tracked in the mempool view",
	})
)

// Serve starts the monitoring HTTP endpoint on addr, mounting /metrics plus
// any extra handlers (the WebSocket event hub lives here too). It never
// returns unless the listener fails.
func Serve(addr string, extra map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	for pattern, handler := range extra {
		mux.Handle(pattern, handler)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logging.GetDefault().Component("metrics").Info("serving metrics", "addr", addr)
	return server.ListenAndServe()
}
