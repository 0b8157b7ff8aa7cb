// Package metrics exports ledgerdb's operational counters and gauges
// through Prometheus, using the real client library instead of a
// bespoke registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logpkg "github.com/jellyfish-labs/ledgerdb/log"
)

// Registry holds every metric the storage engine reports. A single
// instance is created at db.Open and threaded through the components
// that need to bump counters.
type Registry struct {
	reg *prometheus.Registry

	CommittedTxns   prometheus.Counter
	LatestVersion   prometheus.Gauge
	LedgerVersion   prometheus.Gauge
	NextBlockEpoch  prometheus.Gauge
	StateItemCount  prometheus.Gauge
	NewStateNodes   prometheus.Counter
	NewStateLeaves  prometheus.Counter
	StaleStateNodes prometheus.Counter
	StaleLeaves     prometheus.Counter
	PrunedNodes     prometheus.Counter
	PrunedValues    prometheus.Counter
	ReaderLatency   *prometheus.HistogramVec
	CommitLatency   prometheus.Histogram
}

// NewRegistry builds a fresh, unregistered-with-default Registry so
// multiple ledgerdb instances in one process (e.g. in tests) don't
// collide on the global Prometheus default registry.
func NewRegistry(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		CommittedTxns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "committed_txns_total",
			Help: "Total number of transactions committed by save_transactions.",
		}),
		LatestVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "latest_version",
			Help: "Highest version acknowledged by the commit pipeline.",
		}),
		LedgerVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ledger_version",
			Help: "Version carried by the latest signed ledger info.",
		}),
		NextBlockEpoch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "next_block_epoch",
			Help: "Epoch recorded in the latest signed ledger info.",
		}),
		StateItemCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "state_item_count",
			Help: "Leaf count of the JMT at the latest committed version.",
		}),
		NewStateNodes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "new_state_nodes_total",
			Help: "JMT nodes newly written across all commits.",
		}),
		NewStateLeaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "new_state_leaves_total",
			Help: "JMT leaves newly written across all commits.",
		}),
		StaleStateNodes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_state_nodes_total",
			Help: "JMT nodes marked stale across all commits.",
		}),
		StaleLeaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_state_leaves_total",
			Help: "JMT leaves marked stale across all commits.",
		}),
		PrunedNodes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pruned_nodes_total",
			Help: "Stale JMT nodes reclaimed by the pruner.",
		}),
		PrunedValues: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pruned_values_total",
			Help: "State values reclaimed by the pruner.",
		}),
		ReaderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "reader_call_seconds",
			Help:    "Latency of Reader interface calls, by method name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		CommitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "commit_seconds",
			Help:    "Latency of save_transactions end to end.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Gatherer exposes the underlying Prometheus registry for HTTP export.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveReader times a Reader call and records it under method.
func (r *Registry) ObserveReader(method string) func() {
	start := time.Now()
	return func() {
		r.ReaderLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// ServeBackground starts an HTTP server exposing /metrics and blocks
// until ctx is cancelled, at which point it shuts down gracefully. It
// is meant to run as the store's background metrics-export goroutine.
func ServeBackground(ctx context.Context, addr string, reg *Registry, logger *logpkg.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		if logger != nil {
			logger.Errorf("metrics server exited", logpkg.Fields{"err": err.Error()})
		}
	}
}
