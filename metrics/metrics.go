package metrics

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "root_relayer"

// RelayerStats holds the metrics of the relayer loops. The collectors exist
// whether or not metrics are enabled; Serve exposes them.
var RelayerStats = struct {
	// SyncStatusGauge reflects the persisted status: 0 unsynced, 1 pending,
	// 2 synced.
	SyncStatusGauge prometheus.Gauge
	// LastSyncedTimestampGauge is the unix time of the last synced transition.
	LastSyncedTimestampGauge prometheus.Gauge
	// ChecksCounter counts completed checker iterations.
	ChecksCounter prometheus.Counter
	// CheckErrorsCounter counts failed checker iterations.
	CheckErrorsCounter prometheus.Counter
	// PropagationsCounter counts submitted propagation transactions.
	PropagationsCounter prometheus.Counter
	// MinedCounter counts propagation transactions confirmed as mined.
	MinedCounter prometheus.Counter
	// RootsAddedCounter counts RootAdded events observed by the scanner.
	RootsAddedCounter prometheus.Counter
	// RootsPropagatedCounter counts RootPropagated events observed by the
	// scanner.
	RootsPropagatedCounter prometheus.Counter
}{
	SyncStatusGauge:          newGauge("sync_status", "persisted sync status (0 unsynced, 1 pending, 2 synced)"),
	LastSyncedTimestampGauge: newGauge("last_synced_timestamp", "unix time of the last transition to synced"),
	ChecksCounter:            newCounter("checks_total", "completed sync check iterations"),
	CheckErrorsCounter:       newCounter("check_errors_total", "failed sync check iterations"),
	PropagationsCounter:      newCounter("propagations_total", "submitted propagation transactions"),
	MinedCounter:             newCounter("propagations_mined_total", "propagation transactions confirmed as mined"),
	RootsAddedCounter:        newCounter("roots_added_total", "RootAdded events observed"),
	RootsPropagatedCounter:   newCounter("roots_propagated_total", "RootPropagated events observed"),
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	})
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	})
}

// NewRegistry builds a registry with all relayer collectors plus the
// standard process and Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		RelayerStats.SyncStatusGauge,
		RelayerStats.LastSyncedTimestampGauge,
		RelayerStats.ChecksCounter,
		RelayerStats.CheckErrorsCounter,
		RelayerStats.PropagationsCounter,
		RelayerStats.MinedCounter,
		RelayerStats.RootsAddedCounter,
		RelayerStats.RootsPropagatedCounter,
	)
	return r
}

// Serve starts a standalone metrics HTTP server exposing the registry on
// /metrics.
func Serve(r *prometheus.Registry, hostname string, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    net.JoinHostPort(hostname, strconv.Itoa(port)),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", "message", err)
		}
	}()
	log.Info("Metrics server started", "address", fmt.Sprintf("http://%s/metrics", srv.Addr))
	return srv
}
