// Package metrics exposes Prometheus counters for credential verification
// and reconciliation, served on a dedicated listener.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// CredentialChecks counts credential verification outcomes, labeled with
	// "accepted" or the rejection reason.
	CredentialChecks = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "registry_credential_checks_total",
		Help: "Credential verification calls by outcome.",
	}, []string{"result"})

	// ReconcileEntities counts per-entity reconciliation outcomes.
	ReconcileEntities = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "registry_reconcile_entities_total",
		Help: "Reconciled entities by action (created, updated, deleted, failed).",
	}, []string{"action"})

	// ReconcilePasses counts completed reconciliation passes.
	ReconcilePasses = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "registry_reconcile_passes_total",
		Help: "Completed reconciliation passes.",
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on listenAddr.
func New(listenAddr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:    listenAddr,
			Handler: mux,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
