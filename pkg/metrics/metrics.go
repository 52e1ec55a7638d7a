package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconcile metrics
	ReconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_reconciles_total",
			Help: "Total number of reconcile cycles by event kind and outcome",
		},
		[]string{"event", "outcome"},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steward_reconcile_duration_seconds",
			Help:    "Reconcile cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	// Fleet metrics
	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_nodes_total",
			Help: "Number of nodes visible in the fleet",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_is_leader",
			Help: "Whether this node is the fleet leader (1 = leader, 0 = follower)",
		},
	)

	// Credential metrics
	PrincipalsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_principals_total",
			Help: "Number of principals in the authorization state",
		},
	)

	CredentialRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_credential_rotations_total",
			Help: "Total number of internal credential rotations",
		},
	)

	// Certificate metrics
	CertificateRenewalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_certificate_renewals_total",
			Help: "Total number of certificate renewal requests",
		},
	)

	CertificateRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_certificate_rejections_total",
			Help: "Total number of issued certificates rejected for CSR mismatch",
		},
	)

	// Restart metrics
	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_restarts_total",
			Help: "Total number of service restarts by outcome",
		},
		[]string{"outcome"},
	)

	// Dependency metrics
	BrokerProbeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_broker_probe_failures_total",
			Help: "Total number of failed broker connectivity probes",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ReconcilesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(PrincipalsTotal)
	prometheus.MustRegister(CredentialRotationsTotal)
	prometheus.MustRegister(CertificateRenewalsTotal)
	prometheus.MustRegister(CertificateRejectionsTotal)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(BrokerProbeFailures)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
