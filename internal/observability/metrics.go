package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Consolidation outcomes reported on identity_consolidations_total.
const (
	OutcomeCreatedPrimary   = "created_primary"
	OutcomeCreatedSecondary = "created_secondary"
	OutcomeMerged           = "merged"
	OutcomeMatched          = "matched"
)

var (
	// consolidations counts successful identify calls by what they changed.
	consolidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_consolidations_total",
			Help: "Completed consolidations by outcome.",
		},
		[]string{"outcome"},
	)

	// relinked counts contacts rewritten to point at a new primary.
	relinked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "identity_contacts_relinked_total",
			Help: "Contacts rewritten as secondaries of an older primary.",
		},
	)

	// txRetries counts consolidation transactions re-run after a conflict.
	txRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "identity_tx_retries_total",
			Help: "Consolidation transactions retried after a write conflict.",
		},
	)

	// clusterSize observes the member count of the cluster each call returns.
	clusterSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "identity_cluster_size",
			Help:    "Number of contacts in the cluster returned by a consolidation.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50, 100},
		},
	)
)

func init() {
	prometheus.MustRegister(consolidations, relinked, txRetries, clusterSize)
}

// RecordConsolidation counts one consolidation with the given outcome.
func RecordConsolidation(outcome string) { consolidations.WithLabelValues(outcome).Inc() }

// RecordRelinked adds n rewritten contacts.
func RecordRelinked(n int) {
	if n > 0 {
		relinked.Add(float64(n))
	}
}

// RecordTxRetry counts one retried transaction.
func RecordTxRetry() { txRetries.Inc() }

// RecordClusterSize observes the size of a returned cluster.
func RecordClusterSize(n int) { clusterSize.Observe(float64(n)) }
