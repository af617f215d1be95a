// Package metrics exposes the Prometheus collectors of the economy core.
// All collectors are global and label sets are fixed so cardinality stays bounded.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ClaimsTotal counts claim decisions by action kind and result
	// (granted, denied, duplicate, contention).
	ClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digger_claims_total",
		Help: "Cooldown claim decisions by action kind and result",
	}, []string{"kind", "result"})

	// ClaimRetries counts retries caused by first-write races.
	ClaimRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digger_claim_retries_total",
		Help: "Claim attempts retried after a duplicate key error",
	})

	// Releases counts claims released after a failed mutation.
	Releases = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digger_claim_releases_total",
		Help: "Claims released because the guarded mutation failed",
	})

	BalanceDelta = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digger_balance_delta",
		Help:    "Distribution of balance deltas applied by game actions",
		Buckets: []float64{-10, -5, -3, -1, 0, 1, 3, 5, 10, 20, 40},
	})

	PromoRedemptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digger_promo_redemptions_total",
		Help: "Promo redemption attempts by result",
	}, []string{"result"})

	PromoFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digger_promo_fallback_total",
		Help: "Promo redemptions served by the read-check-write path",
	})

	// AggregateJobs counts propagation jobs by outcome (applied, failed, dropped).
	AggregateJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digger_aggregate_jobs_total",
		Help: "Global aggregate propagation jobs by outcome",
	}, []string{"outcome"})

	AggregateQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "digger_aggregate_queue_depth",
		Help: "Propagation jobs waiting in the queue",
	})

	AggregateRebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digger_aggregate_rebuilds_total",
		Help: "Global aggregate rebuilds by result",
	}, []string{"result"})

	// JobRuns counts scheduled maintenance runs by job and result.
	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digger_job_runs_total",
		Help: "Scheduled maintenance job runs by job and result",
	}, []string{"job", "result"})

	MigrationVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "digger_migration_version",
		Help: "Schema version observed after the startup migration run",
	})

	KeyLocks = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "digger_keylock_entries",
		Help: "Per-key locks currently held or awaited",
	}, func() float64 { return float64(keyLockLen()) })
)

var keyLockLen = func() int { return 0 }

// TrackKeyLocks makes the keylock gauge report fn.
func TrackKeyLocks(fn func() int) {
	keyLockLen = fn
}

func init() {
	prometheus.MustRegister(
		ClaimsTotal, ClaimRetries, Releases, BalanceDelta,
		PromoRedemptions, PromoFallbacks,
		AggregateJobs, AggregateQueueDepth, AggregateRebuilds,
		JobRuns, MigrationVersion, KeyLocks,
	)
}
