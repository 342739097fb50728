package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Withdrawal pipeline
	// ============================================
	DepositsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zkpulse_deposits_generated_total",
		Help: "Total number of deposit notes generated",
	})

	WithdrawalsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zkpulse_withdrawals_total",
			Help: "Total withdrawal requests by outcome",
		},
		[]string{"outcome"},
	)

	ProofDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zkpulse_proof_generation_duration_seconds",
		Help:    "Proof generation duration in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// ============================================
	// Event cache
	// ============================================
	CacheRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zkpulse_event_cache_refreshes_total",
			Help: "Event cache refreshes by pool",
		},
		[]string{"pool"},
	)

	CachedLeaves = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zkpulse_event_cache_leaves",
			Help: "Number of cached deposit leaves per pool",
		},
		[]string{"pool"},
	)

	// ============================================
	// Relayer job engine
	// ============================================
	RelayerJobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zkpulse_relayer_jobs_submitted_total",
		Help: "Total withdrawal jobs accepted by the relayer",
	})

	RelayerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zkpulse_relayer_jobs_finished_total",
			Help: "Total relayer jobs by terminal status",
		},
		[]string{"status"},
	)

	RelayerJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zkpulse_relayer_job_duration_seconds",
		Help:    "Time from job acceptance to confirmation",
		Buckets: prometheus.DefBuckets,
	})
)
