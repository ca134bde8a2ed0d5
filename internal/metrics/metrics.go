package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters and histograms, partitioned by token where funds move.

var (
	// Trust registry
	AgentsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "trust",
		Name:      "agents_registered_total",
		Help:      "Total agents registered",
	})

	TransactionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "trust",
		Name:      "transactions_recorded_total",
		Help:      "Total settlement-oracle transaction reports",
	}, []string{"successful"})

	StakeSlashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "trust",
		Name:      "stake_slashes_total",
		Help:      "Total slash operations",
	}, []string{"reason"})

	ScoreComputations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "trust",
		Name:      "score_computations_total",
		Help:      "Total composite trust score computations (cache misses)",
	})

	ScoreCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "trust",
		Name:      "score_cache_hits_total",
		Help:      "Total trust score cache hits",
	})

	// Escrow
	EscrowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Total escrow state transitions",
	}, []string{"to_state"})

	EscrowRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "escrow",
		Name:      "rejections_total",
		Help:      "Total rejected escrow operations",
	}, []string{"kind"})

	// Streams
	StreamsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "stream",
		Name:      "created_total",
		Help:      "Total streams created",
	}, []string{"token"})

	StreamWithdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "stream",
		Name:      "withdrawals_total",
		Help:      "Total stream withdrawals",
	}, []string{"token"})

	StreamTopUps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "stream",
		Name:      "topups_total",
		Help:      "Total stream top-ups",
	}, []string{"token"})

	// Disputes
	DisputesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "dispute",
		Name:      "opened_total",
		Help:      "Total disputes opened",
	}, []string{"tier"})

	DisputesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "dispute",
		Name:      "resolved_total",
		Help:      "Total dispute rounds resolved",
	}, []string{"tier", "outcome"})

	DisputeVotesCast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "dispute",
		Name:      "votes_cast_total",
		Help:      "Total juror votes cast",
	}, []string{"tier"})

	DisputeAppeals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "dispute",
		Name:      "appeals_total",
		Help:      "Total dispute appeals",
	})

	OracleRulings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "dispute",
		Name:      "oracle_rulings_total",
		Help:      "Total advisory AI oracle rulings fetched",
	}, []string{"status"})

	OracleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "dispute",
		Name:      "oracle_ruling_duration_seconds",
		Help:      "Advisory oracle call duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Custody
	CustodyTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "custody",
		Name:      "transfers_total",
		Help:      "Total internal custody transfers",
	}, []string{"token"})

	CustodyReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "custody",
		Name:      "reconcile_runs_total",
		Help:      "Total custody reconciliation sweeps",
	})

	CustodyReconcileMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "custody",
		Name:      "reconcile_mismatches_total",
		Help:      "Total per-token custody mismatches detected",
	})

	// Events
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Total settlement events published",
	}, []string{"transport"})

	EventPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Total settlement event publish failures",
	}, []string{"transport"})

	// Alerts
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "type"})

	AlertsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "alert",
		Name:      "failed_total",
		Help:      "Total alert send failures",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown",
	}, []string{"channel", "type"})

	// Admin API
	AdminRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "admin",
		Name:      "requests_total",
		Help:      "Total admin API requests",
	}, []string{"endpoint", "status"})

	AdminRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "admin",
		Name:      "rate_limited_total",
		Help:      "Total admin API requests rejected by rate limiting",
	}, []string{"endpoint"})
)
