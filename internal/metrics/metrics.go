// Package metrics exposes prometheus instrumentation for the cache and
// scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlay_cache_hits_total",
		Help: "Cache hits by namespace.",
	}, []string{"namespace"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlay_cache_misses_total",
		Help: "Cache misses by namespace.",
	}, []string{"namespace"})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlay_cache_evictions_total",
		Help: "Cache evictions by namespace.",
	}, []string{"namespace"})

	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parlay_scheduler_queue_depth",
		Help: "Executions waiting for a worker.",
	})

	SchedulerExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlay_scheduler_executions_total",
		Help: "Terminal task executions by task and status.",
	}, []string{"task", "status"})

	SnapshotsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlay_odds_snapshots_recorded_total",
		Help: "Odds snapshots stored by sport.",
	}, []string{"sport"})

	SteamMovesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlay_steam_moves_detected_total",
		Help: "Steam moves flagged by sport.",
	}, []string{"sport"})

	MonteCarloDraws = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parlay_monte_carlo_draws_total",
		Help: "Monte Carlo draws executed.",
	})

	OptimizationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parlay_optimization_runs_total",
		Help: "Optimization runs by terminal status.",
	}, []string{"status"})
)
