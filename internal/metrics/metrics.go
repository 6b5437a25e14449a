package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PreviewsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_previews",
		Help: "Number of preview records by lifecycle status.",
	}, []string{"status"})
	CreatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_creates_total",
		Help: "Total number of preview create operations by outcome.",
	}, []string{"outcome"})
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_updates_total",
		Help: "Total number of preview update operations by outcome.",
	}, []string{"outcome"})
	DestroysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_destroys_total",
		Help: "Total number of preview destroy operations by outcome.",
	}, []string{"outcome"})
	ReconcilerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_reconciler_ticks_total",
		Help: "Total number of reconciler ticks executed.",
	})
	ReconcilerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_reconciler_tick_duration_seconds",
		Help:    "Duration of reconciler ticks.",
		Buckets: prometheus.DefBuckets,
	})
	IdleEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_idle_evictions_total",
		Help: "Total number of previews destroyed for idleness.",
	})
	OrphanRemovals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_orphan_removals_total",
		Help: "Total number of orphaned containers force-removed.",
	})
	ProvisionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_provision_operations_total",
		Help: "Total number of database provisioning operations by engine and kind.",
	}, []string{"engine", "kind"})
	PullDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_image_pull_duration_seconds",
		Help:    "Duration of image pulls.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	PruneRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_prune_runs_total",
		Help: "Total number of runtime prune runs.",
	})
)
