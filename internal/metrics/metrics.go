package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// allocation
	SplitsCreated   prometheus.Counter
	SplitsUpdated   prometheus.Counter
	GapUnits        prometheus.Counter
	PlanLatencySec  prometheus.Histogram
	PlansByStrategy *prometheus.CounterVec

	// lifecycle
	Transitions        *prometheus.CounterVec
	TransitionFailures *prometheus.CounterVec
	CompensatedUnits   prometheus.Counter

	// stock aggregation and feed
	HybridUpserts     prometheus.Counter
	HybridFailures    prometheus.Counter
	FeedPages         prometheus.Counter
	FeedFailures      prometheus.Counter
	FeedSkipped       prometheus.Counter
	ChangelogAppended prometheus.Counter

	// side effects
	Notifications     *prometheus.CounterVec
	SideEffectRetries prometheus.Counter
	SideEffectDropped prometheus.Counter

	// recovery
	ReplayApplied      prometheus.Counter
	ReplaySkipped      prometheus.Counter
	TTRSec             prometheus.Gauge
	LastManifestAgeSec prometheus.Gauge
	ReplayLag          prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	m := &Registry{
		reg:           r,
		SplitsCreated: prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_splits_created_total"}),
		SplitsUpdated: prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_splits_updated_total"}),
		GapUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ofs_allocation_gap_units_total",
			Help: "Requested units left unallocated for manual handling.",
		}),
		PlanLatencySec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ofs_plan_latency_seconds",
			Buckets: prometheus.DefBuckets,
		}),
		PlansByStrategy: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ofs_plans_total"}, []string{"strategy"}),
		Transitions:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ofs_split_transitions_total"}, []string{"to"}),
		TransitionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofs_split_transition_failures_total",
		}, []string{"action", "reason"}),
		CompensatedUnits:  prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_compensated_units_total"}),
		HybridUpserts:     prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_hybrid_upserts_total"}),
		HybridFailures:    prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_hybrid_failures_total"}),
		FeedPages:         prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_feed_pages_total"}),
		FeedFailures:      prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_feed_failures_total"}),
		FeedSkipped:       prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_feed_skipped_records_total"}),
		ChangelogAppended: prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_changelog_appended_total"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ofs_notifications_total",
		}, []string{"channel", "outcome"}),
		SideEffectRetries:  prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_side_effect_retries_total"}),
		SideEffectDropped:  prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_side_effect_dropped_total"}),
		ReplayApplied:      prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_replay_applied_total"}),
		ReplaySkipped:      prometheus.NewCounter(prometheus.CounterOpts{Name: "ofs_replay_skipped_total"}),
		TTRSec:             prometheus.NewGauge(prometheus.GaugeOpts{Name: "ofs_recovery_ttr_seconds"}),
		LastManifestAgeSec: prometheus.NewGauge(prometheus.GaugeOpts{Name: "ofs_last_manifest_age_seconds"}),
		ReplayLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ofs_replay_lag_offsets",
			Help: "Changelog head offset minus the last offset a recovery cycle replayed.",
		}),
	}
	r.MustRegister(
		m.SplitsCreated, m.SplitsUpdated, m.GapUnits, m.PlanLatencySec, m.PlansByStrategy,
		m.Transitions, m.TransitionFailures, m.CompensatedUnits,
		m.HybridUpserts, m.HybridFailures, m.FeedPages, m.FeedFailures, m.FeedSkipped, m.ChangelogAppended,
		m.Notifications, m.SideEffectRetries, m.SideEffectDropped,
		m.ReplayApplied, m.ReplaySkipped, m.TTRSec, m.LastManifestAgeSec, m.ReplayLag,
	)
	return m
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
