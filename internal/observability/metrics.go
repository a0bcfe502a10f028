// Package observability registers and exposes the prometheus metrics for
// the scheduling core, with registration gated by Enabled().
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

func Enabled() bool { return enabled.Load() }

var (
	capacityLookupsTotal    *prometheus.CounterVec
	capacityCacheHitsTotal  *prometheus.CounterVec
	capacityCacheAgeSeconds *prometheus.GaugeVec
	variantSelectionsTotal  *prometheus.CounterVec
	variantErrorsTotal      *prometheus.CounterVec
	regionCalcDuration      *prometheus.HistogramVec
	regionCalcErrorsTotal   *prometheus.CounterVec
	jobsStartedTotal        *prometheus.CounterVec
	jobsSkippedTotal        *prometheus.CounterVec
	jobsRaceLostTotal       *prometheus.CounterVec
	dlqPublishedTotal       *prometheus.CounterVec
	duplicateInsertsTotal   *prometheus.CounterVec
	tickDuration            prometheus.Histogram
	regionsByCell           *prometheus.GaugeVec
)

// Init registers all collectors with r. Calling Init(nil, false) disables
// metrics entirely (Enabled() returns false and all Observe*/Inc* calls are
// no-ops).
func Init(r prometheus.Registerer, isEnabled bool) {
	enabled.Store(isEnabled)
	if !isEnabled || r == nil {
		return
	}

	capacityLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_capacity_lookups_total",
		Help: "Capacity estimator lookups by endpoint kind and outcome.",
	}, []string{"kind", "outcome"})

	capacityCacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_capacity_cache_total",
		Help: "Capacity cache accesses by result (hit, miss, stale_fallback).",
	}, []string{"result"})

	capacityCacheAgeSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_capacity_cache_age_seconds",
		Help: "Age of the cached capacity value currently being served, per endpoint.",
	}, []string{"endpoint_id"})

	variantSelectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_variant_selections_total",
		Help: "Variant selections by endpoint and chosen variant.",
	}, []string{"endpoint_id", "variant"})

	variantErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_variant_selection_errors_total",
		Help: "Variant selection failures by endpoint.",
	}, []string{"endpoint_id"})

	regionCalcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_region_calc_duration_seconds",
		Help:    "RegionCalculator wall time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	regionCalcErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_image_access_errors_total",
		Help: "Image header reads that failed.",
	}, []string{"reason"})

	jobsStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_jobs_started_total",
		Help: "Jobs for which start_next_attempt returned true.",
	}, []string{"endpoint_id", "variant"})

	jobsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_jobs_skipped_total",
		Help: "Partitions skipped during a tick, by reason.",
	}, []string{"reason"})

	jobsRaceLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_start_attempt_race_losses_total",
		Help: "start_next_attempt calls that returned false because another scheduler won.",
	}, []string{"endpoint_id"})

	dlqPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_dlq_published_total",
		Help: "Messages routed to the dead-letter queue, by reason.",
	}, []string{"reason"})

	duplicateInsertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_duplicate_inserts_total",
		Help: "Inserts rejected as duplicates and treated as idempotent success.",
	}, []string{"endpoint_id"})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_tick_duration_seconds",
		Help:    "EndpointLoadScheduler tick wall time.",
		Buckets: prometheus.DefBuckets,
	})

	regionsByCell = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_regions_by_locality_cell",
		Help: "Region count per coarse H3 locality cell from the most recent region calculation that included the cell.",
	}, []string{"cell"})

	r.MustRegister(
		capacityLookupsTotal, capacityCacheHitsTotal, capacityCacheAgeSeconds,
		variantSelectionsTotal, variantErrorsTotal,
		regionCalcDuration, regionCalcErrorsTotal,
		jobsStartedTotal, jobsSkippedTotal, jobsRaceLostTotal,
		dlqPublishedTotal, duplicateInsertsTotal, tickDuration, regionsByCell,
	)
}

func ObserveCapacityLookup(kind, outcome string) {
	if !Enabled() {
		return
	}
	capacityLookupsTotal.WithLabelValues(kind, outcome).Inc()
}

func ObserveCapacityCache(result string) {
	if !Enabled() {
		return
	}
	capacityCacheHitsTotal.WithLabelValues(result).Inc()
}

func SetCapacityCacheAge(endpointID string, age time.Duration) {
	if !Enabled() {
		return
	}
	capacityCacheAgeSeconds.WithLabelValues(endpointID).Set(age.Seconds())
}

func ObserveVariantSelection(endpointID, variant string) {
	if !Enabled() {
		return
	}
	variantSelectionsTotal.WithLabelValues(endpointID, variant).Inc()
}

func ObserveVariantError(endpointID string) {
	if !Enabled() {
		return
	}
	variantErrorsTotal.WithLabelValues(endpointID).Inc()
}

func ObserveRegionCalc(outcome string, dur time.Duration) {
	if !Enabled() {
		return
	}
	regionCalcDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}

func IncImageAccessError(reason string) {
	if !Enabled() {
		return
	}
	regionCalcErrorsTotal.WithLabelValues(reason).Inc()
}

func IncJobStarted(endpointID, variant string) {
	if !Enabled() {
		return
	}
	jobsStartedTotal.WithLabelValues(endpointID, variant).Inc()
}

func IncJobSkipped(reason string) {
	if !Enabled() {
		return
	}
	jobsSkippedTotal.WithLabelValues(reason).Inc()
}

func IncRaceLost(endpointID string) {
	if !Enabled() {
		return
	}
	jobsRaceLostTotal.WithLabelValues(endpointID).Inc()
}

func IncDLQPublished(reason string) {
	if !Enabled() {
		return
	}
	dlqPublishedTotal.WithLabelValues(reason).Inc()
}

func IncDuplicateInsert(endpointID string) {
	if !Enabled() {
		return
	}
	duplicateInsertsTotal.WithLabelValues(endpointID).Inc()
}

func ObserveTick(dur time.Duration) {
	if !Enabled() {
		return
	}
	tickDuration.Observe(dur.Seconds())
}

func SetRegionsByCell(cell string, count int) {
	if !Enabled() {
		return
	}
	regionsByCell.WithLabelValues(cell).Set(float64(count))
}
