package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wtm_upstream_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"region", "endpoint", "status"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wtm_upstream_request_duration_seconds",
			Help:    "Upstream API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"region", "endpoint"},
	)

	RemoteAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wtm_remote_attempts_total",
			Help: "Total number of remote call attempts by outcome",
		},
		[]string{"op", "outcome"},
	)

	ShardsFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wtm_shards_fetched_total",
			Help: "Total number of shard fetches by outcome",
		},
		[]string{"outcome"},
	)

	ShardsLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wtm_shards_loaded_total",
			Help: "Total number of shard loads by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	RowsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wtm_rows_applied_total",
			Help: "Total number of rows applied by the loader",
		},
		[]string{"table"},
	)

	LoadProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wtm_load_progress_shards",
			Help: "Shards processed and total for the current load",
		},
		[]string{"state"},
	)

	LeaseAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wtm_lease_attempts_total",
			Help: "Total number of lease operations by result",
		},
		[]string{"lock", "op", "result"},
	)

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wtm_aggregate_refresh_duration_seconds",
			Help:    "Aggregate view refresh duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"view", "status"},
	)

	IngestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wtm_ingest_runs_total",
			Help: "Total number of ingestion runs by status",
		},
		[]string{"status"},
	)

	IngestRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wtm_ingest_run_duration_seconds",
			Help:    "Ingestion run duration in seconds",
			Buckets: []float64{10, 30, 60, 300, 600, 1200, 1800, 3600},
		},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

// isEnabled is nil-safe so components may run without metrics
func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) RecordRequest(region, endpoint string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}

	status := strconv.Itoa(statusCode)
	UpstreamRequestsTotal.WithLabelValues(region, endpoint, status).Inc()
	UpstreamRequestDuration.WithLabelValues(region, endpoint).Observe(duration.Seconds())
}

// ObserveRemoteAttempt records one attempt made by a remote.Caller
func (m *Metrics) ObserveRemoteAttempt(op, outcome string) {
	if !m.isEnabled() {
		return
	}
	RemoteAttemptsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RecordShardFetched(outcome string) {
	if !m.isEnabled() {
		return
	}
	ShardsFetchedTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordShardLoaded(strategy string, err error, runs, members int) {
	if !m.isEnabled() {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	ShardsLoadedTotal.WithLabelValues(strategy, outcome).Inc()
	if err == nil {
		RowsAppliedTotal.WithLabelValues("run_group").Add(float64(runs))
		RowsAppliedTotal.WithLabelValues("run_group_member").Add(float64(members))
	}
}

func (m *Metrics) SetLoadProgress(processed, total int) {
	if !m.isEnabled() {
		return
	}
	LoadProgress.WithLabelValues("processed").Set(float64(processed))
	LoadProgress.WithLabelValues("total").Set(float64(total))
}

func (m *Metrics) RecordLease(lock, op, result string) {
	if !m.isEnabled() {
		return
	}
	LeaseAttemptsTotal.WithLabelValues(lock, op, result).Inc()
}

func (m *Metrics) ObserveRefresh(view string, duration time.Duration, err error) {
	if !m.isEnabled() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	RefreshDuration.WithLabelValues(view, status).Observe(duration.Seconds())
}

func (m *Metrics) RecordRun(status string, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	IngestRunsTotal.WithLabelValues(status).Inc()
	IngestRunDuration.Observe(duration.Seconds())
}
