// Package metrics provides Prometheus instrumentation for the
// maintenance daemon.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Maintenance cycle metrics
	MaintenanceRunsTotal   *prometheus.CounterVec
	MaintenanceRunDuration *prometheus.HistogramVec

	// Compaction metrics
	CompactFilesIn       *prometheus.CounterVec
	CompactFilesOut      *prometheus.CounterVec
	CompactBytesIn       *prometheus.CounterVec
	CompactGroupsSkipped *prometheus.CounterVec

	// Vacuum metrics
	VacuumFilesDeleted     *prometheus.CounterVec
	VacuumBytesReclaimed   *prometheus.CounterVec
	VacuumSafetyViolations *prometheus.CounterVec

	// Table state metrics
	TableVersion *prometheus.GaugeVec
}

var (
	metrics  *Metrics
	initOnce sync.Once
)

// Init registers all metrics with the default registry. Subsequent
// calls are no-ops, so tests and restarting components cannot
// double-register.
func Init() {
	initOnce.Do(func() {
		metrics = &Metrics{
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tidelake_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "endpoint", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tidelake_http_request_duration_seconds",
					Help:    "HTTP request latency in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "endpoint"},
			),

			MaintenanceRunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tidelake_maintenance_runs_total",
					Help: "Total number of per-table maintenance runs",
				},
				[]string{"table", "operation", "status"},
			),
			MaintenanceRunDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tidelake_maintenance_run_duration_seconds",
					Help:    "Per-table maintenance run duration in seconds",
					Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
				},
				[]string{"table", "operation"},
			),

			CompactFilesIn: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tidelake_compact_files_in_total",
					Help: "Total number of fragmented files rewritten by compaction",
				},
				[]string{"table"},
			),
			CompactFilesOut: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tidelake_compact_files_out_total",
					Help: "Total number of files written by compaction",
				},
				[]string{"table"},
			),
			CompactBytesIn: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tidelake_compact_bytes_in_total",
					Help: "Total bytes read and rewritten by compaction",
				},
				[]string{"table"},
			),
			CompactGroupsSkipped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tidelake_compact_groups_skipped_total",
					Help: "Total partition groups abandoned to concurrent commits",
				},
				[]string{"table"},
			),

			VacuumFilesDeleted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tidelake_vacuum_files_deleted_total",
					Help: "Total files physically deleted by vacuum, orphans included",
				},
				[]string{"table"},
			),
			VacuumBytesReclaimed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tidelake_vacuum_bytes_reclaimed_total",
					Help: "Total bytes reclaimed by vacuum",
				},
				[]string{"table"},
			),
			VacuumSafetyViolations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tidelake_vacuum_safety_violations_total",
					Help: "Total vacuum runs aborted by log safety violations",
				},
				[]string{"table"},
			),

			TableVersion: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "tidelake_table_version",
					Help: "Latest committed version observed per table",
				},
				[]string{"table"},
			),
		}
	})
}

// Get returns the initialized metrics, or nil before Init.
func Get() *Metrics {
	return metrics
}

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordMaintenance records the outcome of one per-table maintenance
// operation. Operation is "optimize" or "vacuum"; status is "success"
// or "error".
func RecordMaintenance(table, operation, status string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.MaintenanceRunsTotal.WithLabelValues(table, operation, status).Inc()
	metrics.MaintenanceRunDuration.WithLabelValues(table, operation).Observe(duration.Seconds())
}

// RecordCompaction records the volume rewritten by one optimize run.
func RecordCompaction(table string, filesIn, filesOut int, bytesIn int64, groupsSkipped int) {
	if metrics == nil {
		return
	}
	metrics.CompactFilesIn.WithLabelValues(table).Add(float64(filesIn))
	metrics.CompactFilesOut.WithLabelValues(table).Add(float64(filesOut))
	metrics.CompactBytesIn.WithLabelValues(table).Add(float64(bytesIn))
	if groupsSkipped > 0 {
		metrics.CompactGroupsSkipped.WithLabelValues(table).Add(float64(groupsSkipped))
	}
}

// RecordVacuum records the volume reclaimed by one vacuum run.
func RecordVacuum(table string, filesDeleted int, bytesReclaimed int64, violations int) {
	if metrics == nil {
		return
	}
	metrics.VacuumFilesDeleted.WithLabelValues(table).Add(float64(filesDeleted))
	metrics.VacuumBytesReclaimed.WithLabelValues(table).Add(float64(bytesReclaimed))
	if violations > 0 {
		metrics.VacuumSafetyViolations.WithLabelValues(table).Inc()
	}
}

// SetTableVersion publishes the latest observed version of a table.
func SetTableVersion(table string, version uint64) {
	if metrics == nil {
		return
	}
	metrics.TableVersion.WithLabelValues(table).Set(float64(version))
}
