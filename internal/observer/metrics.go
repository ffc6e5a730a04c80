package observer

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	syncLabels       = []string{"organization_id"}
	syncStatusLabels = []string{"organization_id", "status"}
	recordLabels     = []string{"organization_id", "action"}
	apiLabels        = []string{"endpoint", "status_class"}

	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vapi_sync_runs_total",
			Help: "Total number of sync runs, labeled by outcome (success, failed, already_running).",
		},
		syncStatusLabels,
	)
	SyncDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vapi_sync_duration_seconds",
			Help:    "Histogram of sync run durations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		},
		syncLabels,
	)
	SyncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vapi_sync_records_total",
			Help: "Total number of call records reconciled, labeled by action (new, updated, skipped, failed, deleted).",
		},
		recordLabels,
	)
	AudioDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vapi_audio_downloads_total",
			Help: "Total number of recording archive attempts, labeled by result.",
		},
		[]string{"result"},
	)
	AudioBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vapi_audio_bytes_total",
		Help: "Total number of recording bytes archived.",
	})

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vapi_api_requests_total",
			Help: "Total number of requests sent to the remote call API.",
		},
		apiLabels,
	)
	APIRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vapi_api_request_duration_seconds",
			Help:    "Histogram of remote call API request durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"endpoint"},
	)
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vapi_bulk_delete_breaker_transitions_total",
			Help: "Total number of bulk delete circuit breaker state changes.",
		},
		[]string{"from", "to"},
	)

	ScheduledOrganizations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vapi_scheduled_organizations",
		Help: "Current number of organizations with an active recurring sync.",
	})
	SchedulerQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vapi_scheduler_queue_length",
		Help: "Approximate number of sync tasks waiting in the worker pool.",
	})
	SchedulerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vapi_scheduler_tasks_total",
			Help: "Total number of sync tasks handled by the scheduler, labeled by trigger and result.",
		},
		[]string{"trigger", "result"},
	)
	LeaseContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vapi_sync_lease_contention_total",
			Help: "Total number of sync attempts rejected because the lease was held.",
		},
		syncLabels,
	)
	RetentionPurgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vapi_retention_purged_records_total",
			Help: "Total number of call records removed by retention cleanup.",
		},
		syncLabels,
	)
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vapi_sync_events_published_total",
			Help: "Total number of sync events published, labeled by type and status.",
		},
		[]string{"type", "status"},
	)
)

// Labels for database operations
var (
	dbOperationLabels = []string{"operation", "entity", "organization_id", "status"}

	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vapi_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		dbOperationLabels,
	)
)

// InitMetrics toggles metric collection. promauto registers collectors at
// package init, so disabling only stops the helpers from recording.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// Enabled reports whether metric helpers record values.
func Enabled() bool {
	return metricsEnabled
}

// sanitizeTenant ensures the tenant label is valid or returns a default value.
func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

// IncSyncRun counts a finished sync run by outcome.
func IncSyncRun(organizationID, status string) {
	if !metricsEnabled {
		return
	}
	SyncRunsTotal.WithLabelValues(sanitizeTenant(organizationID), status).Inc()
}

// ObserveSyncDuration records the wall time of one sync run.
func ObserveSyncDuration(organizationID string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	SyncDurationSeconds.WithLabelValues(sanitizeTenant(organizationID)).Observe(duration.Seconds())
}

// AddSyncRecords adds n records reconciled with the given action.
func AddSyncRecords(organizationID, action string, n int) {
	if !metricsEnabled || n <= 0 {
		return
	}
	SyncRecordsTotal.WithLabelValues(sanitizeTenant(organizationID), action).Add(float64(n))
}

// IncAudioDownload counts a recording archive attempt.
func IncAudioDownload(result string, bytes int64) {
	if !metricsEnabled {
		return
	}
	AudioDownloadsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		AudioBytesTotal.Add(float64(bytes))
	}
}

// ObserveAPIRequest records a remote API request by endpoint and status code.
func ObserveAPIRequest(endpoint string, statusCode int, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	APIRequestsTotal.WithLabelValues(endpoint, statusClass(statusCode)).Inc()
	APIRequestDurationSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// IncBreakerTransition counts a circuit breaker state change.
func IncBreakerTransition(from, to string) {
	if !metricsEnabled {
		return
	}
	BreakerTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetScheduledOrganizations sets the number of active recurring schedules.
func SetScheduledOrganizations(n int) {
	if !metricsEnabled {
		return
	}
	ScheduledOrganizations.Set(float64(n))
}

// SetSchedulerQueueLength sets the worker pool backlog.
func SetSchedulerQueueLength(n int) {
	if !metricsEnabled {
		return
	}
	SchedulerQueueLength.Set(float64(n))
}

// IncSchedulerTask counts a scheduler task by trigger and result.
func IncSchedulerTask(trigger, result string) {
	if !metricsEnabled {
		return
	}
	SchedulerTasksTotal.WithLabelValues(trigger, result).Inc()
}

// IncLeaseContention counts a sync rejected by a held lease.
func IncLeaseContention(organizationID string) {
	if !metricsEnabled {
		return
	}
	LeaseContentionTotal.WithLabelValues(sanitizeTenant(organizationID)).Inc()
}

// AddRetentionPurged adds records removed by retention cleanup.
func AddRetentionPurged(organizationID string, n int64) {
	if !metricsEnabled || n <= 0 {
		return
	}
	RetentionPurgedTotal.WithLabelValues(sanitizeTenant(organizationID)).Add(float64(n))
}

// IncEventPublished counts a sync event publish attempt.
func IncEventPublished(eventType string, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, organizationID string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(organizationID), status).Observe(duration.Seconds())
}

// SanitizeErrorType maps specific errors or provides a default category.
// Keep this simple to avoid high cardinality.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}

	switch {
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "SQL"), strings.Contains(errStr, "duplicate key"), strings.Contains(errStr, "constraint"), strings.Contains(errStr, "connection refused"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"):
		return "validation"
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "Vapi API"), strings.Contains(errStr, "remote api"):
		return "upstream"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
