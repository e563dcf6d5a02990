package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the literature monitoring service.
// Metrics are grouped by executions, pipeline stages, the scheduler, the status
// broker, literature sources and LLM calls.
// Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	// ExecutionsStarted counts executions moved to running, labeled by run type.
	ExecutionsStarted *prometheus.CounterVec

	// ExecutionsCompleted counts executions that completed, labeled by run type.
	ExecutionsCompleted *prometheus.CounterVec

	// ExecutionsFailed counts executions that failed, labeled by run type.
	ExecutionsFailed *prometheus.CounterVec

	// ExecutionsCancelled counts executions cancelled by a client.
	ExecutionsCancelled prometheus.Counter

	// ExecutionDuration observes end-to-end execution duration in seconds.
	ExecutionDuration *prometheus.HistogramVec

	// StageDuration observes pipeline stage duration in seconds, labeled by stage.
	StageDuration *prometheus.HistogramVec

	// CandidatesStaged counts staged candidates, labeled by retrieval source.
	CandidatesStaged *prometheus.CounterVec

	// CandidatesDuplicate counts candidates flagged as duplicates, labeled by reason.
	CandidatesDuplicate *prometheus.CounterVec

	// CandidatesFiltered counts semantic filter outcomes (passed, rejected, error, bypassed).
	CandidatesFiltered *prometheus.CounterVec

	// CandidatesCategorized counts categorization outcomes (assigned, none, error).
	CandidatesCategorized *prometheus.CounterVec

	// SchedulerIterations counts scheduler loop iterations, labeled by result.
	SchedulerIterations *prometheus.CounterVec

	// SchedulerConsecutiveErrors tracks the current run of failed iterations.
	SchedulerConsecutiveErrors prometheus.Gauge

	// ActiveJobs tracks in-flight jobs in the worker state.
	ActiveJobs prometheus.Gauge

	// JobsDeferred counts ready jobs left for a later pass because the cap was reached.
	JobsDeferred prometheus.Counter

	// BrokerSubscribers tracks live status subscriptions.
	BrokerSubscribers prometheus.Gauge

	// BrokerEventsDropped counts events dropped from slow subscriber queues.
	BrokerEventsDropped prometheus.Counter

	// SourceRequestsTotal counts literature source searches, labeled by source.
	SourceRequestsTotal *prometheus.CounterVec

	// SourceRequestsFailed counts failed literature source searches, labeled by source.
	SourceRequestsFailed *prometheus.CounterVec

	// SourceRequestDuration observes literature source search duration in seconds.
	SourceRequestDuration *prometheus.HistogramVec

	// LLMRequestsTotal counts LLM evaluations, labeled by operation and model.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMRequestsFailed counts failed LLM evaluations, labeled by operation and model.
	LLMRequestsFailed *prometheus.CounterVec

	// LLMRequestDuration observes LLM evaluation duration in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// NotificationsSent counts notification attempts, labeled by outcome and result.
	NotificationsSent *prometheus.CounterVec

	// StreamEventsHandled counts stream change events, labeled by change type and result.
	StreamEventsHandled *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ExecutionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Total number of executions started",
		}, []string{"run_type"}),
		ExecutionsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_completed_total",
			Help:      "Total number of executions completed successfully",
		}, []string{"run_type"}),
		ExecutionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_failed_total",
			Help:      "Total number of executions that failed",
		}, []string{"run_type"}),
		ExecutionsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_cancelled_total",
			Help:      "Total number of executions cancelled by a client",
		}),
		ExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Duration of executions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"run_type", "status"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage"}),

		CandidatesStaged: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_staged_total",
			Help:      "Total number of candidates staged by retrieval",
		}, []string{"source"}),
		CandidatesDuplicate: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_duplicate_total",
			Help:      "Total number of candidates flagged as duplicates",
		}, []string{"reason"}),
		CandidatesFiltered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_filtered_total",
			Help:      "Semantic filter outcomes",
		}, []string{"outcome"}),
		CandidatesCategorized: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_categorized_total",
			Help:      "Categorization outcomes",
		}, []string{"outcome"}),

		SchedulerIterations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_iterations_total",
			Help:      "Scheduler loop iterations by result",
		}, []string{"result"}),
		SchedulerConsecutiveErrors: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_consecutive_errors",
			Help:      "Number of consecutive failed scheduler iterations",
		}),
		ActiveJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_active_jobs",
			Help:      "Number of in-flight jobs",
		}),
		JobsDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_jobs_deferred_total",
			Help:      "Ready jobs deferred because the concurrency cap was reached",
		}),

		BrokerSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_subscribers",
			Help:      "Number of live status subscriptions",
		}),
		BrokerEventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_events_dropped_total",
			Help:      "Status events dropped from slow subscriber queues",
		}),

		SourceRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Total number of literature source searches",
		}, []string{"source"}),
		SourceRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_failed_total",
			Help:      "Total number of failed literature source searches",
		}, []string{"source"}),
		SourceRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_request_duration_seconds",
			Help:      "Duration of literature source searches in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		LLMRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM evaluations",
		}, []string{"operation", "model"}),
		LLMRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_failed_total",
			Help:      "Total number of failed LLM evaluations",
		}, []string{"operation", "model"}),
		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM evaluations in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"operation", "model"}),

		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by outcome and result",
		}, []string{"outcome", "result"}),

		StreamEventsHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream change events consumed by change type and result",
		}, []string{"change_type", "result"}),
	}
}

// RecordExecutionStarted records that an execution moved to running.
func (m *Metrics) RecordExecutionStarted(runType string) {
	if m == nil {
		return
	}
	m.ExecutionsStarted.WithLabelValues(runType).Inc()
}

// RecordExecutionCompleted records a completed execution.
func (m *Metrics) RecordExecutionCompleted(runType string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ExecutionsCompleted.WithLabelValues(runType).Inc()
	m.ExecutionDuration.WithLabelValues(runType, "completed").Observe(durationSeconds)
}

// RecordExecutionFailed records a failed execution.
func (m *Metrics) RecordExecutionFailed(runType string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ExecutionsFailed.WithLabelValues(runType).Inc()
	m.ExecutionDuration.WithLabelValues(runType, "failed").Observe(durationSeconds)
}

// RecordExecutionCancelled records a client cancellation.
func (m *Metrics) RecordExecutionCancelled() {
	if m == nil {
		return
	}
	m.ExecutionsCancelled.Inc()
}

// RecordStage records the duration of a pipeline stage.
func (m *Metrics) RecordStage(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordCandidatesStaged records staged candidates from a source.
func (m *Metrics) RecordCandidatesStaged(source string, count int) {
	if m == nil {
		return
	}
	m.CandidatesStaged.WithLabelValues(source).Add(float64(count))
}

// RecordDuplicates records candidates flagged by a deduplication pass.
func (m *Metrics) RecordDuplicates(reason string, count int64) {
	if m == nil {
		return
	}
	m.CandidatesDuplicate.WithLabelValues(reason).Add(float64(count))
}

// RecordFilterOutcome records semantic filter outcomes.
func (m *Metrics) RecordFilterOutcome(outcome string, count int) {
	if m == nil {
		return
	}
	m.CandidatesFiltered.WithLabelValues(outcome).Add(float64(count))
}

// RecordCategoryOutcome records categorization outcomes.
func (m *Metrics) RecordCategoryOutcome(outcome string, count int) {
	if m == nil {
		return
	}
	m.CandidatesCategorized.WithLabelValues(outcome).Add(float64(count))
}

// RecordSchedulerIteration records the result of one scheduler iteration.
func (m *Metrics) RecordSchedulerIteration(err error, consecutiveErrors int) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SchedulerIterations.WithLabelValues(result).Inc()
	m.SchedulerConsecutiveErrors.Set(float64(consecutiveErrors))
}

// RecordSourceRequest records a successful literature source search.
func (m *Metrics) RecordSourceRequest(source string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SourceRequestsTotal.WithLabelValues(source).Inc()
	m.SourceRequestDuration.WithLabelValues(source).Observe(durationSeconds)
}

// RecordSourceRequestFailed records a failed literature source search.
func (m *Metrics) RecordSourceRequestFailed(source string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SourceRequestsTotal.WithLabelValues(source).Inc()
	m.SourceRequestsFailed.WithLabelValues(source).Inc()
	m.SourceRequestDuration.WithLabelValues(source).Observe(durationSeconds)
}

// RecordLLMRequest records a successful LLM evaluation.
func (m *Metrics) RecordLLMRequest(operation, model string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(operation, model).Inc()
	m.LLMRequestDuration.WithLabelValues(operation, model).Observe(durationSeconds)
}

// RecordLLMRequestFailed records a failed LLM evaluation.
func (m *Metrics) RecordLLMRequestFailed(operation, model string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(operation, model).Inc()
	m.LLMRequestsFailed.WithLabelValues(operation, model).Inc()
	m.LLMRequestDuration.WithLabelValues(operation, model).Observe(durationSeconds)
}

// RecordNotification records a notification attempt.
func (m *Metrics) RecordNotification(outcome string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.NotificationsSent.WithLabelValues(outcome, result).Inc()
}

// RecordStreamEvent records a consumed stream change event.
func (m *Metrics) RecordStreamEvent(changeType string, err error) {
	if m == nil {
		return
	}
	result := "handled"
	if err != nil {
		result = "failed"
	}
	m.StreamEventsHandled.WithLabelValues(changeType, result).Inc()
}

// SetActiveJobs records the number of in-flight jobs.
func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.ActiveJobs.Set(float64(n))
}

// RecordJobsDeferred records ready jobs left for a later pass.
func (m *Metrics) RecordJobsDeferred(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JobsDeferred.Add(float64(n))
}

// AddBrokerSubscribers adjusts the live subscription gauge by delta.
func (m *Metrics) AddBrokerSubscribers(delta int) {
	if m == nil {
		return
	}
	m.BrokerSubscribers.Add(float64(delta))
}

// RecordBrokerEventDropped records an event dropped from a subscriber queue.
func (m *Metrics) RecordBrokerEventDropped() {
	if m == nil {
		return
	}
	m.BrokerEventsDropped.Inc()
}
