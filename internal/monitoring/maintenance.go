package monitoring

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for maintenance runs.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Summary surfaces the maintenance job state for the health endpoint.
type Summary struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Jobs        []JobSummary `json:"jobs"`
}

// JobSummary describes the most recent runs of a single maintenance job.
type JobSummary struct {
	Job                 string        `json:"job"`
	LastStatus          string        `json:"last_status"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastDuration        time.Duration `json:"last_duration"`
	LastError           string        `json:"last_error,omitempty"`
	LastAffected        int64         `json:"last_affected"`
	ConsecutiveFailures uint64        `json:"consecutive_failures"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	TotalRuns           uint64        `json:"total_runs"`
}

type jobCollectors struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	affected *prometheus.CounterVec
	lastRun  *prometheus.GaugeVec
}

func newJobCollectors(namespace string) *jobCollectors {
	return &jobCollectors{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_runs_total",
				Help:      "Maintenance job executions by result",
			},
			[]string{"job", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "maintenance_duration_seconds",
				Help:      "Maintenance job execution time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		affected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_rows_affected_total",
				Help:      "Rows removed or deactivated by maintenance jobs",
			},
			[]string{"job"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "maintenance_last_success_timestamp_seconds",
				Help:      "Unix time of the last successful run per job",
			},
			[]string{"job"},
		),
	}
}

func (c *jobCollectors) all() []prometheus.Collector {
	return []prometheus.Collector{c.runs, c.duration, c.affected, c.lastRun}
}

// RecordMaintenanceRun records the completion of a maintenance job on the current module.
// It is a no-op when no module is configured.
func RecordMaintenanceRun(job string, affected int64, err error, duration time.Duration) {
	module := CurrentModule()
	if module == nil {
		return
	}
	module.recordRun(job, affected, err, duration)
}

func (m *Module) recordRun(job string, affected int64, err error, duration time.Duration) {
	job = normalizeLabel(job)
	if duration < 0 {
		duration = 0
	}
	result, message := ResultSuccess, ""
	if err != nil {
		result, message = ResultFailure, strings.TrimSpace(err.Error())
	}

	m.jobs.runs.WithLabelValues(job, result).Inc()
	m.jobs.duration.WithLabelValues(job).Observe(duration.Seconds())
	if affected > 0 {
		m.jobs.affected.WithLabelValues(job).Add(float64(affected))
	}
	if err == nil {
		m.jobs.lastRun.WithLabelValues(job).SetToCurrentTime()
	}
	m.stats.entry(job).record(result, message, affected, duration)
}

// Snapshot returns a point-in-time summary from the current module when configured.
func Snapshot() Summary {
	return CurrentModule().Snapshot()
}

// Snapshot returns the module's maintenance summary. A nil module has no jobs.
func (m *Module) Snapshot() Summary {
	if m == nil {
		return Summary{GeneratedAt: time.Now().UTC(), Jobs: []JobSummary{}}
	}
	return Summary{GeneratedAt: time.Now().UTC(), Jobs: m.stats.clone()}
}

type jobStore struct {
	jobs sync.Map // string -> *jobStats
}

func newJobStore() *jobStore {
	return &jobStore{}
}

func (s *jobStore) entry(job string) *jobStats {
	if value, ok := s.jobs.Load(job); ok {
		return value.(*jobStats)
	}
	actual, _ := s.jobs.LoadOrStore(job, &jobStats{})
	return actual.(*jobStats)
}

func (s *jobStore) clone() []JobSummary {
	summaries := []JobSummary{}
	s.jobs.Range(func(key, value any) bool {
		summaries = append(summaries, value.(*jobStats).snapshot(key.(string)))
		return true
	})
	return summaries
}

type jobStats struct {
	lastStatus          atomic.Value // string
	lastError           atomic.Value // string
	lastRun             atomic.Int64 // unix nano
	lastDuration        atomic.Int64
	lastAffected        atomic.Int64
	lastSuccess         atomic.Int64
	consecutiveFailures atomic.Uint64
	totalRuns           atomic.Uint64
}

func (j *jobStats) record(result, message string, affected int64, duration time.Duration) {
	now := time.Now()
	j.lastStatus.Store(result)
	j.lastError.Store(message)
	j.lastRun.Store(now.UnixNano())
	j.lastDuration.Store(int64(duration))
	j.lastAffected.Store(affected)
	j.totalRuns.Add(1)

	if result == ResultSuccess {
		j.consecutiveFailures.Store(0)
		j.lastSuccess.Store(now.UnixNano())
		return
	}
	j.consecutiveFailures.Add(1)
}

func (j *jobStats) snapshot(job string) JobSummary {
	status, _ := j.lastStatus.Load().(string)
	message, _ := j.lastError.Load().(string)

	summary := JobSummary{
		Job:                 job,
		LastStatus:          status,
		LastDuration:        time.Duration(j.lastDuration.Load()),
		LastError:           message,
		LastAffected:        j.lastAffected.Load(),
		ConsecutiveFailures: j.consecutiveFailures.Load(),
		TotalRuns:           j.totalRuns.Load(),
	}
	if ns := j.lastRun.Load(); ns > 0 {
		summary.LastRunAt = time.Unix(0, ns).UTC()
	}
	if ns := j.lastSuccess.Load(); ns > 0 {
		summary.LastSuccessAt = time.Unix(0, ns).UTC()
	}
	return summary
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}
