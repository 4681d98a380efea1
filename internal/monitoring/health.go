package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeStatus is the outcome of a health probe. Degraded means the service still
// answers requests with reduced guarantees.
type ProbeStatus string

const (
	StatusUp       ProbeStatus = "up"
	StatusDegraded ProbeStatus = "degraded"
	StatusDown     ProbeStatus = "down"
)

func (s ProbeStatus) rank() int {
	switch s {
	case StatusUp:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worse returns the more severe of two statuses. Unknown values count as down.
func Worse(a, b ProbeStatus) ProbeStatus {
	if b.rank() > a.rank() {
		a = b
	}
	if a.rank() == 2 {
		return StatusDown
	}
	return a
}

// ProbeResult is one component's answer.
type ProbeResult struct {
	Component string        `json:"component"`
	Status    ProbeStatus   `json:"status"`
	Details   string        `json:"details,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// HealthReport is the combined answer of a set of probes.
type HealthReport struct {
	Success   bool          `json:"success"`
	Status    ProbeStatus   `json:"status"`
	CheckedAt time.Time     `json:"checked_at"`
	Checks    []ProbeResult `json:"checks"`
}

const defaultProbeTimeout = 2 * time.Second

// Check is a named probe. Run is given a context bounded by Timeout.
type Check struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) ProbeResult
}

// NewCheck builds a probe with the default timeout. A nil fn always reports down.
func NewCheck(name string, fn func(ctx context.Context) ProbeResult) Check {
	if fn == nil {
		fn = func(context.Context) ProbeResult {
			return ProbeResult{Status: StatusDown, Details: "no probe"}
		}
	}
	return Check{Name: name, Timeout: defaultProbeTimeout, Run: fn}
}

// HealthManager holds the liveness and readiness probes. Probes of one kind run
// concurrently.
type HealthManager struct {
	mu        sync.RWMutex
	liveness  []Check
	readiness []Check
	now       func() time.Time
}

// NewHealthManager returns a manager with no probes. An empty set reports up.
func NewHealthManager() *HealthManager {
	return &HealthManager{now: time.Now}
}

// RegisterLiveness adds a probe answering "is the process working". Unnamed probes are ignored.
func (m *HealthManager) RegisterLiveness(check Check) {
	m.register(&m.liveness, check)
}

// RegisterReadiness adds a probe answering "can the process serve traffic".
func (m *HealthManager) RegisterReadiness(check Check) {
	m.register(&m.readiness, check)
}

func (m *HealthManager) register(into *[]Check, check Check) {
	if check.Name == "" || check.Run == nil {
		return
	}
	m.mu.Lock()
	*into = append(*into, check)
	m.mu.Unlock()
}

// EvaluateLiveness runs the liveness probes.
func (m *HealthManager) EvaluateLiveness(ctx context.Context) HealthReport {
	return m.run(ctx, m.snapshot(false, true))
}

// EvaluateReadiness runs the readiness probes.
func (m *HealthManager) EvaluateReadiness(ctx context.Context) HealthReport {
	return m.run(ctx, m.snapshot(true, false))
}

// Evaluate runs every probe and reports the worst status.
func (m *HealthManager) Evaluate(ctx context.Context) HealthReport {
	return m.run(ctx, m.snapshot(true, true))
}

func (m *HealthManager) snapshot(ready, live bool) []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Check
	if live {
		out = append(out, m.liveness...)
	}
	if ready {
		out = append(out, m.readiness...)
	}
	return out
}

func (m *HealthManager) run(ctx context.Context, checks []Check) HealthReport {
	if ctx == nil {
		ctx = context.Background()
	}

	results := make([]ProbeResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = probe(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	report := HealthReport{Status: StatusUp, CheckedAt: m.now().UTC(), Checks: results}
	for _, r := range results {
		report.Status = Worse(report.Status, r.Status)
	}
	report.Success = report.Status == StatusUp
	return report
}

func probe(ctx context.Context, check Check) (result ProbeResult) {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result = ProbeResult{Status: StatusDown, Details: fmt.Sprintf("probe panicked: %v", rec)}
		}
		result.Component = check.Name
		result.Status = Worse(StatusUp, result.Status)
		if result.Duration <= 0 {
			result.Duration = time.Since(start)
		}
	}()
	return check.Run(ctx)
}

// ResultFromError maps err to a result. A deadline or cancellation degrades the
// component; any other error marks it down.
func ResultFromError(component string, err error, took time.Duration) ProbeResult {
	result := ProbeResult{Component: component, Status: StatusUp, Duration: max(took, 0)}
	if err == nil {
		return result
	}
	result.Details = err.Error()
	result.Status = StatusDown
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		result.Status = StatusDegraded
	}
	return result
}
