package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/authcore/internal/monitoring"
)

const defaultMaintenanceMaxAge = 26 * time.Hour

// Maintenance reads the job statistics of mod. A job whose last run failed marks the
// check down; a job that has not run within maxAge marks it degraded. A zero maxAge
// allows slightly more than a day so daily jobs stay green.
func Maintenance(mod *monitoring.Module, maxAge time.Duration) monitoring.Check {
	if maxAge <= 0 {
		maxAge = defaultMaintenanceMaxAge
	}

	return monitoring.NewCheck("maintenance", func(context.Context) monitoring.ProbeResult {
		summary := mod.Snapshot()
		if len(summary.Jobs) == 0 {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "no runs yet"}
		}

		status := monitoring.StatusUp
		var notes []string
		for _, job := range summary.Jobs {
			switch {
			case job.ConsecutiveFailures > 0:
				status = monitoring.Worse(status, monitoring.StatusDown)
				notes = append(notes, fmt.Sprintf("%s failed %d time(s): %s", job.Job, job.ConsecutiveFailures, job.LastError))
			case summary.GeneratedAt.Sub(job.LastRunAt) > maxAge:
				status = monitoring.Worse(status, monitoring.StatusDegraded)
				notes = append(notes, fmt.Sprintf("%s last ran %s", job.Job, job.LastRunAt.Format(time.RFC3339)))
			}
		}
		return monitoring.ProbeResult{Status: status, Details: strings.Join(notes, "; ")}
	})
}
