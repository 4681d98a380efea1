package checks

import (
	"context"
	"time"

	"github.com/charlesng35/authcore/internal/monitoring"
)

// Pinger is satisfied by cache.RedisStore.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Redis probes the session accelerator. Sessions fall back to the cache table while
// Redis is away, so a failed ping only degrades readiness. A nil client is reported as
// up with a note.
func Redis(client Pinger, timeout time.Duration) monitoring.Check {
	check := monitoring.NewCheck("redis", func(ctx context.Context) monitoring.ProbeResult {
		if client == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "redis disabled"}
		}
		start := time.Now()
		if err := client.Ping(ctx); err != nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "sessions served from database: " + err.Error(),
				Duration: time.Since(start),
			}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp, Duration: time.Since(start)}
	})
	if timeout > 0 {
		check.Timeout = timeout
	}
	return check
}
