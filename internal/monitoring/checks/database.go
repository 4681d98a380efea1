// Package checks holds the health probes for the stores the auth service depends on.
package checks

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/monitoring"
)

// Database pings the primary store; every authentication path needs it, so a failed
// ping is down. A pool whose connections are all busy is degraded. Single-connection
// pools (SQLite) are exempt from that rule since a busy connection is their normal state.
func Database(db *gorm.DB, timeout time.Duration) monitoring.Check {
	check := monitoring.NewCheck("database", func(ctx context.Context) monitoring.ProbeResult {
		if db == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "database not configured"}
		}
		sqlDB, err := db.DB()
		if err != nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: err.Error()}
		}

		start := time.Now()
		if err := sqlDB.PingContext(ctx); err != nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: err.Error(), Duration: time.Since(start)}
		}
		took := time.Since(start)

		stats := sqlDB.Stats()
		pool := fmt.Sprintf("open=%d in_use=%d idle=%d", stats.OpenConnections, stats.InUse, stats.Idle)
		if stats.MaxOpenConnections > 1 && stats.InUse >= stats.MaxOpenConnections {
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: "pool exhausted: " + pool, Duration: took}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: pool, Duration: took}
	})
	if timeout > 0 {
		check.Timeout = timeout
	}
	return check
}
