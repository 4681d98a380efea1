package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authcore/internal/monitoring"
)

func registerHealthRoutes(r gin.IRouter, manager *monitoring.HealthManager) {
	r.GET("/health", func(c *gin.Context) {
		writeHealthReport(c, manager.Evaluate(c.Request.Context()))
	})
	r.GET("/health/live", func(c *gin.Context) {
		writeHealthReport(c, manager.EvaluateLiveness(c.Request.Context()))
	})
	r.GET("/health/ready", func(c *gin.Context) {
		writeHealthReport(c, manager.EvaluateReadiness(c.Request.Context()))
	})
}

// A degraded report still serves traffic, so only a down status fails the probe.
func writeHealthReport(c *gin.Context, report monitoring.HealthReport) {
	status := http.StatusOK
	if report.Status == monitoring.StatusDown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"success":    report.Success,
		"status":     report.Status,
		"checks":     report.Checks,
		"checked_at": time.Now().UTC(),
	})
}
