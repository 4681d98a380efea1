package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authcore/internal/middleware"
	"github.com/charlesng35/authcore/internal/monitoring"
)

// NewOpsRouter builds the operational listener: health probes and Prometheus metrics.
// Authentication itself is exposed as a Go API, not over HTTP.
func NewOpsRouter(mon *monitoring.Module) (*gin.Engine, error) {
	if mon == nil {
		return nil, errors.New("api: monitoring module must be provided")
	}

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())

	registerHealthRoutes(r, mon.Health())
	r.GET("/metrics", gin.WrapH(mon.Handler()))
	r.GET("/maintenance", func(c *gin.Context) {
		c.JSON(http.StatusOK, mon.Snapshot())
	})

	r.NoRoute(middleware.NotFound)
	return r, nil
}
