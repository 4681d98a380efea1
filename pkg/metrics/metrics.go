package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by outcome (success, invalid_credentials, locked, ...).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// Registrations counts registration attempts by outcome.
	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_registrations_total",
			Help: "Total number of registration attempts",
		},
		[]string{"result"},
	)

	// AccountLockouts counts lock transitions caused by repeated failures.
	AccountLockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authcore_account_lockouts_total",
			Help: "Number of accounts locked after exceeding the failure threshold",
		},
	)

	// ActiveSessions tracks sessions created minus sessions invalidated by this process.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "authcore_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// SessionEvictions counts sessions evicted to honour the concurrent session cap.
	SessionEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authcore_session_evictions_total",
			Help: "Sessions evicted by the concurrent session limit",
		},
	)

	// SessionCacheLookups counts accelerator lookups by result (hit|miss|error|stale).
	SessionCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_session_cache_lookups_total",
			Help: "Session accelerator lookups",
		},
		[]string{"result"},
	)

	// TokenVerifications counts token verifications by token type and result (valid|invalid).
	TokenVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_token_verifications_total",
			Help: "Signed token verifications",
		},
		[]string{"type", "result"},
	)

	// OpsRequestDuration observes ops listener latency by method, route and status.
	OpsRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authcore_ops_request_duration_seconds",
			Help:    "Latency of health and metrics requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
