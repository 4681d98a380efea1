package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/audit"
	"github.com/charlesng35/authcore/internal/auth/session"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/internal/monitoring"
	"github.com/charlesng35/authcore/pkg/logger"
)

// Job names reported to monitoring.
const (
	JobSessions      = "session_cleanup"
	JobAudit         = "audit_cleanup"
	JobVerifications = "verification_cleanup"
	JobCache         = "cache_cleanup"
)

const (
	defaultSessionSpec      = "@hourly"
	defaultAuditSpec        = "@daily"
	defaultTokenSpec        = "@daily"
	defaultSessionRetention = 30 * 24 * time.Hour
	defaultAuditRetention   = 90 * 24 * time.Hour
)

// CachePurger removes expired accelerator entries. cache.TableStore implements it.
type CachePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Cleaner runs the background jobs that expire sessions, enforce audit retention and
// remove spent verification tokens and stale cache rows.
type Cleaner struct {
	db       *gorm.DB
	sessions *session.Store
	audit    *audit.Service
	cache    CachePurger
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger

	sessionRetention time.Duration
	auditRetention   time.Duration

	sessionSchedule string
	auditSchedule   string
	tokenSchedule   string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for token expiry comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithCache enables purging of expired database cache entries on the token schedule.
func WithCache(purger CachePurger) Option {
	return func(cleaner *Cleaner) {
		cleaner.cache = purger
	}
}

// WithSessionRetention sets how long revoked sessions are kept before deletion.
func WithSessionRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.sessionRetention = d
		}
	}
}

// WithAuditRetention sets how long audit events are kept.
func WithAuditRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.auditRetention = d
		}
	}
}

// WithSessionSchedule overrides the cron specification for session cleanup.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron specification for audit retention enforcement.
func WithAuditSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.auditSchedule = spec
		}
	}
}

// WithTokenSchedule overrides the cron specification for verification token and cache
// cleanup.
func WithTokenSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.tokenSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner. A nil dependency skips the corresponding job.
func NewCleaner(db *gorm.DB, sessions *session.Store, auditSvc *audit.Service, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:               db,
		sessions:         sessions,
		audit:            auditSvc,
		now:              time.Now,
		sessionRetention: defaultSessionRetention,
		auditRetention:   defaultAuditRetention,
		sessionSchedule:  defaultSessionSpec,
		auditSchedule:    defaultAuditSpec,
		tokenSchedule:    defaultTokenSpec,
		log:              logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return cleaner
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) (int64, error)
}

func (c *Cleaner) jobs() []job {
	var jobs []job
	if c.sessions != nil {
		jobs = append(jobs, job{JobSessions, c.sessionSchedule, c.cleanupSessions})
	}
	if c.audit != nil {
		jobs = append(jobs, job{JobAudit, c.auditSchedule, c.cleanupAudit})
	}
	if c.db != nil {
		jobs = append(jobs, job{JobVerifications, c.tokenSchedule, c.cleanupVerifications})
	}
	if c.cache != nil {
		jobs = append(jobs, job{JobCache, c.tokenSchedule, c.cache.PurgeExpired})
	}
	return jobs
}

// Start registers the cleanup jobs with the cron scheduler and launches it. It does nothing
// when no job is configured.
func (c *Cleaner) Start() error {
	jobs := c.jobs()
	if len(jobs) == 0 {
		return nil
	}

	for _, j := range jobs {
		j := j
		if _, err := c.cron.AddFunc(j.schedule, func() {
			_ = c.execute(context.Background(), j)
		}); err != nil {
			return fmt.Errorf("maintenance: schedule %s %q: %w", j.name, j.schedule, err)
		}
	}

	c.cron.Start()
	c.log.Info("maintenance scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every configured job sequentially and returns the combined error.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	for _, j := range c.jobs() {
		errs = multierr.Append(errs, c.execute(ctx, j))
	}
	return errs
}

func (c *Cleaner) execute(ctx context.Context, j job) error {
	start := time.Now()
	affected, err := j.run(ctx)
	monitoring.RecordMaintenanceRun(j.name, affected, err, time.Since(start))

	if err != nil {
		c.log.Warn("maintenance job failed", zap.String("job", j.name), zap.Error(err))
		return fmt.Errorf("maintenance: %s: %w", j.name, err)
	}
	if affected > 0 {
		c.log.Info("maintenance job completed", zap.String("job", j.name), zap.Int64("affected", affected))
	}
	return nil
}

func (c *Cleaner) cleanupSessions(ctx context.Context) (int64, error) {
	deactivated, deleted, err := c.sessions.CleanupExpired(ctx, c.sessionRetention)
	return deactivated + deleted, err
}

func (c *Cleaner) cleanupAudit(ctx context.Context) (int64, error) {
	return c.audit.CleanupOlderThan(ctx, c.auditRetention)
}

func (c *Cleaner) cleanupVerifications(ctx context.Context) (int64, error) {
	return CleanupVerifications(ctx, c.db, c.now().UTC())
}

// CleanupVerifications deletes email verification tokens that have expired or been redeemed.
func CleanupVerifications(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("cleanup verifications: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Where("expires_at < ? OR verified_at IS NOT NULL", now).
		Delete(&models.EmailVerification{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup verifications: %w", result.Error)
	}
	return result.RowsAffected, nil
}
