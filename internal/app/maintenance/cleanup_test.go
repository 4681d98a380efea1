package maintenance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/audit"
	"github.com/charlesng35/authcore/internal/auth/session"
	"github.com/charlesng35/authcore/internal/cache"
	"github.com/charlesng35/authcore/internal/database/testutil"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/internal/monitoring"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCleanupVerifications(t *testing.T) {
	db := testutil.OpenDB(t, testutil.Migrated())
	now := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)
	verified := now.Add(-time.Minute)

	rows := []models.EmailVerification{
		{UserID: "user-expired", TokenHash: "verify-expired", ExpiresAt: now.Add(-time.Hour)},
		{UserID: "user-verified", TokenHash: "verify-used", ExpiresAt: now.Add(time.Hour), VerifiedAt: &verified},
		{UserID: "user-active", TokenHash: "verify-active", ExpiresAt: now.Add(time.Hour)},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	removed, err := CleanupVerifications(context.Background(), db, now)
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	var remaining []models.EmailVerification
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, "verify-active", remaining[0].TokenHash)

	_, err = CleanupVerifications(context.Background(), nil, now)
	require.Error(t, err)
}

func TestCleanerRunOnce(t *testing.T) {
	db := testutil.OpenDB(t, testutil.Migrated(), testutil.OnDisk())
	clock := &testClock{now: time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)}

	mod, err := monitoring.NewModule(monitoring.Options{Namespace: "cleanup_test"})
	require.NoError(t, err)
	monitoring.SetModule(mod)

	sessions, err := session.NewStore(db, session.Config{
		IdleTimeout:     time.Hour,
		AbsoluteTimeout: 12 * time.Hour,
		ConcurrentLimit: 5,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	oldAudit := clock.Now().Add(-100 * 24 * time.Hour)
	auditSvc, err := audit.NewService(db, func() time.Time { return oldAudit })
	require.NoError(t, err)
	require.NoError(t, auditSvc.Record(context.Background(), audit.Event{Type: audit.EventLogin, Status: audit.StatusSuccess}))
	auditSvc, err = audit.NewService(db, clock.Now)
	require.NoError(t, err)
	require.NoError(t, auditSvc.Record(context.Background(), audit.Event{Type: audit.EventLogin, Status: audit.StatusFailure}))

	dbCache, err := cache.NewTableStore(db, cache.WithTableClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, dbCache.Set(context.Background(), "stale", []byte("x"), time.Minute))
	require.NoError(t, dbCache.Set(context.Background(), "fresh", []byte("y"), 24*time.Hour))

	user := seedUser(t, db, "cleanup-user")
	idle := createSession(t, sessions, clock, user.ID)
	revoked := createSession(t, sessions, clock, user.ID)
	require.NoError(t, sessions.Invalidate(context.Background(), revoked.ID, session.ReasonLogout))
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", revoked.ID).
		Update("revoked_at", clock.Now().Add(-40*24*time.Hour)).Error)

	clock.Advance(2 * time.Hour)
	active := createSession(t, sessions, clock, user.ID)

	require.NoError(t, db.Create(&models.EmailVerification{
		UserID:    user.ID,
		TokenHash: "verify-hash",
		ExpiresAt: clock.Now().Add(-time.Hour),
	}).Error)

	c := NewCleaner(db, sessions, auditSvc,
		WithNow(clock.Now),
		WithCache(dbCache),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)
	require.NoError(t, c.RunOnce(context.Background()))

	var idleRow models.Session
	require.NoError(t, db.First(&idleRow, "id = ?", idle.ID).Error)
	require.False(t, idleRow.IsActive)
	require.Equal(t, session.ReasonExpired, idleRow.RevokeReason)

	err = db.First(&models.Session{}, "id = ?", revoked.ID).Error
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	var activeRow models.Session
	require.NoError(t, db.First(&activeRow, "id = ?", active.ID).Error)
	require.True(t, activeRow.IsActive)

	var auditCount int64
	require.NoError(t, db.Model(&models.AuditLog{}).Count(&auditCount).Error)
	require.Equal(t, int64(1), auditCount)

	var verificationCount int64
	require.NoError(t, db.Model(&models.EmailVerification{}).Count(&verificationCount).Error)
	require.Zero(t, verificationCount)

	_, ok, err := dbCache.Get(context.Background(), "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	var cacheRows int64
	require.NoError(t, db.Model(&models.CacheEntry{}).Count(&cacheRows).Error)
	require.Equal(t, int64(1), cacheRows)

	summary := mod.Snapshot()
	require.Len(t, summary.Jobs, 4)
	for _, job := range summary.Jobs {
		require.Equal(t, monitoring.ResultSuccess, job.LastStatus, job.Job)
	}
}

func TestCleanerSkipsMissingDependencies(t *testing.T) {
	c := NewCleaner(nil, nil, nil)
	require.Empty(t, c.jobs())
	require.NoError(t, c.Start())
	require.NoError(t, c.RunOnce(context.Background()))
}

func TestCleanerStartRejectsInvalidSchedule(t *testing.T) {
	db := testutil.OpenDB(t, testutil.Migrated())
	c := NewCleaner(db, nil, nil, WithTokenSchedule("not a schedule"))
	require.Error(t, c.Start())
}

func TestCleanerStartAndStop(t *testing.T) {
	db := testutil.OpenDB(t, testutil.Migrated())
	c := NewCleaner(db, nil, nil, WithTokenSchedule("@every 1h"))
	require.NoError(t, c.Start())

	select {
	case <-c.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func seedUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()

	user := &models.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "hash",
		IsActive:     true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func createSession(t *testing.T, store *session.Store, clock *testClock, userID string) *models.Session {
	t.Helper()

	now := clock.Now()
	record, _, err := store.Create(context.Background(), session.NewSession{
		UserID:                userID,
		AccessToken:           "access-" + now.String(),
		AccessTokenExpiresAt:  now.Add(15 * time.Minute),
		RefreshToken:          "refresh-" + now.String(),
		RefreshTokenExpiresAt: now.Add(12 * time.Hour),
		ExpiresAt:             store.AbsoluteExpiry(now),
	})
	require.NoError(t, err)
	return record
}
