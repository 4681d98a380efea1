package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/cache"
	"github.com/charlesng35/authcore/internal/database/testutil"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/pkg/crypto"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
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

type fixture struct {
	db    *gorm.DB
	store *Store
	clock *testClock
	redis *miniredis.Miniredis
}

func setupStore(t *testing.T, mutate ...func(*Config)) fixture {
	t.Helper()

	db := testutil.OpenDB(t, testutil.Migrated())
	mr := miniredis.RunT(t)
	client, err := cache.NewRedisClient(context.Background(), cache.RedisConfig{Address: mr.Addr(), Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	clock := newTestClock()
	cfg := Config{
		IdleTimeout:     time.Hour,
		AbsoluteTimeout: 12 * time.Hour,
		ConcurrentLimit: 3,
		CacheTTL:        5 * time.Minute,
		CacheTimeout:    time.Second,
		Clock:           clock.Now,
		Cache:           cache.NewRedisStore(client, cache.RedisConfig{Timeout: time.Second}),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	store, err := NewStore(db, cfg)
	require.NoError(t, err)
	return fixture{db: db, store: store, clock: clock, redis: mr}
}

func createTestUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()

	user := &models.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "hash",
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func (f fixture) create(t *testing.T, userID string) *models.Session {
	t.Helper()

	now := f.clock.Now()
	record, _, err := f.store.Create(context.Background(), NewSession{
		UserID:                userID,
		AccessToken:           "access-" + now.String(),
		AccessTokenExpiresAt:  now.Add(15 * time.Minute),
		RefreshToken:          "refresh-" + now.String(),
		RefreshTokenExpiresAt: now.Add(12 * time.Hour),
		ExpiresAt:             f.store.AbsoluteExpiry(now),
		Metadata:              Metadata{IPAddress: "10.0.0.1", UserAgent: "unit-test"},
	})
	require.NoError(t, err)
	return record
}

func TestCreateStoresDigestsAndPopulatesCache(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "alice")
	now := f.clock.Now()

	record, evicted, err := f.store.Create(context.Background(), NewSession{
		UserID:                user.ID,
		AccessToken:           "raw-access",
		AccessTokenExpiresAt:  now.Add(15 * time.Minute),
		RefreshToken:          "raw-refresh",
		RefreshTokenExpiresAt: now.Add(12 * time.Hour),
		Metadata:              Metadata{IPAddress: " 10.0.0.1 ", UserAgent: "unit-test"},
	})
	require.NoError(t, err)
	require.Empty(t, evicted)
	require.Len(t, record.ID, 64)

	var stored models.Session
	require.NoError(t, f.db.Take(&stored, "id = ?", record.ID).Error)
	require.Equal(t, crypto.Digest("raw-access"), stored.AccessTokenDigest)
	require.Equal(t, crypto.Digest("raw-refresh"), stored.RefreshTokenDigest)
	require.NotContains(t, stored.AccessTokenDigest, "raw")
	require.Equal(t, "10.0.0.1", stored.IPAddress)
	require.True(t, stored.IsActive)
	require.True(t, stored.ExpiresAt.Equal(now.Add(12*time.Hour)))
	require.False(t, stored.AccessTokenExpiresAt.After(stored.ExpiresAt))
	require.False(t, stored.RefreshTokenExpiresAt.After(stored.ExpiresAt))

	require.True(t, f.redis.Exists("authcore:session:"+record.ID))
	require.Equal(t, 5*time.Minute, f.redis.TTL("authcore:session:"+record.ID))
}

func TestCreateClipsMetadataOnRuneBoundary(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "carol")
	now := f.clock.Now()

	agent := strings.Repeat("a", models.UserAgentSize-1) + "é"
	ip := strings.Repeat("1", models.IPAddressSize+10)
	record, _, err := f.store.Create(context.Background(), NewSession{
		UserID:                user.ID,
		AccessToken:           "raw-access",
		AccessTokenExpiresAt:  now.Add(15 * time.Minute),
		RefreshToken:          "raw-refresh",
		RefreshTokenExpiresAt: now.Add(12 * time.Hour),
		Metadata:              Metadata{IPAddress: ip, UserAgent: agent},
	})
	require.NoError(t, err)

	var stored models.Session
	require.NoError(t, f.db.Take(&stored, "id = ?", record.ID).Error)
	require.True(t, utf8.ValidString(stored.UserAgent))
	require.Equal(t, strings.Repeat("a", models.UserAgentSize-1), stored.UserAgent)
	require.Len(t, stored.IPAddress, models.IPAddressSize)
}

func TestCreateRejectsTokensOutlivingSession(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "bob")
	now := f.clock.Now()

	_, _, err := f.store.Create(context.Background(), NewSession{
		UserID:                user.ID,
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
		ExpiresAt:             now.Add(12 * time.Hour),
	})
	require.ErrorIs(t, err, ErrInvalidExpiry)

	count, err := f.store.CountActive(context.Background(), user.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCreateUnknownUser(t *testing.T) {
	f := setupStore(t)

	_, _, err := f.store.Create(context.Background(), NewSession{UserID: "missing"})
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestCreateSucceedsWhenCacheIsDown(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "carol")
	f.redis.Close()

	record := f.create(t, user.ID)

	got, err := f.store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, record.ID, got.ID)
}

func TestConcurrentLimitEvictsOldest(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "dave")

	var created []*models.Session
	for i := 0; i < 3; i++ {
		created = append(created, f.create(t, user.ID))
		f.clock.Advance(time.Minute)
	}

	// activity on the oldest session must not protect it
	require.NoError(t, f.db.Model(&models.Session{}).
		Where("id = ?", created[0].ID).
		Update("last_activity_at", f.clock.Now()).Error)

	now := f.clock.Now()
	fourth, evicted, err := f.store.Create(context.Background(), NewSession{
		UserID:    user.ID,
		ExpiresAt: f.store.AbsoluteExpiry(now),
	})
	require.NoError(t, err)
	require.Equal(t, []string{created[0].ID}, evicted)

	count, err := f.store.CountActive(context.Background(), user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	var oldest models.Session
	require.NoError(t, f.db.Take(&oldest, "id = ?", created[0].ID).Error)
	require.False(t, oldest.IsActive)
	require.Equal(t, ReasonEvicted, oldest.RevokeReason)
	require.False(t, f.redis.Exists("authcore:session:"+created[0].ID))

	_, err = f.store.Get(context.Background(), created[0].ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.Get(context.Background(), fourth.ID)
	require.NoError(t, err)
}

func TestConcurrentCreatesNeverExceedLimit(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "erin")

	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			now := f.clock.Now()
			_, _, err := f.store.Create(context.Background(), NewSession{
				UserID:       user.ID,
				AccessToken:  fmt.Sprintf("access-%d", i),
				RefreshToken: fmt.Sprintf("refresh-%d", i),
				ExpiresAt:    f.store.AbsoluteExpiry(now),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count, err := f.store.CountActive(context.Background(), user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestEnforceLimit(t *testing.T) {
	f := setupStore(t, func(cfg *Config) { cfg.ConcurrentLimit = 5 })
	user := createTestUser(t, f.db, "frank")

	var created []*models.Session
	for i := 0; i < 4; i++ {
		created = append(created, f.create(t, user.ID))
		f.clock.Advance(time.Second)
	}

	evicted, err := f.store.EnforceLimit(context.Background(), user.ID, 2)
	require.NoError(t, err)
	require.Equal(t, []string{created[0].ID, created[1].ID, created[2].ID}, evicted)

	count, err := f.store.CountActive(context.Background(), user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	evicted, err = f.store.EnforceLimit(context.Background(), user.ID, 2)
	require.NoError(t, err)
	require.Empty(t, evicted)
}

func TestGetReadsThroughOnMiss(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "gina")
	record := f.create(t, user.ID)

	f.redis.Del("authcore:session:" + record.ID)

	got, err := f.store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, user.ID, got.UserID)
	require.True(t, f.redis.Exists("authcore:session:"+record.ID))
}

func TestGetReconfirmsNearExpiry(t *testing.T) {
	f := setupStore(t, func(cfg *Config) {
		cfg.AbsoluteTimeout = 2 * time.Minute
		cfg.FreshnessMargin = 30 * time.Second
	})
	user := createTestUser(t, f.db, "hank")
	now := f.clock.Now()
	record, _, err := f.store.Create(context.Background(), NewSession{UserID: user.ID, ExpiresAt: now.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, f.redis.TTL("authcore:session:"+record.ID))

	// durable revocation that never reached the cache
	require.NoError(t, f.db.Model(&models.Session{}).Where("id = ?", record.ID).Update("is_active", false).Error)

	f.clock.Advance(time.Minute + 45*time.Second)
	_, err = f.store.Get(context.Background(), record.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, f.redis.Exists("authcore:session:"+record.ID))
}

func TestGetExpiredAndIdle(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "ivy")

	expired := f.create(t, user.ID)
	require.NoError(t, f.db.Model(&models.Session{}).
		Where("id = ?", expired.ID).
		Update("expires_at", f.clock.Now().Add(time.Second)).Error)
	f.redis.Del("authcore:session:" + expired.ID)

	idle := f.create(t, user.ID)

	f.clock.Advance(time.Hour)

	_, err := f.store.Get(context.Background(), expired.ID)
	require.ErrorIs(t, err, ErrExpired)

	_, err = f.store.Get(context.Background(), idle.ID)
	require.ErrorIs(t, err, ErrExpired)

	var stored models.Session
	require.NoError(t, f.db.Take(&stored, "id = ?", idle.ID).Error)
	require.False(t, stored.IsActive)
	require.Equal(t, ReasonIdle, stored.RevokeReason)
}

func TestTouchSlidesIdleWindow(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "jack")
	record := f.create(t, user.ID)

	f.clock.Advance(50 * time.Minute)
	got, err := f.store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.Touch(context.Background(), got))

	f.clock.Advance(50 * time.Minute)
	_, err = f.store.Get(context.Background(), record.ID)
	require.NoError(t, err)
}

func TestInvalidate(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "kate")
	record := f.create(t, user.ID)

	require.NoError(t, f.store.Invalidate(context.Background(), record.ID, ReasonLogout))
	require.False(t, f.redis.Exists("authcore:session:"+record.ID))

	var stored models.Session
	require.NoError(t, f.db.Take(&stored, "id = ?", record.ID).Error)
	require.False(t, stored.IsActive)
	require.NotNil(t, stored.RevokedAt)
	require.Equal(t, ReasonLogout, stored.RevokeReason)

	_, err := f.store.Get(context.Background(), record.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.store.Invalidate(context.Background(), record.ID, ReasonLogout))
	require.ErrorIs(t, f.store.Invalidate(context.Background(), "unknown", ReasonLogout), ErrNotFound)
}

func TestInvalidateSucceedsWhenCacheIsDown(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "liam")
	record := f.create(t, user.ID)
	f.redis.Close()

	require.NoError(t, f.store.Invalidate(context.Background(), record.ID, ReasonLogout))
	_, err := f.store.Get(context.Background(), record.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestValidateAndRotateAccess(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "mona")
	now := f.clock.Now()
	record, _, err := f.store.Create(context.Background(), NewSession{
		UserID:                user.ID,
		AccessToken:           "access-1",
		AccessTokenExpiresAt:  now.Add(15 * time.Minute),
		RefreshToken:          "refresh-1",
		RefreshTokenExpiresAt: now.Add(12 * time.Hour),
	})
	require.NoError(t, err)

	_, err = f.store.Validate(context.Background(), record.ID, "access-1")
	require.NoError(t, err)
	_, err = f.store.Validate(context.Background(), record.ID, "forged")
	require.ErrorIs(t, err, ErrTokenMismatch)

	_, err = f.store.RotateAccess(context.Background(), record.ID, "wrong-refresh", "access-2", now.Add(15*time.Minute))
	require.ErrorIs(t, err, ErrTokenMismatch)
	_, err = f.store.RotateAccess(context.Background(), record.ID, "refresh-1", "access-2", now.Add(13*time.Hour))
	require.ErrorIs(t, err, ErrInvalidExpiry)

	// rotation must not depend on the cache being reachable
	f.redis.Close()
	rotated, err := f.store.RotateAccess(context.Background(), record.ID, "refresh-1", "access-2", now.Add(15*time.Minute))
	require.NoError(t, err)
	require.Equal(t, crypto.Digest("access-2"), rotated.AccessTokenDigest)

	_, err = f.store.Validate(context.Background(), record.ID, "access-2")
	require.NoError(t, err)
	_, err = f.store.Validate(context.Background(), record.ID, "access-1")
	require.ErrorIs(t, err, ErrTokenMismatch)
}

func TestValidateReconfirmsStaleCachedDigest(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "nina")
	now := f.clock.Now()
	record, _, err := f.store.Create(context.Background(), NewSession{
		UserID:       user.ID,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(12 * time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&models.Session{}).
		Where("id = ?", record.ID).
		Update("access_token_digest", crypto.Digest("access-2")).Error)

	_, err = f.store.Validate(context.Background(), record.ID, "access-2")
	require.NoError(t, err)
}

func TestInvalidateUserKeepsCurrent(t *testing.T) {
	f := setupStore(t)
	user := createTestUser(t, f.db, "omar")

	first := f.create(t, user.ID)
	f.clock.Advance(time.Second)
	second := f.create(t, user.ID)
	f.clock.Advance(time.Second)
	keep := f.create(t, user.ID)

	ids, err := f.store.InvalidateUser(context.Background(), user.ID, keep.ID, ReasonPasswordChange)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	count, err := f.store.CountActive(context.Background(), user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestCleanupExpired(t *testing.T) {
	f := setupStore(t, func(cfg *Config) { cfg.ConcurrentLimit = 10 })
	user := createTestUser(t, f.db, "pia")

	stale := f.create(t, user.ID)
	require.NoError(t, f.store.Invalidate(context.Background(), stale.ID, ReasonLogout))
	idle := f.create(t, user.ID)

	f.clock.Advance(2 * time.Hour)
	live := f.create(t, user.ID)

	deactivated, deleted, err := f.store.CleanupExpired(context.Background(), time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, deactivated)
	require.EqualValues(t, 1, deleted)

	var remaining []models.Session
	require.NoError(t, f.db.Order("created_at").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	require.Equal(t, idle.ID, remaining[0].ID)
	require.False(t, remaining[0].IsActive)
	require.Equal(t, live.ID, remaining[1].ID)
	require.True(t, remaining[1].IsActive)
}
