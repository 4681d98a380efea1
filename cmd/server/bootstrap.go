package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/api"
	"github.com/charlesng35/authcore/internal/app"
	"github.com/charlesng35/authcore/internal/app/maintenance"
	"github.com/charlesng35/authcore/internal/audit"
	"github.com/charlesng35/authcore/internal/auth"
	"github.com/charlesng35/authcore/internal/auth/mfa"
	"github.com/charlesng35/authcore/internal/auth/password"
	"github.com/charlesng35/authcore/internal/auth/session"
	"github.com/charlesng35/authcore/internal/auth/token"
	"github.com/charlesng35/authcore/internal/cache"
	"github.com/charlesng35/authcore/internal/database"
	"github.com/charlesng35/authcore/internal/monitoring"
	"github.com/charlesng35/authcore/internal/monitoring/checks"
	"github.com/charlesng35/authcore/pkg/logger"
)

// runtimeStack bundles the long-lived services of one process.
type runtimeStack struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Sessions *session.Store
	Audit    *audit.Service
	Auth     *auth.Service
	Cleaner  *maintenance.Cleaner
	Monitor  *monitoring.Module
	Router   *gin.Engine

	closeOnce sync.Once
	closeErr  error
}

// bootstrapRuntime opens the stores, builds the authentication service and the ops router
// and starts the maintenance scheduler. On failure everything already opened is released.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (_ *runtimeStack, err error) {
	stack := &runtimeStack{}
	defer func() {
		if err != nil {
			if shutdownErr := stack.Shutdown(context.Background(), log); shutdownErr != nil {
				log.Warn("bootstrap cleanup failed", zap.Error(shutdownErr))
			}
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	vaultKey, err := app.VaultKey(cfg.Vault.EncryptionKey)
	if err != nil {
		return nil, err
	}
	keys, err := app.LoadKeySet(cfg.Auth.JWT.PrivateKeyPath, cfg.Auth.JWT.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	if keys.Private == nil {
		log.Warn("no private key found; token issuance will fail", zap.String("path", cfg.Auth.JWT.PrivateKeyPath))
	}

	stack.DB, err = initialiseDatabase(cfg.Database.DatabaseConnection())
	if err != nil {
		return nil, err
	}

	tableCache, err := cache.NewTableStore(stack.DB)
	if err != nil {
		return nil, err
	}
	var accelerator cache.Store = tableCache
	var redisStore *cache.RedisStore
	if cfg.Cache.Redis.Enabled {
		redisCfg := cfg.Cache.Redis.ClientConfig()
		stack.Redis, err = cache.NewRedisClient(ctx, redisCfg)
		if err != nil {
			log.Warn("redis unavailable; sessions use the database cache", zap.Error(err))
			err = nil
		} else {
			redisStore = cache.NewRedisStore(stack.Redis, redisCfg)
			accelerator = redisStore
			log.Info("redis connected", zap.String("addr", redisCfg.Address))
		}
	}

	passwords, err := password.NewManager(cfg.Auth.PasswordPolicy())
	if err != nil {
		return nil, fmt.Errorf("initialise password manager: %w", err)
	}
	mfaManager, err := mfa.NewManager(vaultKey, cfg.Auth.MFAOptions()...)
	if err != nil {
		return nil, fmt.Errorf("initialise mfa manager: %w", err)
	}
	tokens, err := token.NewManager(cfg.Auth.TokenConfig(keys, logger.WithModule("token")))
	if err != nil {
		return nil, fmt.Errorf("initialise token manager: %w", err)
	}
	stack.Sessions, err = session.NewStore(stack.DB, cfg.Auth.SessionConfig(accelerator, logger.WithModule("session")))
	if err != nil {
		return nil, fmt.Errorf("initialise session store: %w", err)
	}
	stack.Audit, err = audit.NewService(stack.DB, nil)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	stack.Auth, err = auth.NewService(stack.DB, auth.Dependencies{
		Passwords: passwords,
		MFA:       mfaManager,
		Tokens:    tokens,
		Sessions:  stack.Sessions,
		Audit:     stack.Audit,
	}, cfg.Auth.ServiceConfig(logger.WithModule("auth")))
	if err != nil {
		return nil, fmt.Errorf("initialise auth service: %w", err)
	}

	stack.Monitor, err = monitoring.NewModule(monitoring.Options{
		Gatherers: []prometheus.Gatherer{prometheus.DefaultGatherer},
	})
	if err != nil {
		return nil, fmt.Errorf("initialise monitoring: %w", err)
	}
	monitoring.SetModule(stack.Monitor)

	health := stack.Monitor.Health()
	health.RegisterLiveness(checks.Maintenance(stack.Monitor, 0))
	health.RegisterReadiness(checks.Database(stack.DB, 0))
	if redisStore != nil {
		health.RegisterReadiness(checks.Redis(redisStore, cfg.Cache.Redis.Timeout))
	}

	if cfg.Maintenance.Enabled {
		stack.Cleaner = maintenance.NewCleaner(stack.DB, stack.Sessions, stack.Audit,
			maintenance.WithCache(tableCache),
			maintenance.WithSessionRetention(cfg.Maintenance.SessionRetention),
			maintenance.WithAuditRetention(cfg.Maintenance.AuditRetention),
			maintenance.WithSessionSchedule(cfg.Maintenance.SessionSchedule),
			maintenance.WithAuditSchedule(cfg.Maintenance.AuditSchedule),
			maintenance.WithTokenSchedule(cfg.Maintenance.TokenSchedule),
		)
		if err = stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
	}

	stack.Router, err = api.NewOpsRouter(stack.Monitor)
	if err != nil {
		return nil, fmt.Errorf("build ops router: %w", err)
	}

	return stack, nil
}

// Shutdown stops background jobs and releases connections. A final cleanup pass runs
// before the database closes. Later calls return the first result.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() { s.closeErr = s.release(ctx, log) })
	return s.closeErr
}

func (s *runtimeStack) release(ctx context.Context, log *zap.Logger) error {
	var errs error
	if s.Cleaner != nil {
		select {
		case <-s.Cleaner.Stop().Done():
		case <-ctx.Done():
			log.Warn("maintenance jobs still running at shutdown")
		}
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		errs = multierr.Append(errs, s.Cleaner.RunOnce(runCtx))
		cancel()
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close redis: %w", err))
		}
	}

	if s.DB != nil {
		sqlDB, err := s.DB.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errs
}

func initialiseDatabase(cfg database.Config) (*gorm.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.WithModule("database").Info("database ready", zap.String("driver", cfg.Driver))
	return db, nil
}
