// Package audit persists the append-only security event trail.
package audit

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/models"
)

// Event types emitted by the authentication service.
const (
	EventRegistration   = "registration"
	EventLogin          = "login"
	EventLogout         = "logout"
	EventTokenRefresh   = "token_refresh"
	EventPasswordChange = "password_change"
	EventEmailVerify    = "email_verification"
	EventMFAEnroll      = "mfa_enroll"
	EventMFAActivate    = "mfa_activate"
	EventAccountUnlock  = "account_unlock"
	EventAccountLock    = "account_lock"
	EventDeactivate     = "account_deactivate"
)

// Event statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Event captures a single audit record to persist.
type Event struct {
	UserID    string
	Type      string
	Status    string
	Details   map[string]any
	IPAddress string
	UserAgent string
}

// Recorder is implemented by anything that can persist audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Discard drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) error { return nil }

// Filters encapsulates optional filters when querying audit logs.
type Filters struct {
	UserID string
	Type   string
	Status string
	Since  *time.Time
	Until  *time.Time
}

// ListOptions controls pagination and filtering for audit queries.
type ListOptions struct {
	Page     int
	PageSize int
	Filters  Filters
}

// Service persists and retrieves audit log entries.
type Service struct {
	db  *gorm.DB
	now func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewService constructs a Service using the provided database handle. clock may be nil.
func NewService(db *gorm.DB, clock func() time.Time) (*Service, error) {
	if db == nil {
		return nil, errors.New("audit: db is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:      db,
		now:     func() time.Time { return clock().UTC() },
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Record stores an event. Details are serialised to JSON and must not contain secrets.
func (s *Service) Record(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.Type) == "" {
		return errors.New("audit: event type is required")
	}
	if strings.TrimSpace(event.Status) == "" {
		return errors.New("audit: event status is required")
	}

	var details datatypes.JSON
	if len(event.Details) > 0 {
		encoded, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		details = datatypes.JSON(encoded)
	}

	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return err
	}

	entry := models.AuditLog{
		ID:          id,
		EventType:   strings.TrimSpace(event.Type),
		EventStatus: strings.TrimSpace(event.Status),
		Details:     details,
		IPAddress:   models.Clip(event.IPAddress, models.IPAddressSize),
		UserAgent:   models.Clip(event.UserAgent, models.UserAgentSize),
		CreatedAt:   now,
	}
	if userID := strings.TrimSpace(event.UserID); userID != "" {
		entry.UserID = &userID
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("audit: create entry: %w", err)
	}
	return nil
}

// List returns paginated audit logs ordered newest first.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]models.AuditLog, int64, error) {
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	var (
		results []models.AuditLog
		total   int64
	)

	query := applyFilters(s.db.WithContext(ctx).Model(&models.AuditLog{}), opts.Filters)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: count logs: %w", err)
	}

	if err := query.
		Order("id DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list logs: %w", err)
	}

	return results, total, nil
}

// CleanupOlderThan removes audit logs older than the retention window. It is only invoked
// by the retention job when one is configured.
func (s *Service) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, errors.New("audit: retention must be positive")
	}

	cutoff := s.now().Add(-retention)
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit: cleanup logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Service) newID(at time.Time) (string, error) {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(at), s.entropy)
	if err != nil {
		return "", fmt.Errorf("audit: generate id: %w", err)
	}
	return id.String(), nil
}

func applyFilters(query *gorm.DB, filters Filters) *gorm.DB {
	if filters.UserID != "" {
		query = query.Where("user_id = ?", filters.UserID)
	}
	if filters.Type != "" {
		query = query.Where("event_type = ?", filters.Type)
	}
	if filters.Status != "" {
		query = query.Where("event_status = ?", filters.Status)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", filters.Since.UTC())
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", filters.Until.UTC())
	}
	return query
}
