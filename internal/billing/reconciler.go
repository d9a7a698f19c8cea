package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingEmail      = errors.New("owner email is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues identifiers for new entitlement records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the entitlement service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service reconciles external lifecycle events into local entitlement
// records and serves entitlement reads.
type Service struct {
	db         *gorm.DB
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger

	// keyMu guards keyLocks; each per-email lock serializes event
	// application for one record so reads and overwrites never interleave.
	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// NewService constructs the entitlement service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		keyLocks:   make(map[string]*sync.Mutex),
	}, nil
}

// Apply reconciles one lifecycle event. The mutable fields of an existing
// record are fully overwritten, so applying the same event twice yields the
// same final state. Events for emails without a record are logged and
// dropped: records are only created through an explicit authenticated
// in-app action, never fabricated from webhook data.
func (s *Service) Apply(ctx context.Context, event LifecycleEvent) error {
	if event.OwnerEmail == "" {
		return errMissingEmail
	}

	lock := s.lockFor(event.OwnerEmail)
	lock.Lock()
	defer lock.Unlock()

	var record Entitlement
	err := s.db.WithContext(ctx).
		Where("owner_email = ?", event.OwnerEmail).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Info("no entitlement record to update",
			zap.String("operation", "billing.apply"),
			zap.String("reason", "no_entitlement_record"),
			zap.String("event_kind", event.Kind))
		return nil
	}
	if err != nil {
		return fmt.Errorf("billing: lookup entitlement: %w", err)
	}

	record.ProviderCustomerID = event.ProviderCustomerID
	record.ProviderSubscriptionID = event.ProviderSubscriptionID
	record.Status = NormalizeStatus(event.ProviderStatus)
	record.CurrentPeriodEndSecs = event.CurrentPeriodEndSecs
	record.UpdatedAtSeconds = s.clock().UTC().Unix()

	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("billing: save entitlement: %w", err)
	}

	s.logger.Info("entitlement reconciled",
		zap.String("operation", "billing.apply"),
		zap.String("event_kind", event.Kind),
		zap.String("status", string(record.Status)))
	return nil
}

// CreateForOwner is the explicit in-app creation path, invoked when an
// authenticated user initiates checkout. It is idempotent: an existing
// record is returned unchanged.
func (s *Service) CreateForOwner(ctx context.Context, email string) (Entitlement, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return Entitlement{}, errMissingEmail
	}

	lock := s.lockFor(normalized)
	lock.Lock()
	defer lock.Unlock()

	var existing Entitlement
	err := s.db.WithContext(ctx).
		Where("owner_email = ?", normalized).
		Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Entitlement{}, fmt.Errorf("billing: lookup entitlement: %w", err)
	}

	entitlementID, err := s.idProvider.NewID()
	if err != nil {
		return Entitlement{}, fmt.Errorf("billing: id generation: %w", err)
	}

	now := s.clock().UTC().Unix()
	record := Entitlement{
		EntitlementID:    entitlementID,
		OwnerEmail:       normalized,
		Status:           StatusInactive,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Entitlement{}, fmt.Errorf("billing: create entitlement: %w", err)
	}
	return record, nil
}

// GetByOwner returns the entitlement record for the email, reporting absence
// without error.
func (s *Service) GetByOwner(ctx context.Context, email string) (Entitlement, bool, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return Entitlement{}, false, errMissingEmail
	}

	var record Entitlement
	err := s.db.WithContext(ctx).
		Where("owner_email = ?", normalized).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entitlement{}, false, nil
	}
	if err != nil {
		return Entitlement{}, false, fmt.Errorf("billing: lookup entitlement: %w", err)
	}
	return record, true, nil
}

// HasActiveEntitlement reports whether the email holds an active or trialing
// subscription.
func (s *Service) HasActiveEntitlement(ctx context.Context, email string) (bool, error) {
	record, found, err := s.GetByOwner(ctx, email)
	if err != nil || !found {
		return false, err
	}
	return record.Status.Grants(), nil
}

func (s *Service) lockFor(email string) *sync.Mutex {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	lock, ok := s.keyLocks[email]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[email] = lock
	}
	return lock
}
