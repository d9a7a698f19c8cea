package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/draftsmith/backend/internal/billing"
)

const migrationNormalizeEntitlementStatuses = "2026-08-12_normalize_entitlement_statuses"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeEntitlementStatuses, apply: normalizeEntitlementStatuses},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeEntitlementStatuses rewrites provider status strings persisted
// before the canonical enum existed.
func normalizeEntitlementStatuses(db *gorm.DB) error {
	var records []billing.Entitlement
	if err := db.Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		normalized := billing.NormalizeStatus(string(record.Status))
		if normalized == record.Status {
			continue
		}
		err := db.Model(&billing.Entitlement{}).
			Where("entitlement_id = ?", record.EntitlementID).
			Update("status", normalized).Error
		if err != nil {
			return err
		}
	}
	return nil
}
