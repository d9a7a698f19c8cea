package accounts

import (
	"strings"
	"time"
)

// Account captures a registered writer identified by email.
type Account struct {
	ID           string    `gorm:"column:account_id;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:190;not null"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing registered accounts.
func (Account) TableName() string {
	return "accounts"
}

// normalizeEmail lowercases and trims an email for use as a lookup key.
func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
