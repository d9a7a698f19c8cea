package billing

import "strings"

// Status is the canonical entitlement status.
type Status string

const (
	// StatusActive marks a paid, current subscription.
	StatusActive Status = "active"
	// StatusTrialing marks a subscription inside its trial window.
	StatusTrialing Status = "trialing"
	// StatusPastDue marks a subscription with a failed or overdue payment.
	StatusPastDue Status = "past_due"
	// StatusCanceled marks a subscription the customer ended.
	StatusCanceled Status = "canceled"
	// StatusInactive is the default for records without a live subscription
	// and the normalization target for unrecognized provider statuses.
	StatusInactive Status = "inactive"
)

// NormalizeStatus maps a provider-specific status string onto the canonical
// enum. Unrecognized values normalize to inactive; this never errors, so an
// unknown status can never crash reconciliation.
func NormalizeStatus(providerStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "canceled", "cancelled":
		return StatusCanceled
	case "past_due", "unpaid":
		return StatusPastDue
	default:
		return StatusInactive
	}
}

// Grants reports whether the status entitles the owner to gated features.
func (s Status) Grants() bool {
	return s == StatusActive || s == StatusTrialing
}

// Entitlement is the local record of a subscriber's billing state, keyed by
// owner email and reconciled from external lifecycle events.
type Entitlement struct {
	EntitlementID          string `gorm:"column:entitlement_id;primaryKey;size:190;not null"`
	OwnerEmail             string `gorm:"column:owner_email;size:320;not null;uniqueIndex"`
	ProviderCustomerID     string `gorm:"column:provider_customer_id;size:190"`
	ProviderSubscriptionID string `gorm:"column:provider_subscription_id;size:190"`
	Status                 Status `gorm:"column:status;size:32;not null;default:'inactive'"`
	CurrentPeriodEndSecs   *int64 `gorm:"column:current_period_end_s"`
	CreatedAtSeconds       int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds       int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entitlement) TableName() string {
	return "entitlements"
}
