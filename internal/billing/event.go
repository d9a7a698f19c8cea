package billing

import (
	"encoding/json"
	"strings"
	"time"
)

// Event kinds recognized on the webhook ingress. Anything else is
// acknowledged without side effect.
const (
	EventCheckoutUpdated      = "checkout.updated"
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionCanceled = "subscription.canceled"
	EventOrderCreated         = "order.created"
)

// LifecycleEvent is one normalized billing event ready for reconciliation.
type LifecycleEvent struct {
	Kind                   string
	OwnerEmail             string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	// ProviderStatus is the raw provider string; NormalizeStatus maps it.
	ProviderStatus       string
	CurrentPeriodEndSecs *int64
}

type eventParty struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type eventData struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	CustomerEmail    string          `json:"customer_email"`
	CustomerID       string          `json:"customer_id"`
	SubscriptionID   string          `json:"subscription_id"`
	CurrentPeriodEnd json.RawMessage `json:"current_period_end"`
	User             *eventParty     `json:"user"`
	Customer         *eventParty     `json:"customer"`
}

// ParseEvent extracts a LifecycleEvent from a webhook `data` object. The
// second return is false when the event carries nothing to reconcile (no
// subject email, a checkout that has not succeeded, or an unrecognized
// kind); such events are acknowledged and skipped, never failed.
func ParseEvent(kind string, data json.RawMessage) (LifecycleEvent, bool, error) {
	var payload eventData
	if err := json.Unmarshal(data, &payload); err != nil {
		return LifecycleEvent{}, false, err
	}

	switch kind {
	case EventCheckoutUpdated:
		if payload.Status != "succeeded" || payload.CustomerEmail == "" {
			return LifecycleEvent{}, false, nil
		}
		return LifecycleEvent{
			Kind:                   kind,
			OwnerEmail:             normalizeEmail(payload.CustomerEmail),
			ProviderCustomerID:     payload.CustomerID,
			ProviderSubscriptionID: payload.SubscriptionID,
			ProviderStatus:         "active",
		}, true, nil

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		if payload.User == nil || payload.User.Email == "" {
			return LifecycleEvent{}, false, nil
		}
		return LifecycleEvent{
			Kind:                   kind,
			OwnerEmail:             normalizeEmail(payload.User.Email),
			ProviderCustomerID:     payload.User.ID,
			ProviderSubscriptionID: payload.ID,
			ProviderStatus:         payload.Status,
			CurrentPeriodEndSecs:   parsePeriodEnd(payload.CurrentPeriodEnd),
		}, true, nil

	case EventSubscriptionCanceled:
		if payload.User == nil || payload.User.Email == "" {
			return LifecycleEvent{}, false, nil
		}
		return LifecycleEvent{
			Kind:                   kind,
			OwnerEmail:             normalizeEmail(payload.User.Email),
			ProviderCustomerID:     payload.User.ID,
			ProviderSubscriptionID: payload.ID,
			ProviderStatus:         "canceled",
		}, true, nil

	case EventOrderCreated:
		if payload.Customer == nil || payload.Customer.Email == "" {
			return LifecycleEvent{}, false, nil
		}
		return LifecycleEvent{
			Kind:                   kind,
			OwnerEmail:             normalizeEmail(payload.Customer.Email),
			ProviderCustomerID:     payload.Customer.ID,
			ProviderSubscriptionID: payload.SubscriptionID,
			ProviderStatus:         "active",
		}, true, nil

	default:
		return LifecycleEvent{}, false, nil
	}
}

// parsePeriodEnd accepts either an RFC 3339 string or a unix-seconds number.
func parsePeriodEnd(raw json.RawMessage) *int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		parsed, err := time.Parse(time.RFC3339, asString)
		if err != nil {
			return nil
		}
		seconds := parsed.Unix()
		return &seconds
	}

	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return &asNumber
	}
	return nil
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
