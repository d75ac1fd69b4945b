package models

import "time"

// EntitlementStatus is the stored state of a user's subscription record.
type EntitlementStatus string

const (
	// EntitlementFreemium is the implicit state of a user without a record.
	EntitlementFreemium EntitlementStatus = "freemium"
	// EntitlementActive grants premium access until ExpiresAt.
	EntitlementActive EntitlementStatus = "active"
	// EntitlementInactive is an explicitly revoked or failed subscription.
	EntitlementInactive EntitlementStatus = "inactive"
)

// Entitlement origins.
const (
	OriginManual         = "manual"
	OriginSubscription   = "mercadopago_subscription"
	OriginPayment        = "mercadopago_payment"
	OriginCheckoutReturn = "checkout_return"
)

// PlanPremium is the only plan sold.
const PlanPremium = "premium"

// External id keys stored on an entitlement.
const (
	ExternalSubscriptionID = "subscription_id"
	ExternalPaymentID      = "payment_id"
)

// Entitlement is a user's subscription record.
type Entitlement struct {
	UserID         string            `json:"user_id"`
	Status         EntitlementStatus `json:"status"`
	Plan           string            `json:"plan"`
	Origin         string            `json:"origin"`
	StartedAt      time.Time         `json:"started_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	LastPaymentAt  *time.Time        `json:"last_payment_at,omitempty"`
	ProviderStatus string            `json:"provider_status,omitempty"`
	ExternalIDs    map[string]string `json:"external_ids,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// IsEntitled reports whether the record grants premium access at now.
// Expiry is evaluated here and never written back.
func (e *Entitlement) IsEntitled(now time.Time) bool {
	if e == nil || e.Status != EntitlementActive {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// Clone returns a deep copy so callers can diff before and after states.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	if e.LastPaymentAt != nil {
		t := *e.LastPaymentAt
		c.LastPaymentAt = &t
	}
	if e.ExternalIDs != nil {
		c.ExternalIDs = make(map[string]string, len(e.ExternalIDs))
		for k, v := range e.ExternalIDs {
			c.ExternalIDs[k] = v
		}
	}
	return &c
}

// EntitlementView is the read model returned by the ledger.
type EntitlementView struct {
	UserID    string            `json:"user_id"`
	Status    EntitlementStatus `json:"status"`
	Entitled  bool              `json:"entitled"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Record    *Entitlement      `json:"record,omitempty"`
}

// SubscriptionEvent is a provider subscription (preapproval) state snapshot.
type SubscriptionEvent struct {
	EventType      string `json:"event_type"`
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	NextChargeDate string `json:"next_charge_date,omitempty"`
	UserReference  string `json:"user_reference"`
	ModifiedAt     string `json:"modified_at,omitempty"`
}

// Subscription statuses the ledger understands.
const (
	SubscriptionAuthorized = "authorized"
	SubscriptionPaused     = "paused"
	SubscriptionCancelled  = "cancelled"
)

// PaymentEvent is a provider payment state snapshot.
type PaymentEvent struct {
	EventType     string `json:"event_type"`
	PaymentID     string `json:"payment_id"`
	Status        string `json:"status"`
	UserReference string `json:"user_reference"`
}

// Payment statuses the ledger understands.
const (
	PaymentApproved  = "approved"
	PaymentRejected  = "rejected"
	PaymentCancelled = "cancelled"
)
