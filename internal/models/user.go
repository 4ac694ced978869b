package models

import "time"

// User tier values.
const (
	// TierFree marks users without an active subscription.
	TierFree = "free"
	// TierPaid marks users with an active subscription.
	TierPaid = "paid"
)

// User mirrors the account record driven by the external identity and
// billing providers. The battery core only reads it; tier and subscription
// fields are mutated by billing webhooks.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Subject string `gorm:"type:text;not null;uniqueIndex"` // Identity-provider subject ID.
	Email   string `gorm:"type:text;index"`                // Email address.

	Tier               string `gorm:"type:text;not null;default:free"` // Access tier: free or paid.
	SubscriptionStatus string `gorm:"type:text"`                       // Subscription status from billing.
	PlanID             string `gorm:"type:text"`                       // Active plan identifier.

	StripeCustomerID     string `gorm:"type:text;index"` // Billing customer reference.
	StripeSubscriptionID string `gorm:"type:text"`       // Billing subscription reference.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
