package models

import "time"

// StripeEvent marks a webhook event as processed. Stripe redelivers events,
// so balance-mutating handlers insert the event ID here inside their
// transaction; the unique index turns a redelivery into a no-op.
type StripeEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EventID string `gorm:"type:text;not null;uniqueIndex"` // Stripe event ID (evt_...).
	Type    string `gorm:"type:text;not null"`             // Stripe event type.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Processing timestamp.
}
