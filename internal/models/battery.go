package models

import (
	"time"

	"gorm.io/datatypes"
)

// BatteryAccount holds a user's battery balance and daily allowance.
// Balance mutations go exclusively through the ledger package.
type BatteryAccount struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex"` // Owning user ID.

	TotalBalance   int64  `gorm:"not null;default:0"`            // Current balance in battery units. Never negative.
	DailyAllowance int64  `gorm:"not null;default:0"`            // Units granted per daily reset; 0 for free tier.
	LastDailyReset string `gorm:"type:text;not null;default:''"` // UTC date (YYYY-MM-DD) of the last allowance grant.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Battery transaction types.
const (
	// BatteryTransactionUsage is a debit for a billable model invocation.
	BatteryTransactionUsage = "usage"
	// BatteryTransactionGrant is a credit from a daily or plan allowance.
	BatteryTransactionGrant = "grant"
	// BatteryTransactionTopup is a credit from a purchased battery pack.
	BatteryTransactionTopup = "topup"
)

// BatteryTransaction journals every committed balance mutation.
type BatteryTransaction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"` // Owning user ID.

	Type         string `gorm:"type:text;not null;index"` // usage, grant, or topup.
	Amount       int64  `gorm:"not null"`                 // Signed delta; negative for usage.
	BalanceAfter int64  `gorm:"not null"`                 // Balance after the mutation committed.

	Description string         `gorm:"type:text"`  // Human-readable summary.
	Metadata    datatypes.JSON `gorm:"type:jsonb"` // Structured context (model, message ID, ...).

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
