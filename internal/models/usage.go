package models

import (
	"time"

	"gorm.io/datatypes"
)

// UsageEvent records one billable model invocation. MessageID carries a
// unique index so a retried submission can never charge twice; the stored
// BatteryUsed/BalanceAfter pair is replayed to duplicate callers.
type UsageEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID         uint64 `gorm:"not null;index"`                 // Owning user ID.
	ConversationID string `gorm:"type:text;not null;index"`       // Conversation the message belongs to.
	MessageID      string `gorm:"type:text;not null;uniqueIndex"` // Dedup key; at most one charge per message.

	Model        string `gorm:"type:text;not null;index"` // Model identifier as requested.
	InputTokens  int64  `gorm:"not null;default:0"`       // Input token count.
	OutputTokens int64  `gorm:"not null;default:0"`       // Output token count.
	Cached       bool   `gorm:"not null;default:false"`   // Whether the provider served from cache.

	BatteryUsed  int64 `gorm:"not null;default:0"` // Battery units debited for this event.
	BalanceAfter int64 `gorm:"not null;default:0"` // Balance after the debit committed.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}

// DailyUsageSummary accumulates battery usage per user per UTC calendar day.
// Exactly one row per (UserID, Date); increments are applied atomically in
// the same transaction as the ledger debit.
type DailyUsageSummary struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex:idx_daily_usage_user_date"`           // Owning user ID.
	Date   string `gorm:"type:text;not null;uniqueIndex:idx_daily_usage_user_date"` // UTC date (YYYY-MM-DD).

	TotalBatteryUsed int64 `gorm:"not null;default:0"` // Battery units used that day.
	TotalMessages    int64 `gorm:"not null;default:0"` // Billable messages that day.

	ModelsUsed datatypes.JSON `gorm:"type:jsonb"` // Per-model message counts.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
