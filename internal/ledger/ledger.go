package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnichat/batteryd/internal/models"
)

// ErrInsufficientBalance indicates a debit would push the balance negative.
// The balance is left unchanged when this is returned.
var ErrInsufficientBalance = errors.New("ledger: insufficient battery balance")

// Ledger is the single writer for battery accounts. Debits are conditional
// updates so concurrent requests against one account cannot both succeed on
// the same balance.
type Ledger struct {
	db *gorm.DB
}

// New constructs a Ledger backed by GORM.
func New(db *gorm.DB) *Ledger { return &Ledger{db: db} }

// WithTx returns a Ledger bound to an open transaction handle, so callers
// can make a debit part of a larger atomic unit.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger { return &Ledger{db: tx} }

// UTCDate formats a time as the ledger's calendar date.
func UTCDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// GetAccount returns the battery account for a user, creating a zero-balance
// record if none exists. Concurrent creation attempts resolve via
// insert-ignore-on-conflict.
func (l *Ledger) GetAccount(ctx context.Context, userID uint64) (*models.BatteryAccount, error) {
	if userID == 0 {
		return nil, fmt.Errorf("ledger: empty user id")
	}

	seed := models.BatteryAccount{
		UserID:         userID,
		LastDailyReset: UTCDate(time.Now()),
	}
	if errCreate := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&seed).Error; errCreate != nil {
		return nil, errCreate
	}

	var account models.BatteryAccount
	if errFind := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&account).Error; errFind != nil {
		return nil, errFind
	}
	return &account, nil
}

// Debit reduces the balance by amount and returns the resulting balance.
// The decrement is a single conditional update; when the condition fails the
// balance is untouched and ErrInsufficientBalance is returned.
func (l *Ledger) Debit(ctx context.Context, userID uint64, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("ledger: negative debit amount %d", amount)
	}
	if amount == 0 {
		account, errGet := l.GetAccount(ctx, userID)
		if errGet != nil {
			return 0, errGet
		}
		return account.TotalBalance, nil
	}

	res := l.db.WithContext(ctx).
		Model(&models.BatteryAccount{}).
		Where("user_id = ? AND total_balance >= ?", userID, amount).
		Updates(map[string]any{
			"total_balance": gorm.Expr("total_balance - ?", amount),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		// Either the account does not exist yet or the balance is too low.
		// Both deny the debit; materialize the account so the caller sees a
		// consistent zero-initialized record.
		if _, errGet := l.GetAccount(ctx, userID); errGet != nil {
			return 0, errGet
		}
		return 0, ErrInsufficientBalance
	}

	account, errGet := l.GetAccount(ctx, userID)
	if errGet != nil {
		return 0, errGet
	}
	return account.TotalBalance, nil
}

// Credit increases the balance by amount and returns the resulting balance.
// Used by daily resets, plan grants, and top-ups.
func (l *Ledger) Credit(ctx context.Context, userID uint64, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("ledger: negative credit amount %d", amount)
	}
	if _, errGet := l.GetAccount(ctx, userID); errGet != nil {
		return 0, errGet
	}
	if amount > 0 {
		if errUpdate := l.db.WithContext(ctx).
			Model(&models.BatteryAccount{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"total_balance": gorm.Expr("total_balance + ?", amount),
				"updated_at":    time.Now().UTC(),
			}).Error; errUpdate != nil {
			return 0, errUpdate
		}
	}

	account, errGet := l.GetAccount(ctx, userID)
	if errGet != nil {
		return 0, errGet
	}
	return account.TotalBalance, nil
}

// SetDailyAllowance replaces the allowance granted at each daily reset.
func (l *Ledger) SetDailyAllowance(ctx context.Context, userID uint64, allowance int64) error {
	if allowance < 0 {
		return fmt.Errorf("ledger: negative allowance %d", allowance)
	}
	if _, errGet := l.GetAccount(ctx, userID); errGet != nil {
		return errGet
	}
	return l.db.WithContext(ctx).
		Model(&models.BatteryAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"daily_allowance": allowance,
			"updated_at":      time.Now().UTC(),
		}).Error
}

// ResetDailyAllowances credits each account's daily allowance once per UTC
// day and journals the grant. The last_daily_reset guard in the update makes
// the grant idempotent across concurrent instances.
func (l *Ledger) ResetDailyAllowances(ctx context.Context, now time.Time) (int, error) {
	today := UTCDate(now)

	var accounts []models.BatteryAccount
	if errFind := l.db.WithContext(ctx).
		Where("daily_allowance > 0 AND last_daily_reset <> ?", today).
		Find(&accounts).Error; errFind != nil {
		return 0, errFind
	}

	updated := 0
	for _, account := range accounts {
		errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.BatteryAccount{}).
				Where("user_id = ? AND last_daily_reset <> ?", account.UserID, today).
				Updates(map[string]any{
					"total_balance":    gorm.Expr("total_balance + daily_allowance"),
					"last_daily_reset": today,
					"updated_at":       now.UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Another instance granted today's allowance first.
				return nil
			}

			// Re-read inside the transaction: the update credited the
			// column's current allowance, which may differ from the
			// pre-sweep snapshot if a webhook changed it in between.
			var fresh models.BatteryAccount
			if errFind := tx.Where("user_id = ?", account.UserID).Take(&fresh).Error; errFind != nil {
				return errFind
			}
			journal := models.BatteryTransaction{
				UserID:       account.UserID,
				Type:         models.BatteryTransactionGrant,
				Amount:       fresh.DailyAllowance,
				BalanceAfter: fresh.TotalBalance,
				Description:  "Daily battery allowance",
			}
			if errCreate := tx.Create(&journal).Error; errCreate != nil {
				return errCreate
			}
			updated++
			return nil
		})
		if errTx != nil {
			log.WithError(errTx).WithField("user_id", account.UserID).
				Warn("ledger: daily allowance reset failed")
		}
	}
	return updated, nil
}
