package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/omnichat/batteryd/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	// Each pooled connection to :memory: is a distinct database; pin the
	// pool to one connection so every goroutine sees the same store.
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := conn.AutoMigrate(
		&models.BatteryAccount{},
		&models.BatteryTransaction{},
	); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestGetAccountCreatesZeroBalance(t *testing.T) {
	led := New(openTestDB(t))
	ctx := context.Background()

	account, errGet := led.GetAccount(ctx, 1)
	if errGet != nil {
		t.Fatalf("get account: %v", errGet)
	}
	if account.TotalBalance != 0 || account.DailyAllowance != 0 {
		t.Fatalf("expected zero account, got balance=%d allowance=%d",
			account.TotalBalance, account.DailyAllowance)
	}

	again, errAgain := led.GetAccount(ctx, 1)
	if errAgain != nil {
		t.Fatalf("get account again: %v", errAgain)
	}
	if again.ID != account.ID {
		t.Fatalf("second get created a new row: %d vs %d", again.ID, account.ID)
	}
}

func TestDebitAndCredit(t *testing.T) {
	led := New(openTestDB(t))
	ctx := context.Background()

	if _, errCredit := led.Credit(ctx, 1, 100); errCredit != nil {
		t.Fatalf("credit: %v", errCredit)
	}
	balance, errDebit := led.Debit(ctx, 1, 30)
	if errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}
	if balance != 70 {
		t.Fatalf("expected 70, got %d", balance)
	}
}

func TestDebitInsufficientLeavesBalance(t *testing.T) {
	led := New(openTestDB(t))
	ctx := context.Background()

	if _, errCredit := led.Credit(ctx, 1, 10); errCredit != nil {
		t.Fatalf("credit: %v", errCredit)
	}
	if _, errDebit := led.Debit(ctx, 1, 30); !errors.Is(errDebit, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", errDebit)
	}

	account, errGet := led.GetAccount(ctx, 1)
	if errGet != nil {
		t.Fatalf("get account: %v", errGet)
	}
	if account.TotalBalance != 10 {
		t.Fatalf("balance changed after denied debit: %d", account.TotalBalance)
	}
}

func TestDebitMissingAccountDenied(t *testing.T) {
	led := New(openTestDB(t))
	ctx := context.Background()

	if _, errDebit := led.Debit(ctx, 42, 1); !errors.Is(errDebit, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", errDebit)
	}

	account, errGet := led.GetAccount(ctx, 42)
	if errGet != nil {
		t.Fatalf("get account: %v", errGet)
	}
	if account.TotalBalance != 0 {
		t.Fatalf("expected materialized zero account, got %d", account.TotalBalance)
	}
}

func TestDebitRejectsNegativeAmount(t *testing.T) {
	led := New(openTestDB(t))
	if _, errDebit := led.Debit(context.Background(), 1, -5); errDebit == nil {
		t.Fatal("expected error for negative debit")
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	led := New(openTestDB(t))
	ctx := context.Background()

	if _, errCredit := led.Credit(ctx, 1, 50); errCredit != nil {
		t.Fatalf("credit: %v", errCredit)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, errDebit := led.Debit(ctx, 1, 10); errDebit == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	account, errGet := led.GetAccount(ctx, 1)
	if errGet != nil {
		t.Fatalf("get account: %v", errGet)
	}
	if account.TotalBalance < 0 {
		t.Fatalf("balance went negative: %d", account.TotalBalance)
	}
	if want := int64(50 - granted*10); account.TotalBalance != want {
		t.Fatalf("balance %d does not match %d granted debits", account.TotalBalance, granted)
	}
}

func TestResetDailyAllowancesIdempotentPerDay(t *testing.T) {
	conn := openTestDB(t)
	led := New(conn)
	ctx := context.Background()

	yesterday := UTCDate(time.Now().Add(-24 * time.Hour))
	account := models.BatteryAccount{
		UserID:         1,
		TotalBalance:   5,
		DailyAllowance: 200,
		LastDailyReset: yesterday,
	}
	if errCreate := conn.Create(&account).Error; errCreate != nil {
		t.Fatalf("seed account: %v", errCreate)
	}

	now := time.Now()
	count, errReset := led.ResetDailyAllowances(ctx, now)
	if errReset != nil {
		t.Fatalf("reset: %v", errReset)
	}
	if count != 1 {
		t.Fatalf("expected 1 reset, got %d", count)
	}

	count, errReset = led.ResetDailyAllowances(ctx, now)
	if errReset != nil {
		t.Fatalf("second reset: %v", errReset)
	}
	if count != 0 {
		t.Fatalf("second sweep should be a no-op, got %d", count)
	}

	fresh, errGet := led.GetAccount(ctx, 1)
	if errGet != nil {
		t.Fatalf("get account: %v", errGet)
	}
	if fresh.TotalBalance != 205 {
		t.Fatalf("expected 205 after one grant, got %d", fresh.TotalBalance)
	}
	if fresh.LastDailyReset != UTCDate(now) {
		t.Fatalf("last reset not advanced: %s", fresh.LastDailyReset)
	}

	var journals int64
	if errCount := conn.Model(&models.BatteryTransaction{}).
		Where("user_id = ? AND type = ?", 1, models.BatteryTransactionGrant).
		Count(&journals).Error; errCount != nil {
		t.Fatalf("count journals: %v", errCount)
	}
	if journals != 1 {
		t.Fatalf("expected one grant journal entry, got %d", journals)
	}
}

func TestResetJournalMatchesCreditedAmount(t *testing.T) {
	conn := openTestDB(t)
	led := New(conn)
	ctx := context.Background()

	account := models.BatteryAccount{
		UserID:         1,
		TotalBalance:   5,
		DailyAllowance: 200,
		LastDailyReset: UTCDate(time.Now().Add(-24 * time.Hour)),
	}
	if errCreate := conn.Create(&account).Error; errCreate != nil {
		t.Fatalf("seed account: %v", errCreate)
	}
	// The allowance at grant time, not any earlier snapshot, is what gets
	// credited and journaled.
	if errAllowance := led.SetDailyAllowance(ctx, 1, 500); errAllowance != nil {
		t.Fatalf("set allowance: %v", errAllowance)
	}

	if _, errReset := led.ResetDailyAllowances(ctx, time.Now()); errReset != nil {
		t.Fatalf("reset: %v", errReset)
	}

	fresh, errGet := led.GetAccount(ctx, 1)
	if errGet != nil {
		t.Fatalf("get account: %v", errGet)
	}
	credited := fresh.TotalBalance - 5
	if credited != 500 {
		t.Fatalf("expected 500 credited, got %d", credited)
	}

	var journal models.BatteryTransaction
	if errFind := conn.Where("user_id = ? AND type = ?", 1, models.BatteryTransactionGrant).
		Take(&journal).Error; errFind != nil {
		t.Fatalf("grant journal missing: %v", errFind)
	}
	if journal.Amount != credited {
		t.Fatalf("journal amount %d does not match credited %d", journal.Amount, credited)
	}
	if journal.BalanceAfter != fresh.TotalBalance {
		t.Fatalf("journal balance_after %d, account %d", journal.BalanceAfter, fresh.TotalBalance)
	}
}

func TestResetSkipsZeroAllowanceAccounts(t *testing.T) {
	conn := openTestDB(t)
	led := New(conn)
	ctx := context.Background()

	if _, errGet := led.GetAccount(ctx, 1); errGet != nil {
		t.Fatalf("seed: %v", errGet)
	}
	if errStale := conn.Model(&models.BatteryAccount{}).
		Where("user_id = ?", 1).
		Update("last_daily_reset", "2000-01-01").Error; errStale != nil {
		t.Fatalf("backdate: %v", errStale)
	}

	count, errReset := led.ResetDailyAllowances(ctx, time.Now())
	if errReset != nil {
		t.Fatalf("reset: %v", errReset)
	}
	if count != 0 {
		t.Fatalf("zero-allowance account should be skipped, got %d", count)
	}
}
