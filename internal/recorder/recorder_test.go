package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/omnichat/batteryd/internal/ledger"
	"github.com/omnichat/batteryd/internal/models"
	"github.com/omnichat/batteryd/internal/pricing"
)

func newTestRecorder(t *testing.T) (*Recorder, *ledger.Ledger, *gorm.DB) {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := conn.AutoMigrate(
		&models.BatteryAccount{},
		&models.BatteryTransaction{},
		&models.UsageEvent{},
		&models.DailyUsageSummary{},
	); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	led := ledger.New(conn)
	table := pricing.NewTable()
	table.ApplyOverrides(map[string]pricing.Rate{
		// 30 units per 1K keeps the arithmetic in tests obvious.
		"test-model": {BatteryPer1K: 30},
	})
	return New(conn, led, table, nil), led, conn
}

func seedBalance(t *testing.T, led *ledger.Ledger, userID uint64, amount int64) {
	t.Helper()
	if _, errCredit := led.Credit(context.Background(), userID, amount); errCredit != nil {
		t.Fatalf("seed balance: %v", errCredit)
	}
}

func TestTrackUsageChargesAndRecords(t *testing.T) {
	rec, led, conn := newTestRecorder(t)
	ctx := context.Background()
	seedBalance(t, led, 1, 100)

	result, errTrack := rec.TrackUsage(ctx, Event{
		UserID:         1,
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		Model:          "test-model",
		InputTokens:    600,
		OutputTokens:   400,
	})
	if errTrack != nil {
		t.Fatalf("track: %v", errTrack)
	}
	if result.BatteryUsed != 30 || result.NewBalance != 70 {
		t.Fatalf("expected used=30 balance=70, got used=%d balance=%d",
			result.BatteryUsed, result.NewBalance)
	}

	var event models.UsageEvent
	if errFind := conn.Where("message_id = ?", "msg-1").Take(&event).Error; errFind != nil {
		t.Fatalf("usage event missing: %v", errFind)
	}
	if event.BatteryUsed != 30 || event.BalanceAfter != 70 {
		t.Fatalf("event recorded used=%d after=%d", event.BatteryUsed, event.BalanceAfter)
	}

	today, errToday := rec.TodayUsage(ctx, 1)
	if errToday != nil {
		t.Fatalf("today usage: %v", errToday)
	}
	if today != 30 {
		t.Fatalf("expected today usage 30, got %d", today)
	}

	var journal models.BatteryTransaction
	if errFind := conn.Where("user_id = ? AND type = ?", 1, models.BatteryTransactionUsage).
		Take(&journal).Error; errFind != nil {
		t.Fatalf("journal missing: %v", errFind)
	}
	if journal.Amount != -30 || journal.BalanceAfter != 70 {
		t.Fatalf("journal amount=%d after=%d", journal.Amount, journal.BalanceAfter)
	}
}

func TestTrackUsageDuplicateMessageReplaysResult(t *testing.T) {
	rec, led, conn := newTestRecorder(t)
	ctx := context.Background()
	seedBalance(t, led, 1, 100)

	event := Event{
		UserID:       1,
		MessageID:    "msg-dup",
		Model:        "test-model",
		InputTokens:  500,
		OutputTokens: 500,
	}
	first, errFirst := rec.TrackUsage(ctx, event)
	if errFirst != nil {
		t.Fatalf("first track: %v", errFirst)
	}
	second, errSecond := rec.TrackUsage(ctx, event)
	if errSecond != nil {
		t.Fatalf("second track: %v", errSecond)
	}
	if *second != *first {
		t.Fatalf("replay mismatch: first=%+v second=%+v", first, second)
	}

	account, errGet := led.GetAccount(ctx, 1)
	if errGet != nil {
		t.Fatalf("get account: %v", errGet)
	}
	if account.TotalBalance != first.NewBalance {
		t.Fatalf("duplicate charged again: balance %d", account.TotalBalance)
	}

	var eventCount int64
	if errCount := conn.Model(&models.UsageEvent{}).
		Where("message_id = ?", "msg-dup").
		Count(&eventCount).Error; errCount != nil {
		t.Fatalf("count events: %v", errCount)
	}
	if eventCount != 1 {
		t.Fatalf("expected one usage event, got %d", eventCount)
	}
}

func TestTrackUsageInsufficientBalanceLeavesStateUntouched(t *testing.T) {
	rec, led, conn := newTestRecorder(t)
	ctx := context.Background()
	seedBalance(t, led, 1, 10)

	_, errTrack := rec.TrackUsage(ctx, Event{
		UserID:       1,
		MessageID:    "msg-denied",
		Model:        "test-model",
		InputTokens:  500,
		OutputTokens: 500,
	})
	if !errors.Is(errTrack, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", errTrack)
	}

	account, errGet := led.GetAccount(ctx, 1)
	if errGet != nil {
		t.Fatalf("get account: %v", errGet)
	}
	if account.TotalBalance != 10 {
		t.Fatalf("balance changed: %d", account.TotalBalance)
	}

	var events, summaries, journals int64
	conn.Model(&models.UsageEvent{}).Count(&events)
	conn.Model(&models.DailyUsageSummary{}).Count(&summaries)
	conn.Model(&models.BatteryTransaction{}).Where("type = ?", models.BatteryTransactionUsage).Count(&journals)
	if events != 0 || summaries != 0 || journals != 0 {
		t.Fatalf("denied charge left rows: events=%d summaries=%d journals=%d",
			events, summaries, journals)
	}
}

func TestTrackUsageFreeModelAtZeroBalance(t *testing.T) {
	rec, _, conn := newTestRecorder(t)
	ctx := context.Background()

	result, errTrack := rec.TrackUsage(ctx, Event{
		UserID:       1,
		MessageID:    "msg-free",
		Model:        "ollama/llama3",
		InputTokens:  100000,
		OutputTokens: 100000,
	})
	if errTrack != nil {
		t.Fatalf("track: %v", errTrack)
	}
	if result.BatteryUsed != 0 || result.NewBalance != 0 {
		t.Fatalf("free model charged: %+v", result)
	}

	var events int64
	conn.Model(&models.UsageEvent{}).Count(&events)
	if events != 0 {
		t.Fatalf("free model should not write usage events, got %d", events)
	}
}

func TestTrackUsageUnknownModel(t *testing.T) {
	rec, led, _ := newTestRecorder(t)
	seedBalance(t, led, 1, 100)

	_, errTrack := rec.TrackUsage(context.Background(), Event{
		UserID:      1,
		MessageID:   "msg-unknown",
		Model:       "mystery-model-9000",
		InputTokens: 100,
	})
	if !errors.Is(errTrack, pricing.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", errTrack)
	}
}

func TestTrackUsageValidation(t *testing.T) {
	rec, _, _ := newTestRecorder(t)
	ctx := context.Background()

	cases := []Event{
		{UserID: 0, MessageID: "m", Model: "test-model"},
		{UserID: 1, MessageID: "", Model: "test-model"},
		{UserID: 1, MessageID: "m", Model: ""},
		{UserID: 1, MessageID: "m", Model: "test-model", InputTokens: -1},
		{UserID: 1, MessageID: "m", Model: "test-model", OutputTokens: -1},
	}
	for i, event := range cases {
		if _, errTrack := rec.TrackUsage(ctx, event); !errors.Is(errTrack, ErrInvalidEvent) {
			t.Fatalf("case %d: expected ErrInvalidEvent, got %v", i, errTrack)
		}
	}
}

func TestDailySummaryAccumulates(t *testing.T) {
	rec, led, conn := newTestRecorder(t)
	ctx := context.Background()
	seedBalance(t, led, 1, 1000)

	for _, messageID := range []string{"m1", "m2", "m3"} {
		if _, errTrack := rec.TrackUsage(ctx, Event{
			UserID:       1,
			MessageID:    messageID,
			Model:        "test-model",
			InputTokens:  500,
			OutputTokens: 500,
		}); errTrack != nil {
			t.Fatalf("track %s: %v", messageID, errTrack)
		}
	}

	var summary models.DailyUsageSummary
	if errFind := conn.Where("user_id = ?", 1).Take(&summary).Error; errFind != nil {
		t.Fatalf("summary missing: %v", errFind)
	}
	if summary.TotalBatteryUsed != 90 || summary.TotalMessages != 3 {
		t.Fatalf("summary used=%d messages=%d", summary.TotalBatteryUsed, summary.TotalMessages)
	}

	counts := map[string]int64{}
	if errUnmarshal := json.Unmarshal(summary.ModelsUsed, &counts); errUnmarshal != nil {
		t.Fatalf("models_used: %v", errUnmarshal)
	}
	if counts["test-model"] != 3 {
		t.Fatalf("expected 3 test-model messages, got %d", counts["test-model"])
	}
}

func TestUsageHistoryZeroFillsMissingDays(t *testing.T) {
	rec, led, _ := newTestRecorder(t)
	ctx := context.Background()
	seedBalance(t, led, 1, 100)

	if _, errTrack := rec.TrackUsage(ctx, Event{
		UserID:       1,
		MessageID:    "m1",
		Model:        "test-model",
		InputTokens:  500,
		OutputTokens: 500,
	}); errTrack != nil {
		t.Fatalf("track: %v", errTrack)
	}

	history, errHistory := rec.UsageHistory(ctx, 1, 7)
	if errHistory != nil {
		t.Fatalf("history: %v", errHistory)
	}
	if len(history) != 7 {
		t.Fatalf("expected 7 days, got %d", len(history))
	}
	for i := 0; i < 6; i++ {
		if history[i].BatteryUsed != 0 || history[i].Messages != 0 {
			t.Fatalf("day %s should be empty: %+v", history[i].Date, history[i])
		}
	}
	last := history[6]
	if last.BatteryUsed != 30 || last.Messages != 1 {
		t.Fatalf("today used=%d messages=%d", last.BatteryUsed, last.Messages)
	}
	if len(last.Models) != 1 || last.Models[0].Model != "test-model" {
		t.Fatalf("today models: %+v", last.Models)
	}
	for i := 1; i < len(history); i++ {
		if history[i].Date <= history[i-1].Date {
			t.Fatalf("history not ordered oldest first: %s then %s",
				history[i-1].Date, history[i].Date)
		}
	}
}

func TestUsageHistoryNoDays(t *testing.T) {
	rec, _, _ := newTestRecorder(t)
	history, errHistory := rec.UsageHistory(context.Background(), 1, 0)
	if errHistory != nil {
		t.Fatalf("history: %v", errHistory)
	}
	if history != nil {
		t.Fatalf("expected nil history, got %v", history)
	}
}
