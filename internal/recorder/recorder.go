package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnichat/batteryd/internal/ledger"
	"github.com/omnichat/batteryd/internal/models"
	"github.com/omnichat/batteryd/internal/pricing"
)

// ErrInvalidEvent indicates a tracking request with missing or malformed fields.
var ErrInvalidEvent = errors.New("recorder: invalid usage event")

// Event describes one completed model invocation to be billed.
type Event struct {
	UserID         uint64
	ConversationID string
	MessageID      string
	Model          string
	InputTokens    int64
	OutputTokens   int64
	Cached         bool
}

// Result is the authoritative outcome of tracking one event.
type Result struct {
	BatteryUsed int64 `json:"battery_used"`
	NewBalance  int64 `json:"new_balance"`
}

// Recorder converts usage events into ledger debits and daily rollups.
type Recorder struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	table  *pricing.Table
	cache  ResultCache
}

// New constructs a Recorder. cache may be nil.
func New(db *gorm.DB, led *ledger.Ledger, table *pricing.Table, cache ResultCache) *Recorder {
	if cache == nil {
		cache = NoopResultCache{}
	}
	return &Recorder{db: db, ledger: led, table: table, cache: cache}
}

// TrackUsage charges one billable event. Free/local models always return a
// zero cost without touching the ledger. The debit, usage event, daily
// summary increment, and journal entry commit in a single transaction, so an
// insufficient balance leaves everything untouched. Re-submitting a
// messageID replays the stored result instead of charging again.
func (r *Recorder) TrackUsage(ctx context.Context, event Event) (*Result, error) {
	if event.UserID == 0 || strings.TrimSpace(event.MessageID) == "" ||
		strings.TrimSpace(event.Model) == "" ||
		event.InputTokens < 0 || event.OutputTokens < 0 {
		return nil, ErrInvalidEvent
	}

	if r.table.IsFreeModel(event.Model) {
		account, errGet := r.ledger.GetAccount(ctx, event.UserID)
		if errGet != nil {
			return nil, errGet
		}
		return &Result{BatteryUsed: 0, NewBalance: account.TotalBalance}, nil
	}

	if replay, ok := r.cache.Get(ctx, event.MessageID); ok {
		return replay, nil
	}

	cost, errCost := r.table.Cost(event.Model, event.InputTokens, event.OutputTokens, event.Cached)
	if errCost != nil {
		return nil, errCost
	}

	var result Result
	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.UsageEvent{
			UserID:         event.UserID,
			ConversationID: strings.TrimSpace(event.ConversationID),
			MessageID:      strings.TrimSpace(event.MessageID),
			Model:          strings.TrimSpace(event.Model),
			InputTokens:    event.InputTokens,
			OutputTokens:   event.OutputTokens,
			Cached:         event.Cached,
			BatteryUsed:    cost,
			CreatedAt:      time.Now().UTC(),
		}
		ins := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).Create(&row)
		if ins.Error != nil {
			return ins.Error
		}
		if ins.RowsAffected == 0 {
			// Duplicate submission; replay the original charge.
			var prior models.UsageEvent
			if errFind := tx.Where("message_id = ?", row.MessageID).Take(&prior).Error; errFind != nil {
				return errFind
			}
			result = Result{BatteryUsed: prior.BatteryUsed, NewBalance: prior.BalanceAfter}
			return nil
		}

		newBalance, errDebit := r.ledger.WithTx(tx).Debit(ctx, event.UserID, cost)
		if errDebit != nil {
			return errDebit
		}
		if errUpdate := tx.Model(&models.UsageEvent{}).
			Where("id = ?", row.ID).
			Update("balance_after", newBalance).Error; errUpdate != nil {
			return errUpdate
		}

		if errSummary := upsertDailySummary(tx, event.UserID, row.Model, cost); errSummary != nil {
			return errSummary
		}

		metadata, _ := json.Marshal(map[string]string{
			"conversation_id": row.ConversationID,
			"message_id":      row.MessageID,
			"model":           row.Model,
		})
		journal := models.BatteryTransaction{
			UserID:       event.UserID,
			Type:         models.BatteryTransactionUsage,
			Amount:       -cost,
			BalanceAfter: newBalance,
			Description:  usageDescription(row.Model, event.InputTokens+event.OutputTokens),
			Metadata:     datatypes.JSON(metadata),
		}
		if errCreate := tx.Create(&journal).Error; errCreate != nil {
			return errCreate
		}

		result = Result{BatteryUsed: cost, NewBalance: newBalance}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}

	r.cache.Set(ctx, event.MessageID, result)
	return &result, nil
}

// upsertDailySummary creates or atomically increments today's rollup row.
func upsertDailySummary(tx *gorm.DB, userID uint64, model string, cost int64) error {
	today := ledger.UTCDate(time.Now())
	initialModels, _ := json.Marshal(map[string]int64{model: 1})

	row := models.DailyUsageSummary{
		UserID:           userID,
		Date:             today,
		TotalBatteryUsed: cost,
		TotalMessages:    1,
		ModelsUsed:       datatypes.JSON(initialModels),
	}
	ins := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"total_battery_used": gorm.Expr("total_battery_used + ?", cost),
			"total_messages":     gorm.Expr("total_messages + ?", 1),
			"updated_at":         time.Now().UTC(),
		}),
	}).Create(&row)
	if ins.Error != nil {
		return ins.Error
	}

	// The per-model counter map cannot be incremented in the conflict
	// clause portably, so merge it with a follow-up read inside the tx.
	var current models.DailyUsageSummary
	if errFind := tx.Where("user_id = ? AND date = ?", userID, today).Take(&current).Error; errFind != nil {
		return errFind
	}
	if current.TotalMessages == 1 {
		return nil
	}
	counts := map[string]int64{}
	if len(current.ModelsUsed) > 0 {
		if errUnmarshal := json.Unmarshal(current.ModelsUsed, &counts); errUnmarshal != nil {
			counts = map[string]int64{}
		}
	}
	counts[model]++
	merged, errMarshal := json.Marshal(counts)
	if errMarshal != nil {
		return errMarshal
	}
	return tx.Model(&models.DailyUsageSummary{}).
		Where("id = ?", current.ID).
		Update("models_used", datatypes.JSON(merged)).Error
}

// usageDescription summarizes a charge for the transaction journal.
func usageDescription(model string, totalTokens int64) string {
	return fmt.Sprintf("Used %s - %d tokens", model, totalTokens)
}

// ModelCount pairs a model with its message count for one day.
type ModelCount struct {
	Model string `json:"model"`
	Count int64  `json:"count"`
}

// DayUsage reports one trailing calendar day of usage.
type DayUsage struct {
	Date        string       `json:"date"`
	BatteryUsed int64        `json:"battery_used"`
	Messages    int64        `json:"messages"`
	Models      []ModelCount `json:"models,omitempty"`
}

// UsageHistory returns the trailing N calendar days for a user, oldest
// first. Days without usage report zero. Read-only.
func (r *Recorder) UsageHistory(ctx context.Context, userID uint64, days int) ([]DayUsage, error) {
	if days <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -(days - 1))
	startDate := ledger.UTCDate(start)

	var rows []models.DailyUsageSummary
	if errFind := r.db.WithContext(ctx).
		Where("user_id = ? AND date >= ?", userID, startDate).
		Order("date ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}

	byDate := make(map[string]*models.DailyUsageSummary, len(rows))
	for i := range rows {
		byDate[rows[i].Date] = &rows[i]
	}

	history := make([]DayUsage, 0, days)
	for i := 0; i < days; i++ {
		date := ledger.UTCDate(start.AddDate(0, 0, i))
		day := DayUsage{Date: date}
		if row, ok := byDate[date]; ok {
			day.BatteryUsed = row.TotalBatteryUsed
			day.Messages = row.TotalMessages
			day.Models = topModels(row.ModelsUsed, 3)
		}
		history = append(history, day)
	}
	return history, nil
}

// TodayUsage returns today's battery usage, zero when no rollup row exists.
func (r *Recorder) TodayUsage(ctx context.Context, userID uint64) (int64, error) {
	var row models.DailyUsageSummary
	errFind := r.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, ledger.UTCDate(time.Now())).
		Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, errFind
	}
	return row.TotalBatteryUsed, nil
}

// topModels decodes a per-model counter map and keeps the N most used.
func topModels(raw datatypes.JSON, n int) []ModelCount {
	if len(raw) == 0 {
		return nil
	}
	counts := map[string]int64{}
	if errUnmarshal := json.Unmarshal(raw, &counts); errUnmarshal != nil {
		log.WithError(errUnmarshal).Debug("recorder: malformed models_used payload")
		return nil
	}
	out := make([]ModelCount, 0, len(counts))
	for model, count := range counts {
		out = append(out, ModelCount{Model: model, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Model < out[j].Model
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
