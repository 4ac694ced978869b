package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/omnichat/batteryd/internal/ledger"
	"github.com/omnichat/batteryd/internal/recorder"
)

// BatteryHandler serves the battery snapshot endpoint.
type BatteryHandler struct {
	ledger      *ledger.Ledger
	recorder    *recorder.Recorder
	historyDays int
}

// NewBatteryHandler constructs a BatteryHandler.
func NewBatteryHandler(led *ledger.Ledger, rec *recorder.Recorder, historyDays int) *BatteryHandler {
	if historyDays <= 0 {
		historyDays = 7
	}
	return &BatteryHandler{ledger: led, recorder: rec, historyDays: historyDays}
}

// Get returns the authoritative battery snapshot for the current user:
// balance, allowance, today's usage, and the trailing usage history.
func (h *BatteryHandler) Get(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()

	account, errAccount := h.ledger.GetAccount(ctx, userID)
	if errAccount != nil {
		log.WithError(errAccount).Warn("battery: load account failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load battery failed"})
		return
	}

	todayUsage, errToday := h.recorder.TodayUsage(ctx, userID)
	if errToday != nil {
		log.WithError(errToday).Warn("battery: load today usage failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load battery failed"})
		return
	}

	history, errHistory := h.recorder.UsageHistory(ctx, userID, h.historyDays)
	if errHistory != nil {
		log.WithError(errHistory).Warn("battery: load usage history failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load battery failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_balance":    account.TotalBalance,
		"daily_allowance":  account.DailyAllowance,
		"last_daily_reset": account.LastDailyReset,
		"today_usage":      todayUsage,
		"usage_history":    history,
	})
}
