package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/omnichat/batteryd/internal/ledger"
	"github.com/omnichat/batteryd/internal/pricing"
	"github.com/omnichat/batteryd/internal/recorder"
)

// UsageHandler serves usage tracking and history endpoints.
type UsageHandler struct {
	recorder *recorder.Recorder
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(rec *recorder.Recorder) *UsageHandler {
	return &UsageHandler{recorder: rec}
}

// trackUsageRequest defines the request body for usage tracking. Token
// counts are pointers so absent fields can be told apart from zero.
type trackUsageRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Model          string `json:"model"`
	InputTokens    *int64 `json:"input_tokens"`
	OutputTokens   *int64 `json:"output_tokens"`
	Cached         bool   `json:"cached"`
}

// Track charges the current user for one completed model invocation and
// returns the authoritative cost and balance.
func (h *UsageHandler) Track(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var body trackUsageRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.ConversationID) == "" ||
		strings.TrimSpace(body.MessageID) == "" ||
		strings.TrimSpace(body.Model) == "" ||
		body.InputTokens == nil || body.OutputTokens == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required fields"})
		return
	}
	if *body.InputTokens < 0 || *body.OutputTokens < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token counts must be non-negative"})
		return
	}

	result, errTrack := h.recorder.TrackUsage(c.Request.Context(), recorder.Event{
		UserID:         userID,
		ConversationID: body.ConversationID,
		MessageID:      body.MessageID,
		Model:          body.Model,
		InputTokens:    *body.InputTokens,
		OutputTokens:   *body.OutputTokens,
		Cached:         body.Cached,
	})
	if errTrack != nil {
		switch {
		case errors.Is(errTrack, ledger.ErrInsufficientBalance):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient battery balance"})
		case errors.Is(errTrack, recorder.ErrInvalidEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing required fields"})
		case errors.Is(errTrack, pricing.ErrUnknownModel):
			log.WithField("model", body.Model).Error("usage: no pricing rule for model")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown model"})
		default:
			log.WithError(errTrack).Warn("usage: track failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "track usage failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"battery_used": result.BatteryUsed,
		"new_balance":  result.NewBalance,
	})
}

// History returns the trailing N days of usage; days defaults to 30.
func (h *UsageHandler) History(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	days := 30
	if raw := strings.TrimSpace(c.Query("days")); raw != "" {
		parsed, errParse := strconv.Atoi(raw)
		if errParse != nil || parsed <= 0 || parsed > 365 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid days"})
			return
		}
		days = parsed
	}

	history, errHistory := h.recorder.UsageHistory(c.Request.Context(), userID, days)
	if errHistory != nil {
		log.WithError(errHistory).Warn("usage: load history failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load history failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage_history": history})
}
