package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/omnichat/batteryd/internal/models"
	"github.com/omnichat/batteryd/internal/pricing"
	"github.com/omnichat/batteryd/internal/tier"
)

// TierHandler serves tier derivation and model access endpoints.
type TierHandler struct {
	db    *gorm.DB
	table *pricing.Table
}

// NewTierHandler constructs a TierHandler.
func NewTierHandler(db *gorm.DB, table *pricing.Table) *TierHandler {
	return &TierHandler{db: db, table: table}
}

// Get returns the current user's derived tier. Any failure degrades to the
// free tier rather than an error; the answer only gates premium access.
func (h *TierHandler) Get(c *gin.Context) {
	user := getUser(c)
	c.JSON(http.StatusOK, gin.H{"tier": string(tier.Resolve(user))})
}

// Sync re-derives the tier from the billing-maintained subscription fields
// and persists it to the tier column. Used as a manual reconciliation hook
// after billing webhooks misfire.
func (h *TierHandler) Sync(c *gin.Context) {
	user := getUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	derived := string(tier.Resolve(user))
	if derived != user.Tier {
		if errUpdate := h.db.WithContext(c.Request.Context()).
			Model(&models.User{}).
			Where("id = ?", user.ID).
			Update("tier", derived).Error; errUpdate != nil {
			log.WithError(errUpdate).Warn("tier: sync failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync tier failed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"tier": derived})
}

// ModelAccess returns whether the current user may invoke a model, plus a
// justification tag for the UI. The chat gateway passes the providers the
// user holds their own keys for in own_keys (comma-separated); key material
// never reaches this service.
func (h *TierHandler) ModelAccess(c *gin.Context) {
	user := getUser(c)
	model := strings.TrimSpace(c.Query("model"))
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing model"})
		return
	}

	ownKeys := map[string]string{}
	for _, provider := range strings.Split(c.Query("own_keys"), ",") {
		provider = strings.TrimSpace(provider)
		if provider != "" {
			ownKeys[provider] = "present"
		}
	}

	allowed, reason := tier.AccessReason(h.table, model, user, ownKeys)
	c.JSON(http.StatusOK, gin.H{
		"model":   model,
		"allowed": allowed,
		"reason":  reason,
	})
}
