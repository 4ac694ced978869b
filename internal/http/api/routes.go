package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnichat/batteryd/internal/config"
	"github.com/omnichat/batteryd/internal/http/api/handlers"
	"github.com/omnichat/batteryd/internal/ledger"
	"github.com/omnichat/batteryd/internal/models"
	"github.com/omnichat/batteryd/internal/pricing"
	"github.com/omnichat/batteryd/internal/recorder"
	"github.com/omnichat/batteryd/internal/security"
)

// RegisterRoutes wires all battery endpoints onto the engine.
func RegisterRoutes(r *gin.Engine, conn *gorm.DB, cfg *config.Config, led *ledger.Ledger, rec *recorder.Recorder, table *pricing.Table) {
	if r == nil || conn == nil {
		return
	}

	r.GET("/healthz", handlers.Health)

	webhookHandler := handlers.NewStripeWebhookHandler(conn, led, cfg.Stripe)
	r.POST("/webhooks/stripe", webhookHandler.Handle)

	v1 := r.Group("/v1")
	v1.Use(identityMiddleware(conn, cfg.JWT))

	batteryHandler := handlers.NewBatteryHandler(led, rec, cfg.Battery.HistoryDays)
	v1.GET("/battery", batteryHandler.Get)

	usageHandler := handlers.NewUsageHandler(rec)
	v1.POST("/usage/track", usageHandler.Track)
	v1.GET("/usage/history", usageHandler.History)

	tierHandler := handlers.NewTierHandler(conn, table)
	// Tier reads degrade to the free tier on any failure, so the lookup
	// accepts missing or invalid identities instead of rejecting them.
	r.GET("/v1/user/tier", optionalIdentityMiddleware(conn, cfg.JWT), tierHandler.Get)
	v1.POST("/user/tier/sync", tierHandler.Sync)
	v1.GET("/models/access", tierHandler.ModelAccess)
}

// optionalIdentityMiddleware attaches the user when a valid bearer token is
// presented but never rejects the request. Routes whose answer degrades
// gracefully for unknown identities use it instead of identityMiddleware.
func optionalIdentityMiddleware(conn *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if authHeader == "" || token == "" || token == strings.TrimSpace(authHeader) {
			c.Next()
			return
		}

		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.Next()
			return
		}

		user, errLoad := loadOrCreateUser(c, conn, claims)
		if errLoad != nil {
			log.WithError(errLoad).Warn("identity: optional user load failed")
			c.Next()
			return
		}

		c.Set("user", user)
		c.Set("userID", user.ID)
		c.Next()
	}
}

// identityMiddleware validates the identity provider's bearer token and
// loads (or lazily creates) the local user row for its subject.
func identityMiddleware(conn *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		user, errLoad := loadOrCreateUser(c, conn, claims)
		if errLoad != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "load user failed"})
			return
		}

		c.Set("user", user)
		c.Set("userID", user.ID)
		c.Next()
	}
}

// loadOrCreateUser finds the user row for an identity subject, creating a
// free-tier record on first sight. Concurrent first requests resolve via
// insert-ignore-on-conflict.
func loadOrCreateUser(c *gin.Context, conn *gorm.DB, claims *security.IdentityClaims) (*models.User, error) {
	ctx := c.Request.Context()

	var user models.User
	errFind := conn.WithContext(ctx).Where("subject = ?", claims.Subject).Take(&user).Error
	if errFind == nil {
		return &user, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, errFind
	}

	seed := models.User{
		Subject: claims.Subject,
		Email:   strings.TrimSpace(claims.Email),
		Tier:    models.TierFree,
	}
	if errCreate := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject"}},
			DoNothing: true,
		}).
		Create(&seed).Error; errCreate != nil {
		return nil, errCreate
	}
	if errReload := conn.WithContext(ctx).Where("subject = ?", claims.Subject).Take(&user).Error; errReload != nil {
		return nil, errReload
	}
	return &user, nil
}
