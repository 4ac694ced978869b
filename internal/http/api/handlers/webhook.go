package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnichat/batteryd/internal/billing"
	"github.com/omnichat/batteryd/internal/config"
	"github.com/omnichat/batteryd/internal/ledger"
	"github.com/omnichat/batteryd/internal/models"
)

// StripeWebhookHandler applies billing events to user tier and battery state.
type StripeWebhookHandler struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	cfg    config.StripeConfig
}

// NewStripeWebhookHandler constructs a StripeWebhookHandler.
func NewStripeWebhookHandler(db *gorm.DB, led *ledger.Ledger, cfg config.StripeConfig) *StripeWebhookHandler {
	return &StripeWebhookHandler{db: db, ledger: led, cfg: cfg}
}

// Handle verifies the webhook signature and dispatches supported events.
// Unknown event types are acknowledged without action.
func (h *StripeWebhookHandler) Handle(c *gin.Context) {
	if strings.TrimSpace(h.cfg.WebhookSecret) == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stripe not configured"})
		return
	}

	payload, errRead := io.ReadAll(c.Request.Body)
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	sigHeader := c.GetHeader("Stripe-Signature")
	event, errVerify := webhook.ConstructEvent(payload, sigHeader, h.cfg.WebhookSecret)
	if errVerify != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	var errHandle error
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if errUnmarshal := json.Unmarshal(event.Data.Raw, &sess); errUnmarshal != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		errHandle = h.handleOnce(c, event, func(s *StripeWebhookHandler) error {
			return s.handleCheckoutCompleted(c, &sess)
		})
	case "invoice.paid":
		var inv stripe.Invoice
		if errUnmarshal := json.Unmarshal(event.Data.Raw, &inv); errUnmarshal != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		errHandle = h.handleOnce(c, event, func(s *StripeWebhookHandler) error {
			return s.handleInvoicePaid(c, &inv)
		})
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if errUnmarshal := json.Unmarshal(event.Data.Raw, &sub); errUnmarshal != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		errHandle = h.handleOnce(c, event, func(s *StripeWebhookHandler) error {
			return s.handleSubscriptionDeleted(c, &sub)
		})
	default:
	}

	if errHandle != nil {
		log.WithError(errHandle).WithField("event", event.Type).Warn("stripe webhook failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// errEventReplayed marks a Stripe redelivery of an already-processed event.
var errEventReplayed = errors.New("webhook event already processed")

// handleOnce runs fn at most once per Stripe event ID. The event marker and
// the handler's writes commit in one transaction, so a redelivery either
// sees the marker and is acknowledged without action, or retries a handler
// that never committed.
func (h *StripeWebhookHandler) handleOnce(c *gin.Context, event stripe.Event, fn func(*StripeWebhookHandler) error) error {
	errTx := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		marker := models.StripeEvent{EventID: event.ID, Type: string(event.Type)}
		ins := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).Create(&marker)
		if ins.Error != nil {
			return ins.Error
		}
		if ins.RowsAffected == 0 {
			return errEventReplayed
		}
		scoped := &StripeWebhookHandler{db: tx, ledger: h.ledger.WithTx(tx), cfg: h.cfg}
		return fn(scoped)
	})
	if errors.Is(errTx, errEventReplayed) {
		log.WithField("event_id", event.ID).Debug("stripe webhook redelivery ignored")
		return nil
	}
	return errTx
}

// handleCheckoutCompleted applies a finished checkout: either a one-off
// battery pack top-up or a new plan subscription.
func (h *StripeWebhookHandler) handleCheckoutCompleted(c *gin.Context, sess *stripe.CheckoutSession) error {
	ctx := c.Request.Context()

	user, errUser := h.userBySubject(ctx, sess.ClientReferenceID)
	if errUser != nil {
		return errUser
	}

	if raw := sess.Metadata["battery_units"]; raw != "" {
		units, errParse := strconv.ParseInt(raw, 10, 64)
		if errParse != nil || units <= 0 {
			return errors.New("invalid battery_units metadata")
		}
		newBalance, errCredit := h.ledger.Credit(ctx, user.ID, units)
		if errCredit != nil {
			return errCredit
		}
		return h.journal(ctx, user.ID, models.BatteryTransactionTopup, units, newBalance,
			"Purchased "+raw+" battery units")
	}

	plan, errPlan := billing.PlanByID(strings.TrimSpace(sess.Metadata["plan_id"]))
	if errPlan != nil {
		return errPlan
	}

	var customerID, subscriptionID string
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		subscriptionID = sess.Subscription.ID
	}
	if errActivate := billing.ActivateSubscription(ctx, h.db, user.ID, plan, customerID, subscriptionID); errActivate != nil {
		return errActivate
	}

	if errAllowance := h.ledger.SetDailyAllowance(ctx, user.ID, plan.DailyBattery); errAllowance != nil {
		return errAllowance
	}
	newBalance, errCredit := h.ledger.Credit(ctx, user.ID, plan.MonthlyBattery)
	if errCredit != nil {
		return errCredit
	}
	return h.journal(ctx, user.ID, models.BatteryTransactionGrant, plan.MonthlyBattery, newBalance,
		plan.Name+" plan battery grant")
}

// handleInvoicePaid grants the monthly battery for a renewing subscription.
func (h *StripeWebhookHandler) handleInvoicePaid(c *gin.Context, inv *stripe.Invoice) error {
	ctx := c.Request.Context()
	if inv.Customer == nil {
		return nil
	}

	user, errFind := billing.UserByStripeCustomer(ctx, h.db, inv.Customer.ID)
	if errFind != nil {
		return errFind
	}
	if user == nil {
		return nil
	}

	plan, errPlan := billing.PlanByID(user.PlanID)
	if errPlan != nil {
		return nil
	}
	newBalance, errCredit := h.ledger.Credit(ctx, user.ID, plan.MonthlyBattery)
	if errCredit != nil {
		return errCredit
	}
	return h.journal(ctx, user.ID, models.BatteryTransactionGrant, plan.MonthlyBattery, newBalance,
		plan.Name+" plan renewal grant")
}

// handleSubscriptionDeleted downgrades a user whose subscription ended.
func (h *StripeWebhookHandler) handleSubscriptionDeleted(c *gin.Context, sub *stripe.Subscription) error {
	ctx := c.Request.Context()

	user, errFind := billing.UserByStripeSubscription(ctx, h.db, sub.ID)
	if errFind != nil {
		return errFind
	}
	if user == nil {
		return nil
	}

	if errCancel := billing.CancelSubscription(ctx, h.db, user.ID); errCancel != nil {
		return errCancel
	}
	return h.ledger.SetDailyAllowance(ctx, user.ID, 0)
}

// userBySubject resolves a checkout's client reference to a local user.
func (h *StripeWebhookHandler) userBySubject(ctx context.Context, subject string) (*models.User, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("missing client reference id")
	}
	var user models.User
	if errFind := h.db.WithContext(ctx).
		Where("subject = ?", subject).
		Take(&user).Error; errFind != nil {
		return nil, errFind
	}
	return &user, nil
}

// journal records a credit in the battery transaction log.
func (h *StripeWebhookHandler) journal(ctx context.Context, userID uint64, txType string, amount, balanceAfter int64, description string) error {
	return h.db.WithContext(ctx).Create(&models.BatteryTransaction{
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  description,
	}).Error
}
