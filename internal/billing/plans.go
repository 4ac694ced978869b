// Package billing holds the subscription plan catalog and the user state
// transitions driven by payment events.
package billing

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/omnichat/batteryd/internal/models"
)

// ErrUnknownPlan indicates a plan_id with no catalog entry.
var ErrUnknownPlan = errors.New("billing: unknown plan")

// Plan describes a subscription plan's battery grants.
type Plan struct {
	ID             string
	Name           string
	DailyBattery   int64 // Units granted at each daily reset.
	MonthlyBattery int64 // Units granted when an invoice is paid.
}

// catalog is keyed by the plan_id carried in checkout metadata.
var catalog = map[string]Plan{
	"starter":  {ID: "starter", Name: "Starter", DailyBattery: 200, MonthlyBattery: 6000},
	"daily":    {ID: "daily", Name: "Daily", DailyBattery: 600, MonthlyBattery: 18000},
	"power":    {ID: "power", Name: "Power", DailyBattery: 1500, MonthlyBattery: 45000},
	"ultimate": {ID: "ultimate", Name: "Ultimate", DailyBattery: 5000, MonthlyBattery: 150000},
}

// PlanByID looks up a catalog plan.
func PlanByID(id string) (Plan, error) {
	plan, ok := catalog[id]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return plan, nil
}

// ActivateSubscription marks the user paid on the given plan and records
// the Stripe identifiers used by later webhook lookups.
func ActivateSubscription(ctx context.Context, db *gorm.DB, userID uint64, plan Plan, customerID, subscriptionID string) error {
	updates := map[string]any{
		"tier":                models.TierPaid,
		"subscription_status": "active",
		"plan_id":             plan.ID,
	}
	if customerID != "" {
		updates["stripe_customer_id"] = customerID
	}
	if subscriptionID != "" {
		updates["stripe_subscription_id"] = subscriptionID
	}
	return db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(updates).Error
}

// CancelSubscription downgrades the user to the free tier. The remaining
// balance stays spendable; only future allowances stop.
func CancelSubscription(ctx context.Context, db *gorm.DB, userID uint64) error {
	return db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"tier":                models.TierFree,
			"subscription_status": "canceled",
		}).Error
}

// UserByStripeCustomer resolves a user by Stripe customer id. A missing
// user returns (nil, nil) so webhook handlers can acknowledge events for
// customers this deployment never saw.
func UserByStripeCustomer(ctx context.Context, db *gorm.DB, customerID string) (*models.User, error) {
	var user models.User
	err := db.WithContext(ctx).
		Where("stripe_customer_id = ?", customerID).
		Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// UserByStripeSubscription resolves a user by Stripe subscription id,
// with the same missing-user semantics as UserByStripeCustomer.
func UserByStripeSubscription(ctx context.Context, db *gorm.DB, subscriptionID string) (*models.User, error) {
	var user models.User
	err := db.WithContext(ctx).
		Where("stripe_subscription_id = ?", subscriptionID).
		Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}
