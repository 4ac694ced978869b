package tier

import (
	"github.com/omnichat/batteryd/internal/models"
	"github.com/omnichat/batteryd/internal/pricing"
)

// Tier is a user's access class.
type Tier string

// Access tiers.
const (
	// Free users rely on local models or their own API keys.
	Free Tier = "free"
	// Paid users may invoke cloud models on platform credits.
	Paid Tier = "paid"
)

// Access decision reasons surfaced to the UI.
const (
	// ReasonOwnKey means the user supplied an API key for the provider.
	ReasonOwnKey = "using-own-key"
	// ReasonCredits means the platform's keys are used and battery is charged.
	ReasonCredits = "using-credits"
	// ReasonNeedsUpgrade means the model is gated behind the paid tier.
	ReasonNeedsUpgrade = "needs-upgrade"
)

// Resolve derives a user's tier from the billing-maintained record. The tier
// column wins; subscription status covers records written before the column
// existed. A nil user is free.
func Resolve(user *models.User) Tier {
	if user == nil {
		return Free
	}
	if user.Tier == models.TierPaid {
		return Paid
	}
	switch user.SubscriptionStatus {
	case "active", "trialing":
		return Paid
	}
	return Free
}

// CanUseModel reports whether a user may invoke a model. Free/local models
// are always allowed; a bring-your-own key for the model's provider is
// always allowed; everything else requires the paid tier.
func CanUseModel(table *pricing.Table, model string, user *models.User, userAPIKeys map[string]string) bool {
	allowed, _ := AccessReason(table, model, user, userAPIKeys)
	return allowed
}

// AccessReason returns the access decision plus a justification tag for UI
// display. Purely derived, no side effects.
func AccessReason(table *pricing.Table, model string, user *models.User, userAPIKeys map[string]string) (bool, string) {
	if table.IsFreeModel(model) {
		return true, ""
	}
	provider := pricing.Provider(model)
	if provider != "" && userAPIKeys[provider] != "" {
		return true, ReasonOwnKey
	}
	if Resolve(user) == Paid {
		return true, ReasonCredits
	}
	return false, ReasonNeedsUpgrade
}
