package billing

import (
	"context"
	"errors"
	"testing"

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
	if errMigrate := conn.AutoMigrate(&models.User{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestPlanByID(t *testing.T) {
	plan, errPlan := PlanByID("power")
	if errPlan != nil {
		t.Fatalf("plan: %v", errPlan)
	}
	if plan.DailyBattery != 1500 || plan.MonthlyBattery != 45000 {
		t.Fatalf("power plan: %+v", plan)
	}
	if _, errPlan = PlanByID("platinum"); !errors.Is(errPlan, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", errPlan)
	}
}

func TestActivateAndCancelSubscription(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	user := models.User{Subject: "sub-1", Tier: models.TierFree}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("seed user: %v", errCreate)
	}

	plan, _ := PlanByID("daily")
	if errActivate := ActivateSubscription(ctx, conn, user.ID, plan, "cus_1", "sub_stripe_1"); errActivate != nil {
		t.Fatalf("activate: %v", errActivate)
	}

	found, errFind := UserByStripeSubscription(ctx, conn, "sub_stripe_1")
	if errFind != nil {
		t.Fatalf("find by subscription: %v", errFind)
	}
	if found == nil || found.Tier != models.TierPaid || found.PlanID != "daily" {
		t.Fatalf("activated user: %+v", found)
	}

	found, errFind = UserByStripeCustomer(ctx, conn, "cus_1")
	if errFind != nil || found == nil {
		t.Fatalf("find by customer: %v %v", found, errFind)
	}

	if errCancel := CancelSubscription(ctx, conn, user.ID); errCancel != nil {
		t.Fatalf("cancel: %v", errCancel)
	}
	var fresh models.User
	if errReload := conn.Take(&fresh, user.ID).Error; errReload != nil {
		t.Fatalf("reload: %v", errReload)
	}
	if fresh.Tier != models.TierFree || fresh.SubscriptionStatus != "canceled" {
		t.Fatalf("not downgraded: %+v", fresh)
	}
}

func TestUserLookupsMissReturnsNil(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	user, errFind := UserByStripeCustomer(ctx, conn, "cus_missing")
	if errFind != nil || user != nil {
		t.Fatalf("expected nil,nil got %v %v", user, errFind)
	}
	user, errFind = UserByStripeSubscription(ctx, conn, "sub_missing")
	if errFind != nil || user != nil {
		t.Fatalf("expected nil,nil got %v %v", user, errFind)
	}
}
