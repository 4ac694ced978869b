package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/omnichat/batteryd/internal/models"
)

// Migrate applies schema migrations for all battery tables.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.User{},
		&models.BatteryAccount{},
		&models.BatteryTransaction{},
		&models.UsageEvent{},
		&models.DailyUsageSummary{},
		&models.StripeEvent{},
	)
}
