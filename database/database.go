package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"checkout-gateway/internal/domain/catalog"
	"checkout-gateway/internal/domain/webhook"
	"checkout-gateway/internal/enrollment"
)

// Models lists every table the gateway owns, in migration order.
func Models() []interface{} {
	return []interface{}{
		&catalog.Product{},
		&catalog.Price{},
		&webhook.Event{},
		&enrollment.FailedEnrollment{},
	}
}

// InitDB connects to Postgres and migrates the gateway tables.
func InitDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}
