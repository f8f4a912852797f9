package database

import (
	"github.com/kiese-app/kiese-backend/internal/models"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	// Create tables if they don't exist
	err := db.AutoMigrate(
		&models.Driver{},
		&models.Ride{},
		&models.Client{},
		&models.Agent{},
		&models.OTPCode{},
		&models.AppSetting{},
	)
	if err != nil {
		return err
	}

	// Columns added after the first deployments. AutoMigrate covers new
	// installs; these cover upgrades in place.
	if db.Migrator().HasTable(&models.Ride{}) {
		columns := []string{
			"ADD COLUMN IF NOT EXISTS reassigning boolean NOT NULL DEFAULT false",
			"ADD COLUMN IF NOT EXISTS reassigning_since timestamptz",
			"ADD COLUMN IF NOT EXISTS reassign_attempts integer NOT NULL DEFAULT 0",
			"ADD COLUMN IF NOT EXISTS max_reassign_attempts integer NOT NULL DEFAULT 5",
			"ADD COLUMN IF NOT EXISTS archived_discussion jsonb NOT NULL DEFAULT '[]'::jsonb",
			"ADD COLUMN IF NOT EXISTS contacted_driver_phones jsonb NOT NULL DEFAULT '[]'::jsonb",
		}

		for _, column := range columns {
			if err := db.Exec("ALTER TABLE rides " + column).Error; err != nil {
				return err
			}
		}
	}

	if db.Migrator().HasTable(&models.Driver{}) {
		columns := []string{
			"ADD COLUMN IF NOT EXISTS on_ride boolean NOT NULL DEFAULT false",
			"ADD COLUMN IF NOT EXISTS blocked boolean NOT NULL DEFAULT false",
			"ADD COLUMN IF NOT EXISTS solde integer NOT NULL DEFAULT 0",
		}

		for _, column := range columns {
			if err := db.Exec("ALTER TABLE drivers " + column).Error; err != nil {
				return err
			}
		}

		db.Exec(`ALTER TABLE drivers DROP CONSTRAINT IF EXISTS drivers_solde_check`)
		db.Exec(`ALTER TABLE drivers ADD CONSTRAINT drivers_solde_check CHECK (solde >= 0)`)
	}

	return nil
}
