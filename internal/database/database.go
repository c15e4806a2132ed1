package database

import (
	"fmt"

	"github.com/ledgerline/backend/internal/config"
	"github.com/ledgerline/backend/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(cfg config.DBConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Tenant{},
		&models.UserTenant{},
		&models.Role{},
		&models.Permission{},
		&models.UserRole{},
		&models.Authenticator{},
		&models.MFAOTP{},
		&models.RefreshToken{},
		&models.PasswordResetToken{},
		&models.PasskeyCredential{},
		&models.PasskeyChallenge{},
		&models.Invitation{},
		&models.AuditLog{},
		&models.AuditExportCursor{},
	); err != nil {
		return err
	}

	// At most one active-and-verified authenticator of a given type per user.
	constraint := `
CREATE UNIQUE INDEX IF NOT EXISTS idx_authenticators_active_verified
ON authenticators (user_id, type)
WHERE is_active = true AND verified_at IS NOT NULL AND deleted_at IS NULL;`

	if db.Dialector.Name() != "postgres" {
		// The partial index syntax above is Postgres-specific; the invariant
		// is still enforced in the setup handler for other dialects (tests).
		return nil
	}

	return db.Exec(constraint).Error
}
