package services

import (
	"time"

	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/pkg/logger"
	"gorm.io/gorm"
)

// SweepExpired removes ceremony and code state that aged out: passkey
// challenges, email OTP codes and password-reset tokens. Refresh tokens are
// kept past expiry; they are inert once expired and useful for audit.
func SweepExpired(db *gorm.DB) {
	now := time.Now()

	res := db.Unscoped().Where("expires_at < ?", now).Delete(&models.PasskeyChallenge{})
	if res.Error != nil {
		logger.Error("sweep_challenges_failed", res.Error, nil)
	} else if res.RowsAffected > 0 {
		logger.Info("sweep_challenges", map[string]interface{}{"removed": res.RowsAffected})
	}

	res = db.Unscoped().Where("expires_at < ?", now).Delete(&models.MFAOTP{})
	if res.Error != nil {
		logger.Error("sweep_otp_codes_failed", res.Error, nil)
	}

	res = db.Unscoped().Where("expires_at < ?", now).Delete(&models.PasswordResetToken{})
	if res.Error != nil {
		logger.Error("sweep_reset_tokens_failed", res.Error, nil)
	}
}

// StartSweeper runs SweepExpired on a fixed interval until stop is closed.
func StartSweeper(db *gorm.DB, interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				SweepExpired(db)
			case <-stop:
				return
			}
		}
	}()
}
