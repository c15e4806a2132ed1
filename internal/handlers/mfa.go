package handlers

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/ledgerline/backend/internal/middleware"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/internal/services"
	"github.com/ledgerline/backend/pkg/logger"
	"github.com/ledgerline/backend/pkg/utils"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
	"gorm.io/gorm"
)

const totpIssuer = "LedgerLine"

type MFAHandler struct {
	DB              *gorm.DB
	Audit           *services.AuditService
	Mail            *services.MailService
	Sessions        *services.SessionService
	BackupCodeCount int
}

func NewMFAHandler(db *gorm.DB, audit *services.AuditService, mailSvc *services.MailService, sessions *services.SessionService, backupCodeCount int) *MFAHandler {
	return &MFAHandler{
		DB:              db,
		Audit:           audit,
		Mail:            mailSvc,
		Sessions:        sessions,
		BackupCodeCount: backupCodeCount,
	}
}

type verifyEmailOTPRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// VerifyEmailOTP completes a login that Login answered with mfaType EMAIL.
func (h *MFAHandler) VerifyEmailOTP(c *fiber.Ctx) error {
	var req verifyEmailOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = normalizeEmail(req.Email)
	if req.Email == "" || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email and code are required")
	}

	var user models.User
	if err := h.DB.First(&user, "email = ?", req.Email).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired code")
	}
	if !user.IsActive {
		return utils.Error(c, fiber.StatusUnauthorized, "account deactivated")
	}

	var code models.MFAOTP
	err := h.DB.Where("user_id = ? AND consumed = ? AND expires_at > ?", user.ID, false, time.Now()).
		Order("created_at DESC").
		First(&code).Error
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired code")
	}

	if !utils.ConstantTimeEquals(req.Code, code.Code) {
		logger.Warn("mfa_otp_mismatch", map[string]interface{}{
			"user_id": user.ID.String(),
			"ip":      c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired code")
	}

	// Conditional consume: two concurrent verifies of the same code race on
	// this update and only one wins.
	res := h.DB.Model(&models.MFAOTP{}).
		Where("id = ? AND consumed = ?", code.ID, false).
		Update("consumed", true)
	if res.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed consuming code")
	}
	if res.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired code")
	}

	return issueSession(c, h.Sessions, h.Audit, &user, "email_otp")
}

// TOTPSetup starts authenticator-app enrollment. The row it creates is
// inactive and unverified until VerifySetup proves the user holds the secret.
func (h *MFAHandler) TOTPSetup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var existing models.Authenticator
	err := h.DB.Where("user_id = ? AND type = ? AND is_active = ? AND verified_at IS NOT NULL",
		user.ID, models.AuthenticatorTypeTOTP, true).First(&existing).Error
	if err == nil {
		return utils.Error(c, fiber.StatusConflict, "authenticator app already enabled")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking authenticator")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: user.Email,
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating secret")
	}

	encryptedSecret, err := utils.EncryptAESGCM(key.Secret())
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed protecting secret")
	}

	plainCodes, hashedJSON, err := generateBackupCodes(h.BackupCodeCount)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating recovery codes")
	}

	// Restarting setup replaces any prior pending enrollment.
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND type = ? AND verified_at IS NULL",
			user.ID, models.AuthenticatorTypeTOTP).
			Delete(&models.Authenticator{}).Error; err != nil {
			return err
		}
		auth := models.Authenticator{
			UserID:      user.ID,
			Type:        models.AuthenticatorTypeTOTP,
			Secret:      encryptedSecret,
			BackupCodes: hashedJSON,
			IsActive:    false,
			UserAgent:   c.Get("User-Agent"),
			IPAddress:   c.IP(),
		}
		return tx.Create(&auth).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed storing authenticator")
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed rendering QR code")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"secret":     key.Secret(),
		"otpauthUrl": key.URL(),
		"qrCode":     "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		// Shown exactly once; only bcrypt hashes are stored.
		"backupCodes": plainCodes,
	})
}

type totpCodeRequest struct {
	Code string `json:"code"`
}

// TOTPVerifySetup activates a pending enrollment after a valid code.
func (h *MFAHandler) TOTPVerifySetup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req totpCodeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	var pending models.Authenticator
	err := h.DB.Where("user_id = ? AND type = ? AND verified_at IS NULL",
		user.ID, models.AuthenticatorTypeTOTP).
		Order("created_at DESC").
		First(&pending).Error
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no pending authenticator setup")
	}

	if !validateTOTPCode(req.Code, utils.DecryptOrPlaintext(pending.Secret)) {
		return utils.Error(c, fiber.StatusBadRequest, "invalid code")
	}

	// Guard the one-active-authenticator invariant before flipping; the
	// partial unique index backstops this on Postgres.
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		var active models.Authenticator
		err := tx.Where("user_id = ? AND type = ? AND is_active = ? AND verified_at IS NOT NULL",
			user.ID, models.AuthenticatorTypeTOTP, true).First(&active).Error
		if err == nil {
			return errAuthenticatorExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now()
		return tx.Model(&models.Authenticator{}).
			Where("id = ?", pending.ID).
			Updates(map[string]interface{}{
				"is_active":   true,
				"verified_at": now,
			}).Error
	})
	if errors.Is(err, errAuthenticatorExists) {
		return utils.Error(c, fiber.StatusConflict, "authenticator app already enabled")
	}
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed activating authenticator")
	}

	h.Mail.QueueTOTPEnabled(user.Email, user.Name)

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.totp_enabled",
		ResourceType: "authenticator",
		ResourceID:   &pending.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "authenticator app enabled"})
}

var errAuthenticatorExists = errors.New("active authenticator already exists")

type totpDisableRequest struct {
	Password string `json:"password"`
}

func (h *MFAHandler) TOTPDisable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req totpDisableRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	var fresh models.User
	if err := h.DB.First(&fresh, "id = ?", user.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}
	if !utils.CheckPassword(req.Password, fresh.PasswordHash) {
		return utils.Error(c, fiber.StatusBadRequest, "password is incorrect")
	}

	if err := h.DB.Where("user_id = ? AND type = ?", user.ID, models.AuthenticatorTypeTOTP).
		Delete(&models.Authenticator{}).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed disabling authenticator")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.totp_disabled",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "authenticator app disabled"})
}

type verifyTOTPLoginRequest struct {
	Email        string `json:"email"`
	Code         string `json:"code"`
	IsBackupCode bool   `json:"isBackupCode"`
}

// VerifyTOTPLogin completes a login that Login answered with mfaType TOTP.
// A missing enrollment is a 400 (the caller should not be here); a wrong
// code is a 401.
func (h *MFAHandler) VerifyTOTPLogin(c *fiber.Ctx) error {
	var req verifyTOTPLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = normalizeEmail(req.Email)
	if req.Email == "" || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email and code are required")
	}

	var user models.User
	if err := h.DB.First(&user, "email = ?", req.Email).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid code")
	}
	if !user.IsActive {
		return utils.Error(c, fiber.StatusUnauthorized, "account deactivated")
	}

	var auth models.Authenticator
	err := h.DB.Where("user_id = ? AND type = ? AND is_active = ? AND verified_at IS NOT NULL",
		user.ID, models.AuthenticatorTypeTOTP, true).First(&auth).Error
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no authenticator app enrolled")
	}

	method := "totp"
	if req.IsBackupCode {
		method = "backup_code"
		if ok, err := h.consumeBackupCode(auth.ID, req.Code); err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed verifying recovery code")
		} else if !ok {
			logger.Warn("mfa_backup_code_rejected", map[string]interface{}{
				"user_id": user.ID.String(),
				"ip":      c.IP(),
			})
			return utils.Error(c, fiber.StatusUnauthorized, "invalid code")
		}
	} else {
		if !validateTOTPCode(req.Code, utils.DecryptOrPlaintext(auth.Secret)) {
			logger.Warn("mfa_totp_rejected", map[string]interface{}{
				"user_id": user.ID.String(),
				"ip":      c.IP(),
			})
			return utils.Error(c, fiber.StatusUnauthorized, "invalid code")
		}
	}

	now := time.Now()
	h.DB.Model(&models.Authenticator{}).Where("id = ?", auth.ID).Update("last_used_at", now)

	return issueSession(c, h.Sessions, h.Audit, &user, method)
}

// consumeBackupCode matches the presented code against the stored hashes
// and removes the match inside a transaction so a code can never be spent
// twice, even by concurrent requests.
func (h *MFAHandler) consumeBackupCode(authenticatorID uuid.UUID, code string) (bool, error) {
	matched := false
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		var auth models.Authenticator
		if err := tx.First(&auth, "id = ?", authenticatorID).Error; err != nil {
			return err
		}

		var hashes []string
		if auth.BackupCodes != "" {
			if err := json.Unmarshal([]byte(auth.BackupCodes), &hashes); err != nil {
				return err
			}
		}

		index := -1
		for i, hash := range hashes {
			if utils.CheckPassword(code, hash) {
				index = i
				break
			}
		}
		if index < 0 {
			return nil
		}

		remaining := append(hashes[:index], hashes[index+1:]...)
		encoded, err := json.Marshal(remaining)
		if err != nil {
			return err
		}

		// Compare-and-swap on the set that was read. A concurrent consume
		// rewrites backup_codes first, this update matches zero rows, and
		// the code is rejected instead of being spent twice.
		res := tx.Model(&models.Authenticator{}).
			Where("id = ? AND backup_codes = ?", auth.ID, auth.BackupCodes).
			Update("backup_codes", string(encoded))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		matched = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

type regenerateRecoveryRequest struct {
	Password string `json:"password"`
}

// RegenerateRecovery replaces the full recovery-code set; old codes stop
// working immediately.
func (h *MFAHandler) RegenerateRecovery(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req regenerateRecoveryRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	var fresh models.User
	if err := h.DB.First(&fresh, "id = ?", user.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}
	if !utils.CheckPassword(req.Password, fresh.PasswordHash) {
		return utils.Error(c, fiber.StatusBadRequest, "password is incorrect")
	}

	var auth models.Authenticator
	err := h.DB.Where("user_id = ? AND type = ? AND is_active = ? AND verified_at IS NOT NULL",
		user.ID, models.AuthenticatorTypeTOTP, true).First(&auth).Error
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no authenticator app enrolled")
	}

	plainCodes, hashedJSON, err := generateBackupCodes(h.BackupCodeCount)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating recovery codes")
	}

	if err := h.DB.Model(&models.Authenticator{}).
		Where("id = ?", auth.ID).
		Update("backup_codes", hashedJSON).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed storing recovery codes")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.recovery_regenerated",
		ResourceType: "authenticator",
		ResourceID:   &auth.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"backupCodes": plainCodes})
}

func (h *MFAHandler) Status(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	totpEnabled := false
	backupRemaining := 0

	var auth models.Authenticator
	err := h.DB.Where("user_id = ? AND type = ? AND is_active = ? AND verified_at IS NOT NULL",
		user.ID, models.AuthenticatorTypeTOTP, true).First(&auth).Error
	if err == nil {
		totpEnabled = true
		if auth.BackupCodes != "" {
			var hashes []string
			if json.Unmarshal([]byte(auth.BackupCodes), &hashes) == nil {
				backupRemaining = len(hashes)
			}
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking authenticator")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"mfaEnabled":           user.MFAEnabled,
		"totpEnabled":          totpEnabled,
		"backupCodesRemaining": backupRemaining,
	})
}

// validateTOTPCode accepts one 30-second step of clock drift either side.
func validateTOTPCode(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func generateBackupCodes(count int) ([]string, string, error) {
	plain := make([]string, 0, count)
	hashed := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, 5)
		if _, err := rand.Read(raw); err != nil {
			return nil, "", err
		}
		code := hex.EncodeToString(raw)
		hash, err := utils.HashPassword(code)
		if err != nil {
			return nil, "", err
		}
		plain = append(plain, code)
		hashed = append(hashed, hash)
	}
	encoded, err := json.Marshal(hashed)
	if err != nil {
		return nil, "", err
	}
	return plain, string(encoded), nil
}
