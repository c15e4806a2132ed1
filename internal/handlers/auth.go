package handlers

import (
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/ledgerline/backend/internal/middleware"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/internal/services"
	"github.com/ledgerline/backend/pkg/logger"
	"github.com/ledgerline/backend/pkg/utils"
	"gorm.io/gorm"
)

const passwordResetExpiry = 1 * time.Hour

type AuthHandler struct {
	DB       *gorm.DB
	Audit    *services.AuditService
	Mail     *services.MailService
	Sessions *services.SessionService
	OTPTTL   time.Duration
	OTPLen   int
}

func NewAuthHandler(db *gorm.DB, audit *services.AuditService, mailSvc *services.MailService, sessions *services.SessionService, otpTTL time.Duration, otpDigits int) *AuthHandler {
	return &AuthHandler{
		DB:       db,
		Audit:    audit,
		Mail:     mailSvc,
		Sessions: sessions,
		OTPTTL:   otpTTL,
		OTPLen:   otpDigits,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = normalizeEmail(req.Email)

	if req.Email == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email and password are required")
	}

	var user models.User
	if err := h.DB.First(&user, "email = ?", req.Email).Error; err != nil {
		logger.Warn("login_failed_user_not_found", map[string]interface{}{
			"email": req.Email,
			"ip":    c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	if !utils.CheckPassword(req.Password, user.PasswordHash) {
		logger.Warn("login_failed_invalid_password", map[string]interface{}{
			"user_id": user.ID.String(),
			"ip":      c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	if !user.IsActive {
		return utils.Error(c, fiber.StatusUnauthorized, "account deactivated")
	}

	if user.MFAEnabled {
		return h.beginMFA(c, &user)
	}

	return h.finishLogin(c, &user, "password")
}

// beginMFA picks the second factor: TOTP whenever an active+verified
// authenticator exists (no OTP is generated), email OTP otherwise.
func (h *AuthHandler) beginMFA(c *fiber.Ctx, user *models.User) error {
	var auth models.Authenticator
	err := h.DB.Where("user_id = ? AND type = ? AND is_active = ? AND verified_at IS NOT NULL",
		user.ID, models.AuthenticatorTypeTOTP, true).First(&auth).Error
	if err == nil {
		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"requiresMfa": true,
			"mfaType":     "TOTP",
			"email":       user.Email,
		})
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking authenticator")
	}

	code, err := utils.GenerateOTPCode(h.OTPLen)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating code")
	}

	// Only the latest code is ever valid: issuing a new one removes its
	// predecessors. A store failure here is fatal; a mail failure is not.
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND consumed = ?", user.ID, false).
			Delete(&models.MFAOTP{}).Error; err != nil {
			return err
		}
		otp := models.MFAOTP{
			UserID:    user.ID,
			Code:      code,
			ExpiresAt: time.Now().Add(h.OTPTTL),
			UserAgent: c.Get("User-Agent"),
			IPAddress: c.IP(),
		}
		return tx.Create(&otp).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed storing code")
	}

	h.Mail.QueueMFAOTP(user.Email, user.Name, code, h.OTPTTL)

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"requiresMfa": true,
		"mfaType":     "EMAIL",
		"email":       user.Email,
	})
}

func (h *AuthHandler) finishLogin(c *fiber.Ctx, user *models.User, method string) error {
	return issueSession(c, h.Sessions, h.Audit, user, method)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	tokenString := c.Cookies("refreshToken")
	if tokenString == "" {
		var req refreshRequest
		if err := c.BodyParser(&req); err == nil {
			tokenString = req.RefreshToken
		}
	}
	if tokenString == "" {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid token")
	}

	// Expired and malformed tokens get the same response on purpose.
	claims, err := utils.ValidateRefreshToken(tokenString)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid token")
	}

	tokenHash := utils.HashToken(tokenString)

	var record models.RefreshToken
	if err := h.DB.First(&record, "token_hash = ?", tokenHash).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid token")
	}
	if record.Revoked || time.Now().After(record.ExpiresAt) {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid token")
	}

	// Deactivation ends the session at the next refresh, not at access-token
	// expiry alone.
	var user models.User
	if err := h.DB.First(&user, "id = ?", record.UserID).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid token")
	}
	if !user.IsActive {
		return utils.Error(c, fiber.StatusUnauthorized, "account deactivated")
	}

	result, err := h.Sessions.RotateRefreshToken(tokenHash, claims.UserID, c.Get("User-Agent"), c.IP())
	if err != nil {
		if errors.Is(err, services.ErrTokenRotated) {
			return utils.Error(c, fiber.StatusUnauthorized, "invalid token")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed refreshing session")
	}

	setAuthCookies(c, result.AccessToken, result.RefreshToken)

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"accessToken":  result.AccessToken,
		"refreshToken": result.RefreshToken,
		"user":         result.Payload,
	})
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	// Logout must appear to succeed even on partial backend failure.
	if err := h.Sessions.RevokeAllRefreshTokens(user.ID); err != nil {
		logger.Error("logout_revoke_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.logout",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	clearAuthCookies(c)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "logged out"})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

const forgotPasswordMessage = "If that account exists, a reset link has been sent"

func (h *AuthHandler) ForgotPassword(c *fiber.Ctx) error {
	var req forgotPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = normalizeEmail(req.Email)
	if req.Email == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email is required")
	}

	var user models.User
	if err := h.DB.First(&user, "email = ?", req.Email).Error; err != nil {
		// Same response shape whether or not the account exists.
		return utils.Success(c, fiber.StatusOK, fiber.Map{"message": forgotPasswordMessage})
	}

	token, err := utils.GenerateSecureToken(32)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	record := models.PasswordResetToken{
		Email:     user.Email,
		TokenHash: utils.HashToken(token),
		ExpiresAt: time.Now().Add(passwordResetExpiry),
	}
	if err := h.DB.Create(&record).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed storing token")
	}

	h.Mail.QueuePasswordReset(user.Email, user.Name, token)

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": forgotPasswordMessage})
}

type resetPasswordRequest struct {
	Email    string `json:"email"`
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *AuthHandler) ResetPassword(c *fiber.Ctx) error {
	var req resetPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = normalizeEmail(req.Email)

	if req.Email == "" || req.Token == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email and token are required")
	}
	if len(req.Password) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "password must be at least 8 characters")
	}

	// Missing user and bad token are indistinguishable to the caller.
	var record models.PasswordResetToken
	err := h.DB.Where("email = ? AND token_hash = ? AND expires_at > ?",
		req.Email, utils.HashToken(req.Token), time.Now()).
		First(&record).Error
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired reset token")
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed hashing password")
	}

	var user models.User
	if err := h.DB.First(&user, "email = ?", req.Email).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired reset token")
	}

	// The token is revoked only after the password update lands.
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).
			Update("password_hash", hash).Error; err != nil {
			return err
		}
		return tx.Delete(&record).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed resetting password")
	}

	h.Mail.QueuePasswordResetSuccess(user.Email, user.Name)

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.password_reset",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if len(req.NewPassword) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "newPassword must be at least 8 characters")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", currentUser.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}

	// Re-verified even though the caller is authenticated: a hijacked
	// access token alone must not be enough to change the password.
	if !utils.CheckPassword(req.CurrentPassword, user.PasswordHash) {
		return utils.Error(c, fiber.StatusBadRequest, "currentPassword is incorrect")
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed hashing password")
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", user.ID).
		Update("password_hash", hash).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating password")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.password_change",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated"})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, user)
}

type updateMeRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

func (h *AuthHandler) UpdateMe(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req updateMeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		value := strings.TrimSpace(*req.Name)
		if value == "" {
			return utils.Error(c, fiber.StatusBadRequest, "name cannot be empty")
		}
		updates["name"] = value
	}
	if req.Email != nil {
		value := normalizeEmail(*req.Email)
		if _, err := mail.ParseAddress(value); err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid email")
		}
		var existing models.User
		if err := h.DB.First(&existing, "email = ? AND id <> ?", value, currentUser.ID).Error; err == nil {
			return utils.Error(c, fiber.StatusConflict, "email already in use")
		}
		updates["email"] = value
	}

	if len(updates) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "no valid fields to update")
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", currentUser.ID).Updates(updates).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating user")
	}

	var updated models.User
	if err := h.DB.First(&updated, "id = ?", currentUser.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching updated user")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "user.profile_update",
		ResourceType: "user",
		ResourceID:   &currentUser.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, updated)
}

type toggleEmailMFARequest struct {
	Enabled  bool   `json:"enabled"`
	Password string `json:"password"`
}

// ToggleEmailMFA flips the flag that makes login require a second factor.
func (h *AuthHandler) ToggleEmailMFA(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req toggleEmailMFARequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", currentUser.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}

	if !utils.CheckPassword(req.Password, user.PasswordHash) {
		return utils.Error(c, fiber.StatusBadRequest, "password is incorrect")
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", user.ID).
		Update("mfa_enabled", req.Enabled).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating MFA setting")
	}

	action := "mfa.email_disabled"
	if req.Enabled {
		action = "mfa.email_enabled"
	}
	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       action,
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"mfaEnabled": req.Enabled})
}
