package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/internal/services"
	"github.com/ledgerline/backend/pkg/logger"
	"github.com/ledgerline/backend/pkg/utils"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func getRequestID(c *fiber.Ctx) string {
	if id := c.Locals("requestID"); id != nil {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var secureCookies = true

func ConfigureCookies(secure bool) {
	secureCookies = secure
}

// setAuthCookies writes both tokens; they are always set and cleared
// together, never independently.
func setAuthCookies(c *fiber.Ctx, accessToken, refreshToken string) {
	c.Cookie(&fiber.Cookie{
		Name:     "accessToken",
		Value:    accessToken,
		Expires:  time.Now().Add(utils.AccessTokenTTL()),
		HTTPOnly: true,
		Secure:   secureCookies,
		SameSite: fiber.CookieSameSiteLaxMode,
		Path:     "/",
	})
	c.Cookie(&fiber.Cookie{
		Name:     "refreshToken",
		Value:    refreshToken,
		Expires:  time.Now().Add(utils.RefreshTokenTTL()),
		HTTPOnly: true,
		Secure:   secureCookies,
		SameSite: fiber.CookieSameSiteLaxMode,
		Path:     "/",
	})
}

// issueSession is the single completion path shared by password login,
// email-OTP verify, TOTP login, backup-code login and passkey login.
func issueSession(c *fiber.Ctx, sessions *services.SessionService, audit *services.AuditService, user *models.User, method string) error {
	result, err := sessions.CompleteLogin(user.ID, c.Get("User-Agent"), c.IP())
	if err != nil {
		if errors.Is(err, services.ErrNoRoles) || errors.Is(err, services.ErrNoTenants) {
			logger.Error("login_invariant_violation", err, map[string]interface{}{
				"user_id": user.ID.String(),
			})
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed assembling session")
	}

	setAuthCookies(c, result.AccessToken, result.RefreshToken)

	audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		TenantID:     &result.Payload.TenantID,
		Action:       "user.login",
		ResourceType: "user",
		ResourceID:   &user.ID,
		Details:      map[string]interface{}{"method": method},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"accessToken":  result.AccessToken,
		"refreshToken": result.RefreshToken,
		"user":         result.Payload,
	})
}

func clearAuthCookies(c *fiber.Ctx) {
	expired := time.Now().Add(-time.Hour)
	for _, name := range []string{"accessToken", "refreshToken"} {
		c.Cookie(&fiber.Cookie{
			Name:     name,
			Value:    "",
			Expires:  expired,
			HTTPOnly: true,
			Secure:   secureCookies,
			SameSite: fiber.CookieSameSiteLaxMode,
			Path:     "/",
		})
	}
}
