package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/pkg/logger"
	"github.com/ledgerline/backend/pkg/utils"
	"gorm.io/gorm"
)

const (
	currentUserKey   = "currentUser"
	currentClaimsKey = "currentClaims"
)

type AuthMiddleware struct {
	DB *gorm.DB
}

func NewAuthMiddleware(db *gorm.DB) *AuthMiddleware {
	return &AuthMiddleware{DB: db}
}

func CORS() fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins:     "http://localhost:3001,http://127.0.0.1:3001",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowCredentials: true,
	})
}

// tokenFromRequest prefers the httpOnly cookie and falls back to a bearer
// header for non-browser clients.
func tokenFromRequest(c *fiber.Ctx) string {
	if cookie := c.Cookies("accessToken"); cookie != "" {
		return cookie
	}

	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
	if tokenString == authHeader {
		return ""
	}
	return tokenString
}

func (a *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	tokenString := tokenFromRequest(c)
	if tokenString == "" {
		logger.Warn("jwt_missing_token", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "missing authentication token")
	}

	claims, err := utils.ValidateAccessToken(tokenString)
	if err != nil {
		logger.Warn("jwt_validation_failed", map[string]interface{}{
			"ip":    c.IP(),
			"path":  c.Path(),
			"error": err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired token")
	}

	var user models.User
	if err := a.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		logger.Warn("jwt_user_not_found", map[string]interface{}{
			"ip":      c.IP(),
			"path":    c.Path(),
			"user_id": claims.UserID,
		})
		return utils.Error(c, fiber.StatusUnauthorized, "user not found")
	}

	if !user.IsActive {
		return utils.Error(c, fiber.StatusUnauthorized, "account deactivated")
	}

	c.Locals(currentUserKey, &user)
	c.Locals(currentClaimsKey, claims)
	c.Locals("userID", user.ID.String())
	return c.Next()
}

func GetCurrentUser(c *fiber.Ctx) *models.User {
	value := c.Locals(currentUserKey)
	if value == nil {
		return nil
	}
	user, ok := value.(*models.User)
	if !ok {
		return nil
	}
	return user
}

func GetCurrentClaims(c *fiber.Ctx) *utils.Claims {
	value := c.Locals(currentClaimsKey)
	if value == nil {
		return nil
	}
	claims, ok := value.(*utils.Claims)
	if !ok {
		return nil
	}
	return claims
}
