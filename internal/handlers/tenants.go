package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/ledgerline/backend/internal/middleware"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/internal/services"
	"github.com/ledgerline/backend/pkg/utils"
	"gorm.io/gorm"
)

type TenantHandler struct {
	DB       *gorm.DB
	Audit    *services.AuditService
	Sessions *services.SessionService
}

func NewTenantHandler(db *gorm.DB, audit *services.AuditService, sessions *services.SessionService) *TenantHandler {
	return &TenantHandler{DB: db, Audit: audit, Sessions: sessions}
}

// ListMine returns the caller's tenant memberships.
func (h *TenantHandler) ListMine(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var memberships []models.UserTenant
	if err := h.DB.Preload("Tenant").
		Where("user_id = ?", user.ID).
		Order("created_at ASC").
		Find(&memberships).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing tenants")
	}

	return utils.Success(c, fiber.StatusOK, memberships)
}

type switchTenantRequest struct {
	TenantID string `json:"tenantID"`
}

// Switch moves the caller's primary tenant and reissues the token pair so
// the session's tenant context changes immediately, not at next refresh.
func (h *TenantHandler) Switch(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req switchTenantRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	tenantID, err := parseUUID(req.TenantID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid tenantID")
	}

	var membership models.UserTenant
	if err := h.DB.First(&membership, "user_id = ? AND tenant_id = ?", user.ID, tenantID).Error; err != nil {
		return utils.Error(c, fiber.StatusForbidden, "not a member of this tenant")
	}

	var tenant models.Tenant
	if err := h.DB.First(&tenant, "id = ? AND is_active = ?", tenantID, true).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "tenant not found")
	}

	// Clear-then-set in one transaction keeps the single-primary invariant.
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.UserTenant{}).
			Where("user_id = ? AND is_primary = ?", user.ID, true).
			Update("is_primary", false).Error; err != nil {
			return err
		}
		return tx.Model(&models.UserTenant{}).
			Where("id = ?", membership.ID).
			Update("is_primary", true).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed switching tenant")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		TenantID:     &tenantID,
		Action:       "tenant.switched",
		ResourceType: "tenant",
		ResourceID:   &tenantID,
		Details:      map[string]interface{}{"tenant": tenant.Name},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	result, err := h.Sessions.CompleteLogin(user.ID, c.Get("User-Agent"), c.IP())
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed assembling session")
	}

	setAuthCookies(c, result.AccessToken, result.RefreshToken)

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"accessToken":  result.AccessToken,
		"refreshToken": result.RefreshToken,
		"user":         result.Payload,
	})
}
