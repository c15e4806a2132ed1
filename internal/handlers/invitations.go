package handlers

import (
	"errors"
	"net/mail"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/ledgerline/backend/internal/middleware"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/internal/services"
	"github.com/ledgerline/backend/pkg/logger"
	"github.com/ledgerline/backend/pkg/utils"
	"gorm.io/gorm"
)

type InvitationHandler struct {
	DB    *gorm.DB
	Audit *services.AuditService
	Mail  *services.MailService
}

func NewInvitationHandler(db *gorm.DB, audit *services.AuditService, mailSvc *services.MailService) *InvitationHandler {
	return &InvitationHandler{DB: db, Audit: audit, Mail: mailSvc}
}

func (h *InvitationHandler) isTenantMember(userID, tenantID uuid.UUID) bool {
	var membership models.UserTenant
	err := h.DB.First(&membership, "user_id = ? AND tenant_id = ?", userID, tenantID).Error
	return err == nil
}

type createInvitationRequest struct {
	Email    string `json:"email"`
	TenantID string `json:"tenantID"`
	RoleID   string `json:"roleID"`
}

// Create issues an invitation for a user (existing or new) to join a tenant
// with a role. For a brand-new email an unverified account is created with
// an unguessable placeholder password; it becomes usable only through
// Accept.
func (h *InvitationHandler) Create(c *fiber.Ctx) error {
	inviter := middleware.GetCurrentUser(c)
	if inviter == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req createInvitationRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = normalizeEmail(req.Email)

	if _, err := mail.ParseAddress(req.Email); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid email")
	}
	tenantID, err := parseUUID(req.TenantID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid tenantID")
	}
	roleID, err := parseUUID(req.RoleID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid roleID")
	}

	if !h.isTenantMember(inviter.ID, tenantID) {
		return utils.Error(c, fiber.StatusForbidden, "not a member of this tenant")
	}

	var tenant models.Tenant
	if err := h.DB.First(&tenant, "id = ? AND is_active = ?", tenantID, true).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "tenant not found")
	}

	var role models.Role
	if err := h.DB.First(&role, "id = ? AND is_active = ?", roleID, true).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "role not found")
	}
	if role.Name == models.SuperAdminRoleName {
		return utils.Error(c, fiber.StatusForbidden, "this role cannot be granted by invitation")
	}

	var user models.User
	err = h.DB.First(&user, "email = ?", req.Email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		placeholder, err := utils.GenerateSecureToken(32)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed creating user")
		}
		hash, err := utils.HashPassword(placeholder)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed creating user")
		}
		user = models.User{
			Email:        req.Email,
			Name:         req.Email,
			PasswordHash: hash,
			IsVerified:   false,
			IsActive:     true,
		}
		if err := h.DB.Create(&user).Error; err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed creating user")
		}
	} else if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}

	if h.isTenantMember(user.ID, tenantID) {
		return utils.Error(c, fiber.StatusConflict, "user is already a member of this tenant")
	}

	var existing models.Invitation
	err = h.DB.First(&existing, "user_id = ? AND tenant_id = ? AND status = ?",
		user.ID, tenantID, models.InvitationPending).Error
	if err == nil {
		return utils.Error(c, fiber.StatusConflict, "an invitation is already pending for this user")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking invitations")
	}

	token, err := utils.GenerateSecureToken(32)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	invitation := models.Invitation{
		UserID:    user.ID,
		TenantID:  tenantID,
		RoleID:    roleID,
		InviterID: inviter.ID,
		TokenHash: utils.HashToken(token),
		Status:    models.InvitationPending,
	}
	if err := h.DB.Create(&invitation).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating invitation")
	}

	h.Mail.QueueInvitation(user.Email, user.Name, tenant.Name, token)

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &inviter.ID,
		TenantID:     &tenantID,
		Action:       "invitation.created",
		ResourceType: "invitation",
		ResourceID:   &invitation.ID,
		Details: map[string]interface{}{
			"invitee": user.Email,
			"role":    role.Name,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"invitation": invitation,
		// Plaintext leaves the system exactly once, here and in the email.
		"token": token,
	})
}

// VerifyToken tells the invitation UI what the accept form needs before any
// state changes.
func (h *InvitationHandler) VerifyToken(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		return utils.Error(c, fiber.StatusBadRequest, "token is required")
	}

	var invitation models.Invitation
	err := h.DB.Preload("User").Preload("Tenant").Preload("Role").
		First(&invitation, "token_hash = ? AND status = ?",
			utils.HashToken(token), models.InvitationPending).Error
	if err != nil {
		return utils.Error(c, fiber.StatusNotFound, "invitation not found")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"email":      invitation.User.Email,
		"tenantName": invitation.Tenant.Name,
		"roleName":   invitation.Role.Name,
		// New accounts must set a password during accept; existing verified
		// accounts must not.
		"requiresPassword": !invitation.User.IsVerified,
	})
}

type acceptInvitationRequest struct {
	Token    string `json:"token"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Accept settles a pending invitation: membership and role are granted in
// one transaction and the row moves to its terminal accepted state.
func (h *InvitationHandler) Accept(c *fiber.Ctx) error {
	var req acceptInvitationRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		return utils.Error(c, fiber.StatusBadRequest, "token is required")
	}

	var invitation models.Invitation
	err := h.DB.Preload("User").
		First(&invitation, "token_hash = ? AND status = ?",
			utils.HashToken(req.Token), models.InvitationPending).Error
	if err != nil {
		return utils.Error(c, fiber.StatusNotFound, "invitation not found")
	}

	user := invitation.User
	if !user.IsVerified {
		if len(req.Password) < 8 {
			return utils.Error(c, fiber.StatusBadRequest, "password must be at least 8 characters")
		}
	} else if req.Password != "" {
		return utils.Error(c, fiber.StatusBadRequest, "password cannot be changed while accepting an invitation")
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if !user.IsVerified {
			hash, err := utils.HashPassword(req.Password)
			if err != nil {
				return err
			}
			now := time.Now()
			updates := map[string]interface{}{
				"password_hash": hash,
				"is_verified":   true,
				"verified_at":   now,
			}
			if req.Name != "" {
				updates["name"] = req.Name
			}
			if err := tx.Model(&models.User{}).Where("id = ?", user.ID).
				Updates(updates).Error; err != nil {
				return err
			}
		}

		// The user may have joined the tenant through another invitation
		// while this one sat in their inbox; the role grant and the settle
		// still go through, only the membership insert is skipped.
		var alreadyMember int64
		if err := tx.Model(&models.UserTenant{}).
			Where("user_id = ? AND tenant_id = ?", user.ID, invitation.TenantID).
			Count(&alreadyMember).Error; err != nil {
			return err
		}
		if alreadyMember == 0 {
			// First membership becomes primary.
			var memberships int64
			if err := tx.Model(&models.UserTenant{}).
				Where("user_id = ?", user.ID).Count(&memberships).Error; err != nil {
				return err
			}
			membership := models.UserTenant{
				UserID:    user.ID,
				TenantID:  invitation.TenantID,
				IsPrimary: memberships == 0,
			}
			if err := tx.Create(&membership).Error; err != nil {
				return err
			}
		}

		// Idempotent role grant: the unique index makes duplicates a no-op
		// concern, FirstOrCreate keeps it race-tolerant.
		grant := models.UserRole{
			UserID:   user.ID,
			RoleID:   invitation.RoleID,
			TenantID: invitation.TenantID,
		}
		if err := tx.Where("user_id = ? AND role_id = ? AND tenant_id = ?",
			user.ID, invitation.RoleID, invitation.TenantID).
			FirstOrCreate(&grant).Error; err != nil {
			return err
		}

		now := time.Now()
		if err := tx.Model(&models.Invitation{}).Where("id = ?", invitation.ID).
			Updates(map[string]interface{}{
				"status":      models.InvitationAccepted,
				"accepted_at": now,
			}).Error; err != nil {
			return err
		}
		// Terminal rows drop out of default scoping.
		return tx.Delete(&models.Invitation{}, "id = ?", invitation.ID).Error
	})
	if err != nil {
		logger.Error("invitation_accept_failed", err, map[string]interface{}{
			"invitation_id": invitation.ID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed accepting invitation")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		TenantID:     &invitation.TenantID,
		Action:       "invitation.accepted",
		ResourceType: "invitation",
		ResourceID:   &invitation.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "invitation accepted"})
}

func (h *InvitationHandler) Revoke(c *fiber.Ctx) error {
	caller := middleware.GetCurrentUser(c)
	if caller == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	invitationID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid invitation ID")
	}

	var invitation models.Invitation
	if err := h.DB.Unscoped().First(&invitation, "id = ?", invitationID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "invitation not found")
	}

	if !h.isTenantMember(caller.ID, invitation.TenantID) {
		return utils.Error(c, fiber.StatusForbidden, "not a member of this tenant")
	}

	if invitation.Status != models.InvitationPending {
		return utils.Error(c, fiber.StatusConflict, "invitation is already settled")
	}

	now := time.Now()
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Invitation{}).Where("id = ?", invitation.ID).
			Updates(map[string]interface{}{
				"status":     models.InvitationRevoked,
				"revoked_at": now,
			}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Invitation{}, "id = ?", invitation.ID).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed revoking invitation")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &caller.ID,
		TenantID:     &invitation.TenantID,
		Action:       "invitation.revoked",
		ResourceType: "invitation",
		ResourceID:   &invitation.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "invitation revoked"})
}

// Resend rotates the token on a pending invitation; the previous token
// stops working immediately.
func (h *InvitationHandler) Resend(c *fiber.Ctx) error {
	caller := middleware.GetCurrentUser(c)
	if caller == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	invitationID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid invitation ID")
	}

	var invitation models.Invitation
	err = h.DB.Preload("User").Preload("Tenant").
		First(&invitation, "id = ? AND status = ?", invitationID, models.InvitationPending).Error
	if err != nil {
		return utils.Error(c, fiber.StatusNotFound, "invitation not found")
	}

	if !h.isTenantMember(caller.ID, invitation.TenantID) {
		return utils.Error(c, fiber.StatusForbidden, "not a member of this tenant")
	}

	token, err := utils.GenerateSecureToken(32)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	if err := h.DB.Model(&models.Invitation{}).Where("id = ?", invitation.ID).
		Update("token_hash", utils.HashToken(token)).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating invitation")
	}

	h.Mail.QueueInvitation(invitation.User.Email, invitation.User.Name, invitation.Tenant.Name, token)

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &caller.ID,
		TenantID:     &invitation.TenantID,
		Action:       "invitation.resent",
		ResourceType: "invitation",
		ResourceID:   &invitation.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"token": token})
}

func (h *InvitationHandler) List(c *fiber.Ctx) error {
	caller := middleware.GetCurrentUser(c)
	if caller == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	tenantID, err := parseUUID(c.Query("tenantID"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid tenantID")
	}

	if !h.isTenantMember(caller.ID, tenantID) {
		return utils.Error(c, fiber.StatusForbidden, "not a member of this tenant")
	}

	var invitations []models.Invitation
	if err := h.DB.Preload("User").Preload("Role").
		Where("tenant_id = ? AND status = ?", tenantID, models.InvitationPending).
		Order("created_at DESC").
		Find(&invitations).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing invitations")
	}

	return utils.Success(c, fiber.StatusOK, invitations)
}
