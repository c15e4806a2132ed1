package services

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/pkg/utils"
	"gorm.io/gorm"
)

// Invariant violations surfaced as 500s, never silently substituted.
var (
	ErrNoRoles   = errors.New("user has no roles")
	ErrNoTenants = errors.New("user has no tenant memberships")
)

type SessionService struct {
	DB *gorm.DB
}

func NewSessionService(db *gorm.DB) *SessionService {
	return &SessionService{DB: db}
}

// LoadUserComplete fetches a user with roles, permissions and tenant
// memberships eagerly loaded. Inactive and soft-deleted roles are filtered
// at query time.
func (s *SessionService) LoadUserComplete(userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := s.DB.
		Preload("UserRoles.Role", "is_active = ?", true).
		Preload("UserRoles.Role.Permissions").
		Preload("UserTenants").
		First(&user, "id = ?", userID).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// BuildSessionPayload derives the token payload from a fully loaded user.
// It is the single seam used by password login, email-OTP verify, TOTP
// login, passkey login, refresh and tenant switch. On permission name
// collisions the first occurrence by role iteration order wins.
func BuildSessionPayload(user *models.User) (utils.SessionPayload, error) {
	payload := utils.SessionPayload{
		UserID: user.ID,
		Name:   user.Name,
		Email:  user.Email,
	}

	var roles []models.Role
	for _, ur := range user.UserRoles {
		if ur.Role.ID == uuid.Nil || !ur.Role.IsActive {
			continue
		}
		roles = append(roles, ur.Role)
	}
	if len(roles) == 0 {
		return payload, ErrNoRoles
	}
	payload.Role = roles[0].Name

	seen := make(map[string]bool)
	perms := []string{}
	for _, role := range roles {
		for _, p := range role.Permissions {
			if seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			perms = append(perms, p.Name)
		}
	}
	payload.Permissions = perms

	if len(user.UserTenants) == 0 {
		return payload, ErrNoTenants
	}
	payload.TenantID = user.UserTenants[0].TenantID
	for _, ut := range user.UserTenants {
		if ut.IsPrimary {
			payload.TenantID = ut.TenantID
			break
		}
	}

	return payload, nil
}

type LoginResult struct {
	AccessToken  string
	RefreshToken string
	Payload      utils.SessionPayload
	User         *models.User
}

// CompleteLogin assembles the session for an already-authenticated user:
// rebuilds the payload from current state, signs both tokens and persists
// the refresh-token record with request metadata.
func (s *SessionService) CompleteLogin(userID uuid.UUID, userAgent, ipAddress string) (*LoginResult, error) {
	user, err := s.LoadUserComplete(userID)
	if err != nil {
		return nil, err
	}

	payload, err := BuildSessionPayload(user)
	if err != nil {
		return nil, err
	}

	accessToken, err := utils.GenerateAccessToken(payload)
	if err != nil {
		return nil, err
	}

	refreshToken, err := utils.GenerateRefreshToken(user.ID, user.Email)
	if err != nil {
		return nil, err
	}

	record := models.RefreshToken{
		UserID:    user.ID,
		TokenHash: utils.HashToken(refreshToken),
		UserAgent: userAgent,
		IPAddress: ipAddress,
		ExpiresAt: time.Now().Add(utils.RefreshTokenTTL()),
	}
	if err := s.DB.Create(&record).Error; err != nil {
		return nil, err
	}

	return &LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Payload:      payload,
		User:         user,
	}, nil
}

// RotateRefreshToken revokes the stored record for the presented token and
// issues a fresh pair. The revoke is a conditional update: if another
// request already rotated the same token, zero rows match and the caller
// gets ErrTokenRotated.
var ErrTokenRotated = errors.New("refresh token already rotated")

func (s *SessionService) RotateRefreshToken(tokenHash string, userID uuid.UUID, userAgent, ipAddress string) (*LoginResult, error) {
	var result *LoginResult

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RefreshToken{}).
			Where("token_hash = ? AND user_id = ? AND revoked = ?", tokenHash, userID, false).
			Update("revoked", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTokenRotated
		}

		inner := &SessionService{DB: tx}
		r, err := inner.CompleteLogin(userID, userAgent, ipAddress)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RevokeAllRefreshTokens implements "logout everywhere".
func (s *SessionService) RevokeAllRefreshTokens(userID uuid.UUID) error {
	return s.DB.Model(&models.RefreshToken{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Update("revoked", true).Error
}
