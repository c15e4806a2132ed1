package handlers

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/ledgerline/backend/internal/middleware"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/internal/services"
	"github.com/ledgerline/backend/pkg/logger"
	"github.com/ledgerline/backend/pkg/utils"
	"gorm.io/gorm"
)

type PasskeyHandler struct {
	DB           *gorm.DB
	WebAuthn     *webauthn.WebAuthn
	Audit        *services.AuditService
	Sessions     *services.SessionService
	ChallengeTTL time.Duration
}

func NewPasskeyHandler(db *gorm.DB, wa *webauthn.WebAuthn, audit *services.AuditService, sessions *services.SessionService, challengeTTL time.Duration) *PasskeyHandler {
	return &PasskeyHandler{
		DB:           db,
		WebAuthn:     wa,
		Audit:        audit,
		Sessions:     sessions,
		ChallengeTTL: challengeTTL,
	}
}

type webAuthnUser struct {
	user  models.User
	creds []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	b, _ := u.user.ID.MarshalBinary()
	return b
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.user.Name
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

func (h *PasskeyHandler) loadWebAuthnUser(userID uuid.UUID) (*webAuthnUser, error) {
	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}

	var dbCreds []models.PasskeyCredential
	h.DB.Where("user_id = ? AND is_active = ?", userID, true).Find(&dbCreds)

	creds := make([]webauthn.Credential, len(dbCreds))
	for i, dc := range dbCreds {
		var transports []protocol.AuthenticatorTransport
		if dc.Transports != "" {
			var ts []string
			json.Unmarshal([]byte(dc.Transports), &ts)
			for _, t := range ts {
				transports = append(transports, protocol.AuthenticatorTransport(t))
			}
		}
		creds[i] = webauthn.Credential{
			ID:              dc.CredentialID,
			PublicKey:       dc.PublicKey,
			AttestationType: dc.AttestationType,
			Authenticator: webauthn.Authenticator{
				AAGUID:    dc.AAGUID,
				SignCount: dc.SignCount,
			},
			Transport: transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: dc.BackupEligible,
				BackupState:    dc.BackupState,
			},
		}
	}

	return &webAuthnUser{user: user, creds: creds}, nil
}

// RegisterOptions starts passkey enrollment for the signed-in user.
// Already-registered credentials are excluded so the browser will not offer
// to re-enroll one.
func (h *PasskeyHandler) RegisterOptions(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	waUser, err := h.loadWebAuthnUser(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(waUser.creds))
	for _, cred := range waUser.creds {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
		})
	}

	options, session, err := h.WebAuthn.BeginRegistration(waUser, webauthn.WithExclusions(exclusions))
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin registration")
	}

	sessionJSON, _ := json.Marshal(session)

	// One pending registration per user; restarting replaces it.
	h.DB.Where("user_id = ? AND type = ?", user.ID, models.PasskeyChallengeRegistration).
		Delete(&models.PasskeyChallenge{})

	challenge := models.PasskeyChallenge{
		UserID:      &user.ID,
		LookupKey:   user.Email,
		Type:        models.PasskeyChallengeRegistration,
		SessionData: string(sessionJSON),
		ExpiresAt:   time.Now().Add(h.ChallengeTTL),
	}
	if err := h.DB.Create(&challenge).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save challenge")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type registerVerifyRequest struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

func (h *PasskeyHandler) RegisterVerify(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req registerVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		req.Name = "Passkey"
	}

	var challenge models.PasskeyChallenge
	err := h.DB.Where("user_id = ? AND type = ?", user.ID, models.PasskeyChallengeRegistration).
		Order("created_at DESC").First(&challenge).Error
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no pending registration challenge")
	}
	if time.Now().After(challenge.ExpiresAt) {
		h.DB.Where("id = ?", challenge.ID).Delete(&models.PasskeyChallenge{})
		return utils.Error(c, fiber.StatusBadRequest, "passkey challenge expired")
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionData), &session); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load session")
	}

	waUser, err := h.loadWebAuthnUser(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	parsedResponse, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential response")
	}

	credential, err := h.WebAuthn.CreateCredential(waUser, session, parsedResponse)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "failed to verify credential")
	}

	var transportsJSON []byte
	if len(credential.Transport) > 0 {
		ts := make([]string, len(credential.Transport))
		for i, t := range credential.Transport {
			ts[i] = string(t)
		}
		transportsJSON, _ = json.Marshal(ts)
	}

	credentialType := "platform"
	if credential.Flags.BackupEligible {
		credentialType = "synced"
	}

	dbCred := models.PasskeyCredential{
		UserID:          user.ID,
		CredentialID:    credential.ID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		AAGUID:          credential.Authenticator.AAGUID,
		SignCount:       credential.Authenticator.SignCount,
		Name:            req.Name,
		CredentialType:  credentialType,
		Transports:      string(transportsJSON),
		BackupEligible:  credential.Flags.BackupEligible,
		BackupState:     credential.Flags.BackupState,
		IsActive:        true,
		UserAgent:       c.Get("User-Agent"),
		IPAddress:       c.IP(),
	}
	if err := h.DB.Create(&dbCred).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save credential")
	}

	h.DB.Where("id = ?", challenge.ID).Delete(&models.PasskeyChallenge{})

	logger.Info("passkey_registered", map[string]interface{}{
		"user_id":       user.ID.String(),
		"credential_id": dbCred.ID.String(),
		"name":          dbCred.Name,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "passkey.registered",
		ResourceType: "passkey_credential",
		ResourceID:   &dbCred.ID,
		Details:      map[string]interface{}{"name": dbCred.Name},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{"credential": dbCred})
}

type authOptionsRequest struct {
	Email string `json:"email"`
}

// AuthOptions starts a passkey login. With a known email the options are
// scoped to that user's credentials; otherwise (or when the email has no
// credentials) a discoverable-credential ceremony is issued, which also
// keeps unknown emails indistinguishable from passkey-less ones.
func (h *PasskeyHandler) AuthOptions(c *fiber.Ctx) error {
	var req authOptionsRequest
	if err := c.BodyParser(&req); err != nil && c.Method() == fiber.MethodPost && len(c.Body()) > 0 {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = normalizeEmail(req.Email)

	if req.Email != "" {
		var user models.User
		if err := h.DB.First(&user, "email = ?", req.Email).Error; err == nil {
			waUser, err := h.loadWebAuthnUser(user.ID)
			if err == nil && len(waUser.creds) > 0 {
				options, session, err := h.WebAuthn.BeginLogin(waUser)
				if err != nil {
					return utils.Error(c, fiber.StatusInternalServerError, "failed to begin passkey login")
				}
				return h.storeAuthChallenge(c, &user.ID, req.Email, session, options)
			}
		}
	}

	options, session, err := h.WebAuthn.BeginDiscoverableLogin()
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin passkey login")
	}
	return h.storeAuthChallenge(c, nil, session.Challenge, session, options)
}

func (h *PasskeyHandler) storeAuthChallenge(c *fiber.Ctx, userID *uuid.UUID, lookupKey string, session *webauthn.SessionData, options interface{}) error {
	sessionJSON, _ := json.Marshal(session)
	challenge := models.PasskeyChallenge{
		UserID:      userID,
		LookupKey:   lookupKey,
		Type:        models.PasskeyChallengeAuthentication,
		SessionData: string(sessionJSON),
		ExpiresAt:   time.Now().Add(h.ChallengeTTL),
	}
	if err := h.DB.Create(&challenge).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save challenge")
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type authVerifyRequest struct {
	Email    string          `json:"email"`
	Response json.RawMessage `json:"response"`
}

// AuthVerify completes a passkey login. Deactivated accounts are rejected
// only after the assertion verifies, so the rejection proves nothing about
// the credential to an unauthenticated probe.
func (h *PasskeyHandler) AuthVerify(c *fiber.Ctx) error {
	var req authVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = normalizeEmail(req.Email)

	parsedResponse, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid assertion response")
	}

	challenge, err := h.findAuthChallenge(req.Email, string(parsedResponse.Response.CollectedClientData.Challenge))
	if err != nil {
		if errors.Is(err, errChallengeExpired) {
			return utils.Error(c, fiber.StatusBadRequest, "passkey challenge expired")
		}
		return utils.Error(c, fiber.StatusBadRequest, "no pending login challenge")
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionData), &session); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load session")
	}

	// Resolve the account from the credential itself, not from the claimed
	// email.
	var dbCred models.PasskeyCredential
	if err := h.DB.First(&dbCred, "credential_id = ? AND is_active = ?", parsedResponse.RawID, true).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	waUser, err := h.loadWebAuthnUser(dbCred.UserID)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	var credential *webauthn.Credential
	if len(session.UserID) > 0 {
		credential, err = h.WebAuthn.ValidateLogin(waUser, session, parsedResponse)
	} else {
		credential, err = h.WebAuthn.ValidateDiscoverableLogin(
			func(rawID, userHandle []byte) (webauthn.User, error) {
				return waUser, nil
			},
			session,
			parsedResponse,
		)
	}
	if err != nil {
		logger.Warn("passkey_assertion_failed", map[string]interface{}{
			"user_id": dbCred.UserID.String(),
			"ip":      c.IP(),
			"error":   err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	// A sign count at or below the stored value means the authenticator may
	// have been cloned. Hard failure, never a warning.
	if credential.Authenticator.CloneWarning {
		logger.Warn("passkey_clone_detected", map[string]interface{}{
			"user_id":       dbCred.UserID.String(),
			"credential_id": dbCred.ID.String(),
			"ip":            c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	h.DB.Where("id = ?", challenge.ID).Delete(&models.PasskeyChallenge{})

	if !waUser.user.IsActive {
		return utils.Error(c, fiber.StatusUnauthorized, "account deactivated")
	}

	now := time.Now()
	h.DB.Model(&models.PasskeyCredential{}).
		Where("id = ?", dbCred.ID).
		Updates(map[string]interface{}{
			"sign_count":   credential.Authenticator.SignCount,
			"last_used_at": now,
		})

	return issueSession(c, h.Sessions, h.Audit, &waUser.user, "passkey")
}

var errChallengeExpired = errors.New("passkey challenge expired")

// findAuthChallenge tries the email lookup key first, then the raw
// challenge key used by anonymous discoverable logins.
func (h *PasskeyHandler) findAuthChallenge(email, rawChallenge string) (*models.PasskeyChallenge, error) {
	keys := []string{}
	if email != "" {
		keys = append(keys, email)
	}
	if rawChallenge != "" {
		keys = append(keys, rawChallenge)
	}

	for _, key := range keys {
		var challenge models.PasskeyChallenge
		err := h.DB.Where("lookup_key = ? AND type = ?", key, models.PasskeyChallengeAuthentication).
			Order("created_at DESC").First(&challenge).Error
		if err != nil {
			continue
		}
		if time.Now().After(challenge.ExpiresAt) {
			h.DB.Where("id = ?", challenge.ID).Delete(&models.PasskeyChallenge{})
			return nil, errChallengeExpired
		}
		return &challenge, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (h *PasskeyHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	creds := []models.PasskeyCredential{}
	h.DB.Where("user_id = ? AND is_active = ?", user.ID, true).
		Order("created_at DESC").Find(&creds)

	return utils.Success(c, fiber.StatusOK, creds)
}

type renamePasskeyRequest struct {
	Name string `json:"name"`
}

func (h *PasskeyHandler) Rename(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var req renamePasskeyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name is required")
	}

	result := h.DB.Model(&models.PasskeyCredential{}).
		Where("id = ? AND user_id = ?", credID, user.ID).
		Update("name", strings.TrimSpace(req.Name))
	if result.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to rename passkey")
	}
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	var cred models.PasskeyCredential
	h.DB.First(&cred, "id = ?", credID)

	return utils.Success(c, fiber.StatusOK, cred)
}

func (h *PasskeyHandler) Delete(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var cred models.PasskeyCredential
	if err := h.DB.First(&cred, "id = ? AND user_id = ?", credID, user.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	// Hard delete: the credential ID is globally unique and the same
	// authenticator must be re-registrable later.
	if err := h.DB.Unscoped().Delete(&cred).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to delete passkey")
	}

	logger.Info("passkey_deleted", map[string]interface{}{
		"user_id":       user.ID.String(),
		"credential_id": credID.String(),
		"name":          cred.Name,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "passkey.removed",
		ResourceType: "passkey_credential",
		ResourceID:   &cred.ID,
		Details:      map[string]interface{}{"name": cred.Name},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "passkey removed"})
}
