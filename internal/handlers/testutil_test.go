package handlers

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/go-sqlite"
	glebsqlite "github.com/glebarez/sqlite"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/ledgerline/backend/internal/database"
	"github.com/ledgerline/backend/internal/middleware"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/internal/services"
	"github.com/ledgerline/backend/pkg/logger"
	"github.com/ledgerline/backend/pkg/utils"
	"gorm.io/gorm"
)

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	sessions *services.SessionService
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		sqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 15, 168)
		utils.ConfigureEncryption("test-secret")
		ConfigureCookies(false)
	})

	db, err := gorm.Open(glebsqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed migrating models: %v", err)
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          "localhost",
		RPDisplayName: "Ledgerline Test",
		RPOrigins:     []string{"http://localhost:3001"},
	})
	if err != nil {
		t.Fatalf("failed creating webauthn config: %v", err)
	}

	auditService := services.NewAuditService(db, nil)
	mailService := services.NewMailService(services.LogMailer{})
	sessionService := services.NewSessionService(db)

	authHandler := NewAuthHandler(db, auditService, mailService, sessionService, 10*time.Minute, 6)
	mfaHandler := NewMFAHandler(db, auditService, mailService, sessionService, 10)
	passkeyHandler := NewPasskeyHandler(db, wa, auditService, sessionService, 5*time.Minute)
	invitationHandler := NewInvitationHandler(db, auditService, mailService)
	tenantHandler := NewTenantHandler(db, auditService, sessionService)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/refresh", authHandler.Refresh)
	authRoutes.Post("/logout", authMiddleware.RequireAuth, authHandler.Logout)
	authRoutes.Post("/forgot-password", authHandler.ForgotPassword)
	authRoutes.Post("/reset-password", authHandler.ResetPassword)
	authRoutes.Put("/password", authMiddleware.RequireAuth, authHandler.ChangePassword)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/me", authMiddleware.RequireAuth, authHandler.UpdateMe)

	mfaRoutes := api.Group("/auth/mfa")
	mfaRoutes.Post("/verify-otp", mfaHandler.VerifyEmailOTP)
	mfaRoutes.Post("/verify-totp", mfaHandler.VerifyTOTPLogin)
	mfaRoutes.Put("/email", authMiddleware.RequireAuth, authHandler.ToggleEmailMFA)
	mfaRoutes.Get("/status", authMiddleware.RequireAuth, mfaHandler.Status)
	mfaRoutes.Post("/totp/setup", authMiddleware.RequireAuth, mfaHandler.TOTPSetup)
	mfaRoutes.Post("/totp/verify", authMiddleware.RequireAuth, mfaHandler.TOTPVerifySetup)
	mfaRoutes.Delete("/totp", authMiddleware.RequireAuth, mfaHandler.TOTPDisable)
	mfaRoutes.Post("/recovery/regenerate", authMiddleware.RequireAuth, mfaHandler.RegenerateRecovery)

	passkeyRoutes := api.Group("/auth/passkeys")
	passkeyRoutes.Post("/register/options", authMiddleware.RequireAuth, passkeyHandler.RegisterOptions)
	passkeyRoutes.Post("/register/verify", authMiddleware.RequireAuth, passkeyHandler.RegisterVerify)
	passkeyRoutes.Post("/authenticate/options", passkeyHandler.AuthOptions)
	passkeyRoutes.Post("/authenticate/verify", passkeyHandler.AuthVerify)
	passkeyRoutes.Get("/", authMiddleware.RequireAuth, passkeyHandler.List)
	passkeyRoutes.Put("/:id", authMiddleware.RequireAuth, passkeyHandler.Rename)
	passkeyRoutes.Delete("/:id", authMiddleware.RequireAuth, passkeyHandler.Delete)

	invitationRoutes := api.Group("/invitations")
	invitationRoutes.Post("/", authMiddleware.RequireAuth, invitationHandler.Create)
	invitationRoutes.Get("/", authMiddleware.RequireAuth, invitationHandler.List)
	invitationRoutes.Get("/verify", invitationHandler.VerifyToken)
	invitationRoutes.Post("/accept", invitationHandler.Accept)
	invitationRoutes.Post("/:id/resend", authMiddleware.RequireAuth, invitationHandler.Resend)
	invitationRoutes.Delete("/:id", authMiddleware.RequireAuth, invitationHandler.Revoke)

	tenantRoutes := api.Group("/tenants", authMiddleware.RequireAuth)
	tenantRoutes.Get("/", tenantHandler.ListMine)
	tenantRoutes.Post("/switch", tenantHandler.Switch)

	return &testEnv{app: app, db: db, sessions: sessionService}
}

func seedTenant(t *testing.T, db *gorm.DB, name string) *models.Tenant {
	t.Helper()

	tenant := &models.Tenant{Name: name, IsActive: true}
	if err := db.Create(tenant).Error; err != nil {
		t.Fatalf("failed creating tenant: %v", err)
	}
	return tenant
}

func seedRole(t *testing.T, db *gorm.DB, name string, permissions ...string) *models.Role {
	t.Helper()

	role := &models.Role{Name: name, IsActive: true}
	if err := db.Where("name = ?", name).FirstOrCreate(role).Error; err != nil {
		t.Fatalf("failed creating role: %v", err)
	}

	for _, permName := range permissions {
		perm := &models.Permission{Name: permName}
		if err := db.Where("name = ?", permName).FirstOrCreate(perm).Error; err != nil {
			t.Fatalf("failed creating permission: %v", err)
		}
		if err := db.Model(role).Association("Permissions").Append(perm); err != nil {
			t.Fatalf("failed linking permission: %v", err)
		}
	}

	return role
}

// createTestUser seeds a verified active user with one tenant membership
// and one role grant, the minimum a session can be built from.
func createTestUser(t *testing.T, db *gorm.DB, email, password string) (*models.User, *models.Tenant) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	now := time.Now()
	user := &models.User{
		Email:        email,
		Name:         "Test User",
		PasswordHash: hash,
		IsVerified:   true,
		IsActive:     true,
		VerifiedAt:   &now,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	tenant := seedTenant(t, db, fmt.Sprintf("Tenant for %s", email))
	role := seedRole(t, db, "bookkeeper", "ledger.read", "ledger.write")

	if err := db.Create(&models.UserTenant{
		UserID:    user.ID,
		TenantID:  tenant.ID,
		IsPrimary: true,
	}).Error; err != nil {
		t.Fatalf("failed creating tenant membership: %v", err)
	}
	if err := db.Create(&models.UserRole{
		UserID:   user.ID,
		RoleID:   role.ID,
		TenantID: tenant.ID,
	}).Error; err != nil {
		t.Fatalf("failed creating role grant: %v", err)
	}

	return user, tenant
}

func loginToken(t *testing.T, env *testEnv, user *models.User) string {
	t.Helper()

	result, err := env.sessions.CompleteLogin(user.ID, "test-agent", "127.0.0.1")
	if err != nil {
		t.Fatalf("failed completing login: %v", err)
	}
	return result.AccessToken
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()

	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed decoding response body: %v", err)
	}
	return body
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()

	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func responseData(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()

	body := decodeJSONMap(t, resp)
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data object in response, got %v", body)
	}
	return data
}
