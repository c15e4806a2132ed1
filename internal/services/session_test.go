package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	glebsqlite "github.com/glebarez/sqlite"
	"github.com/ledgerline/backend/internal/database"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/pkg/logger"
	"github.com/ledgerline/backend/pkg/utils"
	"gorm.io/gorm"
)

var serviceTestOnce sync.Once

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	serviceTestOnce.Do(func() {
		logger.Init()
		utils.ConfigureJWT("test-secret", 15, 168)
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
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed migrating models: %v", err)
	}

	return db
}

func seedUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()

	user := &models.User{
		Email:        email,
		Name:         "Service Test",
		PasswordHash: "irrelevant",
		IsVerified:   true,
		IsActive:     true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating user: %v", err)
	}
	return user
}

func grantRole(t *testing.T, db *gorm.DB, roleName string, perms ...string) *models.Role {
	t.Helper()

	role := &models.Role{Name: roleName, IsActive: true}
	if err := db.Where("name = ?", roleName).FirstOrCreate(role).Error; err != nil {
		t.Fatalf("failed creating role: %v", err)
	}
	for _, p := range perms {
		perm := &models.Permission{Name: p}
		if err := db.Where("name = ?", p).FirstOrCreate(perm).Error; err != nil {
			t.Fatalf("failed creating permission: %v", err)
		}
		if err := db.Model(role).Association("Permissions").Append(perm); err != nil {
			t.Fatalf("failed linking permission: %v", err)
		}
	}
	return role
}

func TestBuildSessionPayload_NoRoles(t *testing.T) {
	db := setupTestDB(t)
	user := seedUser(t, db, "noroles@test.com")

	tenant := &models.Tenant{Name: "T", IsActive: true}
	db.Create(tenant)
	db.Create(&models.UserTenant{UserID: user.ID, TenantID: tenant.ID, IsPrimary: true})

	sessions := NewSessionService(db)
	loaded, err := sessions.LoadUserComplete(user.ID)
	if err != nil {
		t.Fatalf("failed loading user: %v", err)
	}

	_, err = BuildSessionPayload(loaded)
	if !errors.Is(err, ErrNoRoles) {
		t.Fatalf("expected ErrNoRoles, got %v", err)
	}
}

func TestBuildSessionPayload_NoTenants(t *testing.T) {
	db := setupTestDB(t)
	user := seedUser(t, db, "notenants@test.com")

	role := grantRole(t, db, "lonely-role", "x.read")
	tenant := &models.Tenant{Name: "T", IsActive: true}
	db.Create(tenant)
	db.Create(&models.UserRole{UserID: user.ID, RoleID: role.ID, TenantID: tenant.ID})

	sessions := NewSessionService(db)
	loaded, err := sessions.LoadUserComplete(user.ID)
	if err != nil {
		t.Fatalf("failed loading user: %v", err)
	}

	_, err = BuildSessionPayload(loaded)
	if !errors.Is(err, ErrNoTenants) {
		t.Fatalf("expected ErrNoTenants, got %v", err)
	}
}

func TestBuildSessionPayload_DedupesPermissionsAndPicksPrimary(t *testing.T) {
	db := setupTestDB(t)
	user := seedUser(t, db, "dedupe@test.com")

	tenantA := &models.Tenant{Name: "A", IsActive: true}
	tenantB := &models.Tenant{Name: "B", IsActive: true}
	db.Create(tenantA)
	db.Create(tenantB)
	db.Create(&models.UserTenant{UserID: user.ID, TenantID: tenantA.ID})
	db.Create(&models.UserTenant{UserID: user.ID, TenantID: tenantB.ID, IsPrimary: true})

	roleOne := grantRole(t, db, "role-one", "ledger.read", "ledger.write")
	roleTwo := grantRole(t, db, "role-two", "ledger.read", "reports.run")
	db.Create(&models.UserRole{UserID: user.ID, RoleID: roleOne.ID, TenantID: tenantA.ID})
	db.Create(&models.UserRole{UserID: user.ID, RoleID: roleTwo.ID, TenantID: tenantA.ID})

	sessions := NewSessionService(db)
	loaded, err := sessions.LoadUserComplete(user.ID)
	if err != nil {
		t.Fatalf("failed loading user: %v", err)
	}

	payload, err := BuildSessionPayload(loaded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(payload.Permissions) != 3 {
		t.Fatalf("expected 3 deduped permissions, got %d (%v)", len(payload.Permissions), payload.Permissions)
	}
	if payload.TenantID != tenantB.ID {
		t.Fatalf("expected primary tenant %s, got %s", tenantB.ID, payload.TenantID)
	}
	if payload.Role == "" {
		t.Fatal("expected a primary role name")
	}
}

func TestBuildSessionPayload_InactiveRolesIgnored(t *testing.T) {
	db := setupTestDB(t)
	user := seedUser(t, db, "inactive-role@test.com")

	tenant := &models.Tenant{Name: "T", IsActive: true}
	db.Create(tenant)
	db.Create(&models.UserTenant{UserID: user.ID, TenantID: tenant.ID, IsPrimary: true})

	role := grantRole(t, db, "retired-role", "x.read")
	db.Model(role).Update("is_active", false)
	db.Create(&models.UserRole{UserID: user.ID, RoleID: role.ID, TenantID: tenant.ID})

	sessions := NewSessionService(db)
	loaded, err := sessions.LoadUserComplete(user.ID)
	if err != nil {
		t.Fatalf("failed loading user: %v", err)
	}

	if _, err := BuildSessionPayload(loaded); !errors.Is(err, ErrNoRoles) {
		t.Fatalf("expected ErrNoRoles for inactive-only roles, got %v", err)
	}
}

func seedCompleteUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()

	user := seedUser(t, db, email)
	tenant := &models.Tenant{Name: "T " + email, IsActive: true}
	db.Create(tenant)
	db.Create(&models.UserTenant{UserID: user.ID, TenantID: tenant.ID, IsPrimary: true})
	role := grantRole(t, db, "session-role", "x.read")
	db.Create(&models.UserRole{UserID: user.ID, RoleID: role.ID, TenantID: tenant.ID})
	return user
}

func TestCompleteLogin_PersistsHashedRefreshToken(t *testing.T) {
	db := setupTestDB(t)
	user := seedCompleteUser(t, db, "complete@test.com")

	sessions := NewSessionService(db)
	result, err := sessions.CompleteLogin(user.ID, "agent", "127.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var record models.RefreshToken
	if err := db.First(&record, "user_id = ?", user.ID).Error; err != nil {
		t.Fatalf("expected refresh token record: %v", err)
	}
	if record.TokenHash == result.RefreshToken {
		t.Fatal("refresh token must be stored as a fingerprint, not plaintext")
	}
	if record.TokenHash != utils.HashToken(result.RefreshToken) {
		t.Fatal("stored fingerprint does not match the issued token")
	}
	if record.Revoked {
		t.Fatal("fresh token must not be revoked")
	}
}

func TestRotateRefreshToken_ReplayFails(t *testing.T) {
	db := setupTestDB(t)
	user := seedCompleteUser(t, db, "rotate@test.com")

	sessions := NewSessionService(db)
	first, err := sessions.CompleteLogin(user.ID, "agent", "127.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hash := utils.HashToken(first.RefreshToken)
	if _, err := sessions.RotateRefreshToken(hash, user.ID, "agent", "127.0.0.1"); err != nil {
		t.Fatalf("first rotation must succeed: %v", err)
	}

	// Second presentation of the same token loses the race by definition.
	if _, err := sessions.RotateRefreshToken(hash, user.ID, "agent", "127.0.0.1"); !errors.Is(err, ErrTokenRotated) {
		t.Fatalf("expected ErrTokenRotated, got %v", err)
	}
}

func TestRevokeAllRefreshTokens(t *testing.T) {
	db := setupTestDB(t)
	user := seedCompleteUser(t, db, "revoke-all@test.com")

	sessions := NewSessionService(db)
	for i := 0; i < 3; i++ {
		if _, err := sessions.CompleteLogin(user.ID, "agent", "127.0.0.1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := sessions.RevokeAllRefreshTokens(user.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var active int64
	db.Model(&models.RefreshToken{}).Where("user_id = ? AND revoked = ?", user.ID, false).Count(&active)
	if active != 0 {
		t.Fatalf("expected all tokens revoked, %d active", active)
	}
}

func TestSweepExpired(t *testing.T) {
	db := setupTestDB(t)
	user := seedUser(t, db, "sweep@test.com")

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	db.Create(&models.PasskeyChallenge{LookupKey: "a", Type: models.PasskeyChallengeAuthentication, SessionData: "{}", ExpiresAt: past})
	db.Create(&models.PasskeyChallenge{LookupKey: "b", Type: models.PasskeyChallengeAuthentication, SessionData: "{}", ExpiresAt: future})
	db.Create(&models.MFAOTP{UserID: user.ID, Code: "111111", ExpiresAt: past})
	db.Create(&models.MFAOTP{UserID: user.ID, Code: "222222", ExpiresAt: future})
	db.Create(&models.PasswordResetToken{Email: user.Email, TokenHash: "h1", ExpiresAt: past})
	db.Create(&models.PasswordResetToken{Email: user.Email, TokenHash: "h2", ExpiresAt: future})

	SweepExpired(db)

	var challenges, otps, resets int64
	db.Model(&models.PasskeyChallenge{}).Count(&challenges)
	db.Model(&models.MFAOTP{}).Count(&otps)
	db.Model(&models.PasswordResetToken{}).Count(&resets)

	if challenges != 1 || otps != 1 || resets != 1 {
		t.Fatalf("expected only unexpired rows to survive, got %d/%d/%d", challenges, otps, resets)
	}
}
