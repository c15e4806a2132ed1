package handlers

import (
	"net/http"
	"testing"

	"github.com/ledgerline/backend/internal/models"
)

func TestTenants_ListMine(t *testing.T) {
	env := setupTestEnv(t)
	user, tenant := createTestUser(t, env.db, "tenants-list@test.com", "password123")
	token := loginToken(t, env, user)

	resp := performRequest(t, env.app, http.MethodGet, "/api/tenants/", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	items := decodeJSONMap(t, resp)["data"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("expected 1 membership, got %d", len(items))
	}
	first := items[0].(map[string]interface{})
	if first["tenantID"].(string) != tenant.ID.String() {
		t.Fatalf("expected tenant %s, got %v", tenant.ID, first["tenantID"])
	}
}

func TestTenants_Switch(t *testing.T) {
	env := setupTestEnv(t)
	user, home := createTestUser(t, env.db, "tenants-switch@test.com", "password123")
	second := seedTenant(t, env.db, "Second Books")
	role := seedRole(t, env.db, "clerk", "ledger.read")
	env.db.Create(&models.UserTenant{UserID: user.ID, TenantID: second.ID})
	env.db.Create(&models.UserRole{UserID: user.ID, RoleID: role.ID, TenantID: second.ID})
	token := loginToken(t, env, user)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/tenants/switch", map[string]interface{}{
		"tenantID": second.ID.String(),
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	// New tokens carry the new tenant context.
	payload := responseData(t, resp)["user"].(map[string]interface{})
	if payload["tenantID"].(string) != second.ID.String() {
		t.Fatalf("expected tenant %s in payload, got %v", second.ID, payload["tenantID"])
	}

	// Exactly one primary membership afterwards.
	var primaries []models.UserTenant
	env.db.Where("user_id = ? AND is_primary = ?", user.ID, true).Find(&primaries)
	if len(primaries) != 1 {
		t.Fatalf("expected exactly one primary membership, got %d", len(primaries))
	}
	if primaries[0].TenantID != second.ID {
		t.Fatalf("expected primary to move to %s, got %s", second.ID, primaries[0].TenantID)
	}
	if primaries[0].TenantID == home.ID {
		t.Fatal("old primary flag must be cleared")
	}
}

func TestTenants_Switch_NotAMember(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env.db, "tenants-outsider@test.com", "password123")
	stranger := seedTenant(t, env.db, "Strangers Ltd")
	token := loginToken(t, env, user)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/tenants/switch", map[string]interface{}{
		"tenantID": stranger.ID.String(),
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusForbidden)
}
