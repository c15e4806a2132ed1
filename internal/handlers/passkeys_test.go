package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerline/backend/internal/models"
)

func TestPasskeys_RegisterOptions_PersistsChallenge(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env.db, "pk-options@test.com", "password123")
	token := loginToken(t, env, user)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/register/options", map[string]interface{}{}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	data := responseData(t, resp)
	if data["options"] == nil {
		t.Fatal("expected creation options")
	}

	var challenge models.PasskeyChallenge
	err := env.db.First(&challenge, "user_id = ? AND type = ?", user.ID, models.PasskeyChallengeRegistration).Error
	if err != nil {
		t.Fatalf("expected persisted challenge: %v", err)
	}
	if challenge.LookupKey != user.Email {
		t.Fatalf("expected lookup key %q, got %q", user.Email, challenge.LookupKey)
	}
	if challenge.SessionData == "" {
		t.Fatal("expected serialized session data")
	}

	// Restarting replaces the pending challenge rather than stacking them.
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/register/options", map[string]interface{}{}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	var count int64
	env.db.Model(&models.PasskeyChallenge{}).
		Where("user_id = ? AND type = ?", user.ID, models.PasskeyChallengeRegistration).
		Count(&count)
	if count != 1 {
		t.Fatalf("expected a single pending challenge, got %d", count)
	}
}

func TestPasskeys_RegisterVerify_ExpiredChallenge(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env.db, "pk-expired@test.com", "password123")
	token := loginToken(t, env, user)

	challenge := models.PasskeyChallenge{
		UserID:      &user.ID,
		LookupKey:   user.Email,
		Type:        models.PasskeyChallengeRegistration,
		SessionData: "{}",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}
	if err := env.db.Create(&challenge).Error; err != nil {
		t.Fatalf("failed seeding challenge: %v", err)
	}

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/register/verify", map[string]interface{}{
		"name":     "My Key",
		"response": map[string]interface{}{},
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusBadRequest)

	body := decodeJSONMap(t, resp)
	if body["error"].(string) != "passkey challenge expired" {
		t.Fatalf("expected expiry error, got %v", body["error"])
	}
}

func TestPasskeys_RegisterVerify_NoChallenge(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env.db, "pk-nochallenge@test.com", "password123")
	token := loginToken(t, env, user)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/register/verify", map[string]interface{}{
		"response": map[string]interface{}{},
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestPasskeys_AuthOptions_UnknownEmailIsDiscoverable(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "pk-known@test.com", "password123")

	// Unknown email gets valid discoverable options, indistinguishable from
	// a known account with no passkeys.
	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/authenticate/options", map[string]interface{}{
		"email": "ghost@test.com",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	if responseData(t, resp)["options"] == nil {
		t.Fatal("expected request options")
	}

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/authenticate/options", map[string]interface{}{
		"email": "pk-known@test.com",
	}, nil)
	assertStatus(t, resp, http.StatusOK)

	// Anonymous challenges are keyed by the raw challenge value.
	var challenges []models.PasskeyChallenge
	env.db.Where("type = ?", models.PasskeyChallengeAuthentication).Find(&challenges)
	if len(challenges) != 2 {
		t.Fatalf("expected 2 stored challenges, got %d", len(challenges))
	}
	for _, ch := range challenges {
		if ch.UserID != nil {
			t.Fatal("passkey-less ceremonies must not be bound to a user")
		}
	}
}

func TestPasskeys_AuthVerify_UnknownCredential(t *testing.T) {
	env := setupTestEnv(t)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/authenticate/verify", map[string]interface{}{
		"response": map[string]interface{}{},
	}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestPasskeys_ListRenameDelete(t *testing.T) {
	env := setupTestEnv(t)
	owner, _ := createTestUser(t, env.db, "pk-owner@test.com", "password123")
	other, _ := createTestUser(t, env.db, "pk-other@test.com", "password123")
	ownerToken := loginToken(t, env, owner)
	otherToken := loginToken(t, env, other)

	cred := models.PasskeyCredential{
		UserID:       owner.ID,
		CredentialID: []byte("test-credential-id"),
		PublicKey:    []byte("test-public-key"),
		Name:         "Laptop",
		IsActive:     true,
	}
	if err := env.db.Create(&cred).Error; err != nil {
		t.Fatalf("failed seeding credential: %v", err)
	}

	resp := performRequest(t, env.app, http.MethodGet, "/api/auth/passkeys/", nil, authHeaders(ownerToken))
	assertStatus(t, resp, http.StatusOK)
	items := decodeJSONMap(t, resp)["data"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("expected 1 passkey, got %d", len(items))
	}

	// Another user cannot see, rename or delete it.
	resp = performRequest(t, env.app, http.MethodGet, "/api/auth/passkeys/", nil, authHeaders(otherToken))
	if len(decodeJSONMap(t, resp)["data"].([]interface{})) != 0 {
		t.Fatal("passkeys must be owner-scoped")
	}

	resp = performJSONRequest(t, env.app, http.MethodPut, "/api/auth/passkeys/"+cred.ID.String(), map[string]interface{}{
		"name": "Stolen",
	}, authHeaders(otherToken))
	assertStatus(t, resp, http.StatusNotFound)

	resp = performJSONRequest(t, env.app, http.MethodPut, "/api/auth/passkeys/"+cred.ID.String(), map[string]interface{}{
		"name": "Work Laptop",
	}, authHeaders(ownerToken))
	assertStatus(t, resp, http.StatusOK)

	resp = performRequest(t, env.app, http.MethodDelete, "/api/auth/passkeys/"+cred.ID.String(), nil, authHeaders(otherToken))
	assertStatus(t, resp, http.StatusNotFound)

	resp = performRequest(t, env.app, http.MethodDelete, "/api/auth/passkeys/"+cred.ID.String(), nil, authHeaders(ownerToken))
	assertStatus(t, resp, http.StatusOK)

	var remaining int64
	env.db.Model(&models.PasskeyCredential{}).Where("user_id = ?", owner.ID).Count(&remaining)
	if remaining != 0 {
		t.Fatalf("expected credential removed, %d remain", remaining)
	}
}

func TestPasskeys_Rename_InvalidID(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env.db, "pk-badid@test.com", "password123")
	token := loginToken(t, env, user)

	resp := performJSONRequest(t, env.app, http.MethodPut, "/api/auth/passkeys/not-a-uuid", map[string]interface{}{
		"name": "X",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusBadRequest)

	resp = performJSONRequest(t, env.app, http.MethodPut, "/api/auth/passkeys/"+uuid.NewString(), map[string]interface{}{
		"name": "X",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusNotFound)
}
