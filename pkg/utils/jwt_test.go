package utils

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func configureTestJWT() {
	ConfigureJWT("unit-test-secret", 15, 168)
}

func samplePayload() SessionPayload {
	return SessionPayload{
		UserID:      uuid.New(),
		Name:        "Alice Example",
		Email:       "alice@example.com",
		Role:        "bookkeeper",
		Permissions: []string{"ledger.read", "ledger.write"},
		TenantID:    uuid.New(),
	}
}

func TestAccessToken_RoundTrip(t *testing.T) {
	configureTestJWT()
	payload := samplePayload()

	token, err := GenerateAccessToken(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claims, err := ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if claims.UserID != payload.UserID {
		t.Fatalf("expected user %s, got %s", payload.UserID, claims.UserID)
	}
	if claims.TenantID != payload.TenantID {
		t.Fatalf("expected tenant %s, got %s", payload.TenantID, claims.TenantID)
	}
	if claims.Role != payload.Role {
		t.Fatalf("expected role %q, got %q", payload.Role, claims.Role)
	}
	if len(claims.Permissions) != 2 {
		t.Fatalf("expected 2 permissions, got %d", len(claims.Permissions))
	}
}

func TestAccessToken_TamperedSignature(t *testing.T) {
	configureTestJWT()

	token, err := GenerateAccessToken(samplePayload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "." + "AAAA"

	if _, err := ValidateAccessToken(tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestRefreshToken_RoundTrip(t *testing.T) {
	configureTestJWT()
	userID := uuid.New()

	token, err := GenerateRefreshToken(userID, "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claims, err := ValidateRefreshToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, claims.UserID)
	}
}

func TestRefreshToken_NotValidAsAccessToken(t *testing.T) {
	configureTestJWT()

	refresh, err := GenerateRefreshToken(uuid.New(), "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	access, err := GenerateAccessToken(samplePayload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The two token kinds are not interchangeable in either direction.
	if _, err := ValidateRefreshToken(access); err == nil {
		t.Fatal("access token must not validate as refresh token")
	}
	if claims, err := ValidateAccessToken(refresh); err == nil && claims.UserID != uuid.Nil {
		// A refresh token parsed as access claims must not yield a usable
		// identity payload.
		if claims.Role != "" || claims.TenantID != uuid.Nil {
			t.Fatal("refresh token must not carry a session payload")
		}
	}
}
