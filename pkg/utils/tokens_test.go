package utils

import (
	"testing"
)

func TestGenerateSecureToken_UniqueAndURLSafe(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		token, err := GenerateSecureToken(32)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen[token] {
			t.Fatal("generated a duplicate token")
		}
		seen[token] = true
		for _, r := range token {
			if r == '+' || r == '/' || r == '=' {
				t.Fatalf("token contains non-URL-safe character: %q", token)
			}
		}
	}
}

func TestHashToken_DeterministicAndOneWay(t *testing.T) {
	token := "some-bearer-secret"

	first := HashToken(token)
	second := HashToken(token)
	if first != second {
		t.Fatal("fingerprint must be deterministic")
	}
	if first == token {
		t.Fatal("fingerprint must differ from the plaintext")
	}
	if HashToken("some-other-secret") == first {
		t.Fatal("different tokens must not collide")
	}
}

func TestGenerateOTPCode_DigitsOnly(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateOTPCode(6)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected 6 digits, got %q", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("expected numeric code, got %q", code)
			}
		}
	}
}

func TestConstantTimeEquals(t *testing.T) {
	if !ConstantTimeEquals("123456", "123456") {
		t.Fatal("equal strings must compare equal")
	}
	if ConstantTimeEquals("123456", "123457") {
		t.Fatal("different strings must not compare equal")
	}
	if ConstantTimeEquals("123456", "12345") {
		t.Fatal("different lengths must not compare equal")
	}
}

func TestPassword_HashAndCheck(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash == "correct horse battery staple" {
		t.Fatal("hash must differ from the password")
	}
	if !CheckPassword("correct horse battery staple", hash) {
		t.Fatal("correct password must verify")
	}
	if CheckPassword("wrong password", hash) {
		t.Fatal("wrong password must not verify")
	}
}
