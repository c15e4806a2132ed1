package utils

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	jwtSecret           = []byte("change-me-in-production")
	accessExpiryMinutes = 15
	refreshExpiryHours  = 24 * 7
)

// SessionPayload is the identity snapshot embedded in every access token.
// It is rebuilt from the database on each login and refresh, never patched.
type SessionPayload struct {
	UserID      uuid.UUID `json:"userID"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	TenantID    uuid.UUID `json:"tenantID"`
}

type Claims struct {
	SessionPayload
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	UserID    uuid.UUID `json:"userID"`
	Email     string    `json:"email"`
	TokenType string    `json:"tokenType"`
	jwt.RegisteredClaims
}

func ConfigureJWT(secret string, accessMinutes, refreshHours int) {
	if secret != "" {
		jwtSecret = []byte(secret)
	}
	if accessMinutes > 0 {
		accessExpiryMinutes = accessMinutes
	}
	if refreshHours > 0 {
		refreshExpiryHours = refreshHours
	}
}

func AccessTokenTTL() time.Duration {
	return time.Duration(accessExpiryMinutes) * time.Minute
}

func RefreshTokenTTL() time.Duration {
	return time.Duration(refreshExpiryHours) * time.Hour
}

func GenerateAccessToken(payload SessionPayload) (string, error) {
	now := time.Now()
	claims := Claims{
		SessionPayload: payload,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(accessExpiryMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   payload.UserID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func GenerateRefreshToken(userID uuid.UUID, email string) (string, error) {
	now := time.Now()
	claims := RefreshClaims{
		UserID:    userID,
		Email:     email,
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(refreshExpiryHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// ValidateRefreshToken verifies signature and expiry. Callers must not
// distinguish the failure modes in responses: expired and malformed tokens
// produce the same unauthorized error to the client.
func ValidateRefreshToken(tokenString string) (*RefreshClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RefreshClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*RefreshClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid refresh token")
	}

	if claims.TokenType != "refresh" {
		return nil, fmt.Errorf("invalid token type")
	}

	return claims, nil
}
