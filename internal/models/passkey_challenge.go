package models

import (
	"time"

	"github.com/google/uuid"
)

type PasskeyChallengeType string

const (
	PasskeyChallengeRegistration   PasskeyChallengeType = "registration"
	PasskeyChallengeAuthentication PasskeyChallengeType = "authentication"
)

// PasskeyChallenge is the ceremony state between options issuance and
// verification. Rows live in the database so any serving instance can
// complete a ceremony another instance started. LookupKey is the user's
// email for known-user ceremonies, or the raw challenge value for anonymous
// discoverable-credential logins. Expired rows are rejected at lookup and
// swept periodically.
type PasskeyChallenge struct {
	BaseModel
	UserID      *uuid.UUID           `json:"-" gorm:"type:uuid;index"`
	LookupKey   string               `json:"-" gorm:"type:varchar(255);not null;index"`
	Type        PasskeyChallengeType `json:"-" gorm:"type:varchar(20);not null"`
	SessionData string               `json:"-" gorm:"type:text;not null"`
	ExpiresAt   time.Time            `json:"-" gorm:"not null;index"`
}
