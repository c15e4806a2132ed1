package models

import (
	"time"

	"github.com/google/uuid"
)

type AuthenticatorType string

const (
	AuthenticatorTypeTOTP AuthenticatorType = "totp"
)

// Authenticator is a second-factor enrollment. Created unverified at
// setup-initiation; becomes active+verified only after the user proves
// possession of a valid code. A partial unique index enforces at most one
// active-and-verified authenticator per (user, type).
type Authenticator struct {
	BaseModel
	UserID uuid.UUID         `json:"userID" gorm:"type:uuid;not null;index"`
	Type   AuthenticatorType `json:"type" gorm:"type:varchar(20);not null;default:'totp'"`
	// Secret is AES-GCM encrypted at rest.
	Secret string `json:"-" gorm:"type:text;not null"`
	// BackupCodes is a JSON array of bcrypt hashes; each code is single-use.
	BackupCodes string     `json:"-" gorm:"type:text"`
	IsActive    bool       `json:"isActive" gorm:"default:false"`
	VerifiedAt  *time.Time `json:"verifiedAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	DeviceName  string     `json:"deviceName" gorm:"type:varchar(255)"`
	UserAgent   string     `json:"-" gorm:"type:text"`
	IPAddress   string     `json:"-" gorm:"type:varchar(45)"`

	User User `json:"-" gorm:"foreignKey:UserID"`
}

func (a *Authenticator) IsActiveAndVerified() bool {
	return a.IsActive && a.VerifiedAt != nil
}
