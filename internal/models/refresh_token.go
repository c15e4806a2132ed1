package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken is the server-side session record. Only the SHA-256
// fingerprint of the signed token is stored. Rotation revokes the row;
// logout revokes every row for the user.
type RefreshToken struct {
	BaseModel
	UserID    uuid.UUID `json:"userID" gorm:"type:uuid;not null;index"`
	TokenHash string    `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	UserAgent string    `json:"userAgent" gorm:"type:text"`
	IPAddress string    `json:"ipAddress" gorm:"type:varchar(45)"`
	Revoked   bool      `json:"revoked" gorm:"default:false;index"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"not null"`
}
