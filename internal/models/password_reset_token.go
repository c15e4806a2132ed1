package models

import "time"

// PasswordResetToken holds only the hash of the reset secret; the plaintext
// is emailed once and never persisted.
type PasswordResetToken struct {
	BaseModel
	Email     string    `json:"-" gorm:"type:varchar(255);not null;index"`
	TokenHash string    `json:"-" gorm:"type:varchar(64);not null;index"`
	ExpiresAt time.Time `json:"-" gorm:"not null"`
}
