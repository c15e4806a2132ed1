package models

import "time"

type User struct {
	BaseModel
	Email        string     `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	Name         string     `json:"name" gorm:"type:varchar(200);not null"`
	PasswordHash string     `json:"-" gorm:"type:text;not null"`
	IsVerified   bool       `json:"isVerified" gorm:"default:false"`
	IsActive     bool       `json:"isActive" gorm:"default:true"`
	// MFAEnabled governs whether email-OTP MFA is required at login. It is
	// independent of TOTP/passkey enrollment.
	MFAEnabled bool       `json:"mfaEnabled" gorm:"default:false"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`

	UserTenants []UserTenant `json:"-" gorm:"foreignKey:UserID"`
	UserRoles   []UserRole   `json:"-" gorm:"foreignKey:UserID"`
}
