package models

import (
	"time"

	"github.com/google/uuid"
)

type PasskeyCredential struct {
	BaseModel
	UserID          uuid.UUID `json:"userID" gorm:"type:uuid;index;not null"`
	CredentialID    []byte    `json:"-" gorm:"type:bytea;uniqueIndex;not null"`
	PublicKey       []byte    `json:"-" gorm:"type:bytea;not null"`
	AttestationType string    `json:"-" gorm:"type:varchar(64)"`
	AAGUID          []byte    `json:"-" gorm:"type:bytea"`
	// SignCount is monotonically non-decreasing across assertions. A stale
	// counter is treated as a cloning signal and fails the assertion.
	SignCount      uint32     `json:"-" gorm:"default:0"`
	Name           string     `json:"name" gorm:"type:varchar(255);not null"`
	CredentialType string     `json:"credentialType" gorm:"type:varchar(20)"`
	Transports     string     `json:"-" gorm:"type:text"`
	BackupEligible bool       `json:"backupEligible" gorm:"default:false"`
	BackupState    bool       `json:"backupState" gorm:"default:false"`
	IsActive       bool       `json:"isActive" gorm:"default:true"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
	UserAgent      string     `json:"-" gorm:"type:text"`
	IPAddress      string     `json:"-" gorm:"type:varchar(45)"`

	User User `json:"-" gorm:"foreignKey:UserID"`
}
