package models

import (
	"time"

	"github.com/google/uuid"
)

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRevoked  InvitationStatus = "revoked"
)

// Invitation is the tenant-join workflow record. The role it references is
// granted only upon acceptance. Status is explicit; terminal transitions
// also stamp DeletedAt so default soft-delete scoping hides settled rows.
type Invitation struct {
	BaseModel
	UserID    uuid.UUID        `json:"userID" gorm:"type:uuid;not null;index"`
	TenantID  uuid.UUID        `json:"tenantID" gorm:"type:uuid;not null;index"`
	RoleID    uuid.UUID        `json:"roleID" gorm:"type:uuid;not null"`
	InviterID uuid.UUID        `json:"inviterID" gorm:"type:uuid;not null"`
	TokenHash string           `json:"-" gorm:"type:varchar(64);not null;index"`
	Status    InvitationStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending'"`

	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`

	User   User   `json:"user,omitempty" gorm:"foreignKey:UserID"`
	Tenant Tenant `json:"tenant,omitempty" gorm:"foreignKey:TenantID"`
	Role   Role   `json:"role,omitempty" gorm:"foreignKey:RoleID"`
}
