package models

import "github.com/google/uuid"

type Tenant struct {
	BaseModel
	Name     string `json:"name" gorm:"type:varchar(255);not null"`
	IsActive bool   `json:"isActive" gorm:"default:true"`
}

// UserTenant links a user to a tenant. At most one membership per user
// carries IsPrimary=true; reassignment always happens inside the same
// transaction as the write that triggers it.
type UserTenant struct {
	BaseModel
	UserID    uuid.UUID `json:"userID" gorm:"type:uuid;not null;index;uniqueIndex:idx_user_tenant"`
	TenantID  uuid.UUID `json:"tenantID" gorm:"type:uuid;not null;index;uniqueIndex:idx_user_tenant"`
	IsPrimary bool      `json:"isPrimary" gorm:"default:false"`

	User   User   `json:"-" gorm:"foreignKey:UserID"`
	Tenant Tenant `json:"tenant,omitempty" gorm:"foreignKey:TenantID"`
}
