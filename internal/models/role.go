package models

import "github.com/google/uuid"

// SuperAdminRoleName is the reserved role that invitations may never grant.
const SuperAdminRoleName = "super_admin"

type Role struct {
	BaseModel
	Name     string `json:"name" gorm:"type:varchar(100);uniqueIndex;not null"`
	IsActive bool   `json:"isActive" gorm:"default:true"`

	Permissions []Permission `json:"permissions,omitempty" gorm:"many2many:role_permissions"`
}

type Permission struct {
	BaseModel
	Name string `json:"name" gorm:"type:varchar(100);uniqueIndex;not null"`
}

// UserRole grants a role to a user within a tenant.
type UserRole struct {
	BaseModel
	UserID   uuid.UUID `json:"userID" gorm:"type:uuid;not null;index;uniqueIndex:idx_user_role_tenant"`
	RoleID   uuid.UUID `json:"roleID" gorm:"type:uuid;not null;uniqueIndex:idx_user_role_tenant"`
	TenantID uuid.UUID `json:"tenantID" gorm:"type:uuid;not null;uniqueIndex:idx_user_role_tenant"`

	Role Role `json:"role,omitempty" gorm:"foreignKey:RoleID"`
}
