package models

import (
	"time"

	"github.com/google/uuid"
)

// MFAOTP is an ephemeral email-delivered login code. Only the most recently
// issued, unexpired, unconsumed code for a user is valid; issuing a new one
// removes its predecessors.
type MFAOTP struct {
	BaseModel
	UserID    uuid.UUID `json:"-" gorm:"type:uuid;not null;index"`
	Code      string    `json:"-" gorm:"type:varchar(6);not null"`
	ExpiresAt time.Time `json:"-" gorm:"not null;index"`
	Consumed  bool      `json:"-" gorm:"default:false"`
	UserAgent string    `json:"-" gorm:"type:text"`
	IPAddress string    `json:"-" gorm:"type:varchar(45)"`
}
