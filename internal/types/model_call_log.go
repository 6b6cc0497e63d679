package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ModelCallLog is a best-effort audit row for one model call.
type ModelCallLog struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CompanyID *uuid.UUID     `gorm:"type:uuid;index" json:"company_id,omitempty"`
	CallType  string         `gorm:"column:call_type;not null" json:"call_type"`
	Model     string         `gorm:"column:model" json:"model"`
	Success   bool           `gorm:"column:success;not null" json:"success"`
	Error     string         `gorm:"column:error" json:"error"`
	Usage     datatypes.JSON `gorm:"type:jsonb;column:usage" json:"usage"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (ModelCallLog) TableName() string {
	return "model_call_log"
}
