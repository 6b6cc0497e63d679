package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Company is the document-issuing entity whose filing is being analyzed. It
// is the tenancy key for every page, vector point and checklist item.
type Company struct {
	gorm.Model
	ID                 uuid.UUID       `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RegistrationNumber string          `gorm:"column:registration_number;uniqueIndex;not null" json:"registration_number"`
	Name               string          `gorm:"column:name;not null" json:"name"`
	SourceFilePath     string          `gorm:"column:source_file_path" json:"source_file_path"`
	Pages              []Page          `gorm:"constraint:OnDelete:CASCADE;foreignKey:CompanyID;references:ID" json:"pages,omitempty"`
	ChecklistItems     []ChecklistItem `gorm:"constraint:OnDelete:CASCADE;foreignKey:CompanyID;references:ID" json:"checklist_items,omitempty"`
	CreatedAt          time.Time       `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"not null;default:now()" json:"updated_at"`
}

func (Company) TableName() string {
	return "company"
}
