package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Page holds the extracted text of one physical page. PdfOrdinal is the
// 1-based physical position; DocumentLabel is the page number printed on the
// page itself, recovered from the footer, and empty when unreadable.
type Page struct {
	gorm.Model
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CompanyID     uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_page_company_ordinal" json:"company_id"`
	Company       *Company       `gorm:"constraint:OnDelete:CASCADE;foreignKey:CompanyID;references:ID" json:"company,omitempty"`
	PdfOrdinal    int            `gorm:"column:pdf_ordinal;not null;uniqueIndex:idx_page_company_ordinal" json:"pdf_ordinal"`
	DocumentLabel string         `gorm:"column:document_label;not null;default:''" json:"document_label"`
	Content       string         `gorm:"column:content" json:"content"`
	Facts         datatypes.JSON `gorm:"type:jsonb;column:facts" json:"facts"`
	Queries       datatypes.JSON `gorm:"type:jsonb;column:queries" json:"queries"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Page) TableName() string {
	return "page"
}
