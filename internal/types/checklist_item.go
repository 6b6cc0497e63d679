package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ChecklistType string

const (
	ChecklistTypeEligibility   ChecklistType = "eligibility"
	ChecklistTypeDisclosure    ChecklistType = "disclosure"
	ChecklistTypeQuestionnaire ChecklistType = "questionnaire"
)

func ParseChecklistType(raw string) (ChecklistType, error) {
	switch ChecklistType(strings.ToLower(strings.TrimSpace(raw))) {
	case ChecklistTypeEligibility:
		return ChecklistTypeEligibility, nil
	case ChecklistTypeDisclosure:
		return ChecklistTypeDisclosure, nil
	case ChecklistTypeQuestionnaire:
		return ChecklistTypeQuestionnaire, nil
	default:
		return "", fmt.Errorf("unknown checklist type %q", raw)
	}
}

const (
	FlagStatusFlagged       = "FLAGGED"
	FlagStatusNotFlagged    = "NOT FLAGGED"
	FlagStatusFurtherReview = "REQUIRES FURTHER REVIEW"
)

// ChecklistItem is one scored checklist row. The full set for one
// (company, checklist_type) pair is replaced wholesale on every run.
type ChecklistItem struct {
	gorm.Model
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CompanyID     uuid.UUID      `gorm:"type:uuid;not null;index:idx_checklist_company_type" json:"company_id"`
	Company       *Company       `gorm:"constraint:OnDelete:CASCADE;foreignKey:CompanyID;references:ID" json:"company,omitempty"`
	ChecklistType ChecklistType  `gorm:"column:checklist_type;not null;index:idx_checklist_company_type" json:"checklist_type"`
	RowIndex      int            `gorm:"column:row_index;not null" json:"row_index"`
	Regulation    string         `gorm:"column:regulation" json:"regulation"`
	Particulars   string         `gorm:"column:particulars" json:"particulars"`
	FlagStatus    string         `gorm:"column:flag_status;not null" json:"flag_status"`
	Reasoning     string         `gorm:"column:reasoning" json:"reasoning"`
	PageNumbers   datatypes.JSON `gorm:"type:jsonb;column:page_numbers" json:"page_numbers"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (ChecklistItem) TableName() string {
	return "checklist_item"
}
