package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/types"
)

type ChecklistItemRepo interface {
	GetByCompanyAndType(ctx context.Context, tx *gorm.DB, companyID uuid.UUID, checklistType types.ChecklistType) ([]*types.ChecklistItem, error)
	// ReplaceForCompanyType atomically swaps the full result set for one
	// (company, checklist type) pair: the previous rows are deleted and the
	// new rows inserted inside a single transaction, so an interrupted run
	// never leaves a mixed old/new set behind.
	ReplaceForCompanyType(ctx context.Context, companyID uuid.UUID, checklistType types.ChecklistType, items []*types.ChecklistItem) error
}

type checklistItemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChecklistItemRepo(db *gorm.DB, baseLog *logger.Logger) ChecklistItemRepo {
	return &checklistItemRepo{db: db, log: baseLog.With("repo", "ChecklistItemRepo")}
}

func (r *checklistItemRepo) GetByCompanyAndType(ctx context.Context, tx *gorm.DB, companyID uuid.UUID, checklistType types.ChecklistType) ([]*types.ChecklistItem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.ChecklistItem
	if err := transaction.WithContext(ctx).
		Where("company_id = ? AND checklist_type = ?", companyID, checklistType).
		Order("row_index ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *checklistItemRepo) ReplaceForCompanyType(ctx context.Context, companyID uuid.UUID, checklistType types.ChecklistType, items []*types.ChecklistItem) error {
	const batchSize = 100
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().
			Where("company_id = ? AND checklist_type = ?", companyID, checklistType).
			Delete(&types.ChecklistItem{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.CreateInBatches(items, batchSize).Error
	})
}
