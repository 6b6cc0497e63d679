package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/types"
)

type PageRepo interface {
	// Upsert writes pages keyed on (company_id, pdf_ordinal); re-processing a
	// page overwrites in place rather than duplicating.
	Upsert(ctx context.Context, tx *gorm.DB, pages []*types.Page) ([]*types.Page, error)
	GetByCompanyID(ctx context.Context, tx *gorm.DB, companyID uuid.UUID) ([]*types.Page, error)
	GetByOrdinals(ctx context.Context, tx *gorm.DB, companyID uuid.UUID, ordinals []int) ([]*types.Page, error)
	DeleteByCompanyID(ctx context.Context, tx *gorm.DB, companyID uuid.UUID) error
}

type pageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPageRepo(db *gorm.DB, baseLog *logger.Logger) PageRepo {
	return &pageRepo{db: db, log: baseLog.With("repo", "PageRepo")}
}

func (r *pageRepo) Upsert(ctx context.Context, tx *gorm.DB, pages []*types.Page) ([]*types.Page, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(pages) == 0 {
		return []*types.Page{}, nil
	}

	// Keep batches small because Content is large.
	const batchSize = 50

	if err := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "company_id"}, {Name: "pdf_ordinal"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"document_label", "content", "facts", "queries", "updated_at",
			}),
		}).
		CreateInBatches(pages, batchSize).Error; err != nil {
		return nil, err
	}
	return pages, nil
}

func (r *pageRepo) GetByCompanyID(ctx context.Context, tx *gorm.DB, companyID uuid.UUID) ([]*types.Page, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Page
	if err := transaction.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("pdf_ordinal ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *pageRepo) GetByOrdinals(ctx context.Context, tx *gorm.DB, companyID uuid.UUID, ordinals []int) ([]*types.Page, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Page
	if len(ordinals) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("company_id = ? AND pdf_ordinal IN ?", companyID, ordinals).
		Order("pdf_ordinal ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *pageRepo) DeleteByCompanyID(ctx context.Context, tx *gorm.DB, companyID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Unscoped().
		Where("company_id = ?", companyID).
		Delete(&types.Page{}).Error
}
